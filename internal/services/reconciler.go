package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/metrics"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/pkg/logging"
)

// Result describes what Apply did with one lifecycle event
type Result struct {
	Subscription *models.Subscription
	Outcome      models.Outcome
	OldState     models.State
	NewState     models.State
	// Duplicate is set when the idempotency key already had a terminal outcome
	Duplicate bool
}

// Reconciler drives the subscription state machine. It is the only writer of
// subscription state.
type Reconciler struct {
	store    SubscriptionStore
	audit    AuditLog
	catalog  PlanCatalog
	client   FulfillmentClient
	notifier Notifier
	clock    models.Clock

	maxAttempts    int
	persistTimeout time.Duration
}

// NewReconciler creates a reconciler. notifier and catalog may be nil.
func NewReconciler(store SubscriptionStore, audit AuditLog, catalog PlanCatalog, client FulfillmentClient, notifier Notifier, clock models.Clock, cfg config.ReconcilerConfig) *Reconciler {
	if clock == nil {
		clock = models.RealClock{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &Reconciler{
		store:          store,
		audit:          audit,
		catalog:        catalog,
		client:         client,
		notifier:       notifier,
		clock:          clock,
		maxAttempts:    maxAttempts,
		persistTimeout: persistTimeout,
	}
}

// Apply processes one lifecycle event. Every outcome, including failures, is
// audited before Apply returns.
func (r *Reconciler) Apply(ctx context.Context, ev models.LifecycleEvent) (*Result, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.clock.Now()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = logging.CorrelationID(ctx)
	}
	log := logging.Ctx(ctx).With().
		Str("subscription", ev.ExternalID).
		Str("action", string(ev.Action)).
		Str("source", string(ev.Source)).
		Str("idempotency_key", ev.IdempotencyKey).
		Logger()

	res, err := r.priorOutcome(ctx, ev)
	if err != nil {
		// the key stays with the subscription that recorded it
		keyless := ev
		keyless.IdempotencyKey = ""
		r.record(ctx, keyless, models.OutcomeRejected, "", "", err.Error())
		metrics.ReconcileOutcomesTotal.WithLabelValues(string(ev.Action), string(models.OutcomeRejected)).Inc()
		log.Warn().Err(err).Msg("idempotency key reused")
		return nil, err
	}
	if res != nil {
		log.Info().Str("outcome", string(res.Outcome)).Msg("event already processed")
		return res, nil
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err = r.attempt(ctx, ev)
		if !errors.Is(err, models.ErrVersionConflict) {
			break
		}
		metrics.ReconcileConflictRetriesTotal.Inc()
		log.Warn().Int("attempt", attempt).Msg("subscription changed concurrently, reloading")
	}
	if errors.Is(err, models.ErrVersionConflict) {
		err = fmt.Errorf("%s after %d attempts: %w", ev.Action, r.maxAttempts, models.ErrConcurrency)
	}

	if err != nil {
		outcome := models.OutcomeFailed
		if models.IsTerminal(err) {
			outcome = models.OutcomeRejected
		}
		r.record(ctx, ev, outcome, "", "", err.Error())
		metrics.ReconcileOutcomesTotal.WithLabelValues(string(ev.Action), string(outcome)).Inc()
		log.Warn().Err(err).Str("outcome", string(outcome)).Msg("lifecycle event failed")
		return nil, err
	}

	if appendErr := r.record(ctx, ev, res.Outcome, res.OldState, res.NewState, ""); errors.Is(appendErr, models.ErrDuplicate) {
		// a concurrent delivery with the same key committed first
		res.Duplicate = true
	}
	metrics.ReconcileOutcomesTotal.WithLabelValues(string(ev.Action), string(res.Outcome)).Inc()
	log.Info().
		Str("outcome", string(res.Outcome)).
		Str("old_state", string(res.OldState)).
		Str("new_state", string(res.NewState)).
		Int64("version", res.Subscription.Version).
		Msg("lifecycle event processed")

	if res.Outcome != models.OutcomeIgnored && !res.Duplicate {
		r.notify(ctx, ev, res)
	}
	return res, nil
}

// priorOutcome returns the recorded result for an idempotency key that already
// reached a terminal outcome, or nil when the key is new. A key recorded for
// another subscription is refused.
func (r *Reconciler) priorOutcome(ctx context.Context, ev models.LifecycleEvent) (*Result, error) {
	if ev.IdempotencyKey == "" {
		return nil, nil
	}
	entry, err := r.audit.FindByKey(ctx, ev.IdempotencyKey)
	if err != nil {
		if !errors.Is(err, models.ErrRecordNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Str("idempotency_key", ev.IdempotencyKey).Msg("audit lookup failed")
		}
		return nil, nil
	}
	if entry.ExternalID != "" && entry.ExternalID != ev.ExternalID {
		return nil, fmt.Errorf("key %q recorded for %s: %w", ev.IdempotencyKey, entry.ExternalID, models.ErrIdempotencyKeyReused)
	}
	res := &Result{Outcome: entry.Outcome, OldState: entry.OldState, NewState: entry.NewState, Duplicate: true}
	if sub, err := r.store.GetByExternalID(ctx, ev.ExternalID); err == nil {
		res.Subscription = sub
	}
	return res, nil
}

// attempt runs one load/decide/persist cycle. A models.ErrVersionConflict
// result means the caller should reload and try again.
func (r *Reconciler) attempt(ctx context.Context, ev models.LifecycleEvent) (*Result, error) {
	sub, err := r.load(ctx, ev)
	if err != nil {
		return nil, err
	}
	old := sub.State

	next, noop, err := NextState(sub.State, ev.Action)
	if err != nil {
		return nil, err
	}
	if noop {
		if ev.AwaitsAcknowledgement() {
			r.acknowledge(ctx, ev, models.OperationFailure)
		}
		return &Result{Subscription: sub, Outcome: models.OutcomeIgnored, OldState: old, NewState: old}, nil
	}
	if err := r.validateTarget(ctx, sub, ev); err != nil {
		return nil, err
	}

	remote, err := r.client.GetSubscription(ctx, sub.ExternalID)
	if err != nil {
		return nil, err
	}

	updated := *sub
	outcome := models.OutcomeApplied
	switch {
	case remote.State == models.StateCancelled && next != models.StateCancelled:
		adoptRemote(&updated, remote)
		outcome = models.OutcomeReconciled
		if ev.AwaitsAcknowledgement() {
			r.acknowledge(ctx, ev, models.OperationFailure)
		}

	case reported(ev):
		if remote.State != models.StatePendingActivation && remote.State != next {
			adoptRemote(&updated, remote)
			outcome = models.OutcomeReconciled
		} else {
			applyEvent(&updated, ev, next)
		}

	default:
		applyEvent(&updated, ev, next)
		if err := r.drive(ctx, ev, &updated, remote); err != nil {
			return nil, err
		}
	}

	now := r.clock.Now()
	updated.LastConfirmedAt = &now

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("processing deadline passed before persisting: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	if err := r.store.UpdateWithVersionCheck(pctx, &updated); err != nil {
		return nil, err
	}

	return &Result{Subscription: &updated, Outcome: outcome, OldState: old, NewState: updated.State}, nil
}

// load fetches the local subscription. An activation for an unknown
// subscription creates it from the authoritative remote record.
func (r *Reconciler) load(ctx context.Context, ev models.LifecycleEvent) (*models.Subscription, error) {
	sub, err := r.store.GetByExternalID(ctx, ev.ExternalID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, models.ErrRecordNotFound) {
		return nil, err
	}
	if ev.Action != models.ActionActivate {
		return nil, fmt.Errorf("subscription %s: %w", ev.ExternalID, models.ErrNotFound)
	}

	snap, err := r.client.GetSubscription(ctx, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	sub = models.NewSubscriptionFromSnapshot(snap, r.clock.Now())
	sub.ExternalID = ev.ExternalID
	sub.State = models.StatePendingActivation

	pctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	if err := r.store.Insert(pctx, sub); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, fmt.Errorf("subscription %s created concurrently: %w", ev.ExternalID, models.ErrVersionConflict)
		}
		return nil, err
	}
	return sub, nil
}

// validateTarget checks the arguments of plan and quantity changes. Plans
// reported by the marketplace are trusted; requested ones must be in the
// catalog and enabled for the action.
func (r *Reconciler) validateTarget(ctx context.Context, sub *models.Subscription, ev models.LifecycleEvent) error {
	switch ev.Action {
	case models.ActionChangePlan:
		if ev.PlanID == "" {
			return fmt.Errorf("change-plan without target plan: %w", models.ErrInvalidTransition)
		}
		if ev.Source == models.SourceWebhook || r.catalog == nil {
			return nil
		}
		if err := r.knownPlan(ctx, sub, ev.PlanID); err != nil {
			return err
		}
		allowed, err := r.catalog.IsActionAllowed(ctx, ev.PlanID, models.ActionChangePlan)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("change to plan %s is disabled: %w", ev.PlanID, models.ErrInvalidTransition)
		}
	case models.ActionChangeQuantity:
		if ev.Quantity <= 0 {
			return fmt.Errorf("change-quantity requires a positive quantity: %w", models.ErrInvalidTransition)
		}
	}
	return nil
}

// knownPlan looks the plan up in the catalog, refreshing the catalog from the
// marketplace once when the plan is missing.
func (r *Reconciler) knownPlan(ctx context.Context, sub *models.Subscription, planID string) error {
	_, err := r.catalog.GetPlan(ctx, sub.OfferID, planID)
	if !errors.Is(err, models.ErrRecordNotFound) {
		return err
	}
	if _, err := r.syncCatalog(ctx, sub); err != nil {
		return err
	}
	if _, err := r.catalog.GetPlan(ctx, sub.OfferID, planID); err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return fmt.Errorf("plan %s is not offered for %s: %w", planID, sub.OfferID, models.ErrInvalidTransition)
		}
		return err
	}
	return nil
}

// reported actions already happened on the marketplace; the remote record is
// authoritative for them.
func reported(ev models.LifecycleEvent) bool {
	if ev.AwaitsAcknowledgement() {
		return false
	}
	switch ev.Action {
	case models.ActionSuspend, models.ActionReinstate, models.ActionRenew:
		return true
	case models.ActionActivate:
		return false
	}
	return ev.Source == models.SourceWebhook
}

// drive performs the remote side of a locally initiated action
func (r *Reconciler) drive(ctx context.Context, ev models.LifecycleEvent, sub *models.Subscription, remote *models.SubscriptionSnapshot) error {
	if ev.AwaitsAcknowledgement() {
		return r.client.UpdateOperationStatus(ctx, sub.ExternalID, ev.OperationID, models.OperationSuccess)
	}
	switch ev.Action {
	case models.ActionActivate:
		if remote.State == models.StateActive {
			return nil
		}
		return r.client.ConfirmActivation(ctx, sub.ExternalID, sub.PlanID, sub.Quantity)
	case models.ActionChangePlan:
		return r.client.UpdateSubscription(ctx, sub.ExternalID, sub.PlanID)
	case models.ActionChangeQuantity:
		return r.client.UpdateQuantity(ctx, sub.ExternalID, sub.Quantity)
	case models.ActionCancel:
		if remote.State == models.StateCancelled {
			return nil
		}
		return r.client.CancelSubscription(ctx, sub.ExternalID)
	}
	return nil
}

func (r *Reconciler) acknowledge(ctx context.Context, ev models.LifecycleEvent, status string) {
	if err := r.client.UpdateOperationStatus(ctx, ev.ExternalID, ev.OperationID, status); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("operation_id", ev.OperationID).Msg("failed to acknowledge marketplace operation")
	}
}

func applyEvent(sub *models.Subscription, ev models.LifecycleEvent, next models.State) {
	sub.State = next
	if ev.PlanID != "" && (ev.Action == models.ActionChangePlan || ev.Action == models.ActionActivate) {
		sub.PlanID = ev.PlanID
	}
	if ev.Quantity > 0 && (ev.Action == models.ActionChangeQuantity || ev.Action == models.ActionActivate) {
		sub.Quantity = ev.Quantity
	}
}

func adoptRemote(sub *models.Subscription, remote *models.SubscriptionSnapshot) {
	sub.State = remote.State
	if remote.PlanID != "" {
		sub.PlanID = remote.PlanID
	}
	if remote.Quantity > 0 {
		sub.Quantity = remote.Quantity
	}
}

// record appends an audit entry. Audit writes outlive the request deadline so
// that failures caused by it are still recorded.
func (r *Reconciler) record(ctx context.Context, ev models.LifecycleEvent, outcome models.Outcome, oldState, newState models.State, detail string) error {
	entry := models.NewAuditEntry(ev.IdempotencyKey, outcome)
	entry.CorrelationID = ev.CorrelationID
	entry.ExternalID = ev.ExternalID
	entry.Action = string(ev.Action)
	entry.Source = ev.Source
	entry.OldState = oldState
	entry.NewState = newState
	entry.Detail = detail
	entry.OccurredAt = ev.OccurredAt

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	err := r.audit.Append(actx, entry)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("idempotency_key", ev.IdempotencyKey).Msg("failed to append audit entry")
	}
	return err
}

func (r *Reconciler) notify(ctx context.Context, ev models.LifecycleEvent, res *Result) {
	if r.notifier == nil {
		return
	}
	sub := res.Subscription
	t := models.Transition{
		SubscriptionID: sub.ID,
		ExternalID:     sub.ExternalID,
		OfferID:        sub.OfferID,
		PlanID:         sub.PlanID,
		Quantity:       sub.Quantity,
		Action:         ev.Action,
		OldState:       res.OldState,
		NewState:       res.NewState,
		Outcome:        res.Outcome,
		PurchaserEmail: sub.PurchaserEmail,
		OccurredAt:     ev.OccurredAt,
		CorrelationID:  ev.CorrelationID,
	}
	if err := r.notifier.Notify(ctx, t); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("subscription", sub.ExternalID).Msg("notification dispatch failed")
	}
}

// Resolve exchanges a landing-page purchase token for the subscription and
// records it locally as pending activation when it is new.
func (r *Reconciler) Resolve(ctx context.Context, token string) (*models.Subscription, error) {
	snap, err := r.client.ResolvePurchaseToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if snap.ExternalID == "" {
		return nil, fmt.Errorf("resolve returned no subscription id: %w", models.ErrNotFound)
	}

	existing, err := r.store.GetByExternalID(ctx, snap.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrRecordNotFound) {
		return nil, err
	}

	sub := models.NewSubscriptionFromSnapshot(snap, r.clock.Now())
	if sub.State != models.StateCancelled {
		sub.State = models.StatePendingActivation
	}
	pctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()
	if err := r.store.Insert(pctx, sub); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return r.store.GetByExternalID(ctx, snap.ExternalID)
		}
		return nil, err
	}

	ev := models.LifecycleEvent{
		ExternalID:    sub.ExternalID,
		Action:        models.ActionActivate,
		Source:        models.SourceCustomer,
		OccurredAt:    r.clock.Now(),
		CorrelationID: logging.CorrelationID(ctx),
	}
	r.record(ctx, ev, models.OutcomeApplied, "", sub.State, "resolved purchase token")
	logging.Ctx(ctx).Info().Str("subscription", sub.ExternalID).Str("offer", sub.OfferID).Msg("subscription resolved")
	return sub, nil
}

// Refresh re-synchronizes a subscription with the marketplace record
func (r *Reconciler) Refresh(ctx context.Context, externalID string) (*Result, error) {
	return r.Apply(ctx, models.LifecycleEvent{
		ExternalID: externalID,
		Action:     models.ActionRenew,
		Source:     models.SourceOperator,
		OccurredAt: r.clock.Now(),
	})
}

// SyncPlans refreshes the plan catalog from the plans available to a subscription
func (r *Reconciler) SyncPlans(ctx context.Context, externalID string) ([]models.Plan, error) {
	if r.catalog == nil {
		return nil, fmt.Errorf("plan catalog not configured")
	}
	sub, err := r.store.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, fmt.Errorf("subscription %s: %w", externalID, models.ErrNotFound)
		}
		return nil, err
	}
	return r.syncCatalog(ctx, sub)
}

func (r *Reconciler) syncCatalog(ctx context.Context, sub *models.Subscription) ([]models.Plan, error) {
	plans, err := r.client.ListPlans(ctx, sub.ExternalID)
	if err != nil {
		return nil, err
	}
	if err := r.catalog.UpsertOffer(ctx, &models.Offer{OfferID: sub.OfferID}); err != nil {
		return nil, fmt.Errorf("failed to store offer %s: %w", sub.OfferID, err)
	}
	if err := r.catalog.UpsertPlans(ctx, sub.OfferID, plans); err != nil {
		return nil, fmt.Errorf("failed to store plans for %s: %w", sub.OfferID, err)
	}
	logging.Ctx(ctx).Info().Str("offer", sub.OfferID).Int("plans", len(plans)).Msg("plan catalog synchronized")
	return plans, nil
}
