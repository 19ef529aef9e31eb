package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"saas-fulfillment/internal/metrics"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/pkg/logging"
)

// ProcessStatus is the acknowledgment-level result of a webhook delivery
type ProcessStatus string

const (
	StatusAccepted  ProcessStatus = "Accepted"
	StatusDuplicate ProcessStatus = "Duplicate"
	StatusRejected  ProcessStatus = "Rejected"
)

// RawNotification is an inbound webhook delivery as received on the wire
type RawNotification struct {
	Token string
	Body  []byte
}

// ProcessResult is returned for every delivery the sender should consider
// handled. Err carries the reason of a rejection.
type ProcessResult struct {
	Status         ProcessStatus
	NotificationID string
	Outcome        models.Outcome
	Err            error
}

// marketplaceNotification is the webhook payload of the fulfillment API
type marketplaceNotification struct {
	ID                     string `json:"id"`
	ActivityID             string `json:"activityId"`
	SubscriptionID         string `json:"subscriptionId"`
	PublisherID            string `json:"publisherId"`
	OfferID                string `json:"offerId"`
	PlanID                 string `json:"planId"`
	Quantity               int    `json:"quantity"`
	TimeStamp              string `json:"timeStamp"`
	Action                 string `json:"action"`
	Status                 string `json:"status"`
	OperationRequestSource string `json:"operationRequestSource"`
}

var wireActions = map[string]models.Action{
	"activate":       models.ActionActivate,
	"changeplan":     models.ActionChangePlan,
	"changequantity": models.ActionChangeQuantity,
	"suspend":        models.ActionSuspend,
	"reinstate":      models.ActionReinstate,
	"unsubscribe":    models.ActionCancel,
	"cancel":         models.ActionCancel,
	"renew":          models.ActionRenew,
}

// NormalizeAction maps marketplace action vocabulary onto lifecycle actions
func NormalizeAction(wire string) (models.Action, error) {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.TrimSpace(wire)))
	if action, ok := wireActions[key]; ok {
		return action, nil
	}
	return "", fmt.Errorf("action %q: %w", wire, models.ErrUnsupportedOperation)
}

// WebhookProcessor authenticates, deduplicates and normalizes marketplace
// notifications, then hands them to the reconciler.
type WebhookProcessor struct {
	validator  TokenValidator
	audit      AuditLog
	guard      InFlightGuard
	reconciler *Reconciler
	clock      models.Clock
}

// NewWebhookProcessor creates a processor. guard may be nil for a single
// worker deployment.
func NewWebhookProcessor(validator TokenValidator, audit AuditLog, guard InFlightGuard, reconciler *Reconciler, clock models.Clock) *WebhookProcessor {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &WebhookProcessor{
		validator:  validator,
		audit:      audit,
		guard:      guard,
		reconciler: reconciler,
		clock:      clock,
	}
}

// Process handles one delivery. A non-nil error means the delivery must not be
// acknowledged so that the sender redelivers it; everything else, including
// rejections, comes back as a ProcessResult.
func (p *WebhookProcessor) Process(ctx context.Context, raw RawNotification) (ProcessResult, error) {
	log := logging.Ctx(ctx)

	if err := p.validator.Validate(ctx, raw.Token); err != nil {
		// unauthenticated deliveries never get a terminal key
		p.reject(ctx, "", nil, err)
		log.Warn().Err(err).Msg("webhook authentication failed")
		return p.finish(ProcessResult{Status: StatusRejected, Err: err}), nil
	}

	var n marketplaceNotification
	if err := json.Unmarshal(raw.Body, &n); err != nil {
		err = fmt.Errorf("malformed payload: %v: %w", err, models.ErrInvalidNotification)
		p.reject(ctx, "", nil, err)
		return p.finish(ProcessResult{Status: StatusRejected, Err: err}), nil
	}
	if n.ID == "" || n.SubscriptionID == "" {
		err := fmt.Errorf("id and subscriptionId are required: %w", models.ErrInvalidNotification)
		p.reject(ctx, "", &n, err)
		return p.finish(ProcessResult{Status: StatusRejected, NotificationID: n.ID, Err: err}), nil
	}

	entry := log.With().Str("notification", n.ID).Str("subscription", n.SubscriptionID).Str("wire_action", n.Action).Logger()

	if prior, err := p.audit.FindByKey(ctx, n.ID); err == nil {
		entry.Info().Str("outcome", string(prior.Outcome)).Msg("duplicate notification")
		return p.finish(ProcessResult{Status: StatusDuplicate, NotificationID: n.ID, Outcome: prior.Outcome}), nil
	} else if !errors.Is(err, models.ErrRecordNotFound) {
		return p.fail(ProcessResult{NotificationID: n.ID}, fmt.Errorf("dedup lookup for %s: %w", n.ID, err))
	}

	if p.guard != nil {
		ok, err := p.guard.Acquire(ctx, n.ID)
		if err != nil {
			return p.fail(ProcessResult{NotificationID: n.ID}, err)
		}
		if !ok {
			metrics.WebhookNotificationsTotal.WithLabelValues("in_flight").Inc()
			return ProcessResult{NotificationID: n.ID}, fmt.Errorf("notification %s: %w", n.ID, models.ErrNotificationInFlight)
		}
		defer p.guard.Release(context.WithoutCancel(ctx), n.ID)
	}

	action, err := NormalizeAction(n.Action)
	if err != nil {
		p.reject(ctx, n.ID, &n, err)
		entry.Warn().Err(err).Msg("unsupported notification action")
		return p.finish(ProcessResult{Status: StatusRejected, NotificationID: n.ID, Outcome: models.OutcomeRejected, Err: err}), nil
	}

	ev := models.LifecycleEvent{
		ExternalID:      n.SubscriptionID,
		Action:          action,
		IdempotencyKey:  n.ID,
		OccurredAt:      p.occurredAt(n.TimeStamp),
		PlanID:          n.PlanID,
		Quantity:        n.Quantity,
		Source:          models.SourceWebhook,
		OperationID:     n.ID,
		OperationStatus: n.Status,
		CorrelationID:   logging.CorrelationID(ctx),
	}

	res, err := p.reconciler.Apply(ctx, ev)
	if err != nil {
		if models.IsTerminal(err) {
			return p.finish(ProcessResult{Status: StatusRejected, NotificationID: n.ID, Outcome: models.OutcomeRejected, Err: err}), nil
		}
		return p.fail(ProcessResult{NotificationID: n.ID}, err)
	}
	if res.Duplicate {
		return p.finish(ProcessResult{Status: StatusDuplicate, NotificationID: n.ID, Outcome: res.Outcome}), nil
	}
	return p.finish(ProcessResult{Status: StatusAccepted, NotificationID: n.ID, Outcome: res.Outcome}), nil
}

func (p *WebhookProcessor) occurredAt(ts string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
	}
	return p.clock.Now()
}

// reject audits a delivery that never reached the reconciler
func (p *WebhookProcessor) reject(ctx context.Context, key string, n *marketplaceNotification, cause error) {
	entry := models.NewAuditEntry(key, models.OutcomeRejected)
	entry.CorrelationID = logging.CorrelationID(ctx)
	entry.Source = models.SourceWebhook
	entry.Detail = cause.Error()
	entry.OccurredAt = p.clock.Now()
	if n != nil {
		entry.ExternalID = n.SubscriptionID
		entry.Action = n.Action
	}
	if err := p.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to audit rejected notification")
	}
}

func (p *WebhookProcessor) finish(res ProcessResult) ProcessResult {
	metrics.WebhookNotificationsTotal.WithLabelValues(strings.ToLower(string(res.Status))).Inc()
	return res
}

func (p *WebhookProcessor) fail(res ProcessResult, err error) (ProcessResult, error) {
	metrics.WebhookNotificationsTotal.WithLabelValues("failed").Inc()
	return res, err
}
