package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/database"
	"saas-fulfillment/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeFulfillment is an in-memory marketplace. Mutations change the remote
// record the way the real service does.
type fakeFulfillment struct {
	mu     sync.Mutex
	remote map[string]*models.SubscriptionSnapshot
	tokens map[string]string
	plans  []models.Plan
	calls  []string
	errs   map[string]error

	onActivate   func()
	onUpdatePlan func()
}

func newFakeFulfillment() *fakeFulfillment {
	return &fakeFulfillment{
		remote: map[string]*models.SubscriptionSnapshot{},
		tokens: map[string]string{},
		errs:   map[string]error{},
	}
}

func (f *fakeFulfillment) put(snap models.SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[snap.ExternalID] = &snap
}

func (f *fakeFulfillment) setState(id string, state models.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[id].State = state
}

func (f *fakeFulfillment) failWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeFulfillment) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFulfillment) count(op string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == op {
			n++
		}
	}
	return n
}

// begin records a call and returns the configured error for it
func (f *fakeFulfillment) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.errs[op]
}

func (f *fakeFulfillment) lookup(op, id string) (*models.SubscriptionSnapshot, error) {
	snap, ok := f.remote[id]
	if !ok {
		return nil, &FulfillmentError{Operation: op, Kind: KindNotFound, StatusCode: 404}
	}
	return snap, nil
}

func (f *fakeFulfillment) ResolvePurchaseToken(ctx context.Context, token string) (*models.SubscriptionSnapshot, error) {
	if err := f.begin("resolve"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, &FulfillmentError{Operation: "resolve", Kind: KindBadRequest, StatusCode: 400}
	}
	snap, err := f.lookup("resolve", id)
	if err != nil {
		return nil, err
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeFulfillment) GetSubscription(ctx context.Context, externalID string) (*models.SubscriptionSnapshot, error) {
	if err := f.begin("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup("get", externalID)
	if err != nil {
		return nil, err
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeFulfillment) ListPlans(ctx context.Context, externalID string) ([]models.Plan, error) {
	if err := f.begin("list_plans"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Plan(nil), f.plans...), nil
}

func (f *fakeFulfillment) ConfirmActivation(ctx context.Context, externalID, planID string, quantity int) error {
	if f.onActivate != nil {
		f.onActivate()
	}
	if err := f.begin("activate"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup("activate", externalID)
	if err != nil {
		return err
	}
	snap.State = models.StateActive
	snap.PlanID = planID
	return nil
}

func (f *fakeFulfillment) UpdateSubscription(ctx context.Context, externalID, planID string) error {
	if f.onUpdatePlan != nil {
		f.onUpdatePlan()
	}
	if err := f.begin("update_plan"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup("update_plan", externalID)
	if err != nil {
		return err
	}
	snap.PlanID = planID
	return nil
}

func (f *fakeFulfillment) UpdateQuantity(ctx context.Context, externalID string, quantity int) error {
	if err := f.begin("update_quantity"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup("update_quantity", externalID)
	if err != nil {
		return err
	}
	snap.Quantity = quantity
	return nil
}

func (f *fakeFulfillment) CancelSubscription(ctx context.Context, externalID string) error {
	if err := f.begin("cancel"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.lookup("cancel", externalID)
	if err != nil {
		return err
	}
	snap.State = models.StateCancelled
	return nil
}

func (f *fakeFulfillment) UpdateOperationStatus(ctx context.Context, externalID, operationID, status string) error {
	return f.begin("update_operation:" + status)
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (n *recordingNotifier) Notify(ctx context.Context, t models.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
	return nil
}

func (n *recordingNotifier) all() []models.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Transition(nil), n.transitions...)
}

type reconcilerEnv struct {
	db       *gorm.DB
	subs     *database.SubscriptionRepo
	audit    *database.AuditRepo
	plans    *database.PlanRepo
	client   *fakeFulfillment
	notifier *recordingNotifier
	rec      *Reconciler
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &reconcilerEnv{
		db:       db,
		subs:     database.NewSubscriptionRepo(db),
		audit:    database.NewAuditRepo(db),
		plans:    database.NewPlanRepo(db),
		client:   newFakeFulfillment(),
		notifier: &recordingNotifier{},
	}
	env.rec = NewReconciler(env.subs, env.audit, env.plans, env.client, env.notifier,
		models.FixedClock{FixedTime: testNow},
		config.ReconcilerConfig{MaxAttempts: 3, PersistTimeout: 5 * time.Second})
	return env
}

// seed stores a local subscription and its matching remote record
func (e *reconcilerEnv) seed(t *testing.T, id string, state models.State, planID string) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		ExternalID:     id,
		OfferID:        "O1",
		PlanID:         planID,
		Quantity:       1,
		State:          state,
		PurchaserEmail: "buyer@example.com",
	}
	require.NoError(t, e.subs.Insert(context.Background(), sub))
	e.client.put(models.SubscriptionSnapshot{
		ExternalID:     id,
		OfferID:        "O1",
		PlanID:         planID,
		Quantity:       1,
		State:          state,
		PurchaserEmail: "buyer@example.com",
	})
	return sub
}

func (e *reconcilerEnv) seedPlans(t *testing.T, planIDs ...string) {
	t.Helper()
	plans := make([]models.Plan, 0, len(planIDs))
	for _, id := range planIDs {
		plans = append(plans, models.Plan{PlanID: id, DisplayName: id})
	}
	require.NoError(t, e.plans.UpsertPlans(context.Background(), "O1", plans))
}

func (e *reconcilerEnv) load(t *testing.T, id string) *models.Subscription {
	t.Helper()
	sub, err := e.subs.GetByExternalID(context.Background(), id)
	require.NoError(t, err)
	return sub
}
