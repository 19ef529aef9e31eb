package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorEnv struct {
	*reconcilerEnv
	guard *MemoryInFlightGuard
	proc  *WebhookProcessor
	token string
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()
	env := newReconcilerEnv(t)
	guard := NewMemoryInFlightGuard(time.Minute)
	t.Cleanup(guard.Stop)

	validator := NewSharedSecretValidator(config.WebhookConfig{SharedSecret: "hook-secret"})
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("hook-secret"))
	require.NoError(t, err)

	return &processorEnv{
		reconcilerEnv: env,
		guard:         guard,
		proc:          NewWebhookProcessor(validator, env.audit, guard, env.rec, models.FixedClock{FixedTime: testNow}),
		token:         token,
	}
}

func (e *processorEnv) deliver(t *testing.T, payload map[string]interface{}) (ProcessResult, error) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.proc.Process(context.Background(), RawNotification{Token: e.token, Body: body})
}

func notification(id, subscription, action string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"activityId":     "act-" + id,
		"subscriptionId": subscription,
		"publisherId":    "contoso",
		"offerId":        "O1",
		"planId":         "P1",
		"quantity":       1,
		"timeStamp":      "2026-03-01T11:59:00Z",
		"action":         action,
		"status":         "Succeeded",
	}
}

func TestWebhookProcessor_Scenarios(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()
	env.client.put(models.SubscriptionSnapshot{ExternalID: "S1", OfferID: "O1", PlanID: "P1", Quantity: 1, State: models.StatePendingActivation})

	// activation of an unknown subscription
	res, err := env.deliver(t, notification("N1", "S1", "Activate"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)
	sub := env.load(t, "S1")
	assert.Equal(t, models.StateActive, sub.State)
	assert.Equal(t, "P1", sub.PlanID)

	// replay of the same notification
	res, err = env.deliver(t, notification("N1", "S1", "Activate"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, sub.Version, env.load(t, "S1").Version)

	// suspend then reinstate
	env.client.setState("S1", models.StateSuspended)
	res, err = env.deliver(t, notification("N2", "S1", "Suspend"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, models.StateSuspended, env.load(t, "S1").State)

	env.client.setState("S1", models.StateActive)
	res, err = env.deliver(t, notification("N3", "S1", "Reinstate"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, models.StateActive, env.load(t, "S1").State)

	// reinstate on an active subscription
	before := env.load(t, "S1")
	res, err = env.deliver(t, notification("N4", "S1", "Reinstate"))
	require.NoError(t, err, "terminal failures are acknowledged")
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrInvalidTransition)
	after := env.load(t, "S1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Version, after.Version)

	entry, err := env.audit.FindByKey(ctx, "N4")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, entry.Outcome)
}

func TestWebhookProcessor_ActivationTimeoutIsNotAcknowledged(t *testing.T) {
	env := newProcessorEnv(t)
	env.client.put(models.SubscriptionSnapshot{ExternalID: "S1", OfferID: "O1", PlanID: "P1", State: models.StatePendingActivation})
	env.client.failWith("activate", &FulfillmentError{Operation: "activate", Kind: KindTimeout, Attempts: 3})

	_, err := env.deliver(t, notification("N1", "S1", "Activate"))
	require.ErrorIs(t, err, models.ErrRemoteUnavailable)
	assert.Equal(t, models.StatePendingActivation, env.load(t, "S1").State)

	// the claim is released so the redelivery is processed
	env.client.failWith("activate", nil)
	res, err := env.deliver(t, notification("N1", "S1", "Activate"))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
}

func TestWebhookProcessor_AuthenticationFailure(t *testing.T) {
	env := newProcessorEnv(t)
	ctx := context.Background()
	body, _ := json.Marshal(notification("N1", "S1", "Suspend"))

	res, err := env.proc.Process(ctx, RawNotification{Token: "forged", Body: body})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrAuthentication)

	// the forged delivery does not poison the id
	_, err = env.audit.FindByKey(ctx, "N1")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
	assert.Empty(t, env.client.callLog())
}

func TestWebhookProcessor_InvalidPayload(t *testing.T) {
	env := newProcessorEnv(t)

	res, err := env.proc.Process(context.Background(), RawNotification{Token: env.token, Body: []byte("{not json")})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrInvalidNotification)

	res, err = env.deliver(t, map[string]interface{}{"action": "Suspend"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrInvalidNotification)
}

func TestWebhookProcessor_UnsupportedAction(t *testing.T) {
	env := newProcessorEnv(t)
	env.seed(t, "S1", models.StateActive, "P1")

	res, err := env.deliver(t, notification("N7", "S1", "Transfer"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrUnsupportedOperation)

	res, err = env.deliver(t, notification("N7", "S1", "Transfer"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
}

func TestWebhookProcessor_UnknownSubscriptionIsRejected(t *testing.T) {
	env := newProcessorEnv(t)

	res, err := env.deliver(t, notification("N8", "ghost", "Suspend"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrNotFound)
}

func TestWebhookProcessor_InFlightDuplicate(t *testing.T) {
	env := newProcessorEnv(t)
	env.seed(t, "S1", models.StateActive, "P1")

	ok, err := env.guard.Acquire(context.Background(), "N1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.deliver(t, notification("N1", "S1", "Renew"))
	assert.ErrorIs(t, err, models.ErrNotificationInFlight)
	assert.False(t, models.IsTerminal(err))
	assert.Equal(t, int64(1), env.load(t, "S1").Version)
}

func TestNormalizeAction(t *testing.T) {
	cases := map[string]models.Action{
		"Activate":       models.ActionActivate,
		"ChangePlan":     models.ActionChangePlan,
		"changeplan":     models.ActionChangePlan,
		"change-plan":    models.ActionChangePlan,
		"ChangeQuantity": models.ActionChangeQuantity,
		"Suspend":        models.ActionSuspend,
		"Reinstate":      models.ActionReinstate,
		"Unsubscribe":    models.ActionCancel,
		"Cancel":         models.ActionCancel,
		"Renew":          models.ActionRenew,
	}
	for wire, want := range cases {
		got, err := NormalizeAction(wire)
		require.NoError(t, err, wire)
		assert.Equal(t, want, got, wire)
	}

	_, err := NormalizeAction("Transfer")
	assert.ErrorIs(t, err, models.ErrUnsupportedOperation)
}
