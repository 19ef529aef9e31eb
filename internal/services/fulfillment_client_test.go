package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFulfillmentClient(url string, attempts int, timeout time.Duration) *HTTPFulfillmentClient {
	return NewHTTPFulfillmentClient(config.FulfillmentConfig{
		BaseURL:      url,
		APIVersion:   "2018-08-31",
		Timeout:      timeout,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, nil)
}

func TestFulfillmentClient_GetSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/saas/subscriptions/S1", r.URL.Path)
		assert.Equal(t, "2018-08-31", r.URL.Query().Get("api-version"))
		assert.NotEmpty(t, r.Header.Get("x-ms-requestid"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                     "S1",
			"name":                   "Contoso",
			"offerId":                "O1",
			"planId":                 "P1",
			"quantity":               5,
			"saasSubscriptionStatus": "Subscribed",
			"purchaser":              map[string]string{"emailId": "buyer@example.com", "tenantId": "T1"},
			"beneficiary":            map[string]string{"emailId": "user@example.com"},
		})
	}))
	defer srv.Close()

	client := newTestFulfillmentClient(srv.URL, 3, time.Second)
	snap, err := client.GetSubscription(context.Background(), "S1")
	require.NoError(t, err)

	assert.Equal(t, models.StateActive, snap.State)
	assert.Equal(t, "P1", snap.PlanID)
	assert.Equal(t, 5, snap.Quantity)
	assert.Equal(t, "buyer@example.com", snap.PurchaserEmail)
	assert.Equal(t, "user@example.com", snap.BeneficiaryEmail)
}

func TestFulfillmentClient_ResolvePurchaseToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/saas/subscriptions/resolve", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("x-ms-marketplace-token"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":               "S1",
			"subscriptionName": "Contoso",
			"offerId":          "O1",
			"planId":           "P1",
			"quantity":         2,
			"subscription": map[string]interface{}{
				"saasSubscriptionStatus": "PendingFulfillmentStart",
			},
		})
	}))
	defer srv.Close()

	snap, err := newTestFulfillmentClient(srv.URL, 1, time.Second).ResolvePurchaseToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "S1", snap.ExternalID)
	assert.Equal(t, "O1", snap.OfferID)
	assert.Equal(t, 2, snap.Quantity)
	assert.Equal(t, models.StatePendingActivation, snap.State)
}

func TestFulfillmentClient_MutationsSendExpectedRequests(t *testing.T) {
	type seen struct {
		method, path string
		body         map[string]interface{}
	}
	var (
		mu    sync.Mutex
		calls []seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			json.Unmarshal(raw, &body)
		}
		mu.Lock()
		calls = append(calls, seen{r.Method, r.URL.Path, body})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx := context.Background()
	client := newTestFulfillmentClient(srv.URL, 1, time.Second)

	require.NoError(t, client.ConfirmActivation(ctx, "S1", "P1", 3))
	require.NoError(t, client.UpdateSubscription(ctx, "S1", "P2"))
	require.NoError(t, client.UpdateQuantity(ctx, "S1", 7))
	require.NoError(t, client.CancelSubscription(ctx, "S1"))
	require.NoError(t, client.UpdateOperationStatus(ctx, "S1", "op-1", models.OperationSuccess))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 5)
	assert.Equal(t, seen{http.MethodPost, "/saas/subscriptions/S1/activate", map[string]interface{}{"planId": "P1", "quantity": float64(3)}}, calls[0])
	assert.Equal(t, seen{http.MethodPatch, "/saas/subscriptions/S1", map[string]interface{}{"planId": "P2"}}, calls[1])
	assert.Equal(t, seen{http.MethodPatch, "/saas/subscriptions/S1", map[string]interface{}{"quantity": float64(7)}}, calls[2])
	assert.Equal(t, http.MethodDelete, calls[3].method)
	assert.Equal(t, seen{http.MethodPatch, "/saas/subscriptions/S1/operations/op-1", map[string]interface{}{"status": "Success"}}, calls[4])
}

func TestFulfillmentClient_ListPlans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/saas/subscriptions/S1/listAvailablePlans", r.URL.Path)
		w.Write([]byte(`{"plans":[{"planId":"P1","displayName":"Basic","isPricePerSeat":true},{"planId":"P2","displayName":"Pro"}]}`))
	}))
	defer srv.Close()

	plans, err := newTestFulfillmentClient(srv.URL, 1, time.Second).ListPlans(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.True(t, plans[0].IsPricePerSeat)
	assert.Equal(t, "Pro", plans[1].DisplayName)
}

func TestFulfillmentClient_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestFulfillmentClient(srv.URL, 3, time.Second).CancelSubscription(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFulfillmentClient_TimeoutsExhaustAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	err := newTestFulfillmentClient(srv.URL, 3, 20*time.Millisecond).ConfirmActivation(context.Background(), "S1", "P1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteUnavailable)

	var fe *FulfillmentError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFulfillmentClient_ErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
		is     error
	}{
		{http.StatusNotFound, KindNotFound, models.ErrNotFound},
		{http.StatusUnauthorized, KindUnauthorized, models.ErrRemoteUnavailable},
		{http.StatusConflict, KindConflict, models.ErrRemoteUnavailable},
		{http.StatusBadRequest, KindBadRequest, models.ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestFulfillmentClient(srv.URL, 3, time.Second).GetSubscription(context.Background(), "S1")
			var fe *FulfillmentError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.ErrorIs(t, err, tc.is)
			assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "non-retryable errors are not retried")
		})
	}
}
