package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/metrics"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"
)

var _ FulfillmentClient = (*HTTPFulfillmentClient)(nil)

// ErrorKind classifies a failed fulfillment API call
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindUnavailable  ErrorKind = "unavailable"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindBadRequest   ErrorKind = "bad_request"
)

// FulfillmentError is returned by every failed fulfillment API call
type FulfillmentError struct {
	Operation  string
	Kind       ErrorKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FulfillmentError) Error() string {
	msg := fmt.Sprintf("fulfillment %s failed (%s", e.Operation, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(", %d attempts", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap maps the kind onto the reconciler's error taxonomy
func (e *FulfillmentError) Unwrap() error {
	switch e.Kind {
	case KindNotFound:
		return models.ErrNotFound
	case KindBadRequest:
		return models.ErrInvalidTransition
	default:
		return models.ErrRemoteUnavailable
	}
}

func (e *FulfillmentError) retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// HTTPFulfillmentClient implements FulfillmentClient over the marketplace
// SaaS fulfillment REST API.
type HTTPFulfillmentClient struct {
	httpClient   *http.Client
	baseURL      string
	apiVersion   string
	timeout      time.Duration
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewHTTPFulfillmentClient creates a client. httpClient is expected to add
// authorization, see NewAuthorizedHTTPClient.
func NewHTTPFulfillmentClient(cfg config.FulfillmentConfig, httpClient *http.Client) *HTTPFulfillmentClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &HTTPFulfillmentClient{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:   cfg.APIVersion,
		timeout:      cfg.Timeout,
		maxAttempts:  maxAttempts,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
	}
}

// NewAuthorizedHTTPClient returns an http.Client that obtains Azure AD tokens
// with the client-credentials grant.
func NewAuthorizedHTTPClient(ctx context.Context, cfg config.FulfillmentConfig) *http.Client {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		logging.Warnf("Fulfillment client credentials not configured, calls are unauthenticated")
		return &http.Client{}
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.Scope},
	}
	return cc.Client(ctx)
}

type remoteParty struct {
	EmailID  string `json:"emailId"`
	ObjectID string `json:"objectId"`
	TenantID string `json:"tenantId"`
}

type remoteSubscription struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	OfferID                string      `json:"offerId"`
	PlanID                 string      `json:"planId"`
	Quantity               int         `json:"quantity"`
	SaasSubscriptionStatus string      `json:"saasSubscriptionStatus"`
	Beneficiary            remoteParty `json:"beneficiary"`
	Purchaser              remoteParty `json:"purchaser"`
}

func (s *remoteSubscription) snapshot() *models.SubscriptionSnapshot {
	state, ok := models.StateFromRemote(s.SaasSubscriptionStatus)
	if !ok {
		state = models.StatePendingActivation
	}
	return &models.SubscriptionSnapshot{
		ExternalID:        s.ID,
		Name:              s.Name,
		OfferID:           s.OfferID,
		PlanID:            s.PlanID,
		Quantity:          s.Quantity,
		State:             state,
		PurchaserEmail:    s.Purchaser.EmailID,
		PurchaserTenantID: s.Purchaser.TenantID,
		BeneficiaryEmail:  s.Beneficiary.EmailID,
	}
}

type resolveResponse struct {
	ID               string             `json:"id"`
	SubscriptionName string             `json:"subscriptionName"`
	OfferID          string             `json:"offerId"`
	PlanID           string             `json:"planId"`
	Quantity         int                `json:"quantity"`
	Subscription     remoteSubscription `json:"subscription"`
}

type remotePlan struct {
	PlanID         string `json:"planId"`
	DisplayName    string `json:"displayName"`
	IsPricePerSeat bool   `json:"isPricePerSeat"`
	Description    string `json:"description"`
}

// ResolvePurchaseToken exchanges a landing-page marketplace token for the subscription
func (c *HTTPFulfillmentClient) ResolvePurchaseToken(ctx context.Context, token string) (*models.SubscriptionSnapshot, error) {
	var resp resolveResponse
	headers := map[string]string{"x-ms-marketplace-token": token}
	if err := c.call(ctx, "resolve", http.MethodPost, "/saas/subscriptions/resolve", headers, nil, &resp); err != nil {
		return nil, err
	}
	snap := resp.Subscription.snapshot()
	if snap.ExternalID == "" {
		snap.ExternalID = resp.ID
	}
	if snap.Name == "" {
		snap.Name = resp.SubscriptionName
	}
	if snap.OfferID == "" {
		snap.OfferID = resp.OfferID
	}
	if snap.PlanID == "" {
		snap.PlanID = resp.PlanID
	}
	if snap.Quantity == 0 {
		snap.Quantity = resp.Quantity
	}
	return snap, nil
}

// GetSubscription fetches the authoritative subscription record
func (c *HTTPFulfillmentClient) GetSubscription(ctx context.Context, externalID string) (*models.SubscriptionSnapshot, error) {
	var resp remoteSubscription
	if err := c.call(ctx, "get_subscription", http.MethodGet, subscriptionPath(externalID), nil, nil, &resp); err != nil {
		return nil, err
	}
	snap := resp.snapshot()
	if snap.ExternalID == "" {
		snap.ExternalID = externalID
	}
	return snap, nil
}

// ListPlans lists the plans the subscription may move to
func (c *HTTPFulfillmentClient) ListPlans(ctx context.Context, externalID string) ([]models.Plan, error) {
	var resp struct {
		Plans []remotePlan `json:"plans"`
	}
	if err := c.call(ctx, "list_plans", http.MethodGet, subscriptionPath(externalID)+"/listAvailablePlans", nil, nil, &resp); err != nil {
		return nil, err
	}
	plans := make([]models.Plan, 0, len(resp.Plans))
	for _, p := range resp.Plans {
		plans = append(plans, models.Plan{
			PlanID:         p.PlanID,
			DisplayName:    p.DisplayName,
			Description:    p.Description,
			IsPricePerSeat: p.IsPricePerSeat,
			IsActive:       true,
		})
	}
	return plans, nil
}

// ConfirmActivation activates the subscription on the marketplace
func (c *HTTPFulfillmentClient) ConfirmActivation(ctx context.Context, externalID, planID string, quantity int) error {
	body := map[string]interface{}{"planId": planID}
	if quantity > 0 {
		body["quantity"] = quantity
	}
	return c.call(ctx, "activate", http.MethodPost, subscriptionPath(externalID)+"/activate", nil, body, nil)
}

// UpdateSubscription changes the plan
func (c *HTTPFulfillmentClient) UpdateSubscription(ctx context.Context, externalID, planID string) error {
	body := map[string]interface{}{"planId": planID}
	return c.call(ctx, "update_plan", http.MethodPatch, subscriptionPath(externalID), nil, body, nil)
}

// UpdateQuantity changes the seat count
func (c *HTTPFulfillmentClient) UpdateQuantity(ctx context.Context, externalID string, quantity int) error {
	body := map[string]interface{}{"quantity": quantity}
	return c.call(ctx, "update_quantity", http.MethodPatch, subscriptionPath(externalID), nil, body, nil)
}

// CancelSubscription unsubscribes on the marketplace
func (c *HTTPFulfillmentClient) CancelSubscription(ctx context.Context, externalID string) error {
	return c.call(ctx, "cancel", http.MethodDelete, subscriptionPath(externalID), nil, nil, nil)
}

// UpdateOperationStatus answers an in-progress marketplace operation
func (c *HTTPFulfillmentClient) UpdateOperationStatus(ctx context.Context, externalID, operationID, status string) error {
	body := map[string]interface{}{"status": status}
	path := subscriptionPath(externalID) + "/operations/" + url.PathEscape(operationID)
	return c.call(ctx, "update_operation", http.MethodPatch, path, nil, body, nil)
}

func subscriptionPath(externalID string) string {
	return "/saas/subscriptions/" + url.PathEscape(externalID)
}

// call performs one logical API call with bounded exponential backoff.
// Only timeouts, 429 and 5xx are retried.
func (c *HTTPFulfillmentClient) call(ctx context.Context, op, method, path string, headers map[string]string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	if c.initialDelay > 0 {
		b.InitialInterval = c.initialDelay
	}
	if c.maxDelay > 0 {
		b.MaxInterval = c.maxDelay
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := c.attempt(ctx, op, method, path, headers, payload, out)
		if err == nil {
			return nil
		}
		var fe *FulfillmentError
		if errors.As(err, &fe) && fe.retryable() && ctx.Err() == nil {
			logging.Ctx(ctx).Warn().Err(err).Str("operation", op).Int("attempt", attempts).Msg("fulfillment call failed, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err == nil {
		metrics.FulfillmentRequestsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	}

	var fe *FulfillmentError
	if !errors.As(err, &fe) {
		// parent context ended while waiting between attempts
		fe = &FulfillmentError{Operation: op, Kind: KindTimeout, Err: err}
	}
	fe.Attempts = attempts
	metrics.FulfillmentRequestsTotal.WithLabelValues(op, string(fe.Kind)).Inc()
	return fe
}

func (c *HTTPFulfillmentClient) attempt(ctx context.Context, op, method, path string, headers map[string]string, payload []byte, out interface{}) error {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := fmt.Sprintf("%s%s?api-version=%s", c.baseURL, path, url.QueryEscape(c.apiVersion))

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, bodyReader)
	if err != nil {
		return &FulfillmentError{Operation: op, Kind: KindBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-ms-requestid", uuid.NewString())
	if corr := logging.CorrelationID(ctx); corr != "" {
		req.Header.Set("x-ms-correlationid", corr)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.FulfillmentRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return &FulfillmentError{Operation: op, Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FulfillmentError{Operation: op, Kind: transportKind(err), StatusCode: resp.StatusCode, Err: err}
	}

	if kind, failed := statusKind(resp.StatusCode); failed {
		return &FulfillmentError{
			Operation:  op,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(string(respBody), 200)),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &FulfillmentError{Operation: op, Kind: KindUnavailable, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
	}
	return nil
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

func statusKind(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized, true
	case code == http.StatusNotFound:
		return KindNotFound, true
	case code == http.StatusConflict:
		return KindConflict, true
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return KindUnavailable, true
	default:
		return KindBadRequest, true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
