package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/pkg/logging"
)

var _ Sink = (*WebhookNotifier)(nil)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body
const SignatureHeader = "X-Fulfillment-Signature"

// DefaultCallbackRetryDelays is the retry schedule: 1s, 5s, 30s
var DefaultCallbackRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// WebhookNotifier posts transitions to the publisher's own backend
type WebhookNotifier struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
	retryDelays []time.Duration
}

// NewWebhookNotifier creates the callback sink. It returns nil when no
// callback URL is configured.
func NewWebhookNotifier(cfg config.NotificationConfig) *WebhookNotifier {
	if cfg.CallbackURL == "" {
		return nil
	}
	return &WebhookNotifier{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		callbackURL: cfg.CallbackURL,
		secret:      cfg.CallbackSecret,
		retryDelays: DefaultCallbackRetryDelays,
	}
}

// WebhookPayload is the body sent to the callback URL
type WebhookPayload struct {
	Event          string `json:"event"` // subscription.<action>
	SubscriptionID string `json:"subscription_id"`
	OfferID        string `json:"offer_id"`
	PlanID         string `json:"plan_id"`
	Quantity       int    `json:"quantity"`
	OldState       string `json:"old_state"`
	NewState       string `json:"new_state"`
	Outcome        string `json:"outcome"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC 3339
}

func (wn *WebhookNotifier) Name() string { return "callback" }

// Send delivers the transition, retrying on the configured schedule
func (wn *WebhookNotifier) Send(ctx context.Context, t models.Transition) error {
	payload := WebhookPayload{
		Event:          "subscription." + string(t.Action),
		SubscriptionID: t.ExternalID,
		OfferID:        t.OfferID,
		PlanID:         t.PlanID,
		Quantity:       t.Quantity,
		OldState:       string(t.OldState),
		NewState:       string(t.NewState),
		Outcome:        string(t.Outcome),
		CorrelationID:  t.CorrelationID,
		Timestamp:      t.OccurredAt.UTC().Format(time.RFC3339),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	attempts := len(wn.retryDelays)
	if attempts == 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = wn.sendWebhook(ctx, jsonData)
		if lastErr == nil {
			logging.Ctx(ctx).Info().Str("subscription", t.ExternalID).Int("attempt", attempt+1).Msg("callback notification sent")
			return nil
		}
		logging.Ctx(ctx).Warn().Err(lastErr).Str("subscription", t.ExternalID).Int("attempt", attempt+1).Msg("callback notification failed")

		if attempt < attempts-1 {
			select {
			case <-time.After(wn.retryDelays[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("callback failed after %d attempts: %w", attempts, lastErr)
}

func (wn *WebhookNotifier) sendWebhook(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "saas-fulfillment/1.0")
	if wn.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(body, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
