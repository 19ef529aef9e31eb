package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"saas-fulfillment/internal/models"
	"saas-fulfillment/internal/response"
	"saas-fulfillment/internal/services"
	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
)

// Handler serves the HTTP API on top of the fulfillment services
type Handler struct {
	processor  *services.WebhookProcessor
	reconciler *services.Reconciler
	subs       services.SubscriptionStore
	audit      services.AuditLog
	client     services.FulfillmentClient
	deadline   time.Duration
}

// NewHandler creates the API handler. deadline bounds the processing of each
// webhook and customer request.
func NewHandler(processor *services.WebhookProcessor, reconciler *services.Reconciler, subs services.SubscriptionStore, audit services.AuditLog, client services.FulfillmentClient, deadline time.Duration) *Handler {
	if deadline <= 0 {
		deadline = 45 * time.Second
	}
	return &Handler{
		processor:  processor,
		reconciler: reconciler,
		subs:       subs,
		audit:      audit,
		client:     client,
		deadline:   deadline,
	}
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.deadline)
}

// writeError maps service errors to customer-safe responses
func writeError(c *gin.Context, err error) {
	status, message := http.StatusInternalServerError, "Something went wrong, please try again later"
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrRecordNotFound):
		status, message = http.StatusNotFound, "Subscription not found"
	case errors.Is(err, models.ErrInvalidTransition):
		status, message = http.StatusConflict, "This change is not available for the subscription"
	case errors.Is(err, models.ErrIdempotencyKeyReused):
		status, message = http.StatusUnprocessableEntity, "Idempotency key was already used for another request"
	case errors.Is(err, models.ErrConcurrency),
		errors.Is(err, models.ErrRemoteUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusServiceUnavailable, "The marketplace is busy, please try again in a few minutes"
	}
	if status >= 500 {
		logging.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	} else {
		logging.Ctx(c.Request.Context()).Info().Err(err).Str("path", c.FullPath()).Msg("request rejected")
	}
	response.ErrorJSON(c, status, message)
}
