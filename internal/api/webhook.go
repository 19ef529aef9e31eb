package api

import (
	"errors"
	"net/http"

	"saas-fulfillment/internal/middleware"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/internal/response"
	"saas-fulfillment/internal/services"
	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
)

// MarketplaceWebhook receives fulfillment notifications from the marketplace.
// POST /api/webhook
//
// Any 2xx acknowledges the delivery. Retryable failures answer non-2xx so the
// marketplace redelivers later.
func (h *Handler) MarketplaceWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		logging.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to read webhook body")
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.processor.Process(ctx, services.RawNotification{
		Token: middleware.BearerToken(c.GetHeader("Authorization")),
		Body:  body,
	})
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, models.ErrNotificationInFlight) {
			status = http.StatusConflict
		}
		logging.Ctx(ctx).Warn().Err(err).Str("notification", res.NotificationID).Int("status", status).Msg("webhook not acknowledged")
		response.ErrorJSON(c, status, "Notification not processed, retry later")
		return
	}

	message := ""
	if res.Err != nil {
		message = rejectionMessage(res.Err)
	}
	response.ResultJSON(c, response.Acknowledgement(string(res.Status), string(res.Outcome), message))
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrAuthentication):
		return "Notification authentication failed"
	case errors.Is(err, models.ErrInvalidNotification):
		return "Invalid notification format"
	case errors.Is(err, models.ErrUnsupportedOperation):
		return "Unsupported action"
	case errors.Is(err, models.ErrNotFound):
		return "Subscription not found"
	case errors.Is(err, models.ErrInvalidTransition):
		return "Transition not allowed"
	case errors.Is(err, models.ErrIdempotencyKeyReused):
		return "Notification id already used for another subscription"
	}
	return "Notification rejected"
}
