package api

import (
	"errors"
	"net/http"
	"strconv"

	"saas-fulfillment/internal/models"
	"saas-fulfillment/internal/response"
	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
)

// IdempotencyKeyHeader lets customers retry an action safely
const IdempotencyKeyHeader = "Idempotency-Key"

// ResolveRequest is the landing page token exchange
type ResolveRequest struct {
	Token string `json:"token" binding:"required"`
}

// ResolvePurchase exchanges the marketplace landing page token
// POST /api/landing/resolve
func (h *Handler) ResolvePurchase(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "token is required")
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	sub, err := h.reconciler.Resolve(ctx, req.Token)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// the marketplace refuses unknown or expired tokens with 400
			response.ErrorJSON(c, http.StatusBadRequest, "The purchase token is invalid or expired")
			return
		}
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, sub)
}

// GetSubscription returns the local view of a subscription
// GET /api/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.subs.GetByExternalID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, sub)
}

// GetSubscriptionHistory lists the audit trail of a subscription
// GET /api/subscriptions/:id/history?limit=50
func (h *Handler) GetSubscriptionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.audit.ListByExternalID(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, entries)
}

// ListAvailablePlans asks the marketplace which plans the subscription can move to
// GET /api/subscriptions/:id/plans
func (h *Handler) ListAvailablePlans(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.subs.GetByExternalID(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	plans, err := h.client.ListPlans(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, plans)
}

// ActivateRequest optionally overrides the purchased plan and quantity
type ActivateRequest struct {
	PlanID   string `json:"plan_id"`
	Quantity int    `json:"quantity" binding:"omitempty,min=1"`
}

// ChangePlanRequest selects the target plan
type ChangePlanRequest struct {
	PlanID string `json:"plan_id" binding:"required"`
}

// ChangeQuantityRequest selects the new seat count
type ChangeQuantityRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

// ActivateSubscription confirms a purchase after onboarding
// POST /api/subscriptions/:id/activate
func (h *Handler) ActivateSubscription(c *gin.Context) {
	var req ActivateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format")
			return
		}
	}
	h.applyCustomerAction(c, models.LifecycleEvent{Action: models.ActionActivate, PlanID: req.PlanID, Quantity: req.Quantity})
}

// ChangePlan moves the subscription to another plan
// POST /api/subscriptions/:id/change-plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "plan_id is required")
		return
	}
	h.applyCustomerAction(c, models.LifecycleEvent{Action: models.ActionChangePlan, PlanID: req.PlanID})
}

// ChangeQuantity changes the seat count
// POST /api/subscriptions/:id/change-quantity
func (h *Handler) ChangeQuantity(c *gin.Context) {
	var req ChangeQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "quantity must be a positive number")
		return
	}
	h.applyCustomerAction(c, models.LifecycleEvent{Action: models.ActionChangeQuantity, Quantity: req.Quantity})
}

// CancelSubscription unsubscribes
// POST /api/subscriptions/:id/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	h.applyCustomerAction(c, models.LifecycleEvent{Action: models.ActionCancel})
}

func (h *Handler) applyCustomerAction(c *gin.Context, ev models.LifecycleEvent) {
	ev.ExternalID = c.Param("id")
	ev.Source = models.SourceCustomer
	ev.IdempotencyKey = customerKey(ev.ExternalID, c.GetHeader(IdempotencyKeyHeader))

	ctx, cancel := h.requestContext(c)
	defer cancel()
	ev.CorrelationID = logging.CorrelationID(ctx)

	res, err := h.reconciler.Apply(ctx, ev)
	if err != nil {
		writeError(c, err)
		return
	}

	response.ResultJSON(c, response.Outcome(string(res.Outcome), res.Duplicate, res.Subscription))
}

// customerKey scopes a client supplied idempotency key to one subscription so
// it can neither match another subscription's request nor a marketplace
// notification id.
func customerKey(externalID, key string) string {
	if key == "" {
		return ""
	}
	return "customer:" + externalID + ":" + key
}
