package api

import (
	"net/http"
	"strconv"

	"saas-fulfillment/internal/models"
	"saas-fulfillment/internal/response"

	"github.com/gin-gonic/gin"
)

// ListSubscriptions lists subscriptions, optionally filtered by state
// GET /api/admin/subscriptions?state=Active&limit=100
func (h *Handler) ListSubscriptions(c *gin.Context) {
	state := models.State(c.Query("state"))
	if state != "" && !state.Valid() {
		response.ErrorJSON(c, http.StatusBadRequest, "Unknown state")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	subs, err := h.subs.ListByState(c.Request.Context(), state, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, subs)
}

// RefreshSubscription re-synchronizes a subscription with the marketplace
// POST /api/admin/subscriptions/:id/refresh
func (h *Handler) RefreshSubscription(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.reconciler.Refresh(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "success",
		"outcome": res.Outcome,
		"data":    res.Subscription,
	})
}

// SyncPlans refreshes the plan catalog from a subscription's available plans
// POST /api/admin/subscriptions/:id/sync-plans
func (h *Handler) SyncPlans(c *gin.Context) {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	plans, err := h.reconciler.SyncPlans(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, plans)
}
