package subscriptions

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// Handler provides HTTP endpoints for subscription settlement
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up subscription routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.POST("/users/:id/subscriptions", h.Subscribe)
	r.GET("/users/:id/subscriptions/active", h.GetActive)
}

// ListPlans handles GET /plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.svc.Plans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "plans_error",
			"message": "Failed to load plans",
		})
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		out = append(out, gin.H{
			"id":                   p.ID,
			"name":                 p.Name,
			"price":                money.Format(p.Price),
			"taskWalletAllocation": money.Format(p.TaskWalletAllocation),
			"durationDays":         p.DurationDays,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// SubscribeRequest purchases a plan.
type SubscribeRequest struct {
	PlanID string `json:"planId" binding:"required"`
}

// Subscribe handles POST /users/:id/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	userID := c.Param("id")

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sub, err := h.svc.Settle(c.Request.Context(), userID, req.PlanID)
	if err != nil {
		switch {
		case errors.Is(err, ErrPlanNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "plan_not_found",
				"message": "No such plan",
			})
		case errors.Is(err, ErrAlreadySubscribed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_subscribed",
				"message": "User already has an active subscription",
			})
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Wallet balance does not cover the plan price",
			})
		default:
			h.logger.Error("subscription settlement failed", "user", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "subscription_error",
				"message": "Failed to settle subscription",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        sub.ID,
		"planId":    sub.PlanID,
		"expiresAt": sub.ExpiresAt,
	})
}

// GetActive handles GET /users/:id/subscriptions/active
func (h *Handler) GetActive(c *gin.Context) {
	sub, err := h.svc.Active(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_active_subscription",
				"message": "User has no active subscription",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "subscription_error",
			"message": "Failed to load subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        sub.ID,
		"planId":    sub.PlanID,
		"expiresAt": sub.ExpiresAt,
	})
}
