package referrals

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ccmarketers/settlement/internal/money"
)

// Handler provides HTTP endpoints for referral operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up referral routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/referral-code", h.GetCode)
	r.GET("/users/:id/earnings", h.GetEarnings)
	r.POST("/referrals", h.LinkSignup)
}

// RegisterAdminRoutes sets up tier management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/admin/commission-tiers", h.SetTier)
}

// GetCode handles GET /users/:id/referral-code
func (h *Handler) GetCode(c *gin.Context) {
	code, err := h.svc.Code(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("referral code lookup failed", "user", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_error",
			"message": "Failed to load referral code",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code.Code, "userId": code.UserID})
}

// LinkSignupRequest wires a newly registered user to a referral code.
type LinkSignupRequest struct {
	UserID string `json:"userId" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// LinkSignup handles POST /referrals
func (h *Handler) LinkSignup(c *gin.Context) {
	var req LinkSignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	edges, err := h.svc.LinkSignup(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "code_not_found",
				"message": "No such referral code",
			})
		case errors.Is(err, ErrSelfReferral):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "self_referral",
				"message": "Users cannot refer themselves",
			})
		case errors.Is(err, ErrDuplicateReferral):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_referral",
				"message": "Referral relationship already exists",
			})
		default:
			h.logger.Error("referral linking failed", "user", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "referral_error",
				"message": "Failed to link referral",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"levels": len(edges)})
}

// GetEarnings handles GET /users/:id/earnings
func (h *Handler) GetEarnings(c *gin.Context) {
	referrerID := c.Param("id")
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	earnings, err := h.svc.Earnings(c.Request.Context(), referrerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_error",
			"message": "Failed to load earnings",
		})
		return
	}
	total, err := h.svc.TotalEarned(c.Request.Context(), referrerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_error",
			"message": "Failed to total earnings",
		})
		return
	}

	entries := make([]gin.H, 0, len(earnings))
	for _, e := range earnings {
		entries = append(entries, gin.H{
			"id":          e.ID,
			"referredId":  e.ReferredID,
			"earningType": e.EarningType,
			"amount":      money.Format(e.Amount),
			"status":      e.Status,
			"createdAt":   e.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"count":       len(entries),
		"totalEarned": money.Format(total),
	})
}

// SetTierRequest installs a commission tier.
type SetTierRequest struct {
	Level       int    `json:"level" binding:"required"`
	EarningType string `json:"earningType" binding:"required"`
	Rate        string `json:"rate"`
	FlatAmount  string `json:"flatAmount"`
	Active      *bool  `json:"active"`
}

// SetTier handles PUT /admin/commission-tiers
func (h *Handler) SetTier(c *gin.Context) {
	var req SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tier := &CommissionTier{
		Level:       req.Level,
		EarningType: EarningType(req.EarningType),
		Active:      true,
	}
	if req.Active != nil {
		tier.Active = *req.Active
	}
	var err error
	if req.Rate != "" {
		if tier.Rate, err = money.Parse(req.Rate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rate"})
			return
		}
	}
	if req.FlatAmount != "" {
		if tier.FlatAmount, err = money.Parse(req.FlatAmount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_flat_amount"})
			return
		}
	}

	if err := h.svc.SetTier(c.Request.Context(), tier); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "tier_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
