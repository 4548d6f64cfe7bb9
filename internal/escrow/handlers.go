package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up escrow routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:id/escrow", h.LockEscrow)
	r.GET("/tasks/:id/escrow", h.GetByTask)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
}

// LockEscrowRequest funds a task's reward pool from the advertiser's task wallet.
type LockEscrowRequest struct {
	AdvertiserID string `json:"advertiserId" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

// LockEscrow handles POST /tasks/:id/escrow
func (h *Handler) LockEscrow(c *gin.Context) {
	taskID := c.Param("id")

	var req LockEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	e, err := h.svc.Lock(c.Request.Context(), taskID, req.AdvertiserID, amount)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Task wallet balance does not cover the escrow amount",
			})
		case errors.Is(err, ErrEscrowExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_exists",
				"message": "Task already has an escrow",
			})
		default:
			h.logger.Error("escrow lock failed", "task", taskID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "escrow_error",
				"message": "Failed to lock escrow",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, escrowJSON(e))
}

// ReleaseEscrowRequest pays out a locked escrow to a worker.
type ReleaseEscrowRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

// ReleaseEscrow handles POST /escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	escrowID := c.Param("id")

	var req ReleaseEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.svc.Release(c.Request.Context(), escrowID, req.WorkerID)
	if err != nil {
		h.respondTransitionError(c, escrowID, err)
		return
	}

	c.JSON(http.StatusOK, escrowJSON(e))
}

// RefundEscrow handles POST /escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	escrowID := c.Param("id")

	e, err := h.svc.Refund(c.Request.Context(), escrowID)
	if err != nil {
		h.respondTransitionError(c, escrowID, err)
		return
	}

	c.JSON(http.StatusOK, escrowJSON(e))
}

// GetEscrow handles GET /escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "escrow_not_found",
				"message": "No escrow with that id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to load escrow",
		})
		return
	}
	c.JSON(http.StatusOK, escrowJSON(e))
}

// GetByTask handles GET /tasks/:id/escrow
func (h *Handler) GetByTask(c *gin.Context) {
	e, err := h.svc.ByTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "escrow_not_found",
				"message": "Task has no escrow",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to load escrow",
		})
		return
	}
	c.JSON(http.StatusOK, escrowJSON(e))
}

func (h *Handler) respondTransitionError(c *gin.Context, escrowID string, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "No escrow with that id",
		})
	case errors.Is(err, ErrInvalidEscrowState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_escrow_state",
			"message": "Escrow has already been released or refunded",
		})
	default:
		h.logger.Error("escrow transition failed", "escrow", escrowID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to update escrow",
		})
	}
}

func escrowJSON(e *Escrow) gin.H {
	out := gin.H{
		"id":           e.ID,
		"taskId":       e.TaskID,
		"advertiserId": e.AdvertiserID,
		"amount":       money.Format(e.Amount),
		"status":       e.Status,
		"createdAt":    e.CreatedAt,
	}
	if e.ResolvedAt != nil {
		out["resolvedAt"] = e.ResolvedAt
	}
	return out
}
