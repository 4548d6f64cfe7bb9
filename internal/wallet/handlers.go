package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/pagination"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetWallet)
	r.GET("/users/:id/wallet/available", h.GetAvailable)
	r.GET("/users/:id/transactions", h.GetTransactions)
	r.POST("/users/:id/task-wallet/topup", h.TopUpTaskWallet)
}

// GetWallet handles GET /users/:id/wallet?kind=main|task
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("id")
	kind := Kind(c.DefaultQuery("kind", string(KindMain)))
	if kind != KindMain && kind != KindTask {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be main or task",
		})
		return
	}

	w, err := h.svc.Wallet(c.Request.Context(), userID, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  w.UserID,
		"kind":    w.Kind,
		"balance": money.Format(w.Balance),
	})
}

// GetAvailable handles GET /users/:id/wallet/available
func (h *Handler) GetAvailable(c *gin.Context) {
	userID := c.Param("id")

	available, err := h.svc.AvailableBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to compute available balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"available": money.Format(available),
	})
}

// GetTransactions handles GET /users/:id/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	userID := c.Param("id")
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	txns, next, err := h.svc.TransactionsPage(c.Request.Context(), userID, limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	entries := make([]gin.H, 0, len(txns))
	for _, t := range txns {
		entries = append(entries, transactionJSON(t))
	}

	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// TopUpRequest moves funds from the main wallet to the task wallet.
type TopUpRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// TopUpTaskWallet handles POST /users/:id/task-wallet/topup
func (h *Handler) TopUpTaskWallet(c *gin.Context) {
	userID := c.Param("id")

	var req TopUpRequest
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

	txn, err := h.svc.TransferToTaskWallet(c.Request.Context(), userID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Insufficient available balance for top-up",
			})
			return
		}
		h.logger.Error("task wallet top-up failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transfer_error",
			"message": "Failed to top up task wallet",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":      "transferred",
		"transaction": transactionJSON(txn),
	})
}

func transactionJSON(t *Transaction) gin.H {
	return gin.H{
		"id":            t.ID,
		"walletKind":    t.WalletKind,
		"type":          t.Type,
		"category":      t.Category,
		"amount":        money.Format(t.Amount),
		"balanceBefore": money.Format(t.BalanceBefore),
		"balanceAfter":  money.Format(t.BalanceAfter),
		"status":        t.Status,
		"reference":     t.Reference,
		"description":   t.Description,
		"createdAt":     t.CreatedAt,
	}
}
