package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// Handler provides HTTP endpoints for payments and the gateway webhook
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up payment routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/funding", h.InitializeFunding)
	r.POST("/users/:id/withdrawals", h.RequestWithdrawal)
	r.GET("/users/:id/payments", h.ListPayments)
	r.POST("/recipients", h.CreateRecipient)
}

// RegisterWebhookRoutes sets up the gateway callback route. Kept separate
// so the server can mount it outside authenticated groups.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.Webhook)
}

// Webhook handles POST /webhooks/paystack.
//
// Responses follow the gateway's retry contract: 200 for processed or
// idempotent no-op, 400 for anything unauthentic (never retried), 500 for
// internal failures so the gateway redelivers.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	signature := c.GetHeader("X-Paystack-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_signature"})
		return
	}

	if err := h.svc.HandleWebhook(c.Request.Context(), body, signature); err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
			return
		}
		h.logger.Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// FundingRequest opens a gateway checkout session.
type FundingRequest struct {
	Email  string `json:"email" binding:"required,email"`
	Amount string `json:"amount" binding:"required"`
}

// InitializeFunding handles POST /users/:id/funding
func (h *Handler) InitializeFunding(c *gin.Context) {
	userID := c.Param("id")

	var req FundingRequest
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

	payment, session, err := h.svc.InitializeFunding(c.Request.Context(), userID, req.Email, amount)
	if err != nil {
		h.logger.Error("funding initialization failed", "user", userID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Failed to initialize funding with the payment gateway",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reference":        payment.GatewayReference,
		"authorizationUrl": session.AuthorizationURL,
		"accessCode":       session.AccessCode,
	})
}

// WithdrawalRequest pays out to a registered transfer recipient.
type WithdrawalRequest struct {
	Amount        string `json:"amount" binding:"required"`
	RecipientCode string `json:"recipientCode" binding:"required"`
}

// RequestWithdrawal handles POST /users/:id/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID := c.Param("id")

	var req WithdrawalRequest
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

	payment, err := h.svc.RequestWithdrawal(c.Request.Context(), userID, amount, req.RecipientCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrBelowMinimum):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "below_minimum",
				"message": err.Error(),
			})
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Available balance does not cover the withdrawal",
			})
		default:
			h.logger.Error("withdrawal request failed", "user", userID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_error",
				"message": "Withdrawal could not be initiated; any debited funds were refunded",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    payment.Status,
		"reference": payment.GatewayReference,
		"amount":    money.Format(payment.Amount),
	})
}

// ListPayments handles GET /users/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	userID := c.Param("id")
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.svc.Payments(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payments_error",
			"message": "Failed to retrieve payments",
		})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, p := range entries {
		out = append(out, gin.H{
			"id":        p.ID,
			"type":      p.Type,
			"amount":    money.Format(p.Amount),
			"currency":  p.Currency,
			"reference": p.GatewayReference,
			"status":    p.Status,
			"createdAt": p.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

// RecipientCreateRequest registers a bank account for withdrawals.
type RecipientCreateRequest struct {
	Name          string `json:"name" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	BankCode      string `json:"bankCode" binding:"required"`
}

// CreateRecipient handles POST /recipients
func (h *Handler) CreateRecipient(c *gin.Context) {
	var req RecipientCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	code, err := h.svc.CreateRecipient(c.Request.Context(), req.Name, req.AccountNumber, req.BankCode)
	if err != nil {
		h.logger.Error("recipient creation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Failed to create transfer recipient",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"recipientCode": code})
}
