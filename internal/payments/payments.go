// Package payments tracks money crossing the gateway boundary: funding
// deposits into a user's main wallet and withdrawals out of it.
//
// Every gateway notification passes the idempotency guard (a unique
// WebhookEvent per gateway reference) before it can touch a wallet, so
// redelivered webhooks settle exactly once.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound  = errors.New("payment transaction not found")
	ErrUnknownReference = errors.New("gateway reference does not match any payment transaction")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrBelowMinimum     = errors.New("amount is below the minimum withdrawal")
	ErrDuplicateRequest = errors.New("payment with this reference already exists")
)

// PaymentType distinguishes inflow from outflow.
type PaymentType string

const (
	TypeFunding    PaymentType = "funding"
	TypeWithdrawal PaymentType = "withdrawal"
)

// PaymentStatus tracks settlement state. pending is the only non-terminal
// status; it flips exactly once.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSuccess PaymentStatus = "success"
	StatusFailed  PaymentStatus = "failed"
)

// PaymentTransaction is one funding or withdrawal attempt. The gateway
// reference is the gateway's identifier; the internal reference is ours and
// doubles as the wallet credit's idempotency key.
type PaymentTransaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	Type              PaymentType     `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	GatewayReference  string          `json:"gatewayReference"`
	InternalReference string          `json:"internalReference"`
	Status            PaymentStatus   `json:"status"`
	RecipientCode     string          `json:"recipientCode,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// WebhookEvent records one externally-delivered notification. One row per
// (gateway, reference); processed flips to true only after the ledger
// mutation it drives has committed.
type WebhookEvent struct {
	ID          string     `json:"id"`
	Gateway     string     `json:"gateway"`
	EventType   string     `json:"eventType"`
	Reference   string     `json:"reference"`
	Payload     []byte     `json:"-"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Store persists payment transactions and webhook events. The Complete and
// Fail operations run look-up, status flip, wallet legs, and event marking
// in one transaction holding a row lock on the payment, so concurrent
// deliveries of the same event serialize on the row.
type Store interface {
	CreatePayment(ctx context.Context, p *PaymentTransaction) error
	PaymentByGatewayRef(ctx context.Context, gatewayRef string) (*PaymentTransaction, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]*PaymentTransaction, error)

	// RecordEvent is the idempotency guard. It creates the event row on
	// first sight and returns (existing, alreadyProcessed) on conflict.
	RecordEvent(ctx context.Context, gateway, reference, eventType string, payload []byte) (*WebhookEvent, bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error

	// CompleteFunding marks the funding success and credits the user's
	// main wallet with the internal reference. A payment already terminal
	// is a no-op returning the current row; settled reports whether this
	// call performed the settlement.
	CompleteFunding(ctx context.Context, gatewayRef, eventID string) (p *PaymentTransaction, settled bool, err error)

	// CompleteWithdrawal marks the withdrawal success. Funds were debited
	// at initiation, so only the audit state changes.
	CompleteWithdrawal(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, error)

	// FailWithdrawal marks the withdrawal failed and credits the amount
	// back to the user's main wallet as a withdrawal refund.
	FailWithdrawal(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, error)

	// MarkWithdrawalFailed flips a still-pending withdrawal to failed
	// and refunds it, keyed by internal reference. Used when the gateway
	// refuses the transfer at initiation time.
	MarkWithdrawalFailed(ctx context.Context, internalRef string) (*PaymentTransaction, error)

	// PendingWithdrawals sums a user's pending withdrawal amounts.
	PendingWithdrawals(ctx context.Context, userID string) (decimal.Decimal, error)

	// Sum totals payment amounts by type and status, for reconciliation.
	Sum(ctx context.Context, typ PaymentType, status PaymentStatus) (decimal.Decimal, error)
}
