// Package wallet is the ledger core: authoritative balances plus an
// immutable transaction log.
//
// Every balance mutation in the system funnels through Service.Credit or
// Service.Debit. The store commits the balance change and the transaction
// row atomically under a row lock, so concurrent mutations to the same
// wallet serialize and the log never disagrees with the balance.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/pagination"
)

var (
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrWalletNotFound    = errors.New("wallet: wallet not found")
)

// Kind distinguishes the two wallets each user holds.
type Kind string

const (
	KindMain Kind = "main" // funding, withdrawals, earnings, bonuses
	KindTask Kind = "task" // task reward pool, escrow source
)

// TxType is the direction of a transaction.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// TxStatus tracks a transaction's lifecycle. Rows are created success or
// pending and flip at most once.
type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	StatusFailed  TxStatus = "failed"
)

// Transaction categories. The reconciliation service keys the conservation
// check off funding, withdrawal and withdrawal_refund.
const (
	CategoryFunding           = "funding"
	CategoryWithdrawal        = "withdrawal"
	CategoryWithdrawalRefund  = "withdrawal_refund"
	CategoryReferralBonus     = "referral_bonus"
	CategoryEscrowLock        = "escrow_lock"
	CategoryEscrowRelease     = "escrow_release"
	CategoryEscrowRefund      = "escrow_refund"
	CategoryPlatformFee       = "platform_fee"
	CategorySubscriptionFee   = "subscription_fee"
	CategorySubscriptionAlloc = "subscription_allocation"
	CategoryTaskWalletTopup   = "task_wallet_topup"
)

// Wallet holds a user's balance for one kind. Balance is only ever
// mutated by the store under a row lock.
type Wallet struct {
	UserID    string          `json:"userId"`
	Kind      Kind            `json:"kind"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	WalletKind    Kind            `json:"walletKind"`
	Type          TxType          `json:"type"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Status        TxStatus        `json:"status"`
	Reference     string          `json:"reference,omitempty"` // idempotency key when set
	Description   string          `json:"description,omitempty"`
	PaymentTxID   string          `json:"paymentTxId,omitempty"`
	TaskID        string          `json:"taskId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CreditRequest describes a wallet credit.
type CreditRequest struct {
	UserID      string
	Kind        Kind
	Amount      decimal.Decimal
	Category    string
	Reference   string // optional; duplicate successful references are no-ops
	Description string
	PaymentTxID string
	TaskID      string
}

// DebitRequest describes a wallet debit.
type DebitRequest struct {
	UserID      string
	Kind        Kind
	Amount      decimal.Decimal
	Category    string
	Reference   string
	Description string
	TaskID      string
}

// Store persists wallets and the transaction log. Credit and Debit are
// atomic: the row lock, the idempotency check, the balance update and the
// transaction insert all happen inside one storage transaction.
type Store interface {
	Wallet(ctx context.Context, userID string, kind Kind) (*Wallet, error)
	Credit(ctx context.Context, req CreditRequest) (*Transaction, bool, error)
	Debit(ctx context.Context, req DebitRequest) (*Transaction, error)
	Transfer(ctx context.Context, userID string, from, to Kind, amount decimal.Decimal, reference string) (*Transaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	TransactionsBefore(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	TransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	SumBalances(ctx context.Context) (decimal.Decimal, error)
	SumByCategory(ctx context.Context, category string, status TxStatus) (decimal.Decimal, error)
}

// ReservationSource reports funds earmarked by pending withdrawal
// requests; available balance excludes them. Wired to the payments
// service at startup, nil in tests that don't care.
type ReservationSource interface {
	PendingWithdrawals(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Service implements wallet business rules on top of a Store.
type Service struct {
	store        Store
	reservations ReservationSource
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithReservations wires the pending-withdrawal source.
func (s *Service) WithReservations(r ReservationSource) *Service {
	s.reservations = r
	return s
}

// Wallet returns the user's wallet of the given kind, creating a zero
// wallet on first sight.
func (s *Service) Wallet(ctx context.Context, userID string, kind Kind) (*Wallet, error) {
	return s.store.Wallet(ctx, userID, kind)
}

// Credit adds funds. Returns the transaction plus a duplicate flag: when a
// successful transaction with the same reference already exists it is
// returned unchanged and no balance moves. Duplicate delivery is an
// expected outcome, not an error.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*Transaction, bool, error) {
	if !req.Amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	if req.Kind == "" {
		req.Kind = KindMain
	}
	txn, duplicate, err := s.store.Credit(ctx, req)
	if err == nil && !duplicate {
		metrics.WalletTransactionsTotal.WithLabelValues(req.Category, "credit").Inc()
	}
	return txn, duplicate, err
}

// Debit removes funds, failing with ErrInsufficientFunds when the balance
// does not cover the amount. Escrow-category debits against the main
// wallet additionally respect withdrawal reservations.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.Kind == "" {
		req.Kind = KindMain
	}

	if req.Kind == KindMain && s.reservations != nil {
		available, err := s.AvailableBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if available.LessThan(req.Amount) {
			return nil, ErrInsufficientFunds
		}
	}

	txn, err := s.store.Debit(ctx, req)
	if err == nil {
		metrics.WalletTransactionsTotal.WithLabelValues(req.Category, "debit").Inc()
	}
	return txn, err
}

// AvailableBalance is the main-wallet balance minus funds reserved by
// pending withdrawal requests.
func (s *Service) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := s.store.Wallet(ctx, userID, KindMain)
	if err != nil {
		return decimal.Zero, err
	}
	if s.reservations == nil {
		return w.Balance, nil
	}
	reserved, err := s.reservations.PendingWithdrawals(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance.Sub(reserved), nil
}

// TransferToTaskWallet moves funds from the main wallet into the task
// wallet (both legs in one storage transaction).
func (s *Service) TransferToTaskWallet(ctx context.Context, userID string, amount decimal.Decimal) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return s.store.Transfer(ctx, userID, KindMain, KindTask, amount, "")
}

// Transactions returns the most recent ledger entries for a user.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Transactions(ctx, userID, limit)
}

// TransactionsPage returns one page of ledger entries plus an opaque cursor
// for the next page. An empty cursor starts from the newest entry.
func (s *Service) TransactionsPage(ctx context.Context, userID string, limit int, cursor string) ([]*Transaction, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	txns, err := s.store.TransactionsBefore(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	txns, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, nil
}
