// Package escrow holds task reward pools between funding and payout.
//
// An escrow is created by debiting the advertiser's task wallet and lives
// until it is released to a worker (with the platform fee split off) or
// refunded back to the advertiser. Both transitions are terminal.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/syncutil"
	"github.com/ccmarketers/settlement/internal/traces"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidEscrowState = errors.New("escrow is not in a state that allows this transition")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrEscrowExists       = errors.New("task already has an escrow")
)

// Status tracks the escrow lifecycle. locked is the only non-terminal state.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Escrow is a reward pool locked against a single task.
type Escrow struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	AdvertiserID string          `json:"advertiserId"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	LockTxID     string          `json:"lockTxId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// Store persists escrows. Lock, Release and Refund perform the escrow row
// change and the wallet legs atomically; implementations reuse the wallet
// store's locking so there is a single mutation discipline.
type Store interface {
	Lock(ctx context.Context, taskID, advertiserID string, amount decimal.Decimal) (*Escrow, error)
	Release(ctx context.Context, escrowID, workerID, platformAccountID string, payout, fee decimal.Decimal) (*Escrow, error)
	Refund(ctx context.Context, escrowID string) (*Escrow, error)
	Get(ctx context.Context, escrowID string) (*Escrow, error)
	ByTask(ctx context.Context, taskID string) (*Escrow, error)
	ListByAdvertiser(ctx context.Context, advertiserID string, limit int) ([]*Escrow, error)
	SumLocked(ctx context.Context) (decimal.Decimal, error)
}

// Service coordinates escrow transitions. A per-escrow mutex serializes
// release/refund races before they reach the store; the store re-checks
// state under its own lock, so the mutex is a fast path, not the guarantee.
// PayoutHook is called after a release commits, with the full escrow
// amount as the commission base. Failures are the hook's to log; the
// release has already settled.
type PayoutHook func(ctx context.Context, workerID string, amount decimal.Decimal)

type Service struct {
	store             Store
	feeRate           decimal.Decimal
	platformAccountID string
	onPayout          PayoutHook
	logger            *slog.Logger

	locks syncutil.ShardedMutex // keyed by escrow ID
}

func NewService(store Store, feeRate decimal.Decimal, platformAccountID string, logger *slog.Logger) *Service {
	return &Service{
		store:             store,
		feeRate:           feeRate,
		platformAccountID: platformAccountID,
		logger:            logger,
	}
}

// WithPayoutHook registers the post-release callback.
func (s *Service) WithPayoutHook(hook PayoutHook) *Service {
	s.onPayout = hook
	return s
}

// Lock debits the advertiser's task wallet and creates the escrow in one
// transaction. Insufficient task-wallet funds surface as
// wallet.ErrInsufficientFunds with no escrow created.
func (s *Service) Lock(ctx context.Context, taskID, advertiserID string, amount decimal.Decimal) (*Escrow, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.TaskID(taskID), traces.Amount(money.Format(amount)))
	defer span.End()

	e, err := s.store.Lock(ctx, taskID, advertiserID, amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.EscrowsLockedTotal.Inc()
	s.logger.Info("escrow locked",
		"escrow", e.ID, "task", taskID, "advertiser", advertiserID, "amount", money.Format(amount))
	return e, nil
}

// Release pays the worker the escrowed amount minus the platform fee and
// credits the fee to the platform account. Only legal from locked.
func (s *Service) Release(ctx context.Context, escrowID, workerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(escrowID), traces.UserID(workerID))
	defer span.End()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, fmt.Errorf("%w: escrow %s is %s", ErrInvalidEscrowState, escrowID, e.Status)
	}

	payout, fee := money.Split(e.Amount, s.feeRate)
	released, err := s.store.Release(ctx, escrowID, workerID, s.platformAccountID, payout, fee)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.EscrowsReleasedTotal.Inc()
	metrics.EscrowDuration.Observe(time.Since(e.CreatedAt).Seconds())
	s.logger.Info("escrow released",
		"escrow", escrowID, "worker", workerID,
		"payout", money.Format(payout), "fee", money.Format(fee))
	if s.onPayout != nil {
		s.onPayout(ctx, workerID, released.Amount)
	}
	return released, nil
}

// Refund returns the full amount to the advertiser's task wallet. Only
// legal from locked.
func (s *Service) Refund(ctx context.Context, escrowID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID))
	defer span.End()

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, fmt.Errorf("%w: escrow %s is %s", ErrInvalidEscrowState, escrowID, e.Status)
	}

	refunded, err := s.store.Refund(ctx, escrowID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.EscrowsRefundedTotal.Inc()
	metrics.EscrowDuration.Observe(time.Since(e.CreatedAt).Seconds())
	s.logger.Info("escrow refunded",
		"escrow", escrowID, "advertiser", refunded.AdvertiserID, "amount", money.Format(refunded.Amount))
	return refunded, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.store.Get(ctx, escrowID)
}

func (s *Service) ByTask(ctx context.Context, taskID string) (*Escrow, error) {
	return s.store.ByTask(ctx, taskID)
}

func (s *Service) ListByAdvertiser(ctx context.Context, advertiserID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAdvertiser(ctx, advertiserID, limit)
}
