package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// MemoryStore keeps escrows in memory for tests and local development.
// Wallet legs go through the shared in-memory wallet store; the store's
// mutex serializes escrow transitions so state checks hold.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byTask  map[string]string // taskID -> escrowID
	wallets *wallet.MemoryStore
}

func NewMemoryStore(wallets *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byTask:  make(map[string]string),
		wallets: wallets,
	}
}

func (m *MemoryStore) Lock(ctx context.Context, taskID, advertiserID string, amount decimal.Decimal) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTask[taskID]; exists {
		return nil, ErrEscrowExists
	}

	e := &Escrow{
		ID:           idgen.WithPrefix("esc_"),
		TaskID:       taskID,
		AdvertiserID: advertiserID,
		Amount:       amount,
		Status:       StatusLocked,
		CreatedAt:    time.Now(),
	}

	debit, err := m.wallets.Debit(ctx, wallet.DebitRequest{
		UserID:      advertiserID,
		Kind:        wallet.KindTask,
		Amount:      amount,
		Category:    wallet.CategoryEscrowLock,
		TaskID:      taskID,
		Description: "Escrow lock for task " + taskID,
	})
	if err != nil {
		return nil, err
	}
	e.LockTxID = debit.ID

	m.escrows[e.ID] = e
	m.byTask[taskID] = e.ID
	return copyEscrow(e), nil
}

func (m *MemoryStore) Release(ctx context.Context, escrowID, workerID, platformAccountID string, payout, fee decimal.Decimal) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusLocked {
		return nil, ErrInvalidEscrowState
	}

	if _, _, err := m.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      workerID,
		Kind:        wallet.KindMain,
		Amount:      payout,
		Category:    wallet.CategoryEscrowRelease,
		TaskID:      e.TaskID,
		Description: "Payout for task " + e.TaskID,
	}); err != nil {
		return nil, err
	}
	if fee.IsPositive() {
		if _, _, err := m.wallets.Credit(ctx, wallet.CreditRequest{
			UserID:      platformAccountID,
			Kind:        wallet.KindMain,
			Amount:      fee,
			Category:    wallet.CategoryPlatformFee,
			TaskID:      e.TaskID,
			Description: "Platform fee for task " + e.TaskID,
		}); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	e.Status = StatusReleased
	e.ResolvedAt = &now
	return copyEscrow(e), nil
}

func (m *MemoryStore) Refund(ctx context.Context, escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusLocked {
		return nil, ErrInvalidEscrowState
	}

	if _, _, err := m.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      e.AdvertiserID,
		Kind:        wallet.KindTask,
		Amount:      e.Amount,
		Category:    wallet.CategoryEscrowRefund,
		TaskID:      e.TaskID,
		Description: "Escrow refund for task " + e.TaskID,
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	e.Status = StatusRefunded
	e.ResolvedAt = &now
	return copyEscrow(e), nil
}

func (m *MemoryStore) Get(_ context.Context, escrowID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) ByTask(_ context.Context, taskID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTask[taskID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) ListByAdvertiser(_ context.Context, advertiserID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.AdvertiserID == advertiserID {
			out = append(out, copyEscrow(e))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SumLocked(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, e := range m.escrows {
		if e.Status == StatusLocked {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func copyEscrow(e *Escrow) *Escrow {
	dup := *e
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		dup.ResolvedAt = &t
	}
	return &dup
}
