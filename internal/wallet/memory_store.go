package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/pagination"
)

// MemoryStore is an in-memory ledger for development mode and tests.
// A single mutex stands in for the database transaction: every mutation
// holds it for the full check-then-write sequence, so the atomicity
// guarantees match the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // key: userID + "/" + kind
	txns    []*Transaction
	byRef   map[string]*Transaction // successful transactions by reference
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byRef:   make(map[string]*Transaction),
	}
}

func walletKey(userID string, kind Kind) string {
	return userID + "/" + string(kind)
}

func (m *MemoryStore) walletLocked(userID string, kind Kind) *Wallet {
	key := walletKey(userID, kind)
	w, ok := m.wallets[key]
	if !ok {
		now := time.Now()
		w = &Wallet{UserID: userID, Kind: kind, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		m.wallets[key] = w
	}
	return w
}

func (m *MemoryStore) Wallet(ctx context.Context, userID string, kind Kind) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.walletLocked(userID, kind)
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, req CreditRequest) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Reference != "" {
		if existing, ok := m.byRef[req.Reference]; ok {
			cp := *existing
			return &cp, true, nil
		}
	}

	w := m.walletLocked(req.UserID, req.Kind)
	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		WalletKind:    req.Kind,
		Type:          TxCredit,
		Category:      req.Category,
		Amount:        req.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance.Add(req.Amount),
		Status:        StatusSuccess,
		Reference:     req.Reference,
		Description:   req.Description,
		PaymentTxID:   req.PaymentTxID,
		TaskID:        req.TaskID,
		CreatedAt:     time.Now(),
	}
	w.Balance = txn.BalanceAfter
	w.UpdatedAt = txn.CreatedAt

	m.txns = append(m.txns, txn)
	if txn.Reference != "" {
		m.byRef[txn.Reference] = txn
	}
	cp := *txn
	return &cp, false, nil
}

func (m *MemoryStore) Debit(ctx context.Context, req DebitRequest) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.walletLocked(req.UserID, req.Kind)
	if w.Balance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}

	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		WalletKind:    req.Kind,
		Type:          TxDebit,
		Category:      req.Category,
		Amount:        req.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance.Sub(req.Amount),
		Status:        StatusSuccess,
		Reference:     req.Reference,
		Description:   req.Description,
		TaskID:        req.TaskID,
		CreatedAt:     time.Now(),
	}
	w.Balance = txn.BalanceAfter
	w.UpdatedAt = txn.CreatedAt

	m.txns = append(m.txns, txn)
	if txn.Reference != "" {
		m.byRef[txn.Reference] = txn
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, userID string, from, to Kind, amount decimal.Decimal, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.walletLocked(userID, from)
	if src.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	dst := m.walletLocked(userID, to)
	now := time.Now()

	debit := &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletKind:    from,
		Type:          TxDebit,
		Category:      CategoryTaskWalletTopup,
		Amount:        amount,
		BalanceBefore: src.Balance,
		BalanceAfter:  src.Balance.Sub(amount),
		Status:        StatusSuccess,
		Reference:     reference,
		Description:   "Top-up task wallet",
		CreatedAt:     now,
	}
	src.Balance = debit.BalanceAfter
	src.UpdatedAt = now

	credit := &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletKind:    to,
		Type:          TxCredit,
		Category:      CategoryTaskWalletTopup,
		Amount:        amount,
		BalanceBefore: dst.Balance,
		BalanceAfter:  dst.Balance.Add(amount),
		Status:        StatusSuccess,
		Description:   "Top-up from main wallet",
		CreatedAt:     now,
	}
	dst.Balance = credit.BalanceAfter
	dst.UpdatedAt = now

	m.txns = append(m.txns, debit, credit)
	if reference != "" {
		m.byRef[reference] = debit
	}
	cp := *debit
	return &cp, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txns[i].UserID == userID {
			cp := *m.txns[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) TransactionsBefore(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for _, t := range m.txns {
		if t.UserID != userID {
			continue
		}
		if before != nil {
			if t.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(before.CreatedAt) && t.ID >= before.ID {
				continue
			}
		}
		matched = append(matched, t)
	}
	// Same ordering as the Postgres store: (created_at, id) descending.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Transaction, 0, len(matched))
	for _, t := range matched {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if txn, ok := m.byRef[reference]; ok {
		cp := *txn
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, w := range m.wallets {
		total = total.Add(w.Balance)
	}
	return total, nil
}

func (m *MemoryStore) SumByCategory(ctx context.Context, category string, status TxStatus) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, t := range m.txns {
		if t.Category == category && t.Status == status {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}
