package referrals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the referral graph in memory for tests and local
// development.
type MemoryStore struct {
	mu         sync.RWMutex
	codes      map[string]*ReferralCode // by code
	codeByUser map[string]string
	referrals  map[string]*Referral // by ID
	edgeKeys   map[string]struct{}  // referrer/referred
	tiers      map[string]*CommissionTier
	earnings   map[string]*Earning
	earnKeys   map[string]string // tuple key -> earning ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:      make(map[string]*ReferralCode),
		codeByUser: make(map[string]string),
		referrals:  make(map[string]*Referral),
		edgeKeys:   make(map[string]struct{}),
		tiers:      make(map[string]*CommissionTier),
		earnings:   make(map[string]*Earning),
		earnKeys:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateCode(_ context.Context, code *ReferralCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[code.Code]; exists {
		return errors.New("code collision")
	}
	if _, exists := m.codeByUser[code.UserID]; exists {
		return errors.New("user already has a code")
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	dup := *code
	m.codes[code.Code] = &dup
	m.codeByUser[code.UserID] = code.Code
	return nil
}

func (m *MemoryStore) CodeByUser(_ context.Context, userID string) (*ReferralCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.codeByUser[userID]
	if !ok {
		return nil, ErrCodeNotFound
	}
	dup := *m.codes[code]
	return &dup, nil
}

func (m *MemoryStore) CodeOwner(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.codes[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	return c.UserID, nil
}

func edgeKey(referrerID, referredID string) string {
	return referrerID + "/" + referredID
}

func (m *MemoryStore) CreateReferral(_ context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ReferrerID == r.ReferredID {
		return ErrSelfReferral
	}
	key := edgeKey(r.ReferrerID, r.ReferredID)
	if _, exists := m.edgeKeys[key]; exists {
		return ErrDuplicateReferral
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	dup := *r
	m.referrals[r.ID] = &dup
	m.edgeKeys[key] = struct{}{}
	return nil
}

func (m *MemoryStore) ActiveReferralsTo(_ context.Context, referredID string) ([]*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Referral
	for _, r := range m.referrals {
		if r.ReferredID == referredID && r.Active {
			dup := *r
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *MemoryStore) DirectReferrerOf(_ context.Context, userID string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.referrals {
		if r.ReferredID == userID && r.Level == 1 && r.Active {
			dup := *r
			return &dup, nil
		}
	}
	return nil, ErrReferralNotFound
}

func tierKey(level int, typ EarningType) string {
	return string(rune('0'+level)) + "/" + string(typ)
}

func (m *MemoryStore) SetTier(_ context.Context, tier *CommissionTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := *tier
	m.tiers[tierKey(tier.Level, tier.EarningType)] = &dup
	return nil
}

func (m *MemoryStore) TierFor(_ context.Context, level int, typ EarningType) (*CommissionTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tier, ok := m.tiers[tierKey(level, typ)]
	if !ok || !tier.Active {
		return nil, ErrTierNotFound
	}
	dup := *tier
	return &dup, nil
}

func earnKey(e *Earning) string {
	return e.ReferrerID + "/" + e.ReferredID + "/" + e.ReferralID + "/" + string(e.EarningType)
}

func (m *MemoryStore) CreateEarning(_ context.Context, e *Earning) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := earnKey(e)
	if _, exists := m.earnKeys[key]; exists {
		return false, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	dup := *e
	m.earnings[e.ID] = &dup
	m.earnKeys[key] = e.ID
	return true, nil
}

func (m *MemoryStore) MarkEarningPaid(_ context.Context, earningID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.earnings[earningID]
	if !ok {
		return ErrEarningNotFound
	}
	e.Status = StatusPaid
	e.TransactionID = transactionID
	return nil
}

func (m *MemoryStore) ListEarnings(_ context.Context, referrerID string, limit int) ([]*Earning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Earning
	for _, e := range m.earnings {
		if e.ReferrerID == referrerID {
			dup := *e
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumEarnings(_ context.Context, referrerID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, e := range m.earnings {
		if e.ReferrerID == referrerID && e.Status == StatusPaid {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}
