package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps plans and subscriptions in memory for tests and local
// development.
type MemoryStore struct {
	mu   sync.RWMutex
	plan map[string]*Plan
	subs map[string][]*Subscription // by user
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plan: make(map[string]*Plan),
		subs: make(map[string][]*Subscription),
	}
}

func (m *MemoryStore) Plan(_ context.Context, planID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plan[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	dup := *p
	return &dup, nil
}

func (m *MemoryStore) Plans(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plan))
	for _, p := range m.plan {
		dup := *p
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

func (m *MemoryStore) SetPlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := *p
	m.plan[p.ID] = &dup
	return nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	dup := *sub
	m.subs[sub.UserID] = append(m.subs[sub.UserID], &dup)
	return nil
}

func (m *MemoryStore) ActiveSubscription(_ context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.subs[userID]
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].ExpiresAt.After(time.Now()) {
			dup := *subs[i]
			return &dup, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) CountSubscriptions(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[userID]), nil
}
