package payments

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// MemoryStore keeps payments and webhook events in memory for tests and
// local development. One mutex serializes everything, standing in for the
// row locks the Postgres store takes.
type MemoryStore struct {
	mu            sync.RWMutex
	payments      map[string]*PaymentTransaction // by ID
	byGatewayRef  map[string]string
	byInternalRef map[string]string
	events        map[string]*WebhookEvent // by ID
	eventByKey    map[string]string        // gateway/reference -> event ID
	wallets       *wallet.MemoryStore
}

func NewMemoryStore(wallets *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		payments:      make(map[string]*PaymentTransaction),
		byGatewayRef:  make(map[string]string),
		byInternalRef: make(map[string]string),
		events:        make(map[string]*WebhookEvent),
		eventByKey:    make(map[string]string),
		wallets:       wallets,
	}
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byGatewayRef[p.GatewayReference]; exists {
		return ErrDuplicateRequest
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	dup := *p
	m.payments[p.ID] = &dup
	m.byGatewayRef[p.GatewayReference] = p.ID
	m.byInternalRef[p.InternalReference] = p.ID
	return nil
}

func (m *MemoryStore) PaymentByGatewayRef(_ context.Context, gatewayRef string) (*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byGatewayRef[gatewayRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(m.payments[id]), nil
}

func (m *MemoryStore) ListPayments(_ context.Context, userID string, limit int) ([]*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PaymentTransaction
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, copyPayment(p))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, gateway, reference, eventType string, payload []byte) (*WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := gateway + "/" + reference
	if id, exists := m.eventByKey[key]; exists {
		existing := m.events[id]
		return copyEvent(existing), existing.Processed, nil
	}

	e := &WebhookEvent{
		ID:        idgen.WithPrefix("evt_"),
		Gateway:   gateway,
		EventType: eventType,
		Reference: reference,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	}
	m.events[e.ID] = e
	m.eventByKey[key] = e.ID
	return copyEvent(e), false, nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markEventLocked(eventID)
}

func (m *MemoryStore) markEventLocked(eventID string) error {
	e, ok := m.events[eventID]
	if !ok {
		return ErrPaymentNotFound
	}
	now := time.Now()
	e.Processed = true
	e.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) CompleteFunding(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookupLocked(gatewayRef, TypeFunding)
	if err != nil {
		return nil, false, err
	}

	settled := false
	if p.Status == StatusPending {
		now := time.Now()
		p.Status = StatusSuccess
		p.CompletedAt = &now
		if _, _, err := m.wallets.Credit(ctx, wallet.CreditRequest{
			UserID:      p.UserID,
			Kind:        wallet.KindMain,
			Amount:      p.Amount,
			Category:    wallet.CategoryFunding,
			Reference:   p.InternalReference,
			PaymentTxID: p.ID,
			Description: "Wallet funding " + p.GatewayReference,
		}); err != nil {
			return nil, false, err
		}
		settled = true
	}

	if err := m.markEventLocked(eventID); err != nil {
		return nil, false, err
	}
	return copyPayment(p), settled, nil
}

func (m *MemoryStore) CompleteWithdrawal(_ context.Context, gatewayRef, eventID string) (*PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookupLocked(gatewayRef, TypeWithdrawal)
	if err != nil {
		return nil, err
	}

	if p.Status == StatusPending {
		now := time.Now()
		p.Status = StatusSuccess
		p.CompletedAt = &now
	}

	if err := m.markEventLocked(eventID); err != nil {
		return nil, err
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) FailWithdrawal(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookupLocked(gatewayRef, TypeWithdrawal)
	if err != nil {
		return nil, err
	}

	if p.Status == StatusPending {
		if err := m.refundLocked(ctx, p); err != nil {
			return nil, err
		}
	}

	if err := m.markEventLocked(eventID); err != nil {
		return nil, err
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) MarkWithdrawalFailed(ctx context.Context, internalRef string) (*PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byInternalRef[internalRef]
	if !ok {
		return nil, ErrUnknownReference
	}
	p := m.payments[id]
	if p.Type != TypeWithdrawal {
		return nil, ErrUnknownReference
	}
	if p.Status == StatusPending {
		if err := m.refundLocked(ctx, p); err != nil {
			return nil, err
		}
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) refundLocked(ctx context.Context, p *PaymentTransaction) error {
	now := time.Now()
	p.Status = StatusFailed
	p.CompletedAt = &now
	_, _, err := m.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      p.UserID,
		Kind:        wallet.KindMain,
		Amount:      p.Amount,
		Category:    wallet.CategoryWithdrawalRefund,
		Reference:   "RF_" + p.InternalReference,
		PaymentTxID: p.ID,
		Description: "Refund for failed withdrawal " + p.GatewayReference,
	})
	return err
}

func (m *MemoryStore) lookupLocked(gatewayRef string, typ PaymentType) (*PaymentTransaction, error) {
	id, ok := m.byGatewayRef[gatewayRef]
	if !ok {
		return nil, ErrUnknownReference
	}
	p := m.payments[id]
	if p.Type != typ {
		return nil, ErrUnknownReference
	}
	return p, nil
}

func (m *MemoryStore) PendingWithdrawals(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, p := range m.payments {
		if p.UserID == userID && p.Type == TypeWithdrawal && p.Status == StatusPending {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (m *MemoryStore) Sum(_ context.Context, typ PaymentType, status PaymentStatus) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, p := range m.payments {
		if p.Type == typ && p.Status == status {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func copyPayment(p *PaymentTransaction) *PaymentTransaction {
	dup := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

func copyEvent(e *WebhookEvent) *WebhookEvent {
	dup := *e
	dup.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		dup.ProcessedAt = &t
	}
	return &dup
}
