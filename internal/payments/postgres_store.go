package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// PostgresStore persists payments and webhook events in PostgreSQL.
// Completion ops lock the payment row with FOR UPDATE and commit the
// status flip, wallet legs, and event marking together, so a redelivered
// webhook can race only up to the idempotency guard.
type PostgresStore struct {
	db      *sql.DB
	wallets *wallet.PostgresStore
}

func NewPostgresStore(db *sql.DB, wallets *wallet.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, wallets: wallets}
}

// Migrate creates the payment tables for dev bootstrap and integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_transactions (
			id                 VARCHAR(36) PRIMARY KEY,
			user_id            VARCHAR(64) NOT NULL,
			type               VARCHAR(10) NOT NULL,
			amount             NUMERIC(12,2) NOT NULL,
			currency           VARCHAR(3) NOT NULL,
			gateway_reference  VARCHAR(100) NOT NULL UNIQUE,
			internal_reference VARCHAR(100) NOT NULL UNIQUE,
			status             VARCHAR(10) NOT NULL,
			recipient_code     VARCHAR(100),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at       TIMESTAMPTZ,
			CONSTRAINT chk_payment_amount_pos CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_payments_user ON payment_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payments_type_status ON payment_transactions(type, status);

		CREATE TABLE IF NOT EXISTS webhook_events (
			id            VARCHAR(36) PRIMARY KEY,
			gateway       VARCHAR(20) NOT NULL,
			event_type    VARCHAR(50) NOT NULL,
			reference     VARCHAR(100) NOT NULL,
			payload       BYTEA,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_webhook_gateway_ref UNIQUE (gateway, reference)
		);
	`)
	return err
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pt *PaymentTransaction) error {
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now()
	}
	var recipient any
	if pt.RecipientCode != "" {
		recipient = pt.RecipientCode
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions
			(id, user_id, type, amount, currency, gateway_reference, internal_reference,
			 status, recipient_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, pt.ID, pt.UserID, pt.Type, pt.Amount, pt.Currency, pt.GatewayReference,
		pt.InternalReference, pt.Status, recipient, pt.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const selectPaymentSQL = `
	SELECT id, user_id, type, amount, currency, gateway_reference, internal_reference,
	       status, COALESCE(recipient_code, ''), created_at, completed_at
	FROM payment_transactions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*PaymentTransaction, error) {
	pt := &PaymentTransaction{}
	var completedAt sql.NullTime
	err := row.Scan(&pt.ID, &pt.UserID, &pt.Type, &pt.Amount, &pt.Currency,
		&pt.GatewayReference, &pt.InternalReference, &pt.Status, &pt.RecipientCode,
		&pt.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		pt.CompletedAt = &completedAt.Time
	}
	return pt, nil
}

func (p *PostgresStore) PaymentByGatewayRef(ctx context.Context, gatewayRef string) (*PaymentTransaction, error) {
	pt, err := scanPayment(p.db.QueryRowContext(ctx, selectPaymentSQL+`
		WHERE gateway_reference = $1
	`, gatewayRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pt, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, userID string, limit int) ([]*PaymentTransaction, error) {
	rows, err := p.db.QueryContext(ctx, selectPaymentSQL+`
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentTransaction
	for rows.Next() {
		pt, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordEvent(ctx context.Context, gateway, reference, eventType string, payload []byte) (*WebhookEvent, bool, error) {
	e := &WebhookEvent{
		ID:        idgen.WithPrefix("evt_"),
		Gateway:   gateway,
		EventType: eventType,
		Reference: reference,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	// INSERT ... ON CONFLICT DO NOTHING so concurrent deliveries of the
	// same reference leave exactly one row.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, gateway, event_type, reference, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (gateway, reference) DO NOTHING
	`, e.ID, e.Gateway, e.EventType, e.Reference, e.Payload, e.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return e, false, nil
	}

	existing := &WebhookEvent{}
	var processedAt sql.NullTime
	err = p.db.QueryRowContext(ctx, `
		SELECT id, gateway, event_type, reference, payload, processed, processed_at, created_at
		FROM webhook_events WHERE gateway = $1 AND reference = $2
	`, gateway, reference).Scan(&existing.ID, &existing.Gateway, &existing.EventType,
		&existing.Reference, &existing.Payload, &existing.Processed, &processedAt, &existing.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load existing webhook event: %w", err)
	}
	if processedAt.Valid {
		existing.ProcessedAt = &processedAt.Time
	}
	return existing, existing.Processed, nil
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	return markEvent(ctx, p.db, eventID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markEvent(ctx context.Context, q execer, eventID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events SET processed = TRUE, processed_at = NOW() WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// lockPayment loads and row-locks a payment by gateway reference and type.
func lockPayment(ctx context.Context, tx *sql.Tx, gatewayRef string, typ PaymentType) (*PaymentTransaction, error) {
	pt, err := scanPayment(tx.QueryRowContext(ctx, selectPaymentSQL+`
		WHERE gateway_reference = $1 AND type = $2 FOR UPDATE
	`, gatewayRef, typ))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownReference
	}
	return pt, err
}

func settlePayment(ctx context.Context, tx *sql.Tx, pt *PaymentTransaction, status PaymentStatus) error {
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $2, completed_at = $3 WHERE id = $1
	`, pt.ID, status, now); err != nil {
		return fmt.Errorf("settle payment: %w", err)
	}
	pt.Status = status
	pt.CompletedAt = &now
	return nil
}

func (p *PostgresStore) CompleteFunding(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	pt, err := lockPayment(ctx, tx, gatewayRef, TypeFunding)
	if err != nil {
		return nil, false, err
	}

	settled := false
	if pt.Status == StatusPending {
		if err := settlePayment(ctx, tx, pt, StatusSuccess); err != nil {
			return nil, false, err
		}
		if _, _, err := p.wallets.CreditInTx(ctx, tx, wallet.CreditRequest{
			UserID:      pt.UserID,
			Kind:        wallet.KindMain,
			Amount:      pt.Amount,
			Category:    wallet.CategoryFunding,
			Reference:   pt.InternalReference,
			PaymentTxID: pt.ID,
			Description: "Wallet funding " + pt.GatewayReference,
		}); err != nil {
			return nil, false, err
		}
		settled = true
	}

	if err := markEvent(ctx, tx, eventID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pt, settled, nil
}

func (p *PostgresStore) CompleteWithdrawal(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pt, err := lockPayment(ctx, tx, gatewayRef, TypeWithdrawal)
	if err != nil {
		return nil, err
	}

	if pt.Status == StatusPending {
		if err := settlePayment(ctx, tx, pt, StatusSuccess); err != nil {
			return nil, err
		}
	}

	if err := markEvent(ctx, tx, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *PostgresStore) FailWithdrawal(ctx context.Context, gatewayRef, eventID string) (*PaymentTransaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pt, err := lockPayment(ctx, tx, gatewayRef, TypeWithdrawal)
	if err != nil {
		return nil, err
	}

	if pt.Status == StatusPending {
		if err := p.refundInTx(ctx, tx, pt); err != nil {
			return nil, err
		}
	}

	if err := markEvent(ctx, tx, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *PostgresStore) MarkWithdrawalFailed(ctx context.Context, internalRef string) (*PaymentTransaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pt, err := scanPayment(tx.QueryRowContext(ctx, selectPaymentSQL+`
		WHERE internal_reference = $1 AND type = 'withdrawal' FOR UPDATE
	`, internalRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, err
	}

	if pt.Status == StatusPending {
		if err := p.refundInTx(ctx, tx, pt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *PostgresStore) refundInTx(ctx context.Context, tx *sql.Tx, pt *PaymentTransaction) error {
	if err := settlePayment(ctx, tx, pt, StatusFailed); err != nil {
		return err
	}
	_, _, err := p.wallets.CreditInTx(ctx, tx, wallet.CreditRequest{
		UserID:      pt.UserID,
		Kind:        wallet.KindMain,
		Amount:      pt.Amount,
		Category:    wallet.CategoryWithdrawalRefund,
		Reference:   "RF_" + pt.InternalReference,
		PaymentTxID: pt.ID,
		Description: "Refund for failed withdrawal " + pt.GatewayReference,
	})
	return err
}

func (p *PostgresStore) PendingWithdrawals(ctx context.Context, userID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_transactions
		WHERE user_id = $1 AND type = 'withdrawal' AND status = 'pending'
	`, userID).Scan(&total)
	return total, err
}

func (p *PostgresStore) Sum(ctx context.Context, typ PaymentType, status PaymentStatus) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_transactions
		WHERE type = $1 AND status = $2
	`, typ, status).Scan(&total)
	return total, err
}
