package escrow

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

// PostgresStore persists escrows in PostgreSQL. Transitions run in a single
// database transaction: the escrow row is locked with FOR UPDATE, its state
// re-checked, and the wallet legs executed through the wallet store's InTx
// helpers so lock ordering and transaction-row creation stay in one place.
type PostgresStore struct {
	db      *sql.DB
	wallets *wallet.PostgresStore
}

func NewPostgresStore(db *sql.DB, wallets *wallet.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, wallets: wallets}
}

// Migrate creates the escrow table for dev bootstrap and integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id             VARCHAR(36) PRIMARY KEY,
			task_id        VARCHAR(64) NOT NULL UNIQUE,
			advertiser_id  VARCHAR(64) NOT NULL,
			amount         NUMERIC(12,2) NOT NULL,
			status         VARCHAR(10) NOT NULL,
			lock_tx_id     VARCHAR(36),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at    TIMESTAMPTZ,
			CONSTRAINT chk_escrow_amount_pos CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_advertiser ON escrows(advertiser_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	`)
	return err
}

func (p *PostgresStore) Lock(ctx context.Context, taskID, advertiserID string, amount decimal.Decimal) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e := &Escrow{
		ID:           idgen.WithPrefix("esc_"),
		TaskID:       taskID,
		AdvertiserID: advertiserID,
		Amount:       amount,
		Status:       StatusLocked,
		CreatedAt:    time.Now(),
	}

	debit, err := p.wallets.DebitInTx(ctx, tx, wallet.DebitRequest{
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (id, task_id, advertiser_id, amount, status, lock_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TaskID, e.AdvertiserID, e.Amount, e.Status, e.LockTxID, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEscrowExists
		}
		return nil, fmt.Errorf("insert escrow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// lockEscrow loads and row-locks an escrow, verifying it is still locked.
func lockEscrow(ctx context.Context, tx *sql.Tx, escrowID string) (*Escrow, error) {
	e, err := scanEscrow(tx.QueryRowContext(ctx, selectEscrowSQL+`
		WHERE id = $1 FOR UPDATE
	`, escrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Status != StatusLocked {
		return nil, ErrInvalidEscrowState
	}
	return e, nil
}

func resolveEscrow(ctx context.Context, tx *sql.Tx, e *Escrow, status Status) error {
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = $2, resolved_at = $3 WHERE id = $1
	`, e.ID, status, now); err != nil {
		return fmt.Errorf("resolve escrow: %w", err)
	}
	e.Status = status
	e.ResolvedAt = &now
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, escrowID, workerID, platformAccountID string, payout, fee decimal.Decimal) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}

	if _, _, err := p.wallets.CreditInTx(ctx, tx, wallet.CreditRequest{
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
		if _, _, err := p.wallets.CreditInTx(ctx, tx, wallet.CreditRequest{
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

	if err := resolveEscrow(ctx, tx, e, StatusReleased); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) Refund(ctx context.Context, escrowID string) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return nil, err
	}

	if _, _, err := p.wallets.CreditInTx(ctx, tx, wallet.CreditRequest{
		UserID:      e.AdvertiserID,
		Kind:        wallet.KindTask,
		Amount:      e.Amount,
		Category:    wallet.CategoryEscrowRefund,
		TaskID:      e.TaskID,
		Description: "Escrow refund for task " + e.TaskID,
	}); err != nil {
		return nil, err
	}

	if err := resolveEscrow(ctx, tx, e, StatusRefunded); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

const selectEscrowSQL = `
	SELECT id, task_id, advertiser_id, amount, status, COALESCE(lock_tx_id, ''), created_at, resolved_at
	FROM escrows
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.TaskID, &e.AdvertiserID, &e.Amount, &e.Status,
		&e.LockTxID, &e.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func (p *PostgresStore) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, selectEscrowSQL+`
		WHERE id = $1
	`, escrowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ByTask(ctx context.Context, taskID string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, selectEscrowSQL+`
		WHERE task_id = $1
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByAdvertiser(ctx context.Context, advertiserID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, selectEscrowSQL+`
		WHERE advertiser_id = $1 ORDER BY created_at DESC LIMIT $2
	`, advertiserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumLocked(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrows WHERE status = 'locked'
	`).Scan(&total)
	return total, err
}
