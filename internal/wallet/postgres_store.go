package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Balance mutations take a
// SELECT ... FOR UPDATE row lock on the wallet, then insert the transaction
// row and update the balance inside the same database transaction.
//
// CreditInTx and DebitInTx are exported so sibling stores (escrow,
// payments) can compose a wallet mutation with their own row changes in a
// single transaction, keeping the lock discipline in one place.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for stores that compose transactions.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// Migrate creates the wallet tables. cmd/migrate owns the canonical goose
// migrations; this exists for dev bootstrap and integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id     VARCHAR(64) NOT NULL,
			kind        VARCHAR(10) NOT NULL,
			balance     NUMERIC(12,2) NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, kind),
			CONSTRAINT chk_wallet_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id              VARCHAR(36) PRIMARY KEY,
			user_id         VARCHAR(64) NOT NULL,
			wallet_kind     VARCHAR(10) NOT NULL,
			type            VARCHAR(10) NOT NULL,
			category        VARCHAR(30) NOT NULL,
			amount          NUMERIC(12,2) NOT NULL,
			balance_before  NUMERIC(12,2) NOT NULL,
			balance_after   NUMERIC(12,2) NOT NULL,
			status          VARCHAR(10) NOT NULL,
			reference       VARCHAR(100),
			description     TEXT,
			payment_tx_id   VARCHAR(36),
			task_id         VARCHAR(64),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_txn_reference
			ON wallet_transactions(reference) WHERE reference IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_user ON wallet_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_category ON wallet_transactions(category, status);
	`)
	return err
}

func (p *PostgresStore) Wallet(ctx context.Context, userID string, kind Kind) (*Wallet, error) {
	w := &Wallet{UserID: userID, Kind: kind}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id, kind) VALUES ($1, $2)
		ON CONFLICT (user_id, kind) DO UPDATE SET user_id = wallets.user_id
		RETURNING balance, created_at, updated_at
	`, userID, kind).Scan(&w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}

// lockWallet upserts the wallet row and locks it, returning the current
// balance. Callers must hold tx until after they update the balance.
func lockWallet(ctx context.Context, tx *sql.Tx, userID string, kind Kind) (decimal.Decimal, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, kind) VALUES ($1, $2)
		ON CONFLICT (user_id, kind) DO NOTHING
	`, userID, kind)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure wallet: %w", err)
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 AND kind = $2 FOR UPDATE
	`, userID, kind).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet: %w", err)
	}
	return balance, nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var ref any
	if t.Reference != "" {
		ref = t.Reference
	}
	var payRef, taskRef any
	if t.PaymentTxID != "" {
		payRef = t.PaymentTxID
	}
	if t.TaskID != "" {
		taskRef = t.TaskID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, wallet_kind, type, category, amount, balance_before, balance_after,
			 status, reference, description, payment_tx_id, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.ID, t.UserID, t.WalletKind, t.Type, t.Category, t.Amount, t.BalanceBefore,
		t.BalanceAfter, t.Status, ref, t.Description, payRef, taskRef, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func updateBalance(ctx context.Context, tx *sql.Tx, userID string, kind Kind, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $3, updated_at = NOW()
		WHERE user_id = $1 AND kind = $2
	`, userID, kind, balance)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// CreditInTx performs a credit inside the caller's transaction. The wallet
// row stays locked until the caller commits.
func (p *PostgresStore) CreditInTx(ctx context.Context, tx *sql.Tx, req CreditRequest) (*Transaction, bool, error) {
	if req.Reference != "" {
		existing, err := scanTxn(tx.QueryRowContext(ctx, selectTxnSQL+`
			WHERE reference = $1 AND status = 'success'
		`, req.Reference))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("check reference: %w", err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	balance, err := lockWallet(ctx, tx, req.UserID, req.Kind)
	if err != nil {
		return nil, false, err
	}

	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		WalletKind:    req.Kind,
		Type:          TxCredit,
		Category:      req.Category,
		Amount:        req.Amount,
		BalanceBefore: balance,
		BalanceAfter:  balance.Add(req.Amount),
		Status:        StatusSuccess,
		Reference:     req.Reference,
		Description:   req.Description,
		PaymentTxID:   req.PaymentTxID,
		TaskID:        req.TaskID,
		CreatedAt:     time.Now(),
	}
	if err := insertTxn(ctx, tx, txn); err != nil {
		return nil, false, err
	}
	if err := updateBalance(ctx, tx, req.UserID, req.Kind, txn.BalanceAfter); err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

// DebitInTx performs a debit inside the caller's transaction, re-reading
// the balance under the row lock before deciding.
func (p *PostgresStore) DebitInTx(ctx context.Context, tx *sql.Tx, req DebitRequest) (*Transaction, error) {
	balance, err := lockWallet(ctx, tx, req.UserID, req.Kind)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}

	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		WalletKind:    req.Kind,
		Type:          TxDebit,
		Category:      req.Category,
		Amount:        req.Amount,
		BalanceBefore: balance,
		BalanceAfter:  balance.Sub(req.Amount),
		Status:        StatusSuccess,
		Reference:     req.Reference,
		Description:   req.Description,
		TaskID:        req.TaskID,
		CreatedAt:     time.Now(),
	}
	if err := insertTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, req.UserID, req.Kind, txn.BalanceAfter); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Credit(ctx context.Context, req CreditRequest) (*Transaction, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	txn, duplicate, err := p.CreditInTx(ctx, tx, req)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return txn, duplicate, nil
}

func (p *PostgresStore) Debit(ctx context.Context, req DebitRequest) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := p.DebitInTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Transfer(ctx context.Context, userID string, from, to Kind, amount decimal.Decimal, reference string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	debit, err := p.DebitInTx(ctx, tx, DebitRequest{
		UserID:      userID,
		Kind:        from,
		Amount:      amount,
		Category:    CategoryTaskWalletTopup,
		Reference:   reference,
		Description: "Top-up task wallet",
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := p.CreditInTx(ctx, tx, CreditRequest{
		UserID:      userID,
		Kind:        to,
		Amount:      amount,
		Category:    CategoryTaskWalletTopup,
		Description: "Top-up from main wallet",
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return debit, nil
}

const selectTxnSQL = `
	SELECT id, user_id, wallet_kind, type, category, amount, balance_before, balance_after,
	       status, COALESCE(reference, ''), COALESCE(description, ''),
	       COALESCE(payment_tx_id, ''), COALESCE(task_id, ''), created_at
	FROM wallet_transactions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.UserID, &t.WalletKind, &t.Type, &t.Category, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Status, &t.Reference, &t.Description,
		&t.PaymentTxID, &t.TaskID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTxnSQL+`
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransactionsBefore(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := selectTxnSQL + ` WHERE user_id = $1`
	args := []any{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	t, err := scanTxn(p.db.QueryRowContext(ctx, selectTxnSQL+`
		WHERE reference = $1
	`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (p *PostgresStore) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM wallets
	`).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumByCategory(ctx context.Context, category string, status TxStatus) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		WHERE category = $1 AND status = $2
	`, category, status).Scan(&total)
	return total, err
}
