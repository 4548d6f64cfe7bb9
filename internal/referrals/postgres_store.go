package referrals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the referral graph in PostgreSQL. Uniqueness of
// edges and earnings is enforced by constraints, so concurrent cascades
// race only up to the index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the referral tables for dev bootstrap and integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS referral_codes (
			code        VARCHAR(8) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL UNIQUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS referrals (
			id           VARCHAR(36) PRIMARY KEY,
			referrer_id  VARCHAR(64) NOT NULL,
			referred_id  VARCHAR(64) NOT NULL,
			level        SMALLINT NOT NULL,
			code         VARCHAR(8) NOT NULL,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_referral_edge UNIQUE (referrer_id, referred_id),
			CONSTRAINT chk_referral_level CHECK (level BETWEEN 1 AND 2),
			CONSTRAINT chk_no_self_referral CHECK (referrer_id <> referred_id)
		);

		CREATE INDEX IF NOT EXISTS idx_referrals_referred ON referrals(referred_id, level);

		CREATE TABLE IF NOT EXISTS commission_tiers (
			level        SMALLINT NOT NULL,
			earning_type VARCHAR(30) NOT NULL,
			rate         NUMERIC(6,2) NOT NULL DEFAULT 0,
			flat_amount  NUMERIC(12,2) NOT NULL DEFAULT 0,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (level, earning_type)
		);

		CREATE TABLE IF NOT EXISTS referral_earnings (
			id             VARCHAR(36) PRIMARY KEY,
			referrer_id    VARCHAR(64) NOT NULL,
			referred_id    VARCHAR(64) NOT NULL,
			referral_id    VARCHAR(36) NOT NULL,
			earning_type   VARCHAR(30) NOT NULL,
			amount         NUMERIC(12,2) NOT NULL,
			rate           NUMERIC(6,2) NOT NULL DEFAULT 0,
			status         VARCHAR(10) NOT NULL,
			transaction_id VARCHAR(36),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_earning_tuple UNIQUE (referrer_id, referred_id, referral_id, earning_type)
		);

		CREATE INDEX IF NOT EXISTS idx_earnings_referrer ON referral_earnings(referrer_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateCode(ctx context.Context, code *ReferralCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_codes (code, user_id, created_at) VALUES ($1, $2, $3)
	`, code.Code, code.UserID, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert referral code: %w", err)
	}
	return nil
}

func (p *PostgresStore) CodeByUser(ctx context.Context, userID string) (*ReferralCode, error) {
	c := &ReferralCode{}
	err := p.db.QueryRowContext(ctx, `
		SELECT code, user_id, created_at FROM referral_codes WHERE user_id = $1
	`, userID).Scan(&c.Code, &c.UserID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	return c, err
}

func (p *PostgresStore) CodeOwner(ctx context.Context, code string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM referral_codes WHERE code = $1
	`, code).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCodeNotFound
	}
	return userID, err
}

func (p *PostgresStore) CreateReferral(ctx context.Context, r *Referral) error {
	if r.ReferrerID == r.ReferredID {
		return ErrSelfReferral
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id, level, code, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.ReferrerID, r.ReferredID, r.Level, r.Code, r.Active, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReferral
		}
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

const selectReferralSQL = `
	SELECT id, referrer_id, referred_id, level, code, active, created_at FROM referrals
`

func scanReferral(row interface{ Scan(...any) error }) (*Referral, error) {
	r := &Referral{}
	err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Level, &r.Code, &r.Active, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ActiveReferralsTo(ctx context.Context, referredID string) ([]*Referral, error) {
	rows, err := p.db.QueryContext(ctx, selectReferralSQL+`
		WHERE referred_id = $1 AND active ORDER BY level
	`, referredID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DirectReferrerOf(ctx context.Context, userID string) (*Referral, error) {
	r, err := scanReferral(p.db.QueryRowContext(ctx, selectReferralSQL+`
		WHERE referred_id = $1 AND level = 1 AND active
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReferralNotFound
	}
	return r, err
}

func (p *PostgresStore) SetTier(ctx context.Context, tier *CommissionTier) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_tiers (level, earning_type, rate, flat_amount, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (level, earning_type)
		DO UPDATE SET rate = EXCLUDED.rate, flat_amount = EXCLUDED.flat_amount, active = EXCLUDED.active
	`, tier.Level, tier.EarningType, tier.Rate, tier.FlatAmount, tier.Active)
	if err != nil {
		return fmt.Errorf("upsert commission tier: %w", err)
	}
	return nil
}

func (p *PostgresStore) TierFor(ctx context.Context, level int, typ EarningType) (*CommissionTier, error) {
	t := &CommissionTier{}
	err := p.db.QueryRowContext(ctx, `
		SELECT level, earning_type, rate, flat_amount, active FROM commission_tiers
		WHERE level = $1 AND earning_type = $2 AND active
	`, level, typ).Scan(&t.Level, &t.EarningType, &t.Rate, &t.FlatAmount, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTierNotFound
	}
	return t, err
}

func (p *PostgresStore) CreateEarning(ctx context.Context, e *Earning) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_earnings
			(id, referrer_id, referred_id, referral_id, earning_type, amount, rate, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (referrer_id, referred_id, referral_id, earning_type) DO NOTHING
	`, e.ID, e.ReferrerID, e.ReferredID, e.ReferralID, e.EarningType, e.Amount, e.Rate, e.Status, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert earning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) MarkEarningPaid(ctx context.Context, earningID, transactionID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE referral_earnings SET status = 'paid', transaction_id = $2 WHERE id = $1
	`, earningID, transactionID)
	if err != nil {
		return fmt.Errorf("mark earning paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEarningNotFound
	}
	return nil
}

func (p *PostgresStore) ListEarnings(ctx context.Context, referrerID string, limit int) ([]*Earning, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, referrer_id, referred_id, referral_id, earning_type, amount, rate,
		       status, COALESCE(transaction_id, ''), created_at
		FROM referral_earnings
		WHERE referrer_id = $1 ORDER BY created_at DESC LIMIT $2
	`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Earning
	for rows.Next() {
		e := &Earning{}
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.ReferralID, &e.EarningType,
			&e.Amount, &e.Rate, &e.Status, &e.TransactionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumEarnings(ctx context.Context, referrerID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM referral_earnings
		WHERE referrer_id = $1 AND status = 'paid'
	`, referrerID).Scan(&total)
	return total, err
}
