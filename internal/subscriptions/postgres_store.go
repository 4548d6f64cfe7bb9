package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists plans and subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscription tables for dev bootstrap and
// integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_plans (
			id                     VARCHAR(64) PRIMARY KEY,
			name                   VARCHAR(100) NOT NULL,
			price                  NUMERIC(12,2) NOT NULL,
			task_wallet_allocation NUMERIC(12,2) NOT NULL DEFAULT 0,
			duration_days          INT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			plan_id     VARCHAR(64) NOT NULL REFERENCES subscription_plans(id),
			expires_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, expires_at DESC);
	`)
	return err
}

func (p *PostgresStore) Plan(ctx context.Context, planID string) (*Plan, error) {
	pl := &Plan{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, price, task_wallet_allocation, duration_days
		FROM subscription_plans WHERE id = $1
	`, planID).Scan(&pl.ID, &pl.Name, &pl.Price, &pl.TaskWalletAllocation, &pl.DurationDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return pl, err
}

func (p *PostgresStore) Plans(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, price, task_wallet_allocation, duration_days
		FROM subscription_plans ORDER BY price
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		pl := &Plan{}
		if err := rows.Scan(&pl.ID, &pl.Name, &pl.Price, &pl.TaskWalletAllocation, &pl.DurationDays); err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPlan(ctx context.Context, pl *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription_plans (id, name, price, task_wallet_allocation, duration_days)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			task_wallet_allocation = EXCLUDED.task_wallet_allocation,
			duration_days = EXCLUDED.duration_days
	`, pl.ID, pl.Name, pl.Price, pl.TaskWalletAllocation, pl.DurationDays)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sub.ID, sub.UserID, sub.PlanID, sub.ExpiresAt, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub := &Subscription{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, expires_at, created_at FROM subscriptions
		WHERE user_id = $1 AND expires_at > NOW()
		ORDER BY expires_at DESC LIMIT 1
	`, userID).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.ExpiresAt, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) CountSubscriptions(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE user_id = $1
	`, userID).Scan(&count)
	return count, err
}
