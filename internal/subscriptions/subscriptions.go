// Package subscriptions settles plan purchases against the wallet ledger.
//
// It is a thin consumer: debit the plan fee, move the plan's task-wallet
// allocation, and hand the purchase to the commission engine. Plan
// eligibility and renewal policy live outside the settlement core.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/referrals"
	"github.com/ccmarketers/settlement/internal/traces"
	"github.com/ccmarketers/settlement/internal/wallet"
)

var (
	ErrPlanNotFound         = errors.New("subscription plan not found")
	ErrAlreadySubscribed    = errors.New("user already has an active subscription")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Plan is one purchasable subscription tier.
type Plan struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	TaskWalletAllocation decimal.Decimal `json:"taskWalletAllocation"`
	DurationDays         int             `json:"durationDays"`
}

// Subscription records one settled purchase.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PlanID    string    `json:"planId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists plans and subscriptions.
type Store interface {
	Plan(ctx context.Context, planID string) (*Plan, error)
	Plans(ctx context.Context) ([]*Plan, error)
	SetPlan(ctx context.Context, p *Plan) error

	CreateSubscription(ctx context.Context, sub *Subscription) error
	ActiveSubscription(ctx context.Context, userID string) (*Subscription, error)
	CountSubscriptions(ctx context.Context, userID string) (int, error)
}

// Wallets is the slice of the wallet service settlement needs.
type Wallets interface {
	Credit(ctx context.Context, req wallet.CreditRequest) (*wallet.Transaction, bool, error)
	Debit(ctx context.Context, req wallet.DebitRequest) (*wallet.Transaction, error)
}

// Commissions is the cascade engine surface purchases trigger.
type Commissions interface {
	Cascade(ctx context.Context, actingUserID string, typ referrals.EarningType, base decimal.Decimal) ([]*referrals.Earning, error)
}

// Service settles subscription purchases.
type Service struct {
	store             Store
	wallets           Wallets
	commissions       Commissions
	platformAccountID string
	logger            *slog.Logger
}

func NewService(store Store, wallets Wallets, commissions Commissions, platformAccountID string, logger *slog.Logger) *Service {
	return &Service{
		store:             store,
		wallets:           wallets,
		commissions:       commissions,
		platformAccountID: platformAccountID,
		logger:            logger,
	}
}

// Settle purchases a plan for a user: debit the fee from the main wallet,
// credit it to the platform account, move the plan's task-wallet allocation
// from the platform to the user, then trigger the commission cascades. The
// signup cascade fires only on the user's first subscription; its earning
// uniqueness makes a retried call safe anyway.
func (s *Service) Settle(ctx context.Context, userID, planID string) (*Subscription, error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.Settle", traces.UserID(userID))
	defer span.End()

	plan, err := s.store.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.ActiveSubscription(ctx, userID); err == nil && existing.ExpiresAt.After(time.Now()) {
		return nil, ErrAlreadySubscribed
	}

	prior, err := s.store.CountSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		PlanID:    planID,
		ExpiresAt: time.Now().AddDate(0, 0, plan.DurationDays),
		CreatedAt: time.Now(),
	}

	if _, err := s.wallets.Debit(ctx, wallet.DebitRequest{
		UserID:      userID,
		Kind:        wallet.KindMain,
		Amount:      plan.Price,
		Category:    wallet.CategorySubscriptionFee,
		Reference:   "SUB_" + sub.ID,
		Description: plan.Name + " subscription",
	}); err != nil {
		return nil, err
	}
	if _, _, err := s.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      s.platformAccountID,
		Kind:        wallet.KindMain,
		Amount:      plan.Price,
		Category:    wallet.CategorySubscriptionFee,
		Reference:   "SUBREV_" + sub.ID,
		Description: plan.Name + " subscription revenue from " + userID,
	}); err != nil {
		return nil, err
	}

	if plan.TaskWalletAllocation.IsPositive() {
		s.allocateTaskWallet(ctx, sub, plan)
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	// Commission failures must not unwind a settled purchase.
	if prior == 0 {
		if _, err := s.commissions.Cascade(ctx, userID, referrals.EarningSignup, decimal.Zero); err != nil {
			s.logger.Error("signup cascade failed", "user", userID, "error", err)
		}
	}
	if _, err := s.commissions.Cascade(ctx, userID, referrals.EarningSubscription, plan.Price); err != nil {
		s.logger.Error("subscription cascade failed", "user", userID, "error", err)
	}

	metrics.SubscriptionsTotal.WithLabelValues(plan.ID).Inc()
	s.logger.Info("subscription settled",
		"user", userID, "plan", plan.Name, "price", money.Format(plan.Price))
	return sub, nil
}

// allocateTaskWallet moves the plan's allocation from the platform account
// to the subscriber's task wallet. The move conserves the system total, so
// an underfunded platform account skips the allocation instead of minting.
func (s *Service) allocateTaskWallet(ctx context.Context, sub *Subscription, plan *Plan) {
	if _, err := s.wallets.Debit(ctx, wallet.DebitRequest{
		UserID:      s.platformAccountID,
		Kind:        wallet.KindMain,
		Amount:      plan.TaskWalletAllocation,
		Category:    wallet.CategorySubscriptionAlloc,
		Reference:   "ALLOC_OUT_" + sub.ID,
		Description: "Task wallet allocation for " + sub.UserID,
	}); err != nil {
		s.logger.Warn("task wallet allocation skipped",
			"user", sub.UserID, "plan", plan.Name, "error", err)
		return
	}
	if _, _, err := s.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      sub.UserID,
		Kind:        wallet.KindTask,
		Amount:      plan.TaskWalletAllocation,
		Category:    wallet.CategorySubscriptionAlloc,
		Reference:   "ALLOC_IN_" + sub.ID,
		Description: plan.Name + " task wallet allocation",
	}); err != nil {
		s.logger.Error("task wallet allocation credit failed",
			"user", sub.UserID, "plan", plan.Name, "error", err)
	}
}

// Plans lists the catalog.
func (s *Service) Plans(ctx context.Context) ([]*Plan, error) {
	return s.store.Plans(ctx)
}

// Active returns the user's current subscription.
func (s *Service) Active(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.ActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.ExpiresAt.After(time.Now()) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// SeedDefaultPlans installs the standard catalog when empty.
func (s *Service) SeedDefaultPlans(ctx context.Context) error {
	existing, err := s.store.Plans(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	defaults := []*Plan{
		{ID: "free-member", Name: "Free Member Plan", Price: decimal.Zero, DurationDays: 36500},
		{ID: "business-member", Name: "Business Member Plan", Price: money.MustParse("50.00"), TaskWalletAllocation: money.MustParse("10.00"), DurationDays: 30},
	}
	for _, p := range defaults {
		if err := s.store.SetPlan(ctx, p); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
	}
	return nil
}
