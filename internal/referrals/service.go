package referrals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/idgen"
	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// Wallets is the slice of the wallet service the cascade needs.
type Wallets interface {
	Credit(ctx context.Context, req wallet.CreditRequest) (*wallet.Transaction, bool, error)
}

// Service owns code issuance, signup linking, and the commission cascade.
type Service struct {
	store   Store
	wallets Wallets
	logger  *slog.Logger
}

func NewService(store Store, wallets Wallets, logger *slog.Logger) *Service {
	return &Service{store: store, wallets: wallets, logger: logger}
}

// EnsureCode returns the user's referral code, creating one on first use.
// Collisions on the 8-character space are retried a few times.
func (s *Service) EnsureCode(ctx context.Context, userID string) (*ReferralCode, error) {
	if existing, err := s.store.CodeByUser(ctx, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrCodeNotFound) {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		code := &ReferralCode{Code: GenerateCode(), UserID: userID}
		if err := s.store.CreateCode(ctx, code); err != nil {
			lastErr = err
			continue
		}
		return code, nil
	}
	return nil, fmt.Errorf("allocate referral code: %w", lastErr)
}

// LinkSignup wires a new user into the graph through a referral code:
// a level-1 edge from the code's owner, and a level-2 edge from that
// owner's own direct referrer when one exists. The walk is a bounded loop,
// never recursion.
func (s *Service) LinkSignup(ctx context.Context, newUserID, code string) ([]*Referral, error) {
	ownerID, err := s.store.CodeOwner(ctx, code)
	if err != nil {
		return nil, err
	}
	if ownerID == newUserID {
		return nil, ErrSelfReferral
	}

	created := make([]*Referral, 0, MaxLevels)

	direct := &Referral{
		ID:         idgen.WithPrefix("ref_"),
		ReferrerID: ownerID,
		ReferredID: newUserID,
		Level:      1,
		Code:       code,
		Active:     true,
	}
	if err := s.store.CreateReferral(ctx, direct); err != nil {
		return nil, err
	}
	created = append(created, direct)

	parent, err := s.store.DirectReferrerOf(ctx, ownerID)
	if err == nil && parent.ReferrerID != newUserID {
		indirect := &Referral{
			ID:         idgen.WithPrefix("ref_"),
			ReferrerID: parent.ReferrerID,
			ReferredID: newUserID,
			Level:      2,
			Code:       code,
			Active:     true,
		}
		if err := s.store.CreateReferral(ctx, indirect); err != nil {
			// The direct edge stands; a duplicate level-2 edge is fine.
			if !errors.Is(err, ErrDuplicateReferral) {
				return created, err
			}
		} else {
			created = append(created, indirect)
		}
	}

	s.logger.Info("referral linked", "referred", newUserID, "code", code, "edges", len(created))
	return created, nil
}

// Cascade pays commissions for one qualifying event. For each active edge
// pointing at the acting user it looks up the (level, type) tier, computes
// the amount, creates the earning if none exists for that tuple, and
// credits the referrer. Invoking it twice for the same event is a no-op
// the second time.
func (s *Service) Cascade(ctx context.Context, actingUserID string, typ EarningType, baseAmount decimal.Decimal) ([]*Earning, error) {
	edges, err := s.store.ActiveReferralsTo(ctx, actingUserID)
	if err != nil {
		return nil, err
	}

	var paid []*Earning
	for _, edge := range edges {
		if edge.Level > MaxLevels {
			continue
		}

		tier, err := s.store.TierFor(ctx, edge.Level, typ)
		if errors.Is(err, ErrTierNotFound) {
			// No commission program for this combination.
			continue
		}
		if err != nil {
			return paid, err
		}

		amount := money.Commission(baseAmount, tier.Rate)
		if tier.FlatAmount.IsPositive() {
			amount = tier.FlatAmount
		}
		if !amount.IsPositive() {
			continue
		}

		earning := &Earning{
			ID:          idgen.WithPrefix("earn_"),
			ReferrerID:  edge.ReferrerID,
			ReferredID:  actingUserID,
			ReferralID:  edge.ID,
			EarningType: typ,
			Amount:      amount,
			Rate:        tier.Rate,
			Status:      StatusApproved,
		}

		created, err := s.store.CreateEarning(ctx, earning)
		if err != nil {
			return paid, err
		}
		if !created {
			// Already paid for this event family; anti-double-pay.
			continue
		}

		if err := s.creditEarning(ctx, earning); err != nil {
			return paid, err
		}
		metrics.CommissionEarningsTotal.WithLabelValues(strconv.Itoa(edge.Level), string(typ)).Inc()
		paid = append(paid, earning)
	}
	return paid, nil
}

// creditEarning moves an approved earning onto the referrer's wallet. The
// credit reference derives from the earning id, so even a crash between
// earning creation and credit cannot pay twice on replay.
func (s *Service) creditEarning(ctx context.Context, e *Earning) error {
	txn, _, err := s.wallets.Credit(ctx, wallet.CreditRequest{
		UserID:      e.ReferrerID,
		Kind:        wallet.KindMain,
		Amount:      e.Amount,
		Category:    wallet.CategoryReferralBonus,
		Reference:   "REFERRAL_" + e.ID,
		Description: string(e.EarningType) + " commission for " + e.ReferredID,
	})
	if err != nil {
		return fmt.Errorf("credit earning %s: %w", e.ID, err)
	}
	if err := s.store.MarkEarningPaid(ctx, e.ID, txn.ID); err != nil {
		return err
	}
	e.Status = StatusPaid
	e.TransactionID = txn.ID

	s.logger.Info("commission paid",
		"referrer", e.ReferrerID, "referred", e.ReferredID,
		"type", e.EarningType, "referral", e.ReferralID, "amount", money.Format(e.Amount))
	return nil
}

// Earnings lists a referrer's commission history, newest first.
func (s *Service) Earnings(ctx context.Context, referrerID string, limit int) ([]*Earning, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListEarnings(ctx, referrerID, limit)
}

// TotalEarned sums a referrer's paid commissions.
func (s *Service) TotalEarned(ctx context.Context, referrerID string) (decimal.Decimal, error) {
	return s.store.SumEarnings(ctx, referrerID)
}

// Code returns the user's referral code, creating one if needed.
func (s *Service) Code(ctx context.Context, userID string) (*ReferralCode, error) {
	return s.EnsureCode(ctx, userID)
}

// SetTier installs or updates a commission tier.
func (s *Service) SetTier(ctx context.Context, tier *CommissionTier) error {
	if tier.Level < 1 || tier.Level > MaxLevels {
		return fmt.Errorf("tier level must be between 1 and %d", MaxLevels)
	}
	return s.store.SetTier(ctx, tier)
}
