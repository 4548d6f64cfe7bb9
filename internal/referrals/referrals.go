// Package referrals maintains the referral graph and pays commissions.
//
// The graph is a set of directed edges referrer -> referred with a level:
// 1 for a direct signup through a code, 2 for the referrer's own referrer.
// The cascade engine walks at most those two levels for each qualifying
// economic event and creates at most one earning per (referrer, referred,
// edge, event type).
package referrals

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSelfReferral      = errors.New("users cannot refer themselves")
	ErrDuplicateReferral = errors.New("referral relationship already exists")
	ErrCodeNotFound      = errors.New("referral code not found")
	ErrReferralNotFound  = errors.New("referral relationship not found")
	ErrTierNotFound      = errors.New("no commission tier for that level and earning type")
	ErrEarningNotFound   = errors.New("earning not found")
)

// MaxLevels caps the referral graph walk. Level 1 is the direct referrer,
// level 2 the referrer's referrer; nothing beyond earns.
const MaxLevels = 2

// EarningType identifies the economic event a commission is paid for.
type EarningType string

const (
	EarningSignup            EarningType = "signup"
	EarningTaskCompletion    EarningType = "task_completion"
	EarningAdvertiserFunding EarningType = "advertiser_funding"
	EarningSubscription      EarningType = "subscription"
)

// EarningStatus tracks a commission's payout state.
type EarningStatus string

const (
	StatusPending   EarningStatus = "pending"
	StatusApproved  EarningStatus = "approved"
	StatusPaid      EarningStatus = "paid"
	StatusCancelled EarningStatus = "cancelled"
)

// ReferralCode is a user's shareable signup code.
type ReferralCode struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Referral is one edge of the referral graph. Immutable once created.
type Referral struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrerId"`
	ReferredID string    `json:"referredId"`
	Level      int       `json:"level"`
	Code       string    `json:"code"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CommissionTier configures the payout for one (level, earning type)
// combination. FlatAmount, when positive, wins over the percentage rate.
type CommissionTier struct {
	Level       int             `json:"level"`
	EarningType EarningType     `json:"earningType"`
	Rate        decimal.Decimal `json:"rate"`
	FlatAmount  decimal.Decimal `json:"flatAmount"`
	Active      bool            `json:"active"`
}

// Earning is one commission payout. The (referrer, referred, referral,
// earning type) tuple is unique; that uniqueness is the anti-double-pay
// guarantee, backed a second time by the wallet credit's reference.
type Earning struct {
	ID            string          `json:"id"`
	ReferrerID    string          `json:"referrerId"`
	ReferredID    string          `json:"referredId"`
	ReferralID    string          `json:"referralId"`
	EarningType   EarningType     `json:"earningType"`
	Amount        decimal.Decimal `json:"amount"`
	Rate          decimal.Decimal `json:"rate"`
	Status        EarningStatus   `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Store persists the referral graph, tiers, and earnings.
type Store interface {
	CreateCode(ctx context.Context, code *ReferralCode) error
	CodeByUser(ctx context.Context, userID string) (*ReferralCode, error)
	CodeOwner(ctx context.Context, code string) (string, error)

	// CreateReferral fails with ErrDuplicateReferral if an edge between
	// the same referrer and referred already exists.
	CreateReferral(ctx context.Context, r *Referral) error
	ActiveReferralsTo(ctx context.Context, referredID string) ([]*Referral, error)
	DirectReferrerOf(ctx context.Context, userID string) (*Referral, error)

	SetTier(ctx context.Context, tier *CommissionTier) error
	TierFor(ctx context.Context, level int, typ EarningType) (*CommissionTier, error)

	// CreateEarning inserts the earning unless one already exists for the
	// same (referrer, referred, referral, earning type); created reports
	// whether this call inserted it.
	CreateEarning(ctx context.Context, e *Earning) (created bool, err error)
	MarkEarningPaid(ctx context.Context, earningID, transactionID string) error
	ListEarnings(ctx context.Context, referrerID string, limit int) ([]*Earning, error)
	SumEarnings(ctx context.Context, referrerID string) (decimal.Decimal, error)
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns an 8-character uppercase alphanumeric code.
func GenerateCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("referrals: crypto/rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
