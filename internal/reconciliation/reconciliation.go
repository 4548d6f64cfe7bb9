// Package reconciliation verifies the conservation invariant: the sum of
// all wallet balances plus locked escrow plus pending withdrawals must
// equal successful gateway fundings minus successful withdrawals.
//
// A drift beyond the alert threshold is an invariant violation, never
// silently corrected; the check reports it for operators and alerting.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/payments"
)

// BalanceSummer returns the sum of all wallet balances.
type BalanceSummer interface {
	SumBalances(ctx context.Context) (decimal.Decimal, error)
}

// EscrowSummer returns the total still locked in escrow.
type EscrowSummer interface {
	SumLocked(ctx context.Context) (decimal.Decimal, error)
}

// GatewaySummer totals gateway-boundary flows.
type GatewaySummer interface {
	Sum(ctx context.Context, typ payments.PaymentType, status payments.PaymentStatus) (decimal.Decimal, error)
}

// Result is one conservation check outcome.
type Result struct {
	Match              bool      `json:"match"`
	WalletTotal        string    `json:"walletTotal"`
	LockedEscrow       string    `json:"lockedEscrow"`
	PendingWithdrawals string    `json:"pendingWithdrawals"`
	NetGatewayInflow   string    `json:"netGatewayInflow"`
	Diff               string    `json:"diff"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Service runs the conservation check.
type Service struct {
	wallets        BalanceSummer
	escrows        EscrowSummer
	gateway        GatewaySummer
	alertThreshold decimal.Decimal
}

// NewService creates a reconciliation service. The default threshold of
// 0.01 tolerates only sub-cent representation noise.
func NewService(wallets BalanceSummer, escrows EscrowSummer, gateway GatewaySummer) *Service {
	return &Service{
		wallets:        wallets,
		escrows:        escrows,
		gateway:        gateway,
		alertThreshold: money.MustParse("0.01"),
	}
}

// SetAlertThreshold sets the drift above which checks are flagged.
func (s *Service) SetAlertThreshold(amount decimal.Decimal) {
	s.alertThreshold = amount
}

// Check computes both sides of the conservation identity.
//
// Pending withdrawals are counted on the ledger side: they were already
// debited from a wallet but have not yet crossed the gateway, so until
// settlement they exist as a liability rather than an outflow.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	walletTotal, err := s.wallets.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum wallet balances: %w", err)
	}
	lockedEscrow, err := s.escrows.SumLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum locked escrow: %w", err)
	}

	fundings, err := s.gateway.Sum(ctx, payments.TypeFunding, payments.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("sum fundings: %w", err)
	}
	withdrawals, err := s.gateway.Sum(ctx, payments.TypeWithdrawal, payments.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("sum withdrawals: %w", err)
	}
	pendingWithdrawals, err := s.gateway.Sum(ctx, payments.TypeWithdrawal, payments.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("sum pending withdrawals: %w", err)
	}

	ledgerSide := walletTotal.Add(lockedEscrow).Add(pendingWithdrawals)
	gatewaySide := fundings.Sub(withdrawals)
	diff := ledgerSide.Sub(gatewaySide)

	match := diff.Abs().LessThanOrEqual(s.alertThreshold)
	drift, _ := diff.Float64()
	metrics.ReconciliationDrift.Set(drift)
	if match {
		metrics.ReconciliationChecksTotal.WithLabelValues("match").Inc()
	} else {
		metrics.ReconciliationChecksTotal.WithLabelValues("mismatch").Inc()
	}

	return &Result{
		Match:              match,
		WalletTotal:        money.Format(walletTotal),
		LockedEscrow:       money.Format(lockedEscrow),
		PendingWithdrawals: money.Format(pendingWithdrawals),
		NetGatewayInflow:   money.Format(gatewaySide),
		Diff:               money.Format(diff),
		CheckedAt:          time.Now(),
	}, nil
}
