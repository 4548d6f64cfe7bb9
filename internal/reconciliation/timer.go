package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ccmarketers/settlement/internal/metrics"
)

// Timer periodically runs the conservation check and logs violations.
type Timer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer.
func NewTimer(svc *Service, logger *slog.Logger) *Timer {
	return &Timer{
		svc:      svc,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic check loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	result, err := t.svc.Check(ctx)
	if err != nil {
		metrics.ReconciliationChecksTotal.WithLabelValues("error").Inc()
		t.logger.Warn("conservation check failed", "error", err)
		return
	}
	if !result.Match {
		t.logger.Error("conservation invariant violated",
			"diff", result.Diff,
			"walletTotal", result.WalletTotal,
			"lockedEscrow", result.LockedEscrow,
			"pendingWithdrawals", result.PendingWithdrawals,
			"netGatewayInflow", result.NetGatewayInflow)
	}
}
