// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WalletTransactionsTotal counts ledger entries by category and direction.
	WalletTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "wallet_transactions_total",
			Help:      "Total wallet ledger entries by category and direction.",
		},
		[]string{"category", "direction"},
	)

	// WebhookEventsTotal counts gateway webhook deliveries by event type and outcome.
	// Outcomes: processed, duplicate, unknown_reference, unhandled, invalid_signature, error.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "webhook_events_total",
			Help:      "Total gateway webhook deliveries by event type and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// WithdrawalsTotal counts withdrawal requests by final status.
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "withdrawals_total",
			Help:      "Total withdrawal requests by status.",
		},
		[]string{"status"},
	)

	// CommissionEarningsTotal counts referral earnings credited by level and type.
	CommissionEarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "commission_earnings_total",
			Help:      "Total referral commission earnings credited by level and earning type.",
		},
		[]string{"level", "earning_type"},
	)

	// EscrowsLockedTotal counts escrow locks.
	EscrowsLockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "escrows_locked_total",
		Help:      "Total escrows locked.",
	})

	// EscrowsReleasedTotal counts escrow releases (payout to worker).
	EscrowsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "escrows_released_total",
		Help:      "Total escrows released to workers.",
	})

	// EscrowsRefundedTotal counts escrow refunds back to advertisers.
	EscrowsRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "escrows_refunded_total",
		Help:      "Total escrows refunded to advertisers.",
	})

	// EscrowDuration observes time from lock to resolution.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow lock to release or refund in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// SubscriptionsTotal counts subscription activations by plan.
	SubscriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "subscriptions_total",
			Help:      "Total subscription activations by plan.",
		},
		[]string{"plan"},
	)

	// ReconciliationDrift tracks the signed conservation drift from the last check.
	ReconciliationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "reconciliation_drift",
		Help:      "Signed difference between ledger side and gateway side at the last check.",
	})

	// ReconciliationChecksTotal counts conservation checks by result.
	ReconciliationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "reconciliation_checks_total",
			Help:      "Total conservation checks by result (match, mismatch, error).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WalletTransactionsTotal,
		WebhookEventsTotal,
		WithdrawalsTotal,
		CommissionEarningsTotal,
		EscrowsLockedTotal,
		EscrowsReleasedTotal,
		EscrowsRefundedTotal,
		EscrowDuration,
		SubscriptionsTotal,
		ReconciliationDrift,
		ReconciliationChecksTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
