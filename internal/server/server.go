// Package server wires the settlement services together and serves the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/ccmarketers/settlement/internal/config"
	"github.com/ccmarketers/settlement/internal/escrow"
	"github.com/ccmarketers/settlement/internal/health"
	"github.com/ccmarketers/settlement/internal/logging"
	"github.com/ccmarketers/settlement/internal/metrics"
	"github.com/ccmarketers/settlement/internal/money"
	"github.com/ccmarketers/settlement/internal/payments"
	"github.com/ccmarketers/settlement/internal/ratelimit"
	"github.com/ccmarketers/settlement/internal/reconciliation"
	"github.com/ccmarketers/settlement/internal/referrals"
	"github.com/ccmarketers/settlement/internal/security"
	"github.com/ccmarketers/settlement/internal/subscriptions"
	"github.com/ccmarketers/settlement/internal/validation"
	"github.com/ccmarketers/settlement/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the settlement services.
type Server struct {
	cfg *config.Config

	walletSvc       *wallet.Service
	escrowSvc       *escrow.Service
	paymentsSvc     *payments.Service
	referralSvc     *referrals.Service
	subscriptionSvc *subscriptions.Service
	reconSvc        *reconciliation.Service
	reconTimer      *reconciliation.Timer

	gateway     payments.Gateway
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil when using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		walletStore   wallet.Store
		escrowStore   escrow.Store
		paymentsStore payments.Store
		referralStore referrals.Store
		subStore      subscriptions.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		wpg := wallet.NewPostgresStore(db)
		if err := wpg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		epg := escrow.NewPostgresStore(db, wpg)
		if err := epg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		ppg := payments.NewPostgresStore(db, wpg)
		if err := ppg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payments store", "error", err)
		}
		rpg := referrals.NewPostgresStore(db)
		if err := rpg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate referrals store", "error", err)
		}
		spg := subscriptions.NewPostgresStore(db)
		if err := spg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscriptions store", "error", err)
		}

		walletStore = wpg
		escrowStore = epg
		paymentsStore = ppg
		referralStore = rpg
		subStore = spg

		s.healthReg.RegisterPing("database", db.PingContext)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		wms := wallet.NewMemoryStore()
		walletStore = wms
		escrowStore = escrow.NewMemoryStore(wms)
		paymentsStore = payments.NewMemoryStore(wms)
		referralStore = referrals.NewMemoryStore()
		subStore = subscriptions.NewMemoryStore()
	}

	// Gateway client (unless injected for tests)
	if s.gateway == nil {
		s.gateway = payments.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey)
	}

	// Wire services. Every balance mutation funnels through the wallet
	// service; withdrawals reserve against it via the payments service.
	s.walletSvc = wallet.NewService(walletStore)
	s.paymentsSvc = payments.NewService(paymentsStore, s.gateway, s.walletSvc, payments.Config{
		GatewayName:   cfg.GatewayName,
		SecretKey:     cfg.GatewaySecretKey,
		Currency:      cfg.GatewayCurrency,
		CallbackURL:   cfg.CallbackURL,
		MinWithdrawal: cfg.MinWithdrawal,
	}, s.logger)
	s.walletSvc.WithReservations(s.paymentsSvc)

	s.referralSvc = referrals.NewService(referralStore, s.walletSvc, s.logger)

	s.escrowSvc = escrow.NewService(escrowStore, cfg.EscrowFeeRate, cfg.PlatformAccountID, s.logger).
		WithPayoutHook(func(ctx context.Context, workerID string, amount decimal.Decimal) {
			if _, err := s.referralSvc.Cascade(ctx, workerID, referrals.EarningTaskCompletion, amount); err != nil {
				s.logger.Error("task completion cascade failed", "worker", workerID, "error", err)
			}
		})

	s.paymentsSvc.WithFundingHook(func(ctx context.Context, userID string, amount decimal.Decimal) {
		if _, err := s.referralSvc.Cascade(ctx, userID, referrals.EarningAdvertiserFunding, amount); err != nil {
			s.logger.Error("funding cascade failed", "user", userID, "error", err)
		}
	})

	s.subscriptionSvc = subscriptions.NewService(subStore, s.walletSvc, s.referralSvc, cfg.PlatformAccountID, s.logger)
	if err := s.subscriptionSvc.SeedDefaultPlans(ctx); err != nil {
		s.logger.Warn("failed to seed subscription plans", "error", err)
	}
	if s.db == nil {
		// Postgres deployments get their tiers from migrations; memory mode
		// seeds them here so the cascade has something to pay from.
		s.seedDefaultTiers(ctx)
	}

	s.reconSvc = reconciliation.NewService(walletStore, escrowStore, paymentsStore)
	s.reconTimer = reconciliation.NewTimer(s.reconSvc, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedDefaultTiers installs the standard commission schedule.
func (s *Server) seedDefaultTiers(ctx context.Context) {
	tiers := []*referrals.CommissionTier{
		{Level: 1, EarningType: referrals.EarningSignup, FlatAmount: s.cfg.SignupBonus, Active: true},
		{Level: 1, EarningType: referrals.EarningTaskCompletion, Rate: money.MustParse("10"), Active: true},
		{Level: 2, EarningType: referrals.EarningTaskCompletion, Rate: money.MustParse("5"), Active: true},
		{Level: 1, EarningType: referrals.EarningAdvertiserFunding, Rate: money.MustParse("10"), Active: true},
		{Level: 2, EarningType: referrals.EarningAdvertiserFunding, Rate: money.MustParse("5"), Active: true},
		{Level: 1, EarningType: referrals.EarningSubscription, Rate: money.MustParse("10"), Active: true},
		{Level: 2, EarningType: referrals.EarningSubscription, Rate: money.MustParse("5"), Active: true},
	}
	for _, tier := range tiers {
		if err := s.referralSvc.SetTier(ctx, tier); err != nil {
			s.logger.Warn("failed to seed commission tier",
				"level", tier.Level, "type", tier.EarningType, "error", err)
		}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Panics must never leave a half-logged settlement request.
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	// Open CORS for development; production deployments restrict origins.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// 1MB body cap. Webhook payloads and API requests are both small.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware propagates X-Request-ID, minting one when the load
// balancer did not supply it, and seeds the request context for logging.L.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// loggingMiddleware writes one access line per request. Severity follows
// the response status; 5xx lines also carry the client IP since those are
// the ones operators chase.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// Gateway webhooks live outside /v1: the gateway signs the raw body and
	// posts to a fixed path, so no version prefix and no ID validation.
	paymentsHandler := payments.NewHandler(s.paymentsSvc, s.logger)
	paymentsHandler.RegisterWebhookRoutes(s.router.Group(""))

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	wallet.NewHandler(s.walletSvc, s.logger).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowSvc, s.logger).RegisterRoutes(v1)
	paymentsHandler.RegisterRoutes(v1)

	referralHandler := referrals.NewHandler(s.referralSvc, s.logger)
	referralHandler.RegisterRoutes(v1)
	referralHandler.RegisterAdminRoutes(v1)

	subscriptions.NewHandler(s.subscriptionSvc, s.logger).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconSvc, s.logger).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Settlement Engine",
		"description": "Ledger, escrow and payout settlement for the task marketplace",
		"version":     "0.1.0",
		"gateway":     s.cfg.GatewayName,
		"currency":    s.cfg.GatewayCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP until the context is cancelled, a signal arrives, or the
// listener fails, then drains in-flight requests through Shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Background workers stop when Shutdown cancels this context.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.cfg.GatewayName,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Periodic conservation checks against the ledger.
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}

	// DB pool stats into Prometheus.
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown flips readiness off, waits for load balancers to notice, drains
// the HTTP server, then stops background workers and closes the pool.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Readiness probes need a few cycles before traffic stops arriving.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
