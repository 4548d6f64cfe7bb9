// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (in-memory stores if not set)

	// Payment gateway
	GatewayName      string // e.g. "paystack"
	GatewayBaseURL   string
	GatewaySecretKey string // bearer auth and webhook HMAC secret
	GatewayCurrency  string
	CallbackURL      string // funding redirect target

	// Settlement policy
	EscrowFeeRate     decimal.Decimal // platform cut on escrow release
	MinWithdrawal     decimal.Decimal
	SignupBonus       decimal.Decimal // flat direct-referrer bonus
	PlatformAccountID string          // user ID that collects platform fees

	// Observability
	OTLPEndpoint string
	RateLimitRPS int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultGatewayName    = "paystack"
	DefaultGatewayBaseURL = "https://api.paystack.co"
	DefaultCurrency       = "NGN"
	DefaultEscrowFeeRate  = "0.20"
	DefaultMinWithdrawal  = "10.00"
	DefaultSignupBonus    = "5.00"
	DefaultPlatformUser   = "platform"
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("ESCROW_FEE_RATE", DefaultEscrowFeeRate))
	if err != nil {
		return nil, fmt.Errorf("invalid ESCROW_FEE_RATE: %w", err)
	}
	minWithdrawal, err := decimal.NewFromString(getEnv("MIN_WITHDRAWAL", DefaultMinWithdrawal))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_WITHDRAWAL: %w", err)
	}
	signupBonus, err := decimal.NewFromString(getEnv("SIGNUP_BONUS", DefaultSignupBonus))
	if err != nil {
		return nil, fmt.Errorf("invalid SIGNUP_BONUS: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		GatewayName:       getEnv("GATEWAY_NAME", DefaultGatewayName),
		GatewayBaseURL:    getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:  os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayCurrency:   getEnv("GATEWAY_CURRENCY", DefaultCurrency),
		CallbackURL:       os.Getenv("CALLBACK_URL"),
		EscrowFeeRate:     feeRate,
		MinWithdrawal:     minWithdrawal,
		SignupBonus:       signupBonus,
		PlatformAccountID: getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformUser),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:      getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" && c.Env == "production" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required in production")
	}
	one := decimal.NewFromInt(1)
	if c.EscrowFeeRate.IsNegative() || c.EscrowFeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("ESCROW_FEE_RATE must be in [0, 1), got %s", c.EscrowFeeRate)
	}
	if c.MinWithdrawal.IsNegative() {
		return fmt.Errorf("MIN_WITHDRAWAL must not be negative")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID must not be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
