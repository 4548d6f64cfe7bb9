package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultGatewayName, cfg.GatewayName)
	assert.Equal(t, "0.2", cfg.EscrowFeeRate.String())
	assert.Equal(t, "10", cfg.MinWithdrawal.String())
	assert.Equal(t, DefaultPlatformUser, cfg.PlatformAccountID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_secret")
	t.Setenv("ESCROW_FEE_RATE", "0.15")
	t.Setenv("MIN_WITHDRAWAL", "25.00")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "0.15", cfg.EscrowFeeRate.String())
	assert.Equal(t, "25", cfg.MinWithdrawal.String())
}

func TestValidateRejectsBadFeeRate(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_secret")
	t.Setenv("ESCROW_FEE_RATE", "1.50")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRequiresSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("GATEWAY_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidFeeRateString(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_secret")
	t.Setenv("ESCROW_FEE_RATE", "twenty percent")

	_, err := Load()
	assert.Error(t, err)
}
