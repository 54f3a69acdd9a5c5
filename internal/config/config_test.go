package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAliases(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Engine.FeeRate.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int32(4), cfg.Engine.FeeScale)
	assert.True(t, cfg.Engine.MinReserve.Equal(decimal.NewFromInt(1)))
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	clearAliases(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearAliases(t)
	path := writeTOML(t, `
log_level = "debug"

[server]
port = 9090
shutdown_timeout = "3s"

[engine]
fee_rate = "0.02"
dust_threshold = "0.001"

[engine.lmsr]
max_iterations = 200

[limits]
max_per_market = "5000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration)
	assert.True(t, cfg.Engine.FeeRate.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, cfg.Engine.DustThreshold.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 200, cfg.Engine.LMSR.MaxIterations)
	// untouched keys keep their defaults
	assert.Equal(t, 1e-4, cfg.Engine.LMSR.VerifyTolerance)
	assert.True(t, cfg.Limits.MaxPerMarket.Equal(decimal.NewFromInt(5000)))
	assert.True(t, cfg.Limits.MaxPerOutcome.IsZero())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearAliases(t)
	t.Setenv("ENGINE_SERVER_PORT", "7000")
	t.Setenv("ENGINE_DATABASE_URL", "postgres://localhost/amm")
	t.Setenv("ENGINE_FEE_RATE", "0.005")
	t.Setenv("ENGINE_FEE_SCALE", "6")
	t.Setenv("ENGINE_TRADE_TIMEOUT", "250ms")
	t.Setenv("ENGINE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ENGINE_LIMITS_MAX_TOTAL", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/amm", cfg.Database.URL)
	assert.True(t, cfg.Engine.FeeRate.Equal(decimal.RequireFromString("0.005")))
	assert.Equal(t, int32(6), cfg.Engine.FeeScale)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TradeTimeout.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// unparseable values leave the default in place
	assert.True(t, cfg.Limits.MaxTotal.IsZero())
}

func TestLoad_AliasLosesToPrefixedVar(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://alias")
	t.Setenv("ENGINE_DATABASE_URL", "postgres://engine")
	t.Setenv("PORT", "8181")
	t.Setenv("ENGINE_SERVER_PORT", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://engine", cfg.Database.URL)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Server.RateBurst = 0
	cfg.Engine.FeeRate = decimal.NewFromFloat(0.7)
	cfg.Engine.MinReserve = decimal.Zero
	cfg.Engine.LMSR.SearchFactor = 1
	cfg.Limits.MaxTotal = decimal.NewFromInt(-1)
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"server.rate_limit",
		"engine.fee_rate",
		"engine.min_reserve",
		"engine.lmsr.search_factor",
		"limits must not be negative",
		"log_level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DatabasePool(t *testing.T) {
	cfg := Defaults()
	cfg.Database.URL = "postgres://localhost/amm"
	cfg.Database.MaxConns = 2
	cfg.Database.MinConns = 5
	assert.ErrorContains(t, cfg.Validate(), "database.max_conns")
}

func TestEngineConfig_CurveSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MinReserve = decimal.NewFromInt(2)

	lm := cfg.Engine.LMSRSolver()
	assert.True(t, lm.MinReserve.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, cfg.Engine.LMSR.MaxIterations, lm.MaxIterations)

	cp := cfg.Engine.CPMMFloors()
	assert.True(t, cp.MinReserve.Equal(decimal.NewFromInt(2)))
	assert.True(t, cp.MinTradeAmount.Equal(cfg.Engine.MinTradeAmount))
}
