// Package config defines the engine's configuration: a TOML file decoded
// over built-in defaults, with ENGINE_* environment overrides on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/cpmm"
	"github.com/atmx/amm-engine/internal/lmsr"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Limits   LimitsConfig   `toml:"limits"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`

	// RateLimit is the per-client request rate in requests per second.
	// Zero disables rate limiting.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// DatabaseConfig points at the PostgreSQL ledger. An empty URL runs the
// engine against the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// EngineConfig carries the trading rules and curve solver settings.
type EngineConfig struct {
	// FeeRate is the fraction of every trade amount taken as fee.
	FeeRate decimal.Decimal `toml:"fee_rate"`
	// FeeScale is the number of decimal places fees are rounded to.
	FeeScale int32 `toml:"fee_scale"`
	// DustThreshold: positions left with fewer shares are deleted.
	DustThreshold decimal.Decimal `toml:"dust_threshold"`
	// MinReserve is the reserve floor shared by both curves.
	MinReserve     decimal.Decimal `toml:"min_reserve"`
	MinTradeAmount decimal.Decimal `toml:"min_trade_amount"`
	// TradeTimeout bounds one executor request, lock waits included.
	TradeTimeout duration   `toml:"trade_timeout"`
	LMSR         LMSRConfig `toml:"lmsr"`
}

// LMSRConfig holds the buy solver parameters.
type LMSRConfig struct {
	MaxIterations   int     `toml:"max_iterations"`
	Tolerance       float64 `toml:"tolerance"`
	VerifyTolerance float64 `toml:"verify_tolerance"`
	SearchFactor    float64 `toml:"search_factor"`
}

// LimitsConfig configures the per-user position limiter. Zero disables a limit.
type LimitsConfig struct {
	MaxPerOutcome decimal.Decimal `toml:"max_per_outcome"`
	MaxPerMarket  decimal.Decimal `toml:"max_per_market"`
	MaxTotal      decimal.Decimal `toml:"max_total"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the production defaults.
func Defaults() Config {
	lm := lmsr.DefaultConfig()
	cp := cpmm.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
			RateLimit:       50,
			RateBurst:       100,
		},
		Database: DatabaseConfig{
			MaxConns:      20,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			FeeRate:        decimal.NewFromFloat(0.01),
			FeeScale:       4,
			DustThreshold:  decimal.NewFromFloat(0.0001),
			MinReserve:     lm.MinReserve,
			MinTradeAmount: cp.MinTradeAmount,
			TradeTimeout:   duration{5 * time.Second},
			LMSR: LMSRConfig{
				MaxIterations:   lm.MaxIterations,
				Tolerance:       lm.Tolerance,
				VerifyTolerance: lm.VerifyTolerance,
				SearchFactor:    lm.SearchFactor,
			},
		},
		LogLevel: "info",
	}
}

// LMSRSolver returns the LMSR market maker settings.
func (e EngineConfig) LMSRSolver() lmsr.Config {
	return lmsr.Config{
		MinReserve:      e.MinReserve,
		MaxIterations:   e.LMSR.MaxIterations,
		Tolerance:       e.LMSR.Tolerance,
		VerifyTolerance: e.LMSR.VerifyTolerance,
		SearchFactor:    e.LMSR.SearchFactor,
	}
}

// CPMMFloors returns the CPMM market maker settings.
func (e EngineConfig) CPMMFloors() cpmm.Config {
	return cpmm.Config{
		MinReserve:     e.MinReserve,
		MinTradeAmount: e.MinTradeAmount,
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst < 1) {
		errs = append(errs, "server.rate_limit must be >= 0 with rate_burst >= 1")
	}
	if c.Database.URL != "" && (c.Database.MaxConns < 1 || c.Database.MinConns > c.Database.MaxConns) {
		errs = append(errs, "database.max_conns must be >= 1 and >= min_conns")
	}

	e := c.Engine
	if e.FeeRate.IsNegative() || e.FeeRate.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		errs = append(errs, fmt.Sprintf("engine.fee_rate %s outside [0, 0.5)", e.FeeRate))
	}
	if e.FeeScale < 0 || e.FeeScale > 8 {
		errs = append(errs, fmt.Sprintf("engine.fee_scale %d outside [0, 8]", e.FeeScale))
	}
	if e.DustThreshold.IsNegative() {
		errs = append(errs, "engine.dust_threshold must not be negative")
	}
	if !e.MinReserve.IsPositive() {
		errs = append(errs, "engine.min_reserve must be positive")
	}
	if e.MinTradeAmount.IsNegative() {
		errs = append(errs, "engine.min_trade_amount must not be negative")
	}
	if e.TradeTimeout.Duration <= 0 {
		errs = append(errs, "engine.trade_timeout must be positive")
	}
	if e.LMSR.MaxIterations < 1 {
		errs = append(errs, "engine.lmsr.max_iterations must be >= 1")
	}
	if e.LMSR.Tolerance <= 0 || e.LMSR.VerifyTolerance <= 0 {
		errs = append(errs, "engine.lmsr tolerances must be positive")
	}
	if e.LMSR.SearchFactor <= 1 {
		errs = append(errs, "engine.lmsr.search_factor must be > 1")
	}

	if c.Limits.MaxPerOutcome.IsNegative() || c.Limits.MaxPerMarket.IsNegative() || c.Limits.MaxTotal.IsNegative() {
		errs = append(errs, "limits must not be negative")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
