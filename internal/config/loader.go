package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path over the defaults, loads .env if present
// and applies ENGINE_* environment overrides. An empty path skips the file.
// The result is not validated; call Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ReadTimeout, "ENGINE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ENGINE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SERVER_SHUTDOWN_TIMEOUT")
	setFloat64(&cfg.Server.RateLimit, "ENGINE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "ENGINE_SERVER_RATE_BURST")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.URL, "ENGINE_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "ENGINE_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "ENGINE_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")

	// ── Engine ──
	setDecimal(&cfg.Engine.FeeRate, "ENGINE_FEE_RATE")
	setInt32(&cfg.Engine.FeeScale, "ENGINE_FEE_SCALE")
	setDecimal(&cfg.Engine.DustThreshold, "ENGINE_DUST_THRESHOLD")
	setDecimal(&cfg.Engine.MinReserve, "ENGINE_MIN_RESERVE")
	setDecimal(&cfg.Engine.MinTradeAmount, "ENGINE_MIN_TRADE_AMOUNT")
	setDuration(&cfg.Engine.TradeTimeout, "ENGINE_TRADE_TIMEOUT")
	setInt(&cfg.Engine.LMSR.MaxIterations, "ENGINE_LMSR_MAX_ITERATIONS")
	setFloat64(&cfg.Engine.LMSR.Tolerance, "ENGINE_LMSR_TOLERANCE")
	setFloat64(&cfg.Engine.LMSR.VerifyTolerance, "ENGINE_LMSR_VERIFY_TOLERANCE")
	setFloat64(&cfg.Engine.LMSR.SearchFactor, "ENGINE_LMSR_SEARCH_FACTOR")

	// ── Limits ──
	setDecimal(&cfg.Limits.MaxPerOutcome, "ENGINE_LIMITS_MAX_PER_OUTCOME")
	setDecimal(&cfg.Limits.MaxPerMarket, "ENGINE_LIMITS_MAX_PER_MARKET")
	setDecimal(&cfg.Limits.MaxTotal, "ENGINE_LIMITS_MAX_TOTAL")

	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
