package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func exp(market, outcome string, shares, cost float64) Exposure {
	return Exposure{MarketID: market, Outcome: outcome, Shares: d(shares), Cost: d(cost)}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(500), d(2000))

	err := limiter.CheckLimit(exp("m1", "YES", 100, 50), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerOutcomeExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), d(10000))

	err := limiter.CheckLimit(exp("m1", "YES", 1050, 500), nil)
	if !errors.Is(err, ErrOutcomeLimitExceeded) {
		t.Errorf("expected ErrOutcomeLimitExceeded, got %v", err)
	}
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("limit errors should wrap ErrLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMarketSumsOutcomes(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(500), d(10000))

	existing := []Exposure{
		exp("m1", "NO", 400, 200),
		exp("m1", "YES", 300, 150), // the target's own old row, ignored
		exp("m2", "YES", 900, 450), // other market, not counted per-market
	}

	// 350 + 200 = 550 > 500.
	err := limiter.CheckLimit(exp("m1", "YES", 700, 350), existing)
	if !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}

	// 250 + 200 = 450 <= 500.
	err = limiter.CheckLimit(exp("m1", "YES", 500, 250), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TotalAcrossMarkets(t *testing.T) {
	limiter := NewPositionLimiter(d(500), d(300), d(1000))

	// Ten markets at 95 each: total 950.
	var existing []Exposure
	for i := 0; i < 10; i++ {
		existing = append(existing, exp(string(rune('a'+i)), "YES", 190, 95))
	}

	// Adding 100 more → 1050 > 1000.
	err := limiter.CheckLimit(exp("z", "YES", 200, 100), existing)
	if !errors.Is(err, ErrTotalLimitExceeded) {
		t.Errorf("expected total limit exceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, decimal.Zero)
	if limiter.Enabled() {
		t.Error("all-zero limiter should be disabled")
	}
	if err := limiter.CheckLimit(exp("m1", "YES", 1e9, 1e9), nil); err != nil {
		t.Errorf("disabled limiter should pass everything, got %v", err)
	}

	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit(exp("m1", "YES", 1e9, 1e9), nil); err != nil {
		t.Errorf("nil limiter should pass everything, got %v", err)
	}
}

func TestCheckLimit_OnlyOneLimitSet(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, d(100))

	if err := limiter.CheckLimit(exp("m1", "YES", 1e6, 99), nil); err != nil {
		t.Errorf("share count is unlimited here, got %v", err)
	}
	err := limiter.CheckLimit(exp("m1", "YES", 1, 101), nil)
	if !errors.Is(err, ErrTotalLimitExceeded) {
		t.Errorf("expected ErrTotalLimitExceeded, got %v", err)
	}
}
