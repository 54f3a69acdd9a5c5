// Package risk implements per-user position limits. The trade executor
// checks them after pricing and before applying a buy, inside the locked
// transaction, so the positions it checks against cannot change underneath it.
//
// Limits are layered the same way at every scale: a single outcome, all
// outcomes of one market, and everything the user holds.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrLimitExceeded is the parent of every limit violation.
	ErrLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrOutcomeLimitExceeded is returned when a trade would push the
	// shares held in one outcome beyond the per-outcome maximum.
	ErrOutcomeLimitExceeded = fmt.Errorf("%w: per-outcome shares", ErrLimitExceeded)

	// ErrMarketLimitExceeded is returned when a trade would push the cost
	// basis across all outcomes of one market beyond the per-market maximum.
	ErrMarketLimitExceeded = fmt.Errorf("%w: per-market exposure", ErrLimitExceeded)

	// ErrTotalLimitExceeded is returned when a trade would push the user's
	// aggregate cost basis across every market beyond the total maximum.
	ErrTotalLimitExceeded = fmt.Errorf("%w: total exposure", ErrLimitExceeded)
)

// Exposure is one position as the limiter sees it.
type Exposure struct {
	MarketID string
	Outcome  string
	Shares   decimal.Decimal
	// Cost is shares times average entry price.
	Cost decimal.Decimal
}

// PositionLimiter enforces position limits. A zero limit is disabled.
type PositionLimiter struct {
	// MaxPerOutcome caps the shares held in any single outcome.
	MaxPerOutcome decimal.Decimal

	// MaxPerMarket caps the summed cost basis of all outcomes of a market.
	MaxPerMarket decimal.Decimal

	// MaxTotal caps the summed cost basis of every open position.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxPerOutcome, maxPerMarket, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerOutcome: maxPerOutcome,
		MaxPerMarket:  maxPerMarket,
		MaxTotal:      maxTotal,
	}
}

// Enabled reports whether any limit is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerOutcome.IsPositive() || l.MaxPerMarket.IsPositive() || l.MaxTotal.IsPositive())
}

func exceeds(v, limit decimal.Decimal) bool {
	return limit.IsPositive() && v.GreaterThan(limit)
}

// CheckLimit validates the position a trade would leave behind.
//
// Parameters:
//   - target: the traded position as it will stand after the trade
//   - existing: the user's other open positions; an entry with the same
//     market and outcome as target is ignored
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(target Exposure, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-outcome limit.
	if exceeds(target.Shares, l.MaxPerOutcome) {
		return fmt.Errorf("%w: %s shares in %s/%s (max %s)",
			ErrOutcomeLimitExceeded, target.Shares, target.MarketID, target.Outcome, l.MaxPerOutcome)
	}

	// 2. Per-market and total cost basis.
	marketCost := target.Cost
	totalCost := target.Cost
	for _, e := range existing {
		if e.MarketID == target.MarketID && e.Outcome == target.Outcome {
			continue // already counted via target above
		}
		if e.MarketID == target.MarketID {
			marketCost = marketCost.Add(e.Cost)
		}
		totalCost = totalCost.Add(e.Cost)
	}

	if exceeds(marketCost, l.MaxPerMarket) {
		return fmt.Errorf("%w: %s in market %s (max %s)",
			ErrMarketLimitExceeded, marketCost, target.MarketID, l.MaxPerMarket)
	}
	if exceeds(totalCost, l.MaxTotal) {
		return fmt.Errorf("%w: %s (max %s)", ErrTotalLimitExceeded, totalCost, l.MaxTotal)
	}
	return nil
}
