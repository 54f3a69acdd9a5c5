// Package cpmm implements the constant-product market maker for binary
// YES/NO markets, in the conditional-token (CTF) style: buying mints a
// complete YES+NO pair from collateral and swaps the unwanted half into the
// pool, selling swaps shares back and burns complete pairs for collateral.
//
// This pair-mint/pair-burn formula is the only CPMM formula in the engine;
// previews (EstimateReturn) and execution go through the same code.
//
// Reserves and amounts are decimal. Only the square root in Sell runs in
// float64. Rounding always favours the pool: shares and payouts are
// truncated, so yesReserve*noReserve never drops below k.
package cpmm

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
)

// Side selects a binary outcome.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	}
	return "", fmt.Errorf("%w: side %q", amm.ErrInvalidOptionIndex, s)
}

// Opposite returns the other outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

func (s Side) valid() bool {
	return s == SideYes || s == SideNo
}

var half = decimal.NewFromFloat(0.5)

// Config holds the reserve floor and minimum trade size.
type Config struct {
	// MinReserve is the lowest either reserve may reach after a trade.
	MinReserve decimal.Decimal

	// MinTradeAmount is the smallest collateral amount Buy accepts.
	MinTradeAmount decimal.Decimal
}

// DefaultConfig returns the production floors.
func DefaultConfig() Config {
	return Config{
		MinReserve:     decimal.NewFromInt(1),
		MinTradeAmount: decimal.NewFromFloat(0.01),
	}
}

// Pool is a binary constant-product pool. K is fixed when the pool is
// created and only changes when liquidity is added or removed.
type Pool struct {
	YesReserve decimal.Decimal `json:"yes_reserve"`
	NoReserve  decimal.Decimal `json:"no_reserve"`
	K          decimal.Decimal `json:"k"`
}

func (p Pool) reserves(side Side) (this, other decimal.Decimal) {
	if side == SideYes {
		return p.YesReserve, p.NoReserve
	}
	return p.NoReserve, p.YesReserve
}

func withReserves(k decimal.Decimal, side Side, this, other decimal.Decimal) Pool {
	if side == SideYes {
		return Pool{YesReserve: this, NoReserve: other, K: k}
	}
	return Pool{YesReserve: other, NoReserve: this, K: k}
}

func (p Pool) valid() bool {
	return p.YesReserve.IsPositive() && p.NoReserve.IsPositive() && p.K.IsPositive()
}

// Total returns yesReserve + noReserve.
func (p Pool) Total() decimal.Decimal {
	return p.YesReserve.Add(p.NoReserve)
}

// CreatePool builds a symmetric pool: both reserves equal initialLiquidity
// and k = initialLiquidity².
func CreatePool(initialLiquidity decimal.Decimal) (*Pool, error) {
	if !initialLiquidity.IsPositive() {
		return nil, fmt.Errorf("%w: initial liquidity must be positive", amm.ErrInvalidConfiguration)
	}
	return &Pool{
		YesReserve: initialLiquidity,
		NoReserve:  initialLiquidity,
		K:          initialLiquidity.Mul(initialLiquidity),
	}, nil
}

// CreatePoolFromPrices builds a pool whose YES price equals yesPrice.
// Price is the opposite reserve's share of the total, so
// noReserve = yesPrice·total and yesReserve = (1−yesPrice)·total.
func CreatePoolFromPrices(yesPrice, totalLiquidity decimal.Decimal) (*Pool, error) {
	if !yesPrice.IsPositive() || yesPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: yes price %s outside (0,1)", amm.ErrInvalidConfiguration, yesPrice)
	}
	if !totalLiquidity.IsPositive() {
		return nil, fmt.Errorf("%w: total liquidity must be positive", amm.ErrInvalidConfiguration)
	}
	no := yesPrice.Mul(totalLiquidity)
	yes := decimal.NewFromInt(1).Sub(yesPrice).Mul(totalLiquidity)
	return &Pool{YesReserve: yes, NoReserve: no, K: yes.Mul(no)}, nil
}

// Price returns the price of side: the opposite reserve over the pool total.
// An undefined price (zero, negative or non-finite reserves) is reported as
// even odds, 0.5, rather than an error.
func Price(pool Pool, side Side) decimal.Decimal {
	this, other := pool.reserves(side)
	if !this.IsPositive() || !other.IsPositive() {
		return half
	}
	tf, of := this.InexactFloat64(), other.InexactFloat64()
	if !amm.Finite(tf) || !amm.Finite(of) {
		return half
	}
	return other.DivRound(this.Add(other), amm.PriceScale)
}

// TradeResult is the outcome of a Buy or Sell.
type TradeResult struct {
	Side Side
	// Shares bought (Buy) or sold (Sell).
	Shares decimal.Decimal
	// Amount is the collateral paid in (Buy) or paid out (Sell).
	Amount   decimal.Decimal
	AvgPrice decimal.Decimal
	Pool     Pool
	PriceYes decimal.Decimal
	PriceNo  decimal.Decimal
}

// Estimate is a read-only preview of a Buy.
type Estimate struct {
	Shares   decimal.Decimal `json:"shares"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	// PotentialPayout is what the shares redeem for if side wins (1 each).
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PotentialProfit decimal.Decimal `json:"potential_profit"`
	PriceAfter      decimal.Decimal `json:"price_after"`
}

// MarketMaker prices binary trades. It is stateless; pools are values.
type MarketMaker struct {
	cfg Config
}

// NewMarketMaker creates a CPMM market maker with the given floors.
func NewMarketMaker(cfg Config) (*MarketMaker, error) {
	if cfg.MinReserve.IsNegative() || cfg.MinTradeAmount.IsNegative() {
		return nil, fmt.Errorf("%w: cpmm floors must not be negative", amm.ErrInvalidConfiguration)
	}
	return &MarketMaker{cfg: cfg}, nil
}

// Config returns the floors in use.
func (m *MarketMaker) Config() Config {
	return m.cfg
}

func (m *MarketMaker) checkFloors(p Pool) error {
	if p.YesReserve.LessThan(m.cfg.MinReserve) || p.NoReserve.LessThan(m.cfg.MinReserve) {
		return fmt.Errorf("%w: reserves would be yes=%s no=%s (floor %s)",
			amm.ErrReserveDepletion, p.YesReserve, p.NoReserve, m.cfg.MinReserve)
	}
	return nil
}

// Buy spends amount on side. The amount mints amount YES + amount NO; the
// opposite half goes into the pool, the traded reserve is re-solved from k,
// and the trader receives amount plus whatever the traded reserve gave up.
func (m *MarketMaker) Buy(pool Pool, side Side, amount decimal.Decimal) (*TradeResult, error) {
	if !side.valid() {
		return nil, fmt.Errorf("%w: side %q", amm.ErrInvalidOptionIndex, side)
	}
	if !amount.IsPositive() || !amm.Finite(amount.InexactFloat64()) {
		return nil, fmt.Errorf("%w: buy amount %s", amm.ErrInvalidAmount, amount)
	}
	if amount.LessThan(m.cfg.MinTradeAmount) {
		return nil, fmt.Errorf("%w: %s < %s", amm.ErrMinimumTradeAmount, amount, m.cfg.MinTradeAmount)
	}
	if !pool.valid() {
		return nil, fmt.Errorf("%w: empty pool", amm.ErrInvalidConfiguration)
	}

	this, other := pool.reserves(side)
	newOther := other.Add(amount)
	// Round the re-solved reserve up so the pool keeps at least k.
	newThis := pool.K.DivRound(newOther, amm.ReserveScale+2).RoundCeil(amm.ReserveScale)

	shares := amount.Add(this).Sub(newThis).Truncate(amm.ShareScale)
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares out %s", amm.ErrCalculation, shares)
	}
	newThis = this.Add(amount).Sub(shares)

	next := withReserves(pool.K, side, newThis, newOther)
	if err := m.checkFloors(next); err != nil {
		return nil, err
	}

	avg := amount.DivRound(shares, amm.PriceScale)
	if !avg.IsPositive() {
		return nil, fmt.Errorf("%w: average price %s", amm.ErrCalculation, avg)
	}

	return &TradeResult{
		Side:     side,
		Shares:   shares,
		Amount:   amount,
		AvgPrice: avg,
		Pool:     next,
		PriceYes: Price(next, SideYes),
		PriceNo:  Price(next, SideNo),
	}, nil
}

// Sell returns shares of side to the pool and burns complete pairs for
// collateral. With total = yes + no + shares and c = shares·opposite, the
// payout p is the smaller root of p² − total·p + c = 0, which keeps
// (this + shares − p)(other − p) = k.
func (m *MarketMaker) Sell(pool Pool, side Side, shares decimal.Decimal) (*TradeResult, error) {
	if !side.valid() {
		return nil, fmt.Errorf("%w: side %q", amm.ErrInvalidOptionIndex, side)
	}
	if !shares.IsPositive() || !amm.Finite(shares.InexactFloat64()) {
		return nil, fmt.Errorf("%w: sell shares %s", amm.ErrInvalidAmount, shares)
	}
	if !pool.valid() {
		return nil, fmt.Errorf("%w: empty pool", amm.ErrInvalidConfiguration)
	}

	this, other := pool.reserves(side)
	total := pool.Total().Add(shares).InexactFloat64()
	c := shares.Mul(other).InexactFloat64()

	disc := total*total - 4*c
	if !amm.Finite(disc) || disc < 0 {
		return nil, fmt.Errorf("%w: discriminant %g", amm.ErrCalculation, disc)
	}
	// (b − √disc)/2 rewritten as 2c/(b + √disc) to avoid cancellation.
	payoutF := 2 * c / (total + math.Sqrt(disc))
	if !amm.Finite(payoutF) || payoutF <= 0 {
		return nil, fmt.Errorf("%w: payout %g", amm.ErrCalculation, payoutF)
	}
	payout, err := amm.TruncFloat(payoutF, amm.ShareScale)
	if err != nil || !payout.IsPositive() {
		return nil, fmt.Errorf("%w: payout %g", amm.ErrCalculation, payoutF)
	}

	next := withReserves(pool.K, side, this.Add(shares).Sub(payout), other.Sub(payout))
	if err := m.checkFloors(next); err != nil {
		return nil, err
	}

	return &TradeResult{
		Side:     side,
		Shares:   shares,
		Amount:   payout,
		AvgPrice: payout.DivRound(shares, amm.PriceScale),
		Pool:     next,
		PriceYes: Price(next, SideYes),
		PriceNo:  Price(next, SideNo),
	}, nil
}

// EstimateReturn previews a Buy without touching pool state.
func (m *MarketMaker) EstimateReturn(pool Pool, side Side, amount decimal.Decimal) (*Estimate, error) {
	res, err := m.Buy(pool, side, amount)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Shares:          res.Shares,
		AvgPrice:        res.AvgPrice,
		PotentialPayout: res.Shares,
		PotentialProfit: res.Shares.Sub(amount),
		PriceAfter:      Price(res.Pool, side),
	}, nil
}
