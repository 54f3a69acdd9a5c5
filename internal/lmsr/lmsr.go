// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for N-outcome markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Prices that always form a probability distribution
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal at the package boundary.
// Internal transcendental math runs in float64 with the log-sum-exp trick
// for numerical stability, and results are converted back to decimal
// before they leave the package.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
)

// Config holds the solver parameters and the reserve floor.
type Config struct {
	// MinReserve is the lowest reserve a sell may leave behind.
	MinReserve decimal.Decimal

	// MaxIterations bounds the bisection loop in Buy.
	MaxIterations int

	// Tolerance is the early-exit tolerance of the bisection loop.
	Tolerance float64

	// VerifyTolerance is the post-loop check applied to the solution.
	// A solution outside it fails with amm.ErrConvergence.
	VerifyTolerance float64

	// SearchFactor sets the upper end of the search range to amount*SearchFactor.
	SearchFactor float64
}

// DefaultConfig returns the production solver settings.
func DefaultConfig() Config {
	return Config{
		MinReserve:      decimal.NewFromInt(1),
		MaxIterations:   100,
		Tolerance:       1e-8,
		VerifyTolerance: 1e-4,
		SearchFactor:    100,
	}
}

// MarketMaker prices trades against LMSR pools. It is stateless: reserves
// and b are passed in on every call, so one MarketMaker serves every market.
type MarketMaker struct {
	cfg Config
}

// NewMarketMaker creates a market maker with the given solver configuration.
func NewMarketMaker(cfg Config) (*MarketMaker, error) {
	if cfg.MinReserve.IsNegative() || cfg.MaxIterations < 1 ||
		cfg.Tolerance <= 0 || cfg.VerifyTolerance <= 0 || cfg.SearchFactor <= 1 {
		return nil, fmt.Errorf("%w: lmsr solver settings", amm.ErrInvalidConfiguration)
	}
	return &MarketMaker{cfg: cfg}, nil
}

// Config returns the solver configuration.
func (m *MarketMaker) Config() Config {
	return m.cfg
}

// Pool is the state of a freshly created LMSR market.
type Pool struct {
	B        decimal.Decimal
	Reserves []decimal.Decimal
	Prices   []decimal.Decimal
}

// TradeResult is the outcome of a Buy or Sell.
type TradeResult struct {
	// Shares is the number of outcome shares bought or sold.
	Shares decimal.Decimal
	// Amount is the collateral paid in (buy) or paid out (sell).
	Amount decimal.Decimal
	// AvgPrice is Amount / Shares.
	AvgPrice    decimal.Decimal
	NewReserves []decimal.Decimal
	NewPrices   []decimal.Decimal
}

// CreatePool builds an N-outcome pool with liquidity parameter
// b = totalLiquidity / numOptions and every reserve set to b, which gives
// each outcome a starting price of 1/numOptions.
func CreatePool(numOptions int, totalLiquidity decimal.Decimal) (*Pool, error) {
	if numOptions < 2 {
		return nil, fmt.Errorf("%w: need at least 2 options, got %d", amm.ErrInvalidConfiguration, numOptions)
	}
	if totalLiquidity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: total liquidity must be positive", amm.ErrInvalidConfiguration)
	}

	b := totalLiquidity.DivRound(decimal.NewFromInt(int64(numOptions)), amm.ReserveScale)
	reserves := make([]decimal.Decimal, numOptions)
	for i := range reserves {
		reserves[i] = b
	}
	return &Pool{
		B:        b,
		Reserves: reserves,
		Prices:   Prices(reserves, b),
	}, nil
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// costF evaluates C(q) = b * ln(Σ exp(q_i / b)) on float64 inputs.
func costF(q []float64, b float64) float64 {
	scaled := make([]float64, len(q))
	for i, v := range q {
		scaled[i] = v / b
	}
	return b * logSumExp(scaled)
}

// softmax returns exp(q_i/b) / Σ exp(q_j/b) with max-subtraction.
func softmax(q []float64, b float64) []float64 {
	if len(q) == 0 {
		return nil
	}
	maxVal := q[0] / b
	for _, v := range q[1:] {
		if v/b > maxVal {
			maxVal = v / b
		}
	}
	out := make([]float64, len(q))
	var sum float64
	for i, v := range q {
		out[i] = math.Exp(v/b - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func toFloats(ds []decimal.Decimal) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = d.InexactFloat64()
	}
	return out
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// An empty reserve vector yields -Inf.
func Cost(reserves []decimal.Decimal, b decimal.Decimal) float64 {
	if len(reserves) == 0 {
		return math.Inf(-1)
	}
	return costF(toFloats(reserves), b.InexactFloat64())
}

// Prices computes the instantaneous price of every outcome:
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
//
// This is the softmax function, so the result sums to 1 up to rounding at
// PriceScale decimal places.
func Prices(reserves []decimal.Decimal, b decimal.Decimal) []decimal.Decimal {
	ps := softmax(toFloats(reserves), b.InexactFloat64())
	out := make([]decimal.Decimal, len(ps))
	for i, p := range ps {
		out[i] = decimal.NewFromFloat(p).Round(amm.PriceScale)
	}
	return out
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n).
func MaxLoss(b decimal.Decimal, numOptions int) decimal.Decimal {
	loss := b.InexactFloat64() * math.Log(float64(numOptions))
	return decimal.NewFromFloat(loss).Round(amm.PriceScale)
}

func validatePool(reserves []decimal.Decimal, b decimal.Decimal) error {
	if len(reserves) < 2 {
		return fmt.Errorf("%w: pool has %d options", amm.ErrInvalidConfiguration, len(reserves))
	}
	if b.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: liquidity parameter b must be positive", amm.ErrInvalidConfiguration)
	}
	return nil
}

func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && amm.Finite(d.InexactFloat64())
}

// Buy spends amount on outcome optionIndex and returns the shares received.
//
// It solves C(q + Δ·e_i) − C(q) = amount for Δ by bisection over
// [0, amount·SearchFactor]. The loop keeps the invariant cost(lo) <= amount,
// so the trader is never credited shares worth more than they paid. After
// the loop the solution is checked against VerifyTolerance; a search range
// that was too narrow fails here with amm.ErrConvergence and nothing is
// returned.
func (m *MarketMaker) Buy(reserves []decimal.Decimal, b decimal.Decimal, optionIndex int, amount decimal.Decimal) (*TradeResult, error) {
	if err := validatePool(reserves, b); err != nil {
		return nil, err
	}
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: buy amount %s", amm.ErrInvalidAmount, amount)
	}
	if optionIndex < 0 || optionIndex >= len(reserves) {
		return nil, fmt.Errorf("%w: %d of %d", amm.ErrInvalidOptionIndex, optionIndex, len(reserves))
	}

	q := toFloats(reserves)
	bf := b.InexactFloat64()
	amt := amount.InexactFloat64()
	orig := q[optionIndex]
	base := costF(q, bf)

	tradeCost := func(delta float64) float64 {
		q[optionIndex] = orig + delta
		c := costF(q, bf) - base
		q[optionIndex] = orig
		return c
	}

	lo, hi := 0.0, amt*m.cfg.SearchFactor
	delta := -1.0
	for i := 0; i < m.cfg.MaxIterations; i++ {
		mid := (lo + hi) / 2
		c := tradeCost(mid)
		if c <= amt {
			lo = mid
			if amt-c < m.cfg.Tolerance {
				delta = mid
				break
			}
		} else {
			hi = mid
		}
	}
	if delta < 0 {
		delta = lo
	}

	if residual := math.Abs(tradeCost(delta) - amt); !amm.Finite(residual) || residual > m.cfg.VerifyTolerance {
		return nil, fmt.Errorf("%w: residual %g after %d iterations (amount %s)",
			amm.ErrConvergence, residual, m.cfg.MaxIterations, amount)
	}

	shares, err := amm.TruncFloat(delta, amm.ShareScale)
	if err != nil || !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares out %g", amm.ErrCalculation, delta)
	}

	newReserves := make([]decimal.Decimal, len(reserves))
	copy(newReserves, reserves)
	newReserves[optionIndex] = reserves[optionIndex].Add(shares)

	return &TradeResult{
		Shares:      shares,
		Amount:      amount,
		AvgPrice:    amount.DivRound(shares, amm.PriceScale),
		NewReserves: newReserves,
		NewPrices:   Prices(newReserves, b),
	}, nil
}

// Sell returns shares of outcome optionIndex to the pool. The payout has a
// closed form, C(q) − C(q − shares·e_i), so no search is needed.
func (m *MarketMaker) Sell(reserves []decimal.Decimal, b decimal.Decimal, optionIndex int, shares decimal.Decimal) (*TradeResult, error) {
	if err := validatePool(reserves, b); err != nil {
		return nil, err
	}
	if !validAmount(shares) {
		return nil, fmt.Errorf("%w: sell shares %s", amm.ErrInvalidAmount, shares)
	}
	if optionIndex < 0 || optionIndex >= len(reserves) {
		return nil, fmt.Errorf("%w: %d of %d", amm.ErrInvalidOptionIndex, optionIndex, len(reserves))
	}

	remaining := reserves[optionIndex].Sub(shares)
	if remaining.LessThan(m.cfg.MinReserve) {
		return nil, fmt.Errorf("%w: option %d reserve would fall to %s (floor %s)",
			amm.ErrReserveDepletion, optionIndex, remaining, m.cfg.MinReserve)
	}

	q := toFloats(reserves)
	bf := b.InexactFloat64()
	before := costF(q, bf)
	q[optionIndex] = remaining.InexactFloat64()
	after := costF(q, bf)

	out := before - after
	if !amm.Finite(out) || out <= 0 {
		return nil, fmt.Errorf("%w: sell proceeds %g", amm.ErrCalculation, out)
	}
	amountOut, err := amm.TruncFloat(out, amm.ShareScale)
	if err != nil || !amountOut.IsPositive() {
		return nil, fmt.Errorf("%w: sell proceeds %g", amm.ErrCalculation, out)
	}

	newReserves := make([]decimal.Decimal, len(reserves))
	copy(newReserves, reserves)
	newReserves[optionIndex] = remaining

	return &TradeResult{
		Shares:      shares,
		Amount:      amountOut,
		AvgPrice:    amountOut.DivRound(shares, amm.PriceScale),
		NewReserves: newReserves,
		NewPrices:   Prices(newReserves, b),
	}, nil
}
