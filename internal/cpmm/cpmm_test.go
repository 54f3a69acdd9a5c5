package cpmm

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/amm-engine/internal/amm"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMM(t *testing.T) *MarketMaker {
	t.Helper()
	mm, err := NewMarketMaker(DefaultConfig())
	require.NoError(t, err)
	return mm
}

// kDrift returns |yes*no - k| / k.
func kDrift(p Pool) float64 {
	product := p.YesReserve.Mul(p.NoReserve)
	return product.Sub(p.K).Abs().Div(p.K).InexactFloat64()
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("yes")
	require.NoError(t, err)
	assert.Equal(t, SideYes, s)

	s, err = ParseSide(" No ")
	require.NoError(t, err)
	assert.Equal(t, SideNo, s)
	assert.Equal(t, SideYes, s.Opposite())

	_, err = ParseSide("maybe")
	assert.ErrorIs(t, err, amm.ErrInvalidOptionIndex)
}

func TestCreatePool(t *testing.T) {
	pool, err := CreatePool(d(10000))
	require.NoError(t, err)
	assert.True(t, pool.YesReserve.Equal(d(10000)))
	assert.True(t, pool.NoReserve.Equal(d(10000)))
	assert.True(t, pool.K.Equal(d(1e8)))
	assert.True(t, Price(*pool, SideYes).Equal(d(0.5)))

	_, err = CreatePool(decimal.Zero)
	assert.ErrorIs(t, err, amm.ErrInvalidConfiguration)
}

func TestCreatePoolFromPrices(t *testing.T) {
	pool, err := CreatePoolFromPrices(d(0.7), d(1000))
	require.NoError(t, err)
	assert.True(t, pool.NoReserve.Equal(d(700)), "no reserve %s", pool.NoReserve)
	assert.True(t, pool.YesReserve.Equal(d(300)), "yes reserve %s", pool.YesReserve)
	assert.True(t, pool.K.Equal(d(210000)))
	assert.True(t, Price(*pool, SideYes).Equal(d(0.7)))
	assert.True(t, Price(*pool, SideNo).Equal(d(0.3)))

	for _, p := range []float64{0, 1, -0.2, 1.5} {
		_, err := CreatePoolFromPrices(d(p), d(1000))
		assert.ErrorIs(t, err, amm.ErrInvalidConfiguration, "price %v", p)
	}
	_, err = CreatePoolFromPrices(d(0.5), decimal.Zero)
	assert.ErrorIs(t, err, amm.ErrInvalidConfiguration)
}

func TestPrice_UndefinedDefaultsToEvenOdds(t *testing.T) {
	tests := []Pool{
		{},
		{YesReserve: d(0), NoReserve: d(100)},
		{YesReserve: d(-5), NoReserve: d(100)},
		{YesReserve: d(100), NoReserve: d(-1)},
	}
	for _, p := range tests {
		assert.True(t, Price(p, SideYes).Equal(d(0.5)), "pool %+v", p)
		assert.True(t, Price(p, SideNo).Equal(d(0.5)), "pool %+v", p)
	}
}

func TestBuy_ExampleSymmetricPool(t *testing.T) {
	mm := newMM(t)
	pool, err := CreatePool(d(10000))
	require.NoError(t, err)

	res, err := mm.Buy(*pool, SideYes, d(100))
	require.NoError(t, err)

	assert.True(t, res.Shares.GreaterThan(d(100)), "shares %s", res.Shares)
	assert.True(t, Price(res.Pool, SideYes).GreaterThan(d(0.5)))
	assert.True(t, res.PriceYes.Add(res.PriceNo).Sub(d(1)).Abs().LessThanOrEqual(d(0.00000001)))
	assert.True(t, res.Pool.NoReserve.Equal(d(10100)))
	assert.Less(t, kDrift(res.Pool), 1e-10)
	assert.True(t, res.Pool.YesReserve.Mul(res.Pool.NoReserve).GreaterThanOrEqual(pool.K),
		"rounding must favour the pool")

	// Input pool is a value; it must be untouched.
	assert.True(t, pool.YesReserve.Equal(d(10000)))
}

func TestBuy_NoSide(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(500))

	res, err := mm.Buy(*pool, SideNo, d(50))
	require.NoError(t, err)
	assert.True(t, res.Pool.YesReserve.Equal(d(550)))
	assert.True(t, res.Pool.NoReserve.LessThan(d(500)))
	assert.True(t, res.PriceNo.GreaterThan(d(0.5)))
	assert.Less(t, kDrift(res.Pool), 1e-10)
}

func TestBuy_Errors(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(100))

	_, err := mm.Buy(*pool, SideYes, d(0.001))
	assert.ErrorIs(t, err, amm.ErrMinimumTradeAmount)

	_, err = mm.Buy(*pool, SideYes, decimal.Zero)
	assert.ErrorIs(t, err, amm.ErrInvalidAmount)

	_, err = mm.Buy(*pool, Side("MAYBE"), d(10))
	assert.ErrorIs(t, err, amm.ErrInvalidOptionIndex)

	_, err = mm.Buy(Pool{}, SideYes, d(10))
	assert.ErrorIs(t, err, amm.ErrInvalidConfiguration)
}

func TestBuy_ReserveDepletion(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(10))

	// k = 100; buying YES with 200 leaves yes ≈ 100/210 < 1.
	_, err := mm.Buy(*pool, SideYes, d(200))
	assert.ErrorIs(t, err, amm.ErrReserveDepletion)
}

func TestSell_QuadraticRoot(t *testing.T) {
	mm := newMM(t)
	pool := Pool{YesReserve: d(400), NoReserve: d(600), K: d(240000)}

	res, err := mm.Sell(pool, SideYes, d(50))
	require.NoError(t, err)

	// p² − 1050p + 30000 = 0 → p = (1050 − √(1050² − 120000)) / 2
	total := 1050.0
	want := (total - math.Sqrt(total*total-4*50*600)) / 2
	assert.InDelta(t, want, res.Amount.InexactFloat64(), 1e-7)
	assert.Less(t, kDrift(res.Pool), 1e-10)
	assert.True(t, res.Pool.YesReserve.Mul(res.Pool.NoReserve).GreaterThanOrEqual(pool.K))
	assert.True(t, res.PriceYes.LessThan(d(0.6)), "selling YES should lower its price")
}

func TestSell_Errors(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(100))

	_, err := mm.Sell(*pool, SideYes, decimal.Zero)
	assert.ErrorIs(t, err, amm.ErrInvalidAmount)

	_, err = mm.Sell(*pool, Side(""), d(1))
	assert.ErrorIs(t, err, amm.ErrInvalidOptionIndex)

	// Dumping a huge YES position drains the NO reserve under the floor.
	_, err = mm.Sell(Pool{YesReserve: d(2), NoReserve: d(2), K: d(4)}, SideYes, d(1000))
	assert.ErrorIs(t, err, amm.ErrReserveDepletion)
}

func TestBuyThenSell_RoundTrip(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(10000))

	for _, side := range []Side{SideYes, SideNo} {
		for _, amount := range []float64{0.01, 1, 100, 2500} {
			bought, err := mm.Buy(*pool, side, d(amount))
			require.NoError(t, err)

			sold, err := mm.Sell(bought.Pool, side, bought.Shares)
			require.NoError(t, err)

			assert.True(t, sold.Amount.LessThanOrEqual(d(amount)),
				"round trip paid out more than paid in: %s > %v", sold.Amount, amount)
			assert.InDelta(t, amount, sold.Amount.InexactFloat64(), 1e-6)
			assert.Less(t, kDrift(sold.Pool), 1e-10)
		}
	}
}

func TestEstimateReturn_MatchesBuyAndDoesNotMutate(t *testing.T) {
	mm := newMM(t)
	pool, _ := CreatePool(d(10000))
	before := *pool

	est, err := mm.EstimateReturn(*pool, SideYes, d(100))
	require.NoError(t, err)

	res, err := mm.Buy(*pool, SideYes, d(100))
	require.NoError(t, err)

	assert.True(t, est.Shares.Equal(res.Shares))
	assert.True(t, est.PotentialPayout.Equal(res.Shares))
	assert.True(t, est.PotentialProfit.Equal(res.Shares.Sub(d(100))))
	assert.True(t, est.PriceAfter.Equal(res.PriceYes))
	assert.Equal(t, before, *pool)
}
