package amm

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scales used when converting curve output back into decimal.
const (
	// PriceScale is the number of decimal places kept for prices.
	PriceScale int32 = 8

	// ShareScale is the number of decimal places kept for share counts and
	// payouts. Trader-facing quantities are truncated, never rounded up.
	ShareScale int32 = 8

	// ReserveScale is the precision used for intermediate reserve math.
	ReserveScale int32 = 12
)

// Finite reports whether f is neither NaN nor ±Inf.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FromFloat converts a finite float64 into a decimal rounded to scale places.
// Non-finite input returns ErrCalculation.
func FromFloat(f float64, scale int32) (decimal.Decimal, error) {
	if !Finite(f) {
		return decimal.Zero, ErrCalculation
	}
	return decimal.NewFromFloat(f).Round(scale), nil
}

// TruncFloat converts a finite float64 into a decimal truncated to scale
// places, so the result never exceeds f.
func TruncFloat(f float64, scale int32) (decimal.Decimal, error) {
	if !Finite(f) {
		return decimal.Zero, ErrCalculation
	}
	return decimal.NewFromFloat(f).Truncate(scale), nil
}
