// Package amm holds what the pricing curves and the trade executor share:
// the error taxonomy and a few numeric helpers for crossing the
// float64/decimal boundary.
//
// Every error here is scoped to a single request and is raised before any
// write is committed. ErrStoreUnavailable is the only one worth retrying
// unchanged.
package amm

import "errors"

var (
	// ErrInvalidConfiguration is returned for pools that cannot exist
	// (fewer than two outcomes, non-positive liquidity, price outside (0,1)).
	ErrInvalidConfiguration = errors.New("amm: invalid pool configuration")

	// ErrInvalidAmount is returned for non-positive or non-finite trade sizes.
	ErrInvalidAmount = errors.New("amm: invalid amount")

	// ErrInvalidOptionIndex is returned when an LMSR outcome index is out of range.
	ErrInvalidOptionIndex = errors.New("amm: option index out of range")

	// ErrConvergence is returned when the LMSR buy solver cannot find a share
	// count whose cost matches the payment within tolerance.
	ErrConvergence = errors.New("amm: solver failed to converge")

	// ErrReserveDepletion is returned when a trade would push a reserve
	// under the configured floor.
	ErrReserveDepletion = errors.New("amm: trade would deplete reserves")

	// ErrCalculation is returned for non-finite or non-positive curve output.
	ErrCalculation = errors.New("amm: calculation produced an invalid result")

	// ErrMinimumTradeAmount is returned when a CPMM buy is under the minimum size.
	ErrMinimumTradeAmount = errors.New("amm: amount below minimum trade size")

	ErrInsufficientBalance = errors.New("amm: insufficient balance")
	ErrInsufficientShares  = errors.New("amm: insufficient shares")
	ErrMarketNotActive     = errors.New("amm: market is not active")
	ErrMarketTypeMismatch  = errors.New("amm: market type does not match request")
	ErrNotFound            = errors.New("amm: not found")

	// ErrStoreUnavailable marks transient ledger failures (lost connection,
	// serialization failure, deadlock). Nothing was committed.
	ErrStoreUnavailable = errors.New("amm: store unavailable")
)

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
