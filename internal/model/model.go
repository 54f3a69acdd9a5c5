// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market. Only active markets trade.
type MarketStatus string

const (
	StatusActive    MarketStatus = "active"
	StatusPending   MarketStatus = "pending"
	StatusResolved  MarketStatus = "resolved"
	StatusCancelled MarketStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// MarketType selects the pricing curve.
type MarketType string

const (
	// TypeBinary markets are YES/NO constant-product pools.
	TypeBinary MarketType = "binary"
	// TypeMulti markets are N-outcome LMSR pools with one Option per outcome.
	TypeMulti MarketType = "multi"
)

// TradeSide is the direction of an order.
type TradeSide string

const (
	Buy  TradeSide = "buy"
	Sell TradeSide = "sell"
)

// Market is one prediction market. Binary markets carry their pool
// (YesReserve, NoReserve, K) on the row; multi markets keep reserves on
// their Option rows and the LMSR liquidity parameter in B.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Slug           string          `json:"slug" db:"slug"`
	Question       string          `json:"question" db:"question"`
	Type           MarketType      `json:"market_type" db:"market_type"`
	Status         MarketStatus    `json:"status" db:"status"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
	Volume         decimal.Decimal `json:"volume" db:"volume"`

	// LMSR liquidity parameter (multi only).
	B decimal.Decimal `json:"b" db:"b"`

	// CPMM pool (binary only).
	YesReserve decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve  decimal.Decimal `json:"no_reserve" db:"no_reserve"`
	K          decimal.Decimal `json:"k" db:"k"`
	PriceYes   decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo    decimal.Decimal `json:"price_no" db:"price_no"`

	// LPSupply is the outstanding liquidity-provider share count (binary only).
	LPSupply decimal.Decimal `json:"lp_supply" db:"lp_supply"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Option is one outcome of a multi market. OptionIndex is stable and
// defines the outcome's position in the LMSR reserve vector.
type Option struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	OptionIndex int             `json:"option_index" db:"option_index"`
	Label       string          `json:"label" db:"label"`
	Reserve     decimal.Decimal `json:"reserve" db:"reserve"`
	Price       decimal.Decimal `json:"price" db:"price"`
}

// Position is a user's holding of one outcome. Outcome is the option ID for
// multi markets and "YES"/"NO" for binary markets.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns shares * avgCost.
func (p Position) CostBasis() decimal.Decimal {
	return p.Shares.Mul(p.AvgCost)
}

// LiquidityPosition is a user's LP share balance in a binary market.
type LiquidityPosition struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	LPShares  decimal.Decimal `json:"lp_shares" db:"lp_shares"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Balance is a user's collateral. Available must never go negative.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of a filled trade.
// Once created, these are never modified or deleted.
type Order struct {
	ID       string    `json:"id" db:"id"`
	UserID   string    `json:"user_id" db:"user_id"`
	MarketID string    `json:"market_id" db:"market_id"`
	Outcome  string    `json:"outcome" db:"outcome"`
	Side     TradeSide `json:"side" db:"side"`
	// Amount is the gross collateral: paid in on a buy, proceeds before
	// fee on a sell.
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"` // average fill price
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// FeeRecord is an append-only record of the fee taken on one order.
type FeeRecord struct {
	ID        string          `json:"id" db:"id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is one row of per-outcome price history, written for every
// outcome on every trade.
type PricePoint struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Price     decimal.Decimal `json:"price" db:"price"`
	OrderID   string          `json:"order_id" db:"order_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PortfolioPosition is a position marked to the current price.
type PortfolioPosition struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	UserID        string              `json:"user_id"`
	Balance       Balance             `json:"balance"`
	Positions     []PortfolioPosition `json:"positions"`
	Liquidity     []LiquidityPosition `json:"liquidity"`
	TotalValue    decimal.Decimal     `json:"total_value"`
	TotalPnL      decimal.Decimal     `json:"total_pnl"`
	TotalExposure decimal.Decimal     `json:"total_exposure"` // Σ cost basis
}
