// Package store defines the ledger the trade executor runs against.
// Implementations include PostgreSQL (source of truth, row locks via
// SELECT ... FOR UPDATE), Redis (read-through cache over another Store),
// and in-memory (per-row channel locks, for tests and development).
package store

import (
	"context"

	"github.com/atmx/amm-engine/internal/model"
)

// Store is the persistence interface. Every mutation of trading state goes
// through InTx; the read methods serve the query side and never lock.
type Store interface {
	// InTx runs fn inside one transaction. If fn returns nil the
	// transaction commits; otherwise it rolls back and fn's error is
	// returned unchanged. Locks taken through tx are held until InTx
	// returns, on every path.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Market operations ---

	// CreateMarket persists a market and, for multi markets, its options.
	CreateMarket(ctx context.Context, market *model.Market, options []model.Option) error

	// GetMarket retrieves a market by ID. Missing markets return amm.ErrNotFound.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketBySlug retrieves a market by its slug.
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetOptions returns a market's options ordered by option index.
	GetOptions(ctx context.Context, marketID string) ([]model.Option, error)

	// --- Account queries ---

	// GetBalance returns a user's balance; users that never deposited
	// have a zero balance.
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)

	// GetUserPositions returns every open position of a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// GetLiquidityPositions returns every LP position of a user.
	GetLiquidityPositions(ctx context.Context, userID string) ([]model.LiquidityPosition, error)

	// --- Append-only records ---

	GetOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	GetFeeRecordsByMarket(ctx context.Context, marketID string) ([]model.FeeRecord, error)

	// GetPriceHistory returns up to limit most recent price points for a
	// market, oldest first. limit <= 0 returns all of them.
	GetPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error)
}

// Tx is one open ledger transaction. Lock methods return the locked row as
// it stands now; the row stays locked until the transaction ends. Callers
// lock in the order market, options, balance, positions so two
// transactions can never wait on each other in a cycle.
type Tx interface {
	// LockMarket locks and returns the market row.
	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// LockOptions locks and returns every option of a market in
	// option-index order. Binary markets have none.
	LockOptions(ctx context.Context, marketID string) ([]model.Option, error)

	// LockBalance locks and returns the user's balance row, creating an
	// empty one on first use.
	LockBalance(ctx context.Context, userID string) (*model.Balance, error)

	// LockPosition locks and returns a position, or nil if the user holds
	// none of that outcome.
	LockPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error)

	// LockLiquidityPosition locks and returns an LP position, or nil.
	LockLiquidityPosition(ctx context.Context, userID, marketID string) (*model.LiquidityPosition, error)

	// UserPositions reads every open position of a user without locking.
	// Positions of the locked market are stable for the transaction.
	UserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// WriteTrade applies every row a filled trade touches.
	WriteTrade(ctx context.Context, w *TradeWrite) error

	// WriteLiquidity applies every row a liquidity change touches.
	WriteLiquidity(ctx context.Context, w *LiquidityWrite) error

	// UpdateBalance writes a locked balance back.
	UpdateBalance(ctx context.Context, b *model.Balance) error

	// UpdateMarketStatus changes the status of a locked market.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error
}

// TradeWrite is the complete set of rows one trade mutates.
type TradeWrite struct {
	// Market carries the new pool state, prices and volume.
	Market *model.Market
	// Options carries every option of a multi market with its new reserve
	// and price, not only the traded one.
	Options []model.Option
	Balance *model.Balance
	// Position is upserted, or deleted when DeletePosition is set.
	Position       *model.Position
	DeletePosition bool
	Order          *model.Order
	// Fee is nil when the trade carried no fee.
	Fee    *model.FeeRecord
	Prices []model.PricePoint
}

// LiquidityWrite is the complete set of rows one liquidity change mutates.
type LiquidityWrite struct {
	Market         *model.Market
	Balance        *model.Balance
	Position       *model.LiquidityPosition
	DeletePosition bool
}
