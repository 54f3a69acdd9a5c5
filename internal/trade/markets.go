package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/cpmm"
	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/marketdef"
	"github.com/atmx/amm-engine/internal/metrics"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/store"
)

// MarketView is a market with its options and current prices.
type MarketView struct {
	model.Market
	Options []model.Option `json:"options,omitempty"`
	Prices  []OutcomePrice `json:"prices"`
}

// Quote previews a buy without locking or writing anything.
type Quote struct {
	MarketID string          `json:"market_id"`
	Outcome  string          `json:"outcome"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Net      decimal.Decimal `json:"net"`
	Shares   decimal.Decimal `json:"shares"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	// PriceAfter is the traded outcome's price once the buy lands.
	PriceAfter      decimal.Decimal `json:"price_after"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PotentialProfit decimal.Decimal `json:"potential_profit"`
}

// CreateMarket validates def and creates an active market with a fresh pool.
// Binary markets get a CPMM pool whose LP supply equals the starting
// liquidity; multi markets get an LMSR pool and one option per outcome.
func (e *Executor) CreateMarket(ctx context.Context, def marketdef.Definition) (*MarketView, error) {
	parsed, err := marketdef.Parse(def)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetMarketBySlug(ctx, parsed.Slug); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, parsed.Slug)
	} else if !errors.Is(err, amm.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	m := &model.Market{
		ID:             uuid.NewString(),
		Slug:           parsed.Slug,
		Question:       parsed.Question,
		Type:           parsed.Type,
		Status:         model.StatusActive,
		TotalLiquidity: parsed.Liquidity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	floor := e.cpmm.Config().MinReserve

	var options []model.Option
	switch parsed.Type {
	case model.TypeBinary:
		var pool *cpmm.Pool
		if parsed.YesPrice != nil {
			pool, err = cpmm.CreatePoolFromPrices(*parsed.YesPrice, parsed.Liquidity)
		} else {
			pool, err = cpmm.CreatePool(parsed.Liquidity)
		}
		if err != nil {
			return nil, err
		}
		if pool.YesReserve.LessThan(floor) || pool.NoReserve.LessThan(floor) {
			return nil, fmt.Errorf("%w: starting reserves yes=%s no=%s under the %s floor",
				amm.ErrInvalidConfiguration, pool.YesReserve, pool.NoReserve, floor)
		}
		*m = withPool(*m, *pool, cpmm.Price(*pool, cpmm.SideYes), cpmm.Price(*pool, cpmm.SideNo))
		m.LPSupply = parsed.Liquidity

	case model.TypeMulti:
		labels := parsed.Labels()
		pool, err := lmsr.CreatePool(len(labels), parsed.Liquidity)
		if err != nil {
			return nil, err
		}
		if pool.B.LessThan(floor) {
			return nil, fmt.Errorf("%w: starting reserve %s under the %s floor", amm.ErrInvalidConfiguration, pool.B, floor)
		}
		m.B = pool.B
		options = make([]model.Option, len(labels))
		for i, label := range labels {
			options[i] = model.Option{
				ID:          uuid.NewString(),
				MarketID:    m.ID,
				OptionIndex: i,
				Label:       label,
				Reserve:     pool.Reserves[i],
				Price:       pool.Prices[i],
			}
		}
	}

	if err := e.store.CreateMarket(ctx, m, options); err != nil {
		return nil, fmt.Errorf("create market %s: %w", m.Slug, err)
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"market_id", m.ID,
		"slug", m.Slug,
		"type", string(m.Type),
		"liquidity", m.TotalLiquidity.String(),
		"outcomes", len(parsed.Labels()),
	)

	view := &MarketView{Market: *m, Options: options, Prices: outcomePrices(m, options)}
	e.broadcast(WSMessage{Type: MsgMarketCreated, MarketID: m.ID, Status: string(m.Status), Prices: view.Prices})
	return view, nil
}

// SetStatus moves a market between lifecycle states. Resolved and cancelled
// are final.
func (e *Executor) SetStatus(ctx context.Context, marketID string, status model.MarketStatus) (*model.Market, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", amm.ErrInvalidConfiguration, status)
	}

	var out *model.Market
	var prev model.MarketStatus
	err := e.run(ctx, "set_status", []any{"market_id", marketID, "status", string(status)},
		func(ctx context.Context, tx store.Tx, stage *Stage) error {
			m, err := tx.LockMarket(ctx, marketID)
			if err != nil {
				return err
			}
			*stage = StageLocked
			if m.Status == model.StatusResolved || m.Status == model.StatusCancelled {
				return fmt.Errorf("%w: market %s is %s", amm.ErrMarketNotActive, m.ID, m.Status)
			}
			*stage = StageValidated
			prev = m.Status
			if m.Status != status {
				if err := tx.UpdateMarketStatus(ctx, marketID, status); err != nil {
					return err
				}
			}
			*stage = StageApplied
			m.Status = status
			out = m
			return nil
		})
	if err != nil {
		return nil, err
	}

	if prev == model.StatusActive && status != model.StatusActive {
		metrics.ActiveMarkets.Dec()
	} else if prev != model.StatusActive && status == model.StatusActive {
		metrics.ActiveMarkets.Inc()
	}
	slog.Info("market status changed", "market_id", marketID, "from", string(prev), "to", string(status))
	e.broadcast(WSMessage{Type: MsgMarketStatus, MarketID: marketID, Status: string(status)})
	return out, nil
}

// Quote prices a buy of amount on target against the current reserves. It
// charges the same fee and calls the same curve function as Buy, so a buy
// executed against unchanged reserves fills exactly as quoted.
func (e *Executor) Quote(ctx context.Context, marketID, rawTarget string, amount decimal.Decimal) (*Quote, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: quote amount %s", amm.ErrInvalidAmount, amount)
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(m); err != nil {
		return nil, err
	}
	options, err := e.store.GetOptions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	t, err := resolveTarget(m, options, rawTarget)
	if err != nil {
		return nil, err
	}

	fee := e.fee(amount)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: %s leaves nothing after a %s fee", amm.ErrInvalidAmount, amount, fee)
	}
	q := &Quote{MarketID: marketID, Outcome: t.outcome, Amount: amount, Fee: fee, Net: net}

	if m.Type == model.TypeBinary {
		est, err := e.cpmm.EstimateReturn(poolOf(m), t.side, net)
		if err != nil {
			return nil, err
		}
		q.Shares = est.Shares
		q.AvgPrice = est.AvgPrice
		q.PriceAfter = est.PriceAfter
		q.PotentialPayout = est.PotentialPayout
	} else {
		res, err := e.lmsr.Buy(reservesOf(options), m.B, t.index, net)
		if err != nil {
			return nil, err
		}
		q.Shares = res.Shares
		q.AvgPrice = res.AvgPrice
		q.PriceAfter = res.NewPrices[t.index]
		q.PotentialPayout = res.Shares
	}
	q.PotentialProfit = q.PotentialPayout.Sub(amount)
	return q, nil
}

// Market returns a market with its options and prices.
func (e *Executor) Market(ctx context.Context, marketID string) (*MarketView, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	options, err := e.store.GetOptions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &MarketView{Market: *m, Options: options, Prices: outcomePrices(m, options)}, nil
}

// Markets lists every market, newest first, optionally filtered by status.
func (e *Executor) Markets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return markets, nil
	}
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// PriceHistory returns up to limit recent price points of a market.
func (e *Executor) PriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.GetPriceHistory(ctx, marketID, limit)
}

// MarketOrders returns every order filled in a market.
func (e *Executor) MarketOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	return e.store.GetOrdersByMarket(ctx, marketID)
}

// MarketFees returns every fee record of a market.
func (e *Executor) MarketFees(ctx context.Context, marketID string) ([]model.FeeRecord, error) {
	return e.store.GetFeeRecordsByMarket(ctx, marketID)
}
