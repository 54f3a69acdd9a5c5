// Package trade executes market operations against the ledger and serves
// them over HTTP and WebSocket.
//
// The Executor is the only writer of trading state. Each request runs in
// one ledger transaction: the market row, its option rows and the user's
// balance row are locked before anything is read, the curve is priced on
// the locked reserves, and every touched row is written before commit.
// Two requests on the same market are fully serialized by those row locks;
// requests on different markets never wait on each other.
//
// All monetary values use shopspring/decimal. Curves keep float64 internal.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/config"
	"github.com/atmx/amm-engine/internal/cpmm"
	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/metrics"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/risk"
	"github.com/atmx/amm-engine/internal/store"
)

// Stage is how far a request got through the trade protocol.
type Stage int

const (
	StageReceived Stage = iota
	StageLocked
	StageValidated
	StagePriced
	StageApplied
	StageCommitted
	StageAborted
)

var stageNames = [...]string{"RECEIVED", "LOCKED", "VALIDATED", "PRICED", "APPLIED", "COMMITTED", "ABORTED"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// ErrDuplicateMarket is returned when a market slug is already taken.
var ErrDuplicateMarket = errors.New("trade: market slug already exists")

// Broadcaster receives market updates once they are committed.
type Broadcaster interface {
	Broadcast(msg WSMessage)
}

// Executor runs buys, sells and liquidity changes under ledger row locks.
type Executor struct {
	store    store.Store
	lmsr     *lmsr.MarketMaker
	cpmm     *cpmm.MarketMaker
	limiter  *risk.PositionLimiter
	hub      Broadcaster
	feeRate  decimal.Decimal
	feeScale int32
	dust     decimal.Decimal
	timeout  time.Duration
	now      func() time.Time
}

// NewExecutor creates an executor. limiter and hub may be nil.
func NewExecutor(st store.Store, cfg config.EngineConfig, limiter *risk.PositionLimiter, hub Broadcaster) (*Executor, error) {
	lm, err := lmsr.NewMarketMaker(cfg.LMSRSolver())
	if err != nil {
		return nil, err
	}
	cp, err := cpmm.NewMarketMaker(cfg.CPMMFloors())
	if err != nil {
		return nil, err
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: fee rate %s", amm.ErrInvalidConfiguration, cfg.FeeRate)
	}
	return &Executor{
		store:    st,
		lmsr:     lm,
		cpmm:     cp,
		limiter:  limiter,
		hub:      hub,
		feeRate:  cfg.FeeRate,
		feeScale: cfg.FeeScale,
		dust:     cfg.DustThreshold,
		timeout:  cfg.TradeTimeout.Duration,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// OutcomePrice is the current price of one outcome.
type OutcomePrice struct {
	// Outcome is the option ID for multi markets, YES or NO for binary.
	Outcome string          `json:"outcome"`
	Label   string          `json:"label"`
	Price   decimal.Decimal `json:"price"`
}

// TradeResult describes a committed buy or sell.
type TradeResult struct {
	OrderID  string          `json:"order_id"`
	MarketID string          `json:"market_id"`
	UserID   string          `json:"user_id"`
	Outcome  string          `json:"outcome"`
	Side     model.TradeSide `json:"side"`
	// Amount is the gross collateral: paid on a buy, proceeds on a sell.
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	// Net is what reached the curve on a buy and what was credited on a sell.
	Net       decimal.Decimal `json:"net"`
	Shares    decimal.Decimal `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	NewPrices []OutcomePrice  `json:"new_prices"`
	// Position is the user's holding after the trade, nil once closed.
	Position *model.Position `json:"position,omitempty"`
}

// scope is one open request: the locked rows and the stage reached.
type scope struct {
	tx      store.Tx
	market  *model.Market
	options []model.Option
	balance *model.Balance
	stage   *Stage
}

func (s *scope) advance(st Stage) { *s.stage = st }

// run executes fn in one ledger transaction and records how it ended.
// fn advances stage as it goes, so an abort reports the last stage reached.
func (e *Executor) run(ctx context.Context, op string, attrs []any, fn func(ctx context.Context, tx store.Tx, stage *Stage) error) error {
	start := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	stage := StageReceived
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, tx, &stage)
	})
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeAborts.WithLabelValues(op, stage.String()).Inc()
		args := append([]any{"op", op, "stage", stage.String(), "err", err}, attrs...)
		slog.Warn("request aborted", args...)
		return err
	}
	return nil
}

// withLockedMarket locks the market, its options and the user's balance in
// that order, then runs fn with the locked rows. Every operation on a
// market goes through here so they all share the same lock order.
func (e *Executor) withLockedMarket(ctx context.Context, op, marketID, userID string, fn func(ctx context.Context, s *scope) error) error {
	attrs := []any{"market_id", marketID, "user_id", userID}
	return e.run(ctx, op, attrs, func(ctx context.Context, tx store.Tx, stage *Stage) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		opts, err := tx.LockOptions(ctx, marketID)
		if err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		*stage = StageLocked
		return fn(ctx, &scope{tx: tx, market: m, options: opts, balance: bal, stage: stage})
	})
}

// target is a resolved trade target.
type target struct {
	// outcome is the position key: option ID or YES/NO.
	outcome string
	label   string
	side    cpmm.Side
	index   int
}

// resolveTarget maps a raw target onto the market. Binary markets take
// YES or NO; multi markets take an option ID.
func resolveTarget(m *model.Market, options []model.Option, raw string) (target, error) {
	side, sideErr := cpmm.ParseSide(raw)
	switch m.Type {
	case model.TypeBinary:
		if sideErr != nil {
			return target{}, fmt.Errorf("%w: binary market %s trades YES or NO, got %q",
				amm.ErrMarketTypeMismatch, m.ID, raw)
		}
		return target{outcome: string(side), label: string(side), side: side}, nil
	case model.TypeMulti:
		if sideErr == nil {
			return target{}, fmt.Errorf("%w: multi market %s trades by option id, got %q",
				amm.ErrMarketTypeMismatch, m.ID, raw)
		}
		for i, o := range options {
			if o.ID == raw {
				return target{outcome: o.ID, label: o.Label, index: i}, nil
			}
		}
		return target{}, fmt.Errorf("%w: option %q is not in market %s", amm.ErrInvalidOptionIndex, raw, m.ID)
	}
	return target{}, fmt.Errorf("%w: market %s has type %q", amm.ErrInvalidConfiguration, m.ID, m.Type)
}

func requireActive(m *model.Market) error {
	if m.Status != model.StatusActive {
		return fmt.Errorf("%w: market %s is %s", amm.ErrMarketNotActive, m.ID, m.Status)
	}
	return nil
}

func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && amm.Finite(d.InexactFloat64())
}

func (e *Executor) fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(e.feeRate).Round(e.feeScale)
}

// fill is a priced trade: the curve output and the market and options as
// they stand after it.
type fill struct {
	shares   decimal.Decimal
	amount   decimal.Decimal
	avgPrice decimal.Decimal
	market   model.Market
	options  []model.Option
}

func reservesOf(options []model.Option) []decimal.Decimal {
	out := make([]decimal.Decimal, len(options))
	for i, o := range options {
		out[i] = o.Reserve
	}
	return out
}

func poolOf(m *model.Market) cpmm.Pool {
	return cpmm.Pool{YesReserve: m.YesReserve, NoReserve: m.NoReserve, K: m.K}
}

func withPool(m model.Market, p cpmm.Pool, priceYes, priceNo decimal.Decimal) model.Market {
	m.YesReserve = p.YesReserve
	m.NoReserve = p.NoReserve
	m.K = p.K
	m.PriceYes = priceYes
	m.PriceNo = priceNo
	return m
}

func withReserves(options []model.Option, reserves, prices []decimal.Decimal) []model.Option {
	out := make([]model.Option, len(options))
	for i, o := range options {
		o.Reserve = reserves[i]
		o.Price = prices[i]
		out[i] = o
	}
	return out
}

// price runs the market's curve. x is collateral on a buy and shares on a sell.
func (e *Executor) price(m *model.Market, options []model.Option, t target, side model.TradeSide, x decimal.Decimal) (*fill, error) {
	if m.Type == model.TypeBinary {
		var res *cpmm.TradeResult
		var err error
		if side == model.Buy {
			res, err = e.cpmm.Buy(poolOf(m), t.side, x)
		} else {
			res, err = e.cpmm.Sell(poolOf(m), t.side, x)
		}
		if err != nil {
			return nil, err
		}
		return &fill{
			shares:   res.Shares,
			amount:   res.Amount,
			avgPrice: res.AvgPrice,
			market:   withPool(*m, res.Pool, res.PriceYes, res.PriceNo),
		}, nil
	}

	var res *lmsr.TradeResult
	var err error
	if side == model.Buy {
		res, err = e.lmsr.Buy(reservesOf(options), m.B, t.index, x)
	} else {
		res, err = e.lmsr.Sell(reservesOf(options), m.B, t.index, x)
	}
	if err != nil {
		return nil, err
	}
	return &fill{
		shares:   res.Shares,
		amount:   res.Amount,
		avgPrice: res.AvgPrice,
		market:   *m,
		options:  withReserves(options, res.NewReserves, res.NewPrices),
	}, nil
}

// outcomePrices lists every outcome's price, in option-index order.
func outcomePrices(m *model.Market, options []model.Option) []OutcomePrice {
	if m.Type == model.TypeBinary {
		return []OutcomePrice{
			{Outcome: string(cpmm.SideYes), Label: string(cpmm.SideYes), Price: m.PriceYes},
			{Outcome: string(cpmm.SideNo), Label: string(cpmm.SideNo), Price: m.PriceNo},
		}
	}
	out := make([]OutcomePrice, len(options))
	for i, o := range options {
		out[i] = OutcomePrice{Outcome: o.ID, Label: o.Label, Price: o.Price}
	}
	return out
}

func pricePoints(marketID, orderID string, prices []OutcomePrice, now time.Time) []model.PricePoint {
	out := make([]model.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = model.PricePoint{MarketID: marketID, Outcome: p.Outcome, Price: p.Price, OrderID: orderID, Timestamp: now}
	}
	return out
}

// mergeBuy adds shares bought at price to pos with a weighted average cost.
func mergeBuy(pos *model.Position, userID, marketID, outcome string, shares, price decimal.Decimal, now time.Time) *model.Position {
	if pos == nil {
		return &model.Position{UserID: userID, MarketID: marketID, Outcome: outcome,
			Shares: shares, AvgCost: price, UpdatedAt: now}
	}
	next := *pos
	next.Shares = pos.Shares.Add(shares)
	next.AvgCost = pos.Shares.Mul(pos.AvgCost).Add(shares.Mul(price)).DivRound(next.Shares, amm.PriceScale)
	next.UpdatedAt = now
	return &next
}

func exposureOf(p model.Position) risk.Exposure {
	return risk.Exposure{MarketID: p.MarketID, Outcome: p.Outcome, Shares: p.Shares, Cost: p.CostBasis()}
}

// checkLimits runs the position limiter against the position a buy leaves.
func (e *Executor) checkLimits(ctx context.Context, tx store.Tx, next *model.Position) error {
	if !e.limiter.Enabled() {
		return nil
	}
	held, err := tx.UserPositions(ctx, next.UserID)
	if err != nil {
		return err
	}
	existing := make([]risk.Exposure, 0, len(held))
	for _, p := range held {
		existing = append(existing, exposureOf(p))
	}
	if err := e.limiter.CheckLimit(exposureOf(*next), existing); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

// Buy spends amount of the user's collateral on target. The fee is taken
// from amount first; only the rest is priced.
func (e *Executor) Buy(ctx context.Context, marketID, userID, rawTarget string, amount decimal.Decimal) (*TradeResult, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: buy amount %s", amm.ErrInvalidAmount, amount)
	}

	var res *TradeResult
	var marketType model.MarketType
	err := e.withLockedMarket(ctx, "buy", marketID, userID, func(ctx context.Context, s *scope) error {
		m := s.market
		if err := requireActive(m); err != nil {
			return err
		}
		t, err := resolveTarget(m, s.options, rawTarget)
		if err != nil {
			return err
		}
		if s.balance.Available.LessThan(amount) {
			return fmt.Errorf("%w: available %s, need %s", amm.ErrInsufficientBalance, s.balance.Available, amount)
		}
		s.advance(StageValidated)

		fee := e.fee(amount)
		net := amount.Sub(fee)
		if !net.IsPositive() {
			return fmt.Errorf("%w: %s leaves nothing after a %s fee", amm.ErrInvalidAmount, amount, fee)
		}
		f, err := e.price(m, s.options, t, model.Buy, net)
		if err != nil {
			return err
		}
		s.advance(StagePriced)

		now := e.now()
		pos, err := s.tx.LockPosition(ctx, userID, marketID, t.outcome)
		if err != nil {
			return err
		}
		next := mergeBuy(pos, userID, marketID, t.outcome, f.shares, f.avgPrice, now)
		if err := e.checkLimits(ctx, s.tx, next); err != nil {
			return err
		}

		f.market.Volume = m.Volume.Add(amount)
		f.market.UpdatedAt = now
		bal := *s.balance
		bal.Available = bal.Available.Sub(amount)
		bal.UpdatedAt = now

		order := &model.Order{
			ID: uuid.NewString(), UserID: userID, MarketID: marketID, Outcome: t.outcome,
			Side: model.Buy, Amount: amount, Shares: f.shares, Price: f.avgPrice, Fee: fee, CreatedAt: now,
		}
		prices := outcomePrices(&f.market, f.options)
		w := &store.TradeWrite{
			Market:   &f.market,
			Options:  f.options,
			Balance:  &bal,
			Position: next,
			Order:    order,
			Fee:      feeRecord(order),
			Prices:   pricePoints(marketID, order.ID, prices, now),
		}
		if err := s.tx.WriteTrade(ctx, w); err != nil {
			return err
		}
		s.advance(StageApplied)

		marketType = m.Type
		res = &TradeResult{
			OrderID: order.ID, MarketID: marketID, UserID: userID, Outcome: t.outcome, Side: model.Buy,
			Amount: amount, Fee: fee, Net: net, Shares: f.shares, Price: f.avgPrice,
			NewPrices: prices, Position: next,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed(marketType, res)
	return res, nil
}

// Sell returns shares of target to the pool. The fee is taken from the
// gross proceeds and only the net is credited.
func (e *Executor) Sell(ctx context.Context, marketID, userID, rawTarget string, shares decimal.Decimal) (*TradeResult, error) {
	if !validAmount(shares) {
		return nil, fmt.Errorf("%w: sell shares %s", amm.ErrInvalidAmount, shares)
	}

	var res *TradeResult
	var marketType model.MarketType
	err := e.withLockedMarket(ctx, "sell", marketID, userID, func(ctx context.Context, s *scope) error {
		m := s.market
		if err := requireActive(m); err != nil {
			return err
		}
		t, err := resolveTarget(m, s.options, rawTarget)
		if err != nil {
			return err
		}
		pos, err := s.tx.LockPosition(ctx, userID, marketID, t.outcome)
		if err != nil {
			return err
		}
		if pos == nil || pos.Shares.LessThan(shares) {
			held := decimal.Zero
			if pos != nil {
				held = pos.Shares
			}
			return fmt.Errorf("%w: holds %s of %s, selling %s", amm.ErrInsufficientShares, held, t.outcome, shares)
		}
		s.advance(StageValidated)

		f, err := e.price(m, s.options, t, model.Sell, shares)
		if err != nil {
			return err
		}
		if !f.amount.IsPositive() {
			return fmt.Errorf("%w: sell of %s pays nothing", amm.ErrCalculation, shares)
		}
		fee := e.fee(f.amount)
		net := f.amount.Sub(fee)
		s.advance(StagePriced)

		now := e.now()
		next := *pos
		next.Shares = pos.Shares.Sub(shares)
		next.UpdatedAt = now
		closed := next.Shares.IsZero() || next.Shares.LessThan(e.dust)

		f.market.Volume = m.Volume.Add(f.amount)
		f.market.UpdatedAt = now
		bal := *s.balance
		bal.Available = bal.Available.Add(net)
		bal.UpdatedAt = now

		order := &model.Order{
			ID: uuid.NewString(), UserID: userID, MarketID: marketID, Outcome: t.outcome,
			Side: model.Sell, Amount: f.amount, Shares: shares, Price: f.avgPrice, Fee: fee, CreatedAt: now,
		}
		prices := outcomePrices(&f.market, f.options)
		w := &store.TradeWrite{
			Market:         &f.market,
			Options:        f.options,
			Balance:        &bal,
			Position:       &next,
			DeletePosition: closed,
			Order:          order,
			Fee:            feeRecord(order),
			Prices:         pricePoints(marketID, order.ID, prices, now),
		}
		if err := s.tx.WriteTrade(ctx, w); err != nil {
			return err
		}
		s.advance(StageApplied)

		marketType = m.Type
		res = &TradeResult{
			OrderID: order.ID, MarketID: marketID, UserID: userID, Outcome: t.outcome, Side: model.Sell,
			Amount: f.amount, Fee: fee, Net: net, Shares: shares, Price: f.avgPrice, NewPrices: prices,
		}
		if !closed {
			res.Position = &next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed(marketType, res)
	return res, nil
}

func feeRecord(o *model.Order) *model.FeeRecord {
	if !o.Fee.IsPositive() {
		return nil
	}
	return &model.FeeRecord{
		ID: uuid.NewString(), OrderID: o.ID, MarketID: o.MarketID, UserID: o.UserID,
		Amount: o.Fee, CreatedAt: o.CreatedAt,
	}
}

// committed records a trade that made it through commit.
func (e *Executor) committed(marketType model.MarketType, res *TradeResult) {
	metrics.TradesTotal.WithLabelValues(string(marketType), string(res.Side)).Inc()
	metrics.MarketVolume.WithLabelValues(string(marketType), string(res.Side)).Add(res.Amount.InexactFloat64())
	if res.Fee.IsPositive() {
		metrics.FeesCollected.WithLabelValues(string(marketType)).Add(res.Fee.InexactFloat64())
	}

	slog.Info("trade executed",
		"stage", StageCommitted.String(),
		"order_id", res.OrderID,
		"market_id", res.MarketID,
		"user_id", res.UserID,
		"outcome", res.Outcome,
		"side", string(res.Side),
		"amount", res.Amount.String(),
		"fee", res.Fee.String(),
		"shares", res.Shares.String(),
		"price", res.Price.String(),
	)

	e.broadcast(WSMessage{
		Type:     MsgTradeExecuted,
		MarketID: res.MarketID,
		Outcome:  res.Outcome,
		Side:     string(res.Side),
		Amount:   res.Amount.String(),
		Shares:   res.Shares.String(),
		Prices:   res.NewPrices,
	})
}

func (e *Executor) broadcast(msg WSMessage) {
	if e.hub == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now()
	}
	e.hub.Broadcast(msg)
}
