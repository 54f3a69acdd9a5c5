package trade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/cpmm"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/store"
)

var one = decimal.NewFromInt(1)

// LiquidityResult describes a committed liquidity change.
type LiquidityResult struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	// LPShares minted on add, burned on remove.
	LPShares decimal.Decimal `json:"lp_shares"`
	// Amount is the collateral paid in on add, paid out on remove.
	Amount   decimal.Decimal `json:"amount"`
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
	// Position is the user's LP holding afterwards, nil once fully withdrawn.
	Position *model.LiquidityPosition `json:"position,omitempty"`
}

func requireBinary(m *model.Market) error {
	if m.Type != model.TypeBinary {
		return fmt.Errorf("%w: liquidity is provided to binary markets, %s is %s",
			amm.ErrMarketTypeMismatch, m.ID, m.Type)
	}
	return nil
}

// scalePool multiplies both reserves by f and k by f², which leaves prices
// where they were.
func scalePool(m model.Market, f decimal.Decimal) model.Market {
	m.YesReserve = m.YesReserve.Mul(f).Round(amm.ReserveScale)
	m.NoReserve = m.NoReserve.Mul(f).Round(amm.ReserveScale)
	m.K = m.K.Mul(f).Mul(f).Round(amm.ReserveScale)
	pool := poolOf(&m)
	m.PriceYes = cpmm.Price(pool, cpmm.SideYes)
	m.PriceNo = cpmm.Price(pool, cpmm.SideNo)
	return m
}

// AddLiquidity deposits amount into a binary pool. Both reserves grow by
// f = 1 + amount/totalLiquidity and the user is minted
// amount·lpSupply/totalLiquidity LP shares.
func (e *Executor) AddLiquidity(ctx context.Context, marketID, userID string, amount decimal.Decimal) (*LiquidityResult, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: liquidity amount %s", amm.ErrInvalidAmount, amount)
	}

	var res *LiquidityResult
	err := e.withLockedMarket(ctx, "add_liquidity", marketID, userID, func(ctx context.Context, s *scope) error {
		m := s.market
		if err := requireBinary(m); err != nil {
			return err
		}
		if err := requireActive(m); err != nil {
			return err
		}
		if !m.TotalLiquidity.IsPositive() || !m.LPSupply.IsPositive() {
			return fmt.Errorf("%w: market %s has no liquidity to scale", amm.ErrInvalidConfiguration, m.ID)
		}
		if s.balance.Available.LessThan(amount) {
			return fmt.Errorf("%w: available %s, need %s", amm.ErrInsufficientBalance, s.balance.Available, amount)
		}
		s.advance(StageValidated)

		minted := amount.Mul(m.LPSupply).DivRound(m.TotalLiquidity, amm.ReserveScale).Truncate(amm.ShareScale)
		if !minted.IsPositive() {
			return fmt.Errorf("%w: %s mints no LP shares", amm.ErrInvalidAmount, amount)
		}
		f := one.Add(amount.DivRound(m.TotalLiquidity, amm.ReserveScale))
		next := scalePool(*m, f)
		next.TotalLiquidity = m.TotalLiquidity.Add(amount)
		next.LPSupply = m.LPSupply.Add(minted)
		s.advance(StagePriced)

		now := e.now()
		lp, err := s.tx.LockLiquidityPosition(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if lp == nil {
			lp = &model.LiquidityPosition{UserID: userID, MarketID: marketID}
		}
		lp.LPShares = lp.LPShares.Add(minted)
		lp.UpdatedAt = now
		next.UpdatedAt = now

		bal := *s.balance
		bal.Available = bal.Available.Sub(amount)
		bal.UpdatedAt = now

		if err := s.tx.WriteLiquidity(ctx, &store.LiquidityWrite{Market: &next, Balance: &bal, Position: lp}); err != nil {
			return err
		}
		s.advance(StageApplied)

		res = &LiquidityResult{
			MarketID: marketID, UserID: userID, LPShares: minted, Amount: amount,
			PriceYes: next.PriceYes, PriceNo: next.PriceNo, Position: lp,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.liquidityCommitted(MsgLiquidityAdded, res)
	return res, nil
}

// RemoveLiquidity burns lpShares and pays out the same fraction of total
// liquidity. The reserves left behind must stay above the reserve floor.
func (e *Executor) RemoveLiquidity(ctx context.Context, marketID, userID string, lpShares decimal.Decimal) (*LiquidityResult, error) {
	if !validAmount(lpShares) {
		return nil, fmt.Errorf("%w: lp shares %s", amm.ErrInvalidAmount, lpShares)
	}

	var res *LiquidityResult
	err := e.withLockedMarket(ctx, "remove_liquidity", marketID, userID, func(ctx context.Context, s *scope) error {
		m := s.market
		if err := requireBinary(m); err != nil {
			return err
		}
		if err := requireActive(m); err != nil {
			return err
		}
		lp, err := s.tx.LockLiquidityPosition(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if lp == nil || lp.LPShares.LessThan(lpShares) || m.LPSupply.LessThan(lpShares) {
			held := decimal.Zero
			if lp != nil {
				held = lp.LPShares
			}
			return fmt.Errorf("%w: holds %s LP shares, removing %s", amm.ErrInsufficientShares, held, lpShares)
		}
		s.advance(StageValidated)

		fraction := lpShares.DivRound(m.LPSupply, amm.ReserveScale)
		amountOut := m.TotalLiquidity.Mul(fraction).Truncate(amm.ShareScale)
		next := scalePool(*m, one.Sub(fraction))
		floor := e.cpmm.Config().MinReserve
		if next.YesReserve.LessThan(floor) || next.NoReserve.LessThan(floor) {
			return fmt.Errorf("%w: reserves would be yes=%s no=%s (floor %s)",
				amm.ErrReserveDepletion, next.YesReserve, next.NoReserve, floor)
		}
		next.TotalLiquidity = m.TotalLiquidity.Sub(amountOut)
		next.LPSupply = m.LPSupply.Sub(lpShares)
		s.advance(StagePriced)

		now := e.now()
		next.UpdatedAt = now
		remaining := *lp
		remaining.LPShares = lp.LPShares.Sub(lpShares)
		remaining.UpdatedAt = now
		closed := remaining.LPShares.IsZero()

		bal := *s.balance
		bal.Available = bal.Available.Add(amountOut)
		bal.UpdatedAt = now

		w := &store.LiquidityWrite{Market: &next, Balance: &bal, Position: &remaining, DeletePosition: closed}
		if err := s.tx.WriteLiquidity(ctx, w); err != nil {
			return err
		}
		s.advance(StageApplied)

		res = &LiquidityResult{
			MarketID: marketID, UserID: userID, LPShares: lpShares, Amount: amountOut,
			PriceYes: next.PriceYes, PriceNo: next.PriceNo,
		}
		if !closed {
			res.Position = &remaining
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.liquidityCommitted(MsgLiquidityRemoved, res)
	return res, nil
}

func (e *Executor) liquidityCommitted(msgType string, res *LiquidityResult) {
	slog.Info("liquidity changed",
		"stage", StageCommitted.String(),
		"type", msgType,
		"market_id", res.MarketID,
		"user_id", res.UserID,
		"lp_shares", res.LPShares.String(),
		"amount", res.Amount.String(),
	)
	e.broadcast(WSMessage{
		Type:     msgType,
		MarketID: res.MarketID,
		Amount:   res.Amount.String(),
		Shares:   res.LPShares.String(),
		Prices: []OutcomePrice{
			{Outcome: string(cpmm.SideYes), Label: string(cpmm.SideYes), Price: res.PriceYes},
			{Outcome: string(cpmm.SideNo), Label: string(cpmm.SideNo), Price: res.PriceNo},
		},
	})
}
