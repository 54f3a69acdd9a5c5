package trade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/store"
)

// Deposit credits amount to the user's available balance.
func (e *Executor) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Balance, error) {
	return e.moveFunds(ctx, "deposit", userID, amount)
}

// Withdraw debits amount from the user's available balance.
func (e *Executor) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Balance, error) {
	return e.moveFunds(ctx, "withdraw", userID, amount.Neg())
}

func (e *Executor) moveFunds(ctx context.Context, op, userID string, delta decimal.Decimal) (*model.Balance, error) {
	if !validAmount(delta.Abs()) {
		return nil, fmt.Errorf("%w: %s amount %s", amm.ErrInvalidAmount, op, delta.Abs())
	}

	var out *model.Balance
	err := e.run(ctx, op, []any{"user_id", userID}, func(ctx context.Context, tx store.Tx, stage *Stage) error {
		b, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		*stage = StageLocked
		next := b.Available.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("%w: available %s, withdrawing %s", amm.ErrInsufficientBalance, b.Available, delta.Neg())
		}
		*stage = StageValidated
		b.Available = next
		b.UpdatedAt = e.now()
		if err := tx.UpdateBalance(ctx, b); err != nil {
			return err
		}
		*stage = StageApplied
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("balance updated", "op", op, "user_id", userID, "delta", delta.String(), "available", out.Available.String())
	return out, nil
}

// Balance returns the user's balance.
func (e *Executor) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	return e.store.GetBalance(ctx, userID)
}

// UserOrders returns every order a user has filled.
func (e *Executor) UserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.GetOrdersByUser(ctx, userID)
}

// Portfolio marks every open position to its market's current price.
func (e *Executor) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	bal, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	lps, err := e.store.GetLiquidityPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]map[string]decimal.Decimal)
	priceOf := func(p model.Position) (decimal.Decimal, error) {
		byOutcome, ok := prices[p.MarketID]
		if !ok {
			view, err := e.Market(ctx, p.MarketID)
			if err != nil {
				return decimal.Zero, err
			}
			byOutcome = make(map[string]decimal.Decimal, len(view.Prices))
			for _, op := range view.Prices {
				byOutcome[op.Outcome] = op.Price
			}
			prices[p.MarketID] = byOutcome
		}
		return byOutcome[p.Outcome], nil
	}

	pf := &model.Portfolio{
		UserID:        userID,
		Balance:       *bal,
		Positions:     make([]model.PortfolioPosition, 0, len(positions)),
		Liquidity:     lps,
		TotalValue:    bal.Available,
		TotalPnL:      decimal.Zero,
		TotalExposure: decimal.Zero,
	}
	for _, p := range positions {
		price, err := priceOf(p)
		if err != nil {
			return nil, err
		}
		value := p.Shares.Mul(price).Round(amm.PriceScale)
		cost := p.CostBasis()
		pnl := value.Sub(cost).Round(amm.PriceScale)
		pf.Positions = append(pf.Positions, model.PortfolioPosition{
			Position:      p,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: pnl,
		})
		pf.TotalValue = pf.TotalValue.Add(value)
		pf.TotalPnL = pf.TotalPnL.Add(pnl)
		pf.TotalExposure = pf.TotalExposure.Add(cost)
	}
	// LP shares are worth their fraction of the pool's total liquidity.
	for _, lp := range lps {
		m, err := e.store.GetMarket(ctx, lp.MarketID)
		if err != nil {
			return nil, err
		}
		if m.LPSupply.IsPositive() {
			pf.TotalValue = pf.TotalValue.Add(lp.LPShares.Mul(m.TotalLiquidity).DivRound(m.LPSupply, amm.PriceScale))
		}
	}
	if pf.Liquidity == nil {
		pf.Liquidity = []model.LiquidityPosition{}
	}
	return pf, nil
}
