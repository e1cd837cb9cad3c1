// Package ledger implements per-user position accounting: average cost
// basis on buys, realized P&L on sells, mark-to-market valuation and
// settlement at resolution.
//
// Functions here mutate the Position they are given and touch nothing else;
// callers run them inside the repository's atomic unit.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

// Payout per winning share at resolution.
var payoutPerShare = decimal.NewFromInt(1)

// ApplyBuy adds shares bought for totalCost (fee included) to p and
// recomputes the average cost.
func ApplyBuy(p *model.Position, shares, totalCost decimal.Decimal, now time.Time) {
	p.Shares = p.Shares.Add(shares)
	p.TotalInvested = p.TotalInvested.Add(totalCost)
	if p.Shares.IsPositive() {
		p.AverageCost = p.TotalInvested.Div(p.Shares)
	}
	p.UpdatedAt = now
}

// ApplySell removes shares sold for gross proceeds tradeCost with the given
// fee, realizing (tradeCost - fee) minus the cost basis of the sold shares.
// The average cost of the remaining shares is unchanged. Returns the profit
// realized by this sale.
func ApplySell(p *model.Position, shares, tradeCost, fee decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if shares.GreaterThan(p.Shares) {
		return decimal.Zero, fmt.Errorf("%w: holding %s, requested %s",
			model.ErrInsufficientShares, p.Shares, shares)
	}

	costBasisRemoved := p.AverageCost.Mul(shares)
	profit := tradeCost.Sub(fee).Sub(costBasisRemoved)

	p.RealizedPnL = p.RealizedPnL.Add(profit)
	p.Shares = p.Shares.Sub(shares)
	p.TotalInvested = p.TotalInvested.Sub(costBasisRemoved)
	if p.Shares.IsZero() {
		// Drop rounding residue once nothing is held.
		p.TotalInvested = decimal.Zero
	}
	p.UpdatedAt = now
	return profit, nil
}

// Revalue marks p to market at price. Settled positions keep their payout
// value and carry no unrealized P&L.
func Revalue(p *model.Position, price decimal.Decimal) {
	if p.Settled {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.CurrentValue = p.Shares.Mul(price)
	p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalInvested)
}

// ValuationPrice is the price a position on outcomeID should be marked at.
// Resolved markets value the winner at 1 and every other outcome at 0.
func ValuationPrice(m *model.Market, outcomeID string) decimal.Decimal {
	if m.Status == model.StatusResolved {
		if outcomeID == m.ResolvedOutcomeID {
			return payoutPerShare
		}
		return decimal.Zero
	}
	o, err := m.Outcome(outcomeID)
	if err != nil {
		return decimal.Zero
	}
	return o.Price
}

// Settle pays out a winning position once. It returns the payout amount,
// the profit realized, and false if the position had already been settled
// or holds nothing.
func Settle(p *model.Position, now time.Time) (amount, profit decimal.Decimal, ok bool) {
	if p.Settled || !p.Shares.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	amount = p.Shares.Mul(payoutPerShare)
	profit = amount.Sub(p.TotalInvested)

	p.RealizedPnL = p.RealizedPnL.Add(profit)
	p.CurrentValue = amount
	p.UnrealizedPnL = decimal.Zero
	p.Settled = true
	p.UpdatedAt = now
	return amount, profit, true
}

// Replay rebuilds positions from the audit log. Only completed trades are
// applied; payouts settle the matching position.
func Replay(trades []model.Trade, payouts []model.Payout) (map[model.PositionKey]*model.Position, error) {
	sorted := make([]model.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	positions := make(map[model.PositionKey]*model.Position)
	get := func(key model.PositionKey, at time.Time) *model.Position {
		p, ok := positions[key]
		if !ok {
			p = model.NewPosition(key, at)
			positions[key] = p
		}
		return p
	}

	for _, t := range sorted {
		if t.Status != model.TradeCompleted {
			continue
		}
		key := model.PositionKey{UserID: t.UserID, MarketID: t.MarketID, OutcomeID: t.OutcomeID}
		p := get(key, t.CreatedAt)
		switch t.Type {
		case model.TradeBuy:
			ApplyBuy(p, t.Shares, t.TotalCost, t.CreatedAt)
		case model.TradeSell:
			if _, err := ApplySell(p, t.Shares, t.TotalCost, t.Fee, t.CreatedAt); err != nil {
				return nil, fmt.Errorf("replay trade %s: %w", t.ID, err)
			}
		default:
			return nil, fmt.Errorf("replay trade %s: %w", t.ID, model.ErrInvalidTradeType)
		}
	}

	for _, po := range payouts {
		key := model.PositionKey{UserID: po.UserID, MarketID: po.MarketID, OutcomeID: po.OutcomeID}
		p, ok := positions[key]
		if !ok {
			return nil, fmt.Errorf("replay payout %s: %w", po.ID, model.ErrPositionNotFound)
		}
		Settle(p, po.CreatedAt)
	}
	return positions, nil
}

// Summarize builds a portfolio view from already revalued positions.
func Summarize(userID string, positions []model.Position) model.Portfolio {
	pf := model.Portfolio{
		UserID:    userID,
		Positions: positions,
	}
	if pf.Positions == nil {
		pf.Positions = []model.Position{}
	}
	for _, p := range positions {
		pf.TotalInvested = pf.TotalInvested.Add(p.TotalInvested)
		pf.TotalValue = pf.TotalValue.Add(p.CurrentValue)
		pf.RealizedPnL = pf.RealizedPnL.Add(p.RealizedPnL)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	return pf
}
