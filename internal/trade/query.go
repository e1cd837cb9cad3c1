package trade

import (
	"context"
	"fmt"

	"github.com/chartbet/market-engine/internal/ledger"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/store"
)

// GetMarket returns a committed snapshot of a market.
func (e *Engine) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return e.store.GetMarket(ctx, id)
}

// ListMarkets returns markets matching filter, newest first.
func (e *Engine) ListMarkets(ctx context.Context, filter store.MarketFilter) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx, filter)
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// OpenMarkets counts markets that accept trades right now: active and not
// past their end date.
func (e *Engine) OpenMarkets(ctx context.Context) (int, error) {
	markets, err := e.store.ListMarkets(ctx, store.MarketFilter{Status: model.StatusActive})
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for i := range markets {
		if markets[i].TradingOpen(now) {
			n++
		}
	}
	return n, nil
}

// Positions returns the positions matching filter, marked to market at the
// current price (or at 1/0 for resolved markets).
func (e *Engine) Positions(ctx context.Context, filter model.TradeFilter) ([]model.Position, error) {
	positions, err := e.store.ListPositions(ctx, filter)
	if err != nil {
		return nil, err
	}

	markets := make(map[string]*model.Market)
	for i := range positions {
		p := &positions[i]
		m, ok := markets[p.MarketID]
		if !ok {
			m, err = e.store.GetMarket(ctx, p.MarketID)
			if err != nil {
				return nil, fmt.Errorf("load market %s: %w", p.MarketID, err)
			}
			markets[p.MarketID] = m
		}
		ledger.Revalue(p, ledger.ValuationPrice(m, p.OutcomeID))
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// Portfolio returns all of a user's positions with P&L totals.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, model.ErrMissingUser
	}
	positions, err := e.Positions(ctx, model.TradeFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	pf := ledger.Summarize(userID, positions)
	return &pf, nil
}

// Trades returns completed trades matching filter, oldest first.
func (e *Engine) Trades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	trades, err := e.store.ListTrades(ctx, filter)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}
