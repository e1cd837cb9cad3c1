// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance deployments).
package store

import (
	"context"

	"github.com/chartbet/market-engine/internal/model"
)

// Tx is the view of one market handed to a MutateFunc. Everything read
// through it reflects committed state plus the mutator's own staged writes;
// nothing staged is visible to other readers until the unit commits.
type Tx interface {
	// Market returns the mutable working copy of the locked market.
	Market() *model.Market

	// Position returns the position for userID on outcomeID of this market.
	// A fresh zero position is returned if none exists yet; it is persisted
	// only if passed to PutPosition.
	Position(ctx context.Context, userID, outcomeID string) (*model.Position, error)

	// OutcomePositions returns every position on outcomeID of this market.
	OutcomePositions(ctx context.Context, outcomeID string) ([]*model.Position, error)

	// UserExposure returns the user's committed open cost basis, grouped by
	// market and by related entity. Resolved and cancelled markets hold no
	// open exposure and are skipped.
	UserExposure(ctx context.Context, userID string) (model.Exposure, error)

	// PutPosition stages a position write.
	PutPosition(p *model.Position)

	// AppendTrade stages an append to the trade log.
	AppendTrade(t *model.Trade)

	// AppendPayout stages an append to the payout log.
	AppendPayout(p *model.Payout)
}

// MutateFunc runs inside the market's atomic unit. Returning an error
// discards every staged write.
type MutateFunc func(ctx context.Context, tx Tx) error

// MarketRepository owns market state and the atomicity guarantee: the
// read-compute-write sequence of a trade or resolution against one market
// never interleaves with another on the same market.
type MarketRepository interface {
	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a committed snapshot of a market.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching filter, newest first.
	ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error)

	// ApplyTrade runs fn as the single atomic unit for marketID and returns
	// the committed market. Implementations may return
	// model.ErrConcurrencyConflict when a concurrent writer won; the caller
	// retries with fresh state.
	ApplyTrade(ctx context.Context, marketID string, fn MutateFunc) (*model.Market, error)
}

// Store is the full persistence interface: the market repository plus the
// read-only projections over positions, trades and payouts.
type Store interface {
	MarketRepository

	// GetPosition retrieves one position.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns positions matching filter.
	ListPositions(ctx context.Context, filter model.TradeFilter) ([]model.Position, error)

	// ListTrades returns completed trades matching filter, oldest first.
	ListTrades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error)

	// ListPayouts returns payouts recorded for a market.
	ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error)
}

// MarketFilter narrows ListMarkets. Empty fields match all.
type MarketFilter struct {
	Status          model.MarketStatus
	Category        model.Category
	RelatedEntityID string
}

// Match reports whether m passes the filter.
func (f MarketFilter) Match(m *model.Market) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	if f.RelatedEntityID != "" && m.RelatedEntityID != f.RelatedEntityID {
		return false
	}
	return true
}
