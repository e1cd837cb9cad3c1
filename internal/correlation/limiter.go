// Package correlation implements exposure limits that account for markets
// being correlated through the artist, release or chart they are about.
//
// A user buying the favourite in every "Will X top the chart" market for the
// same release carries one bet, not five. Markets sharing a related entity
// id are treated as one correlated group and their open cost basis is capped
// together, on top of a per-market cap.
package correlation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a buy would push a user's
	// open cost basis in a single market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = fmt.Errorf("%w: per-market exposure", model.ErrPositionLimitExceeded)

	// ErrCorrelatedLimitExceeded is returned when a buy would push the
	// aggregate cost basis across markets on the same related entity beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("%w: correlated exposure", model.ErrPositionLimitExceeded)
)

// PositionLimiter enforces exposure caps measured in open cost basis.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerMarket caps the open cost basis in any single market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated caps the open cost basis across all markets sharing
	// a related entity id.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given caps.
func NewPositionLimiter(maxPerMarket, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether spending costDelta more in marketID (related
// to entityID, possibly empty) keeps the user within limits given their
// existing exposure.
func (l *PositionLimiter) CheckLimit(
	marketID, entityID string,
	costDelta decimal.Decimal,
	existing model.Exposure,
) error {
	if l == nil || !costDelta.IsPositive() {
		return nil
	}

	// 1. Per-market limit.
	if l.MaxPerMarket.IsPositive() {
		inMarket := existing.ByMarket[marketID].Add(costDelta)
		if inMarket.GreaterThan(l.MaxPerMarket) {
			return ErrPerMarketLimitExceeded
		}
	}

	// 2. Correlated exposure across the related entity.
	if entityID != "" && l.MaxCorrelated.IsPositive() {
		correlated := existing.ByEntity[entityID].Add(costDelta)
		if correlated.GreaterThan(l.MaxCorrelated) {
			return ErrCorrelatedLimitExceeded
		}
	}

	return nil
}
