// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusActive    MarketStatus = "active"
	StatusClosed    MarketStatus = "closed"
	StatusResolved  MarketStatus = "resolved"
	StatusCancelled MarketStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s MarketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Category tags what part of the music industry a market is about.
type Category string

const (
	CategoryCharts    Category = "charts"
	CategoryAwards    Category = "awards"
	CategoryReleases  Category = "releases"
	CategoryStreaming Category = "streaming"
	CategoryTours     Category = "tours"
	CategoryIndustry  Category = "industry"
	CategoryOther     Category = "other"
)

var validCategories = map[Category]bool{
	CategoryCharts:    true,
	CategoryAwards:    true,
	CategoryReleases:  true,
	CategoryStreaming: true,
	CategoryTours:     true,
	CategoryIndustry:  true,
	CategoryOther:     true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return validCategories[c] }

// TradeType is the direction of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// TradeStatus is the processing state of a trade record.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeCancelled TradeStatus = "cancelled"
)

// Bounds on the number of outcomes a market may carry.
const (
	MinOutcomes = 2
	MaxOutcomes = 10
)

// Outcome is one possible resolution of a market. Outcomes are embedded in
// their Market and identified by an ID unique within it.
type Outcome struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Shares      decimal.Decimal `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}

// Market is a prediction market on a music-industry event. It owns its
// outcomes; every mutation goes through the repository's atomic unit.
type Market struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Category          Category        `json:"category"`
	Status            MarketStatus    `json:"status"`
	Outcomes          []Outcome       `json:"outcomes"`
	EndDate           time.Time       `json:"end_date"`
	ResolutionDate    *time.Time      `json:"resolution_date,omitempty"`
	ResolvedOutcomeID string          `json:"resolved_outcome_id,omitempty"`
	RelatedEntityID   string          `json:"related_entity_id,omitempty"` // artist, release or chart id
	CreatorID         string          `json:"creator_id"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	TotalLiquidity    decimal.Decimal `json:"total_liquidity"`
	Fee               decimal.Decimal `json:"fee"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	index map[string]int
}

// BuildIndex (re)builds the outcome id → slice index map. Called once per
// load; Outcome and OutcomeIndex build it lazily if it is missing.
func (m *Market) BuildIndex() {
	m.index = make(map[string]int, len(m.Outcomes))
	for i, o := range m.Outcomes {
		m.index[o.ID] = i
	}
}

// OutcomeIndex returns the slice position of the outcome with the given id.
func (m *Market) OutcomeIndex(id string) (int, error) {
	if m.index == nil || len(m.index) != len(m.Outcomes) {
		m.BuildIndex()
	}
	i, ok := m.index[id]
	if !ok {
		return -1, fmt.Errorf("%w: %s in market %s", ErrOutcomeNotFound, id, m.ID)
	}
	return i, nil
}

// Outcome returns a pointer into m.Outcomes for the given id.
func (m *Market) Outcome(id string) (*Outcome, error) {
	i, err := m.OutcomeIndex(id)
	if err != nil {
		return nil, err
	}
	return &m.Outcomes[i], nil
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// committed state.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = make([]Outcome, len(m.Outcomes))
	copy(c.Outcomes, m.Outcomes)
	if m.ResolutionDate != nil {
		t := *m.ResolutionDate
		c.ResolutionDate = &t
	}
	c.index = nil
	return &c
}

// TradingOpen reports whether the market accepts trades at now. A market
// past its end date is closed for trading even if nobody flipped its status.
func (m *Market) TradingOpen(now time.Time) bool {
	return m.Status == StatusActive && now.Before(m.EndDate)
}

// PositionKey uniquely identifies a position.
type PositionKey struct {
	UserID    string
	MarketID  string
	OutcomeID string
}

func (k PositionKey) String() string {
	return k.UserID + "/" + k.MarketID + "/" + k.OutcomeID
}

// Position is a user's holding in one outcome of one market.
type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	OutcomeID     string          `json:"outcome_id"`
	Shares        decimal.Decimal `json:"shares"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	TotalInvested decimal.Decimal `json:"total_invested"` // cost basis of open shares
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	Settled       bool            `json:"settled"` // paid out at resolution
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the position's unique key.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID, OutcomeID: p.OutcomeID}
}

// NewPosition returns an empty position for key.
func NewPosition(key PositionKey, now time.Time) *Position {
	return &Position{
		UserID:    key.UserID,
		MarketID:  key.MarketID,
		OutcomeID: key.OutcomeID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Trade is an immutable record of a trade execution. Together with Payout
// records it is the audit log positions can be rebuilt from.
type Trade struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Type      TradeType       `json:"type"`
	Shares    decimal.Decimal `json:"shares"`
	Price     decimal.Decimal `json:"price"`      // execution price snapshot
	TotalCost decimal.Decimal `json:"total_cost"` // buy: cost+fee, sell: gross proceeds
	Fee       decimal.Decimal `json:"fee"`
	Status    TradeStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payout is an immutable record of a winning position being settled.
type Payout struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	OutcomeID string          `json:"outcome_id"`
	Shares    decimal.Decimal `json:"shares"`
	Amount    decimal.Decimal `json:"amount"`
	Profit    decimal.Decimal `json:"profit"`
	CreatedAt time.Time       `json:"created_at"`
}

// TradeFilter narrows trade and position queries. Empty fields match all.
type TradeFilter struct {
	UserID   string
	MarketID string
}

// Portfolio aggregates a user's positions with P&L totals.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Positions     []Position      `json:"positions"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Exposure is a user's open cost basis grouped by market and by the
// market's related entity.
type Exposure struct {
	ByMarket map[string]decimal.Decimal `json:"by_market"`
	ByEntity map[string]decimal.Decimal `json:"by_entity"`
}

// NewExposure returns an empty Exposure.
func NewExposure() Exposure {
	return Exposure{
		ByMarket: make(map[string]decimal.Decimal),
		ByEntity: make(map[string]decimal.Decimal),
	}
}

// Add accounts invested in marketID (related to entityID, which may be
// empty) into e.
func (e Exposure) Add(marketID, entityID string, invested decimal.Decimal) {
	e.ByMarket[marketID] = e.ByMarket[marketID].Add(invested)
	if entityID != "" {
		e.ByEntity[entityID] = e.ByEntity[entityID].Add(invested)
	}
}
