// Package trade provides the trade execution engine and the HTTP handlers
// for creating markets, executing trades, and querying positions/portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/amm"
	"github.com/chartbet/market-engine/internal/correlation"
	"github.com/chartbet/market-engine/internal/ledger"
	"github.com/chartbet/market-engine/internal/metrics"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/notify"
	"github.com/chartbet/market-engine/internal/store"
)

// MaxFee is the largest fee fraction a market may charge.
var MaxFee = decimal.RequireFromString("0.1")

// Config holds market defaults and execution tuning.
type Config struct {
	SeedShares decimal.Decimal // initial shares per outcome
	Liquidity  decimal.Decimal // AMM liquidity pool
	Fee        decimal.Decimal // fraction of every trade
	MaxRetries int             // retries after a concurrency conflict
}

// DefaultConfig returns the standard market seed: 100 shares per outcome,
// a 1000-share liquidity pool and a 2% fee.
func DefaultConfig() Config {
	return Config{
		SeedShares: decimal.NewFromInt(100),
		Liquidity:  decimal.NewFromInt(1000),
		Fee:        decimal.RequireFromString("0.02"),
		MaxRetries: 3,
	}
}

// Engine validates and applies trades. Every trade runs as one
// store.MarketRepository.ApplyTrade unit, so the price it reads is the
// price it trades at.
type Engine struct {
	store   store.Store
	limiter *correlation.PositionLimiter
	events  notify.Publisher
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLimiter enables exposure limits on buys.
func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithPublisher sets where committed events are sent.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// NewEngine creates a trade engine over st.
func NewEngine(st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "trade")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Market creation ---

// OutcomeSpec describes one outcome of a market being created.
type OutcomeSpec struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateMarketRequest is the input for market creation.
type CreateMarketRequest struct {
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Category        model.Category   `json:"category"`
	Outcomes        []OutcomeSpec    `json:"outcomes"`
	EndDate         time.Time        `json:"end_date"`
	RelatedEntityID string           `json:"related_entity_id,omitempty"`
	Fee             *decimal.Decimal `json:"fee,omitempty"`       // defaults to Config.Fee
	Liquidity       *decimal.Decimal `json:"liquidity,omitempty"` // defaults to Config.Liquidity
}

// CreateMarket validates req and persists an active market seeded from the
// engine config.
func (e *Engine) CreateMarket(ctx context.Context, creatorID string, req CreateMarketRequest) (*model.Market, error) {
	now := e.now()
	if err := e.validateCreate(creatorID, req, now); err != nil {
		return nil, err
	}

	fee := e.cfg.Fee
	if req.Fee != nil {
		fee = *req.Fee
	}
	liquidity := e.cfg.Liquidity
	if req.Liquidity != nil {
		liquidity = *req.Liquidity
	}
	category := req.Category
	if category == "" {
		category = model.CategoryOther
	}

	m := &model.Market{
		ID:              uuid.New().String(),
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		Category:        category,
		Status:          model.StatusActive,
		Outcomes:        make([]model.Outcome, len(req.Outcomes)),
		EndDate:         req.EndDate.UTC(),
		RelatedEntityID: req.RelatedEntityID,
		CreatorID:       creatorID,
		TotalVolume:     decimal.Zero,
		TotalLiquidity:  liquidity,
		Fee:             fee,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, spec := range req.Outcomes {
		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		m.Outcomes[i] = model.Outcome{
			ID:          id,
			Name:        strings.TrimSpace(spec.Name),
			Description: spec.Description,
			Shares:      e.cfg.SeedShares,
			TotalVolume: decimal.Zero,
		}
	}
	amm.Reprice(m)
	m.BuildIndex()

	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.ActiveMarkets.Inc()
	e.logger.InfoContext(ctx, "market created",
		"id", m.ID,
		"title", m.Title,
		"category", string(m.Category),
		"outcomes", len(m.Outcomes),
		"liquidity", m.TotalLiquidity.String(),
		"fee", m.Fee.String(),
	)
	e.publish(notify.Event{
		Type:     notify.EventMarketCreated,
		MarketID: m.ID,
		Title:    m.Title,
		Status:   string(m.Status),
		Prices:   priceMap(m.Outcomes),
	})
	return m, nil
}

func (e *Engine) validateCreate(creatorID string, req CreateMarketRequest, now time.Time) error {
	if creatorID == "" {
		return model.ErrMissingUser
	}
	n := len(req.Outcomes)
	if n < model.MinOutcomes || n > model.MaxOutcomes {
		return fmt.Errorf("%w: got %d", model.ErrInvalidOutcomeCount, n)
	}
	if !req.EndDate.After(now) {
		return fmt.Errorf("%w: %s", model.ErrInvalidEndDate, req.EndDate.Format(time.RFC3339))
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", model.ErrInvalidMarket)
	}
	if req.Category != "" && !req.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", model.ErrInvalidMarket, req.Category)
	}
	if req.Fee != nil && (req.Fee.IsNegative() || req.Fee.GreaterThan(MaxFee)) {
		return fmt.Errorf("%w: fee must be within [0, %s]", model.ErrInvalidMarket, MaxFee)
	}
	if req.Liquidity != nil {
		if err := amm.ValidateLiquidity(*req.Liquidity); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidMarket, err)
		}
	}

	seen := make(map[string]bool, n)
	for i, o := range req.Outcomes {
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("%w: outcome %d has no name", model.ErrInvalidMarket, i)
		}
		if o.ID == "" {
			continue
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: duplicate outcome id %q", model.ErrInvalidMarket, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// --- Trade execution ---

// TradeRequest is the input for ExecuteTrade. UserID comes from the
// authentication layer and is passed explicitly.
type TradeRequest struct {
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	OutcomeID string          `json:"outcome_id"`
	Type      model.TradeType `json:"type"`
	Shares    decimal.Decimal `json:"shares"`
}

// TradeResult is what a committed trade produced.
type TradeResult struct {
	Trade    model.Trade     `json:"trade"`
	Position model.Position  `json:"position"`
	Outcomes []model.Outcome `json:"outcomes"`
}

// ExecuteTrade validates req and applies it as one atomic unit against the
// market. Precondition failures are returned before anything is mutated.
// Concurrency conflicts are retried with fresh state up to
// Config.MaxRetries times.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()

	if err := validateTrade(req); err != nil {
		e.reject(ctx, req, err)
		return nil, err
	}

	var result *TradeResult
	var market *model.Market
	for attempt := 0; ; attempt++ {
		m, err := e.store.ApplyTrade(ctx, req.MarketID, func(ctx context.Context, tx store.Tx) error {
			r, err := e.apply(ctx, tx, req, e.now())
			result = r
			return err
		})
		if err == nil {
			market = m
			break
		}
		if errors.Is(err, model.ErrConcurrencyConflict) && attempt < e.cfg.MaxRetries {
			metrics.ConflictRetries.WithLabelValues("trade").Inc()
			e.logger.DebugContext(ctx, "retrying trade after conflict",
				"market_id", req.MarketID, "attempt", attempt+1)
			continue
		}
		e.reject(ctx, req, err)
		return nil, err
	}

	result.Outcomes = market.Outcomes
	t := result.Trade

	metrics.TradesTotal.WithLabelValues(string(t.Type)).Inc()
	metrics.TradeLatency.WithLabelValues(string(t.Type)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(t.MarketID, string(t.Type)).Add(t.Shares.Mul(t.Price).InexactFloat64())

	e.logger.InfoContext(ctx, "trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"market_id", t.MarketID,
		"outcome_id", t.OutcomeID,
		"type", string(t.Type),
		"shares", t.Shares.String(),
		"price", t.Price.String(),
		"total_cost", t.TotalCost.String(),
		"fee", t.Fee.String(),
	)

	var newPrice decimal.Decimal
	if o, err := market.Outcome(t.OutcomeID); err == nil {
		newPrice = o.Price
	}
	e.publish(notify.Event{
		Type:      notify.EventTradeExecuted,
		MarketID:  market.ID,
		Title:     market.Title,
		Status:    string(market.Status),
		OutcomeID: t.OutcomeID,
		UserID:    t.UserID,
		TradeType: string(t.Type),
		Shares:    t.Shares.String(),
		Price:     newPrice.String(),
		Prices:    priceMap(market.Outcomes),
	})
	return result, nil
}

func validateTrade(req TradeRequest) error {
	if req.UserID == "" {
		return model.ErrMissingUser
	}
	if req.Type != model.TradeBuy && req.Type != model.TradeSell {
		return fmt.Errorf("%w: %q", model.ErrInvalidTradeType, req.Type)
	}
	if !req.Shares.IsPositive() {
		return fmt.Errorf("%w: %s", model.ErrInvalidShareCount, req.Shares)
	}
	return nil
}

// apply runs inside the market's atomic unit: read price, compute cost and
// fee, update position and outcome, reprice, record the trade.
func (e *Engine) apply(ctx context.Context, tx store.Tx, req TradeRequest, now time.Time) (*TradeResult, error) {
	m := tx.Market()
	if !m.TradingOpen(now) {
		if m.Status == model.StatusActive {
			return nil, fmt.Errorf("%w: trading ended at %s", model.ErrMarketNotActive, m.EndDate.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: market %s is %s", model.ErrMarketNotActive, m.ID, m.Status)
	}

	o, err := m.Outcome(req.OutcomeID)
	if err != nil {
		return nil, err
	}
	pos, err := tx.Position(ctx, req.UserID, req.OutcomeID)
	if err != nil {
		return nil, err
	}

	price := o.Price
	tradeCost := req.Shares.Mul(price)
	fee := tradeCost.Mul(m.Fee)
	var totalCost decimal.Decimal

	switch req.Type {
	case model.TradeBuy:
		totalCost = tradeCost.Add(fee)
		if e.limiter != nil {
			exposure, err := tx.UserExposure(ctx, req.UserID)
			if err != nil {
				return nil, err
			}
			if err := e.limiter.CheckLimit(m.ID, m.RelatedEntityID, totalCost, exposure); err != nil {
				metrics.PositionLimitRejections.Inc()
				return nil, err
			}
		}
		ledger.ApplyBuy(pos, req.Shares, totalCost, now)
		o.Shares = o.Shares.Add(req.Shares)

	case model.TradeSell:
		if req.Shares.GreaterThan(pos.Shares) {
			return nil, fmt.Errorf("%w: holding %s, requested %s",
				model.ErrInsufficientShares, pos.Shares, req.Shares)
		}
		totalCost = tradeCost
		if _, err := ledger.ApplySell(pos, req.Shares, tradeCost, fee, now); err != nil {
			return nil, err
		}
		o.Shares = o.Shares.Sub(req.Shares)
	}

	o.TotalVolume = o.TotalVolume.Add(tradeCost)
	m.TotalVolume = m.TotalVolume.Add(tradeCost)
	amm.Reprice(m)

	ledger.Revalue(pos, o.Price)
	tx.PutPosition(pos)

	t := model.Trade{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		MarketID:  m.ID,
		OutcomeID: req.OutcomeID,
		Type:      req.Type,
		Shares:    req.Shares,
		Price:     price,
		TotalCost: totalCost,
		Fee:       fee,
		Status:    model.TradeCompleted,
		CreatedAt: now,
	}
	tx.AppendTrade(&t)

	return &TradeResult{Trade: t, Position: *pos}, nil
}

func (e *Engine) reject(ctx context.Context, req TradeRequest, err error) {
	code := model.CodeOf(err)
	metrics.TradeRejections.WithLabelValues(code).Inc()
	level := slog.LevelInfo
	if model.KindOf(err) == model.KindInternal {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "trade rejected",
		"market_id", req.MarketID,
		"user", req.UserID,
		"outcome_id", req.OutcomeID,
		"type", string(req.Type),
		"shares", req.Shares.String(),
		"code", code,
		"err", err,
	)
}

func (e *Engine) publish(ev notify.Event) {
	if e.events != nil {
		e.events.Notify(ev)
	}
}

func priceMap(outcomes []model.Outcome) map[string]string {
	prices := make(map[string]string, len(outcomes))
	for _, o := range outcomes {
		prices[o.ID] = o.Price.String()
	}
	return prices
}
