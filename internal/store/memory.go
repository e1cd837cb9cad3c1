package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chartbet/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each market has its own mutex held for the whole ApplyTrade unit; the
// store-wide RWMutex only guards map access and the final commit, so
// trades on different markets run in parallel.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[model.PositionKey]*model.Position
	trades    []model.Trade
	payouts   []model.Payout

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[model.PositionKey]*model.Position),
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// marketLock returns the mutex for an existing market. Markets are never
// deleted, so the lock map is bounded by the market count.
func (s *MemoryStore) marketLock(id string) (*sync.Mutex, error) {
	s.mu.RLock()
	_, ok := s.markets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, filter MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if filter.Match(m) {
			markets = append(markets, *m.Clone())
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

// ApplyTrade locks the market, runs fn against a working copy and commits
// all staged writes in one critical section.
func (s *MemoryStore) ApplyTrade(ctx context.Context, marketID string, fn MutateFunc) (*model.Market, error) {
	l, err := s.marketLock(marketID)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	working, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	working.BuildIndex()

	tx := &memTx{
		store:     s,
		market:    working,
		positions: make(map[model.PositionKey]*model.Position),
	}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working.Version++
	working.UpdatedAt = s.now()
	s.markets[marketID] = working.Clone()
	for k, p := range tx.positions {
		cp := *p
		s.positions[k] = &cp
	}
	s.trades = append(s.trades, tx.trades...)
	s.payouts = append(s.payouts, tx.payouts...)

	return working.Clone(), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, filter model.TradeFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if filter.UserID != "" && k.UserID != filter.UserID {
			continue
		}
		if filter.MarketID != "" && k.MarketID != filter.MarketID {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if filter.MarketID != "" && t.MarketID != filter.MarketID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, marketID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.MarketID == marketID {
			result = append(result, p)
		}
	}
	return result, nil
}

// memTx stages writes for one ApplyTrade unit.
type memTx struct {
	store     *MemoryStore
	market    *model.Market
	positions map[model.PositionKey]*model.Position
	trades    []model.Trade
	payouts   []model.Payout
}

func (tx *memTx) Market() *model.Market { return tx.market }

func (tx *memTx) Position(_ context.Context, userID, outcomeID string) (*model.Position, error) {
	key := model.PositionKey{UserID: userID, MarketID: tx.market.ID, OutcomeID: outcomeID}
	if p, ok := tx.positions[key]; ok {
		cp := *p
		return &cp, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if p, ok := tx.store.positions[key]; ok {
		cp := *p
		return &cp, nil
	}
	return model.NewPosition(key, tx.store.now()), nil
}

func (tx *memTx) OutcomePositions(_ context.Context, outcomeID string) ([]*model.Position, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	seen := make(map[model.PositionKey]bool)
	var result []*model.Position
	for k, p := range tx.positions {
		if k.OutcomeID == outcomeID {
			cp := *p
			result = append(result, &cp)
			seen[k] = true
		}
	}
	for k, p := range tx.store.positions {
		if k.MarketID != tx.market.ID || k.OutcomeID != outcomeID || seen[k] {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

func (tx *memTx) UserExposure(_ context.Context, userID string) (model.Exposure, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	exp := model.NewExposure()
	for k, p := range tx.store.positions {
		if k.UserID != userID || p.Settled || !p.TotalInvested.IsPositive() {
			continue
		}
		m, ok := tx.store.markets[k.MarketID]
		if !ok || m.Status.Terminal() {
			continue
		}
		exp.Add(k.MarketID, m.RelatedEntityID, p.TotalInvested)
	}
	return exp, nil
}

func (tx *memTx) PutPosition(p *model.Position) {
	cp := *p
	tx.positions[p.Key()] = &cp
}

func (tx *memTx) AppendTrade(t *model.Trade) {
	tx.trades = append(tx.trades, *t)
}

func (tx *memTx) AppendPayout(p *model.Payout) {
	tx.payouts = append(tx.payouts, *p)
}
