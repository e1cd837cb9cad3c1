package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chartbet/market-engine/internal/model"
)

//go:embed scripts/cache_market.lua
var cacheMarketLua string

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
//
// Key schema:
//
//	market:{id}     - hash with "v" (market version) and "data" (JSON snapshot)
//	positions:{uid} - JSON list of the user's positions
//
// Market snapshots are only written over an older version, so commits that
// finish out of order never leave a stale market cached.
type CachedStore struct {
	primary     Store
	rdb         *redis.Client
	ttl         time.Duration
	cacheMarket *redis.Script
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary:     primary,
		rdb:         rdb,
		ttl:         ttl,
		cacheMarket: redis.NewScript(cacheMarketLua),
	}
}

// --- Write-through ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.storeMarket(ctx, m)
	return nil
}

// ApplyTrade delegates the atomic unit to the primary store. On commit the
// fresh market is cached and every user whose position changed has their
// cached positions dropped.
func (s *CachedStore) ApplyTrade(ctx context.Context, marketID string, fn MutateFunc) (*model.Market, error) {
	var touched map[string]bool
	m, err := s.primary.ApplyTrade(ctx, marketID, func(ctx context.Context, tx Tx) error {
		rec := &recordingTx{Tx: tx, users: make(map[string]bool)}
		touched = rec.users
		return fn(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.storeMarket(ctx, m)
	if len(touched) > 0 {
		keys := make([]string, 0, len(touched))
		for uid := range touched {
			keys = append(keys, positionsKey(uid))
		}
		s.rdb.Del(ctx, keys...)
	}
	return m, nil
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			m.BuildIndex()
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.storeMarket(ctx, m)
	return m, nil
}

// ListPositions caches per-user position lists; other filters pass through.
func (s *CachedStore) ListPositions(ctx context.Context, filter model.TradeFilter) ([]model.Position, error) {
	if filter.UserID == "" || filter.MarketID != "" {
		return s.primary.ListPositions(ctx, filter)
	}

	data, err := s.rdb.Get(ctx, positionsKey(filter.UserID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(filter.UserID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, filter)
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) ListTrades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, filter)
}

func (s *CachedStore) ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) storeMarket(ctx context.Context, m *model.Market) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.cacheMarket.Run(ctx, s.rdb, []string{marketKey(m.ID)}, m.Version, data, s.ttl.Milliseconds())
}

// recordingTx notes which users had positions written.
type recordingTx struct {
	Tx
	users map[string]bool
}

func (r *recordingTx) PutPosition(p *model.Position) {
	r.users[p.UserID] = true
	r.Tx.PutPosition(p)
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
