package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// ApplyTrade runs in one transaction and compare-and-swaps the market's
// version column at commit. A concurrent writer that committed first makes
// the swap miss, and the unit fails with model.ErrConcurrencyConflict.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketCols = `id, title, description, category, status, outcomes,
	end_date, resolution_date, resolved_outcome_id, related_entity_id, creator_id,
	total_volume::TEXT, total_liquidity::TEXT, fee::TEXT, version, created_at, updated_at`

const positionCols = `user_id, market_id, outcome_id,
	shares::TEXT, average_cost::TEXT, total_invested::TEXT, realized_pnl::TEXT,
	settled, created_at, updated_at`

const tradeCols = `id, user_id, market_id, outcome_id, type,
	shares::TEXT, price::TEXT, total_cost::TEXT, fee::TEXT, status, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, status, outcomes,
		                      end_date, resolution_date, resolved_outcome_id, related_entity_id, creator_id,
		                      total_volume, total_liquidity, fee, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9, $10, $11,
		         $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16, $17)`,
		m.ID, m.Title, m.Description, string(m.Category), string(m.Status), string(outcomes),
		m.EndDate, m.ResolutionDate, m.ResolvedOutcomeID, m.RelatedEntityID, m.CreatorID,
		m.TotalVolume.String(), m.TotalLiquidity.String(), m.Fee.String(),
		m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+`
		 FROM markets
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR category = $2)
		   AND ($3 = '' OR related_entity_id = $3)
		 ORDER BY created_at DESC`,
		string(filter.Status), string(filter.Category), filter.RelatedEntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, marketID string, fn MutateFunc) (*model.Market, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	working, err := getMarket(ctx, tx, marketID)
	if err != nil {
		return nil, err
	}
	working.BuildIndex()
	readVersion := working.Version

	ptx := &pgTx{
		tx:        tx,
		market:    working,
		positions: make(map[model.PositionKey]*model.Position),
	}
	if err := fn(ctx, ptx); err != nil {
		return nil, err
	}

	outcomes, err := json.Marshal(working.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("encode outcomes: %w", err)
	}
	working.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET status = $3, outcomes = $4::JSONB, resolution_date = $5, resolved_outcome_id = $6,
		     total_volume = $7::NUMERIC, version = version + 1, updated_at = $8
		 WHERE id = $1 AND version = $2`,
		working.ID, readVersion,
		string(working.Status), string(outcomes), working.ResolutionDate, working.ResolvedOutcomeID,
		working.TotalVolume.String(), working.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: market %s version %d", model.ErrConcurrencyConflict, marketID, readVersion)
	}
	working.Version = readVersion + 1

	for _, p := range ptx.positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return nil, err
		}
	}
	for i := range ptx.trades {
		if err := insertTrade(ctx, tx, &ptx.trades[i]); err != nil {
			return nil, err
		}
	}
	for i := range ptx.payouts {
		if err := insertPayout(ctx, tx, &ptx.payouts[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return working.Clone(), nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		key.UserID, key.MarketID, key.OutcomeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, filter model.TradeFilter) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR market_id = $2)
		 ORDER BY created_at`,
		filter.UserID, filter.MarketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR market_id = $2)
		 ORDER BY created_at`,
		filter.UserID, filter.MarketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var typ, status, shares, price, cost, fee string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID, &typ,
			&shares, &price, &cost, &fee, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)
		t.Status = model.TradeStatus(status)
		if err := parseDecimals(
			field{shares, &t.Shares}, field{price, &t.Price},
			field{cost, &t.TotalCost}, field{fee, &t.Fee},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, outcome_id,
		        shares::TEXT, amount::TEXT, profit::TEXT, created_at
		 FROM payouts WHERE market_id = $1 ORDER BY created_at, user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var shares, amount, profit string
		if err := rows.Scan(&p.ID, &p.MarketID, &p.UserID, &p.OutcomeID,
			&shares, &amount, &profit, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			field{shares, &p.Shares}, field{amount, &p.Amount}, field{profit, &p.Profit},
		); err != nil {
			return nil, fmt.Errorf("payout %s: %w", p.ID, err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// pgTx stages writes for one ApplyTrade unit; reads go through the open
// transaction.
type pgTx struct {
	tx        pgx.Tx
	market    *model.Market
	positions map[model.PositionKey]*model.Position
	trades    []model.Trade
	payouts   []model.Payout
}

func (t *pgTx) Market() *model.Market { return t.market }

func (t *pgTx) Position(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	key := model.PositionKey{UserID: userID, MarketID: t.market.ID, OutcomeID: outcomeID}
	if p, ok := t.positions[key]; ok {
		cp := *p
		return &cp, nil
	}
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		key.UserID, key.MarketID, key.OutcomeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewPosition(key, time.Now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

func (t *pgTx) OutcomePositions(ctx context.Context, outcomeID string) ([]*model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE market_id = $1 AND outcome_id = $2
		 ORDER BY user_id`,
		t.market.ID, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		if staged, ok := t.positions[p.Key()]; ok {
			cp := *staged
			p = &cp
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Staged positions that are not in the table yet.
	for k, p := range t.positions {
		if k.OutcomeID != outcomeID {
			continue
		}
		found := false
		for _, r := range result {
			if r.Key() == k {
				found = true
				break
			}
		}
		if !found {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (t *pgTx) UserExposure(ctx context.Context, userID string) (model.Exposure, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT p.market_id, m.related_entity_id, SUM(p.total_invested)::TEXT
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 WHERE p.user_id = $1 AND NOT p.settled AND p.total_invested > 0
		   AND m.status NOT IN ('resolved', 'cancelled')
		 GROUP BY p.market_id, m.related_entity_id`, userID)
	if err != nil {
		return model.Exposure{}, err
	}
	defer rows.Close()

	exp := model.NewExposure()
	for rows.Next() {
		var marketID, entityID, investedS string
		if err := rows.Scan(&marketID, &entityID, &investedS); err != nil {
			return model.Exposure{}, err
		}
		invested, err := decimal.NewFromString(investedS)
		if err != nil {
			return model.Exposure{}, fmt.Errorf("exposure %s: %w", marketID, err)
		}
		exp.Add(marketID, entityID, invested)
	}
	return exp, rows.Err()
}

func (t *pgTx) PutPosition(p *model.Position) {
	cp := *p
	t.positions[p.Key()] = &cp
}

func (t *pgTx) AppendTrade(tr *model.Trade) { t.trades = append(t.trades, *tr) }

func (t *pgTx) AppendPayout(p *model.Payout) { t.payouts = append(t.payouts, *p) }

// --- SQL helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMarket(ctx context.Context, q querier, id string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var category, status string
	var outcomes []byte
	var volume, liquidity, fee string

	if err := row.Scan(&m.ID, &m.Title, &m.Description, &category, &status, &outcomes,
		&m.EndDate, &m.ResolutionDate, &m.ResolvedOutcomeID, &m.RelatedEntityID, &m.CreatorID,
		&volume, &liquidity, &fee, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Category = model.Category(category)
	m.Status = model.MarketStatus(status)
	if err := json.Unmarshal(outcomes, &m.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes of %s: %w", m.ID, err)
	}
	if err := parseDecimals(
		field{volume, &m.TotalVolume}, field{liquidity, &m.TotalLiquidity}, field{fee, &m.Fee},
	); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	m.BuildIndex()
	return &m, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, avg, invested, realized string

	if err := row.Scan(&p.UserID, &p.MarketID, &p.OutcomeID,
		&shares, &avg, &invested, &realized,
		&p.Settled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		field{shares, &p.Shares}, field{avg, &p.AverageCost},
		field{invested, &p.TotalInvested}, field{realized, &p.RealizedPnL},
	); err != nil {
		return nil, fmt.Errorf("position %s: %w", p.Key(), err)
	}
	return &p, nil
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome_id, shares, average_cost,
		                        total_invested, realized_pnl, settled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (user_id, market_id, outcome_id) DO UPDATE
		 SET shares = EXCLUDED.shares, average_cost = EXCLUDED.average_cost,
		     total_invested = EXCLUDED.total_invested, realized_pnl = EXCLUDED.realized_pnl,
		     settled = EXCLUDED.settled, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.OutcomeID,
		p.Shares.String(), p.AverageCost.String(), p.TotalInvested.String(), p.RealizedPnL.String(),
		p.Settled, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Key(), err)
	}
	return nil
}

func insertTrade(ctx context.Context, tx pgx.Tx, t *model.Trade) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome_id, type,
		                     shares, price, total_cost, fee, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		t.ID, t.UserID, t.MarketID, t.OutcomeID, string(t.Type),
		t.Shares.String(), t.Price.String(), t.TotalCost.String(), t.Fee.String(),
		string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func insertPayout(ctx context.Context, tx pgx.Tx, p *model.Payout) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO payouts (id, market_id, user_id, outcome_id, shares, amount, profit, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		p.ID, p.MarketID, p.UserID, p.OutcomeID,
		p.Shares.String(), p.Amount.String(), p.Profit.String(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.ID, err)
	}
	return nil
}

// field pairs a NUMERIC::TEXT column with its destination.
type field struct {
	s   string
	dst *decimal.Decimal
}

func parseDecimals(fields ...field) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.s)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", f.s, err)
		}
		*f.dst = v
	}
	return nil
}
