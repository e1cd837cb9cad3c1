// Package lifecycle moves markets through their status machine and settles
// winning positions at resolution.
//
//	active ──► closed ──► resolved
//	   │          │
//	   │          └─────► cancelled
//	   ├────────────────► resolved
//	   └────────────────► cancelled
//
// resolved and cancelled are terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chartbet/market-engine/internal/ledger"
	"github.com/chartbet/market-engine/internal/metrics"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/notify"
	"github.com/chartbet/market-engine/internal/store"
)

var transitions = map[model.MarketStatus][]model.MarketStatus{
	model.StatusActive: {model.StatusClosed, model.StatusResolved, model.StatusCancelled},
	model.StatusClosed: {model.StatusResolved, model.StatusCancelled},
}

// CanTransition reports whether a market in from may move to to.
func CanTransition(from, to model.MarketStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Market         model.Market   `json:"market"`
	WinningOutcome model.Outcome  `json:"winning_outcome"`
	PayoutCount    int            `json:"payout_count"`
	Payouts        []model.Payout `json:"payouts"`
}

// Resolver applies status transitions through the market repository's
// atomic unit, so a resolution never interleaves with a trade.
type Resolver struct {
	repo       store.MarketRepository
	events     notify.Publisher
	now        func() time.Time
	maxRetries int
	logger     *slog.Logger
}

// NewResolver creates a Resolver. events may be nil.
func NewResolver(repo store.MarketRepository, events notify.Publisher, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:       repo,
		events:     events,
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: 3,
		logger:     logger.With(slog.String("component", "lifecycle")),
	}
}

// SetClock overrides the time source.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Resolve declares winningOutcomeID the winner of marketID and pays out
// every position on it at 1 per share. Status change and payouts commit
// together. Resolving an already resolved market fails with
// model.ErrMarketAlreadyResolved and pays nothing.
func (r *Resolver) Resolve(ctx context.Context, marketID, winningOutcomeID string) (*Resolution, error) {
	var res *Resolution
	var from model.MarketStatus

	m, err := r.apply(ctx, "resolve", marketID, func(ctx context.Context, tx store.Tx) error {
		res = &Resolution{}
		m := tx.Market()
		from = m.Status
		if m.Status == model.StatusResolved {
			return fmt.Errorf("%w: %s resolved to %s", model.ErrMarketAlreadyResolved, m.ID, m.ResolvedOutcomeID)
		}
		if !CanTransition(m.Status, model.StatusResolved) {
			return fmt.Errorf("%w: %s → %s", model.ErrInvalidTransition, m.Status, model.StatusResolved)
		}
		winner, err := m.Outcome(winningOutcomeID)
		if err != nil {
			return err
		}

		now := r.now()
		m.Status = model.StatusResolved
		m.ResolvedOutcomeID = winner.ID
		m.ResolutionDate = &now
		res.WinningOutcome = *winner

		positions, err := tx.OutcomePositions(ctx, winner.ID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			amount, profit, ok := ledger.Settle(p, now)
			if !ok {
				continue
			}
			payout := model.Payout{
				ID:        uuid.New().String(),
				MarketID:  m.ID,
				UserID:    p.UserID,
				OutcomeID: p.OutcomeID,
				Shares:    p.Shares,
				Amount:    amount,
				Profit:    profit,
				CreatedAt: now,
			}
			tx.PutPosition(p)
			tx.AppendPayout(&payout)
			res.Payouts = append(res.Payouts, payout)
		}
		res.PayoutCount = len(res.Payouts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Market = *m
	if res.Payouts == nil {
		res.Payouts = []model.Payout{}
	}
	r.record(from, m.Status)
	metrics.PayoutsTotal.Add(float64(res.PayoutCount))

	r.logger.InfoContext(ctx, "market resolved",
		"market_id", m.ID,
		"winning_outcome", res.WinningOutcome.ID,
		"payouts", res.PayoutCount,
	)
	r.publish(notify.Event{
		Type:        notify.EventMarketResolved,
		MarketID:    m.ID,
		Title:       m.Title,
		Status:      string(m.Status),
		OutcomeID:   res.WinningOutcome.ID,
		PayoutCount: res.PayoutCount,
	})
	return res, nil
}

// Close stops trading on an active market without resolving it.
func (r *Resolver) Close(ctx context.Context, marketID string) (*model.Market, error) {
	return r.transition(ctx, marketID, model.StatusClosed, notify.EventMarketClosed)
}

// Cancel voids a market. Positions are left untouched.
func (r *Resolver) Cancel(ctx context.Context, marketID string) (*model.Market, error) {
	return r.transition(ctx, marketID, model.StatusCancelled, notify.EventMarketCancelled)
}

func (r *Resolver) transition(ctx context.Context, marketID string, to model.MarketStatus, event string) (*model.Market, error) {
	var from model.MarketStatus
	m, err := r.apply(ctx, string(to), marketID, func(_ context.Context, tx store.Tx) error {
		m := tx.Market()
		from = m.Status
		if !CanTransition(m.Status, to) {
			if m.Status == model.StatusResolved {
				return fmt.Errorf("%w: %s", model.ErrMarketAlreadyResolved, m.ID)
			}
			return fmt.Errorf("%w: %s → %s", model.ErrInvalidTransition, m.Status, to)
		}
		m.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.record(from, to)
	r.logger.InfoContext(ctx, "market status changed",
		"market_id", m.ID,
		"from", string(from),
		"to", string(to),
	)
	r.publish(notify.Event{
		Type:     event,
		MarketID: m.ID,
		Title:    m.Title,
		Status:   string(m.Status),
	})
	return m, nil
}

// apply runs fn through the repository, retrying concurrency conflicts.
func (r *Resolver) apply(ctx context.Context, op, marketID string, fn store.MutateFunc) (*model.Market, error) {
	for attempt := 0; ; attempt++ {
		m, err := r.repo.ApplyTrade(ctx, marketID, fn)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, model.ErrConcurrencyConflict) || attempt >= r.maxRetries {
			r.logger.InfoContext(ctx, "market transition rejected",
				"op", op,
				"market_id", marketID,
				"code", model.CodeOf(err),
				"err", err,
			)
			return nil, err
		}
		metrics.ConflictRetries.WithLabelValues(op).Inc()
	}
}

func (r *Resolver) record(from, to model.MarketStatus) {
	metrics.MarketTransitions.WithLabelValues(string(to)).Inc()
	if from == model.StatusActive {
		metrics.ActiveMarkets.Dec()
	}
}

func (r *Resolver) publish(e notify.Event) {
	if r.events != nil {
		r.events.Notify(e)
	}
}
