// Package notify fans market events out to subscribers after they commit.
// Delivery is fire-and-forget: Notify never blocks the caller. Each sink has
// its own queue and goroutine, so a slow or failing sink only delays itself.
package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chartbet/market-engine/internal/metrics"
)

// Event types.
const (
	EventMarketCreated   = "market_created"
	EventTradeExecuted   = "trade_executed"
	EventMarketClosed    = "market_closed"
	EventMarketResolved  = "market_resolved"
	EventMarketCancelled = "market_cancelled"
)

// Event is a committed change to a market. Decimal values are rendered as
// strings so every sink serialises them the same way.
type Event struct {
	Type        string            `json:"type"`
	MarketID    string            `json:"market_id"`
	Title       string            `json:"title,omitempty"`
	Status      string            `json:"status,omitempty"`
	OutcomeID   string            `json:"outcome_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	TradeType   string            `json:"trade_type,omitempty"`
	Shares      string            `json:"shares,omitempty"`
	Price       string            `json:"price,omitempty"`
	Prices      map[string]string `json:"prices,omitempty"` // outcome id → price
	PayoutCount int               `json:"payout_count,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Sink is one delivery channel.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Name() string
}

// Publisher accepts events from the write path. Implementations must not
// block.
type Publisher interface {
	Notify(e Event)
}

// Dispatcher queues events per sink and delivers them from one goroutine
// per sink.
type Dispatcher struct {
	queues  []sinkQueue
	timeout time.Duration
	logger  *slog.Logger
}

type sinkQueue struct {
	sink  Sink
	queue chan Event
}

// NewDispatcher creates a Dispatcher giving every sink a queue of the given
// size. Run must be started for events to be delivered.
func NewDispatcher(logger *slog.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		queues:  make([]sinkQueue, len(sinks)),
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "notify")),
	}
	for i, s := range sinks {
		d.queues[i] = sinkQueue{sink: s, queue: make(chan Event, queueSize)}
	}
	return d
}

// Notify enqueues e for every sink. A sink whose queue is full misses the
// event; the others still get it.
func (d *Dispatcher) Notify(e Event) {
	if d == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, q := range d.queues {
		select {
		case q.queue <- e:
		default:
			metrics.NotificationsDropped.WithLabelValues(q.sink.Name()).Inc()
			d.logger.Warn("notification queue full, dropping event",
				slog.String("sink", q.sink.Name()),
				slog.String("type", e.Type),
				slog.String("market_id", e.MarketID),
			)
		}
	}
}

// Run delivers queued events until ctx is cancelled. Events still queued
// at cancellation are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range d.queues {
		q := q
		g.Go(func() error {
			d.drain(ctx, q)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, q sinkQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.queue:
			d.deliver(ctx, q.sink, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, e Event) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	err := s.Publish(sctx, e)
	cancel()
	if err != nil {
		metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
		d.logger.ErrorContext(ctx, "sink failed",
			slog.String("sink", s.Name()),
			slog.String("type", e.Type),
			slog.String("error", err.Error()),
		)
	}
}
