package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chartbet/market-engine/internal/config"
	"github.com/chartbet/market-engine/internal/correlation"
	"github.com/chartbet/market-engine/internal/lifecycle"
	"github.com/chartbet/market-engine/internal/metrics"
	"github.com/chartbet/market-engine/internal/model"
	"github.com/chartbet/market-engine/internal/notify"
	"github.com/chartbet/market-engine/internal/store"
	"github.com/chartbet/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHARTBET_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("market-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.RunMigrations {
			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	} else {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	wsHub := trade.NewWSHub(logger)
	sinks := []notify.Sink{wsHub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb, cfg.Redis.Channel))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.Events))
	}
	dispatcher := notify.NewDispatcher(logger, cfg.Notify.QueueSize, sinks...)

	// --- Position limits ---
	limiter := correlation.NewPositionLimiter(
		config.Decimal(cfg.Limits.MaxPerMarket),
		config.Decimal(cfg.Limits.MaxCorrelated),
	)

	// --- Engine and resolver ---
	engine := trade.NewEngine(st, trade.Config{
		SeedShares: config.Decimal(cfg.Trading.SeedShares),
		Liquidity:  config.Decimal(cfg.Trading.Liquidity),
		Fee:        config.Decimal(cfg.Trading.Fee),
		MaxRetries: cfg.Trading.MaxRetries,
	}, logger, trade.WithLimiter(limiter), trade.WithPublisher(dispatcher))
	resolver := lifecycle.NewResolver(st, dispatcher, logger)
	svc := trade.NewService(engine, resolver, cfg.Server.AdminToken, logger)
	if cfg.Server.AdminToken == "" {
		logger.Warn("admin token not set, lifecycle endpoints are disabled")
	}

	if active, err := st.ListMarkets(ctx, store.MarketFilter{Status: model.StatusActive}); err == nil {
		metrics.ActiveMarkets.Set(float64(len(active)))
	}
	metrics.RegisterTradingOpen(func() float64 {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := engine.OpenMarkets(sctx)
		if err != nil {
			logger.Warn("count open markets failed", "err", err)
			return 0
		}
		return float64(n)
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of prices and lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// Request timeout applies to the REST API only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		logger.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown.
		<-gctx.Done()
		logger.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
