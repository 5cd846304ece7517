package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trading-sim/internal/api"
	"github.com/atmx/trading-sim/internal/config"
	"github.com/atmx/trading-sim/internal/loan"
	"github.com/atmx/trading-sim/internal/pricing"
	"github.com/atmx/trading-sim/internal/report"
	"github.com/atmx/trading-sim/internal/simulation"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/stream"
	"github.com/atmx/trading-sim/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("trading-sim failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("trading-sim stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- WebSocket hub ---
	hub := stream.NewHub()

	// --- Engines ---
	trades := trade.NewEngine(st, hub)
	loans := loan.NewEngine(st, cfg.LoanInterestRate)
	prices := pricing.NewEngine(st, hub, pricing.Config{
		Interval:     cfg.PriceUpdateInterval,
		RetryBackoff: cfg.PriceRetryBackoff,
		MaxDelta:     cfg.PriceMaxDelta,
	})
	reports := report.NewEngine(st, prices)
	sim := simulation.NewRunner(st, trades, loans, reports)

	if cfg.SeedData {
		if err := trades.Seed(ctx); err != nil {
			return fmt.Errorf("seeding sample data: %w", err)
		}
	}

	h := api.NewHandler(ctx, api.Deps{
		Store:     st,
		Trades:    trades,
		Loans:     loans,
		Prices:    prices,
		Reports:   reports,
		Simulator: sim,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(h, hub.HandleWS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("trading-sim listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down trading-sim...")
		prices.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.AutoStartPrices {
		prices.Start()
	}
	return g.Wait()
}

// openStore picks PostgreSQL (optionally behind Redis) when DATABASE_URL is
// set, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(cfg.LockTimeout), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool, cfg.LockTimeout)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrating schema: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(pg, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}
