// Package pricing perturbs stock prices on a schedule.
//
// The scheduler is a two-state machine (stopped, running) over a robfig/cron
// instance. Each tick updates every stock in its own transaction, so one
// failing stock never blocks the rest and trades only contend with the tick
// for the stock they touch.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/metrics"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/store"
)

// Defaults for Config zero values.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultRetryBackoff = time.Minute
)

// DefaultMaxDelta bounds a single tick's relative move.
var DefaultMaxDelta = decimal.NewFromFloat(0.10)

const pricePlaces = 4

// Notifier receives committed price changes. Implementations must not block.
type Notifier interface {
	PriceUpdated(model.PriceRecord)
}

// Config tunes the scheduler.
type Config struct {
	Interval     time.Duration
	RetryBackoff time.Duration
	MaxDelta     decimal.Decimal
}

// Engine owns the price scheduler.
type Engine struct {
	store    store.Store
	notify   Notifier
	interval time.Duration
	backoff  time.Duration
	maxDelta decimal.Decimal
	rand     func() float64
	now      func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand overrides the uniform [0,1) source used to draw price moves.
func WithRand(f func() float64) Option {
	return func(e *Engine) { e.rand = f }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a stopped price engine. Pass nil for notifier if price
// changes need not be broadcast.
func NewEngine(st store.Store, notifier Notifier, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxDelta.IsZero() || cfg.MaxDelta.IsNegative() {
		cfg.MaxDelta = DefaultMaxDelta
	}
	e := &Engine{
		store:    st,
		notify:   notifier,
		interval: cfg.Interval,
		backoff:  cfg.RetryBackoff,
		maxDelta: cfg.MaxDelta,
		rand:     rand.Float64,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start moves the engine to running and fires the first tick immediately.
// It reports false if the engine was already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(&startNow{every: cron.Every(e.interval)}, cron.FuncJob(func() {
		e.scheduledTick(ctx)
	}))
	c.Start()

	e.cron = c
	e.cancel = cancel
	metrics.PriceUpdatesRunning.Set(1)
	slog.Info("price updates started", "interval", e.interval.String())
	return true
}

// Stop moves the engine to stopped, waiting for an in-flight tick to
// finish. It reports false if the engine was not running.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	c, cancel := e.cron, e.cancel
	e.cron, e.cancel = nil, nil
	e.mu.Unlock()
	if c == nil {
		return false
	}
	metrics.PriceUpdatesRunning.Set(0)

	// cancel only interrupts a backoff wait; a round in progress completes.
	cancel()
	<-c.Stop().Done()
	slog.Info("price updates stopped")
	return true
}

// Running reports whether the scheduler is running.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cron != nil
}

// ForceTick runs one tick synchronously regardless of scheduler state.
func (e *Engine) ForceTick(ctx context.Context) (model.TickResult, error) {
	return e.tick(ctx)
}

// scheduledTick retries a tick whose stock listing failed every backoff
// until it succeeds or the scheduler stops. Stopping never cuts a round
// short: the round itself runs detached from ctx.
func (e *Engine) scheduledTick(ctx context.Context) {
	for {
		_, err := e.tick(context.WithoutCancel(ctx))
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Error("price update failed, backing off", "err", err, "backoff", e.backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.backoff):
		}
	}
}

func (e *Engine) tick(ctx context.Context) (model.TickResult, error) {
	stocks, err := e.store.ListStocks(ctx)
	if err != nil {
		return model.TickResult{}, apperr.Storage(err)
	}

	res := model.TickResult{Updated: make([]model.PriceRecord, 0, len(stocks))}
	for _, s := range stocks {
		if ctx.Err() != nil {
			break
		}
		rec, err := e.tickStock(ctx, s.Symbol)
		if err != nil {
			slog.Error("price update failed", "symbol", s.Symbol, "err", err)
			metrics.PriceTickFailures.WithLabelValues(s.Symbol).Inc()
			if errors.Is(err, apperr.ErrConflict) {
				metrics.LockConflicts.WithLabelValues("price_tick").Inc()
			}
			res.Failed = append(res.Failed, s.Symbol)
			continue
		}
		res.Updated = append(res.Updated, rec)
	}

	metrics.PriceTicks.Inc()
	slog.Info("prices updated", "updated", len(res.Updated), "failed", len(res.Failed))
	return res, nil
}

func (e *Engine) tickStock(ctx context.Context, sym string) (model.PriceRecord, error) {
	var rec model.PriceRecord
	err := e.store.WithTx(ctx, []store.Key{store.StockKey(sym)}, func(ctx context.Context, tx store.Tx) error {
		stock, err := tx.GetStockBySymbol(ctx, sym)
		if err != nil {
			return err
		}
		stock.CurrentPrice = e.nextPrice(stock.CurrentPrice)
		if err := tx.UpdateStock(ctx, stock); err != nil {
			return err
		}
		rec = model.PriceRecord{
			StockID:   stock.ID,
			Symbol:    stock.Symbol,
			Name:      stock.Name,
			Price:     stock.CurrentPrice,
			Timestamp: e.now(),
		}
		return tx.AppendPriceRecord(ctx, &rec)
	})
	if err != nil {
		return model.PriceRecord{}, apperr.Storage(err)
	}

	metrics.StockPrice.WithLabelValues(sym).Set(rec.Price.InexactFloat64())
	if e.notify != nil {
		e.notify.PriceUpdated(rec)
	}
	return rec, nil
}

// nextPrice applies a uniform move in [-maxDelta, +maxDelta] and clamps the
// result to the price band.
func (e *Engine) nextPrice(p decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromFloat(2*e.rand() - 1).Mul(e.maxDelta)
	next := p.Mul(decimal.NewFromInt(1).Add(factor))
	return model.ClampPrice(next).Round(pricePlaces)
}

// startNow fires once at start, then every interval.
type startNow struct {
	fired bool
	every cron.ConstantDelaySchedule
}

func (s *startNow) Next(t time.Time) time.Time {
	if !s.fired {
		s.fired = true
		return t
	}
	return s.every.Next(t)
}
