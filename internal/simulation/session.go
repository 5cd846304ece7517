// Package simulation drives a burst of concurrent random trading against the
// engines, for demos and load smoke tests.
package simulation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/store"
)

// Session bounds: 5-10 traders doing 3-8
// actions each.
const (
	minTraders = 5
	maxTraders = 10
	minActions = 3
	maxActions = 8
	topN       = 5
)

type Trader interface {
	Buy(ctx context.Context, userID, symbol string, quantity int64) (model.BuyResult, error)
	Sell(ctx context.Context, userID, symbol string, quantity int64) (model.SellResult, error)
}

type Lender interface {
	TakeLoan(ctx context.Context, userID string, amount decimal.Decimal) (model.LoanResult, error)
}

type Ranker interface {
	TopUsers(ctx context.Context, limit int) ([]model.UserRanking, error)
	TopStocks(ctx context.Context, limit int) ([]model.StockRanking, error)
}

// Result summarizes a finished session.
type Result struct {
	Traders   int                  `json:"traders"`
	Actions   int64                `json:"actions"`
	Succeeded int64                `json:"succeeded"`
	Failed    int64                `json:"failed"`
	Elapsed   string               `json:"elapsed"`
	TopUsers  []model.UserRanking  `json:"top_users"`
	TopStocks []model.StockRanking `json:"top_stocks"`
}

// Runner runs trading sessions.
type Runner struct {
	reader  store.Reader
	trader  Trader
	lender  Lender
	ranker  Ranker
	seed    uint64
	pauseLo time.Duration
	pauseHi time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithSeed makes sessions reproducible.
func WithSeed(seed uint64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithPause sets the random think time between a trader's actions.
func WithPause(lo, hi time.Duration) Option {
	return func(r *Runner) { r.pauseLo, r.pauseHi = lo, hi }
}

func NewRunner(reader store.Reader, trader Trader, lender Lender, ranker Ranker, opts ...Option) *Runner {
	r := &Runner{
		reader:  reader,
		trader:  trader,
		lender:  lender,
		ranker:  ranker,
		seed:    rand.Uint64(),
		pauseLo: 100 * time.Millisecond,
		pauseHi: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run picks 5-10 existing users and has each perform 3-8 random buys, sells
// or loans concurrently, then returns the top five users and stocks.
// Individual action failures are counted, not returned.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	users, err := r.reader.ListUsers(ctx)
	if err != nil {
		return Result{}, apperr.Storage(err)
	}
	stocks, err := r.reader.ListStocks(ctx)
	if err != nil {
		return Result{}, apperr.Storage(err)
	}
	if len(users) == 0 || len(stocks) == 0 {
		return Result{}, apperr.Invalid("simulation needs at least one user and one stock")
	}

	rng := rand.New(rand.NewPCG(r.seed, r.seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
	n := min(len(users), minTraders+rng.IntN(maxTraders-minTraders+1))
	symbols := make([]string, len(stocks))
	for i, s := range stocks {
		symbols[i] = s.Symbol
	}

	var actions, ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		userID := users[i].ID
		trng := rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
		g.Go(func() error {
			steps := minActions + trng.IntN(maxActions-minActions+1)
			for j := 0; j < steps; j++ {
				if err := r.pause(gctx, trng); err != nil {
					return err
				}
				actions.Add(1)
				if err := r.act(gctx, trng, userID, symbols); err != nil {
					failed.Add(1)
					slog.Debug("simulated action failed", "user", userID, "err", err)
					continue
				}
				ok.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	topUsers, err := r.ranker.TopUsers(ctx, topN)
	if err != nil {
		return Result{}, err
	}
	topStocks, err := r.ranker.TopStocks(ctx, topN)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Traders:   n,
		Actions:   actions.Load(),
		Succeeded: ok.Load(),
		Failed:    failed.Load(),
		Elapsed:   time.Since(start).Round(time.Millisecond).String(),
		TopUsers:  topUsers,
		TopStocks: topStocks,
	}
	slog.Info("trading session finished",
		"traders", res.Traders,
		"actions", res.Actions,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

func (r *Runner) act(ctx context.Context, rng *rand.Rand, userID string, symbols []string) error {
	switch rng.IntN(3) {
	case 0:
		_, err := r.trader.Buy(ctx, userID, symbols[rng.IntN(len(symbols))], 1+rng.Int64N(10))
		return err
	case 1:
		_, err := r.trader.Sell(ctx, userID, symbols[rng.IntN(len(symbols))], 1+rng.Int64N(5))
		return err
	default:
		_, err := r.lender.TakeLoan(ctx, userID, decimal.NewFromInt(1000+rng.Int64N(4001)))
		return err
	}
}

func (r *Runner) pause(ctx context.Context, rng *rand.Rand) error {
	if r.pauseHi <= 0 {
		return ctx.Err()
	}
	wait := r.pauseLo
	if span := r.pauseHi - r.pauseLo; span > 0 {
		wait += time.Duration(rng.Int64N(int64(span)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
