package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
)

type sampleStock struct {
	symbol   string
	name     string
	price    int64
	quantity int64
}

var sampleStocks = []sampleStock{
	{"AAPL", "Apple Inc.", 150, 1000},
	{"GOOGL", "Alphabet Inc.", 80, 800},
	{"MSFT", "Microsoft Corp.", 90, 900},
	{"TSLA", "Tesla Inc.", 75, 600},
	{"AMZN", "Amazon.com Inc.", 85, 700},
}

const sampleUsers = 10

// Seed populates an empty store with sample stocks and users. Stocks and
// users are seeded independently; a store that already has either is left
// alone for that entity.
func (e *Engine) Seed(ctx context.Context) error {
	stocks, err := e.store.ListStocks(ctx)
	if err != nil {
		return apperr.Storage(err)
	}
	if len(stocks) == 0 {
		for _, s := range sampleStocks {
			price := model.ClampPrice(decimal.NewFromInt(s.price))
			_, err := e.RegisterStock(ctx, s.symbol, s.name, price, s.quantity)
			if err != nil && !errors.Is(err, apperr.ErrAlreadyExists) {
				return fmt.Errorf("seed stock %s: %w", s.symbol, err)
			}
		}
		slog.Info("seeded sample stocks", "count", len(sampleStocks))
	}

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return apperr.Storage(err)
	}
	if len(users) == 0 {
		for i := 1; i <= sampleUsers; i++ {
			name := fmt.Sprintf("user_%d", i)
			if _, err := e.RegisterUser(ctx, name); err != nil && !errors.Is(err, apperr.ErrAlreadyExists) {
				return fmt.Errorf("seed user %s: %w", name, err)
			}
		}
		slog.Info("seeded sample users", "count", sampleUsers)
	}
	return nil
}
