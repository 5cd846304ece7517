package report

import (
	"context"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/symbol"
)

// PriceStatus reports whether the price scheduler is running.
type PriceStatus interface {
	Running() bool
}

// Engine fetches snapshots and renders reports from them.
type Engine struct {
	store  store.Store
	prices PriceStatus
}

// NewEngine creates a reporting engine. prices may be nil.
func NewEngine(st store.Store, prices PriceStatus) *Engine {
	return &Engine{store: st, prices: prices}
}

func (e *Engine) snapshot(ctx context.Context) (*store.Snapshot, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return snap, nil
}

func (e *Engine) UserReport(ctx context.Context, userID string) (model.UserReport, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return model.UserReport{}, err
	}
	return UserReport(snap, userID)
}

func (e *Engine) StockReport(ctx context.Context) ([]model.StockStats, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return StockReport(snap), nil
}

func (e *Engine) TopUsers(ctx context.Context, limit int) ([]model.UserRanking, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return TopUsers(snap, limit), nil
}

func (e *Engine) TopStocks(ctx context.Context, limit int) ([]model.StockRanking, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return TopStocks(snap, limit), nil
}

// PriceHistory returns recent price records, newest first: up to
// SymbolHistoryLimit for one symbol or HistoryLimit across all stocks.
func (e *Engine) PriceHistory(ctx context.Context, ticker string) ([]model.PriceRecord, error) {
	limit := HistoryLimit
	sym := ""
	if ticker != "" {
		s, err := symbol.Parse(ticker)
		if err != nil {
			return nil, apperr.Invalid("%v", err)
		}
		sym, limit = s, SymbolHistoryLimit
	}
	records, err := e.store.PriceHistory(ctx, sym, limit)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if records == nil {
		records = []model.PriceRecord{}
	}
	return records, nil
}

func (e *Engine) Health(ctx context.Context) (model.Health, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return model.Health{}, err
	}
	running := e.prices != nil && e.prices.Running()
	return Health(snap, running), nil
}
