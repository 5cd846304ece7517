// Package report derives read-only views of the ledger.
//
// Every view is a pure function of a store.Snapshot, so two reports built
// from the same snapshot are identical and reporting never takes entity
// locks. Monetary aggregates are rounded to cents; prices keep their stored
// precision.
package report

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/store"
)

// Limits applied when callers pass none.
const (
	DefaultLimit       = 10
	HistoryLimit       = 500
	SymbolHistoryLimit = 100
)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// index groups a snapshot's rows by owner.
type index struct {
	snap         *store.Snapshot
	stocks       map[string]*model.Stock
	positions    map[string][]model.Position    // by user id
	transactions map[string][]model.Transaction // by user id
	byStock      map[string][]model.Transaction // by stock id
	history      map[string][]model.PriceRecord // by stock id
}

func newIndex(snap *store.Snapshot) *index {
	ix := &index{
		snap:         snap,
		stocks:       make(map[string]*model.Stock, len(snap.Stocks)),
		positions:    make(map[string][]model.Position),
		transactions: make(map[string][]model.Transaction),
		byStock:      make(map[string][]model.Transaction),
		history:      make(map[string][]model.PriceRecord),
	}
	for i := range snap.Stocks {
		ix.stocks[snap.Stocks[i].ID] = &snap.Stocks[i]
	}
	for _, p := range snap.Positions {
		ix.positions[p.UserID] = append(ix.positions[p.UserID], p)
	}
	for _, t := range snap.Transactions {
		ix.transactions[t.UserID] = append(ix.transactions[t.UserID], t)
		ix.byStock[t.StockID] = append(ix.byStock[t.StockID], t)
	}
	for _, h := range snap.PriceHistory {
		ix.history[h.StockID] = append(ix.history[h.StockID], h)
	}
	return ix
}

// portfolioValue is Σ quantity × current price over a user's positions.
func (ix *index) portfolioValue(userID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ix.positions[userID] {
		if st, ok := ix.stocks[p.StockID]; ok {
			total = total.Add(st.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity)))
		}
	}
	return total
}

func netWorth(u model.User, portfolio decimal.Decimal) decimal.Decimal {
	return u.Balance.Add(portfolio).Sub(u.LoanAmount)
}

// UserReport builds the P&L report for one user.
func UserReport(snap *store.Snapshot, userID string) (model.UserReport, error) {
	var user *model.User
	for i := range snap.Users {
		if snap.Users[i].ID == userID {
			user = &snap.Users[i]
			break
		}
	}
	if user == nil {
		return model.UserReport{}, fmt.Errorf("%w: user %s", apperr.ErrNotFound, userID)
	}
	ix := newIndex(snap)

	holdings := make([]model.Holding, 0, len(ix.positions[userID]))
	portfolio, unrealized := decimal.Zero, decimal.Zero
	for _, p := range ix.positions[userID] {
		st, ok := ix.stocks[p.StockID]
		if !ok {
			continue
		}
		qty := decimal.NewFromInt(p.Quantity)
		value := st.CurrentPrice.Mul(qty)
		pnl := st.CurrentPrice.Sub(p.AvgBuyPrice).Mul(qty)
		portfolio = portfolio.Add(value)
		unrealized = unrealized.Add(pnl)
		holdings = append(holdings, model.Holding{
			Symbol:        st.Symbol,
			Quantity:      p.Quantity,
			AvgBuyPrice:   p.AvgBuyPrice,
			CurrentPrice:  st.CurrentPrice,
			PositionValue: value.Round(moneyPlaces),
			UnrealizedPnL: pnl.Round(moneyPlaces),
		})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })

	purchases, sales := decimal.Zero, decimal.Zero
	for _, t := range ix.transactions[userID] {
		switch t.Kind {
		case model.Buy:
			purchases = purchases.Add(t.TotalAmount)
		case model.Sell:
			sales = sales.Add(t.TotalAmount)
		}
	}

	worth := netWorth(*user, portfolio)
	return model.UserReport{
		UserInfo: model.UserInfo{
			UserID:         user.ID,
			Username:       user.Username,
			Balance:        user.Balance.Round(moneyPlaces),
			LoanAmount:     user.LoanAmount.Round(moneyPlaces),
			PortfolioValue: portfolio.Round(moneyPlaces),
			NetWorth:       worth.Round(moneyPlaces),
		},
		Performance: model.Performance{
			TotalPnL:       worth.Sub(model.InitialBalance).Round(moneyPlaces),
			UnrealizedPnL:  unrealized.Round(moneyPlaces),
			RealizedPnL:    sales.Sub(purchases).Round(moneyPlaces),
			TotalPurchases: purchases.Round(moneyPlaces),
			TotalSales:     sales.Round(moneyPlaces),
		},
		Portfolio: holdings,
	}, nil
}

// StockReport builds per-stock trading and volatility statistics.
func StockReport(snap *store.Snapshot) []model.StockStats {
	ix := newIndex(snap)
	out := make([]model.StockStats, 0, len(snap.Stocks))
	for _, st := range snap.Stocks {
		row := model.StockStats{
			Symbol:              st.Symbol,
			Name:                st.Name,
			CurrentPrice:        st.CurrentPrice,
			AvailableQuantity:   st.AvailableQuantity,
			AvgTransactionPrice: decimal.Zero,
			MaxPrice:            decimal.Zero,
			MinPrice:            decimal.Zero,
			VolatilityPercent:   decimal.Zero,
		}

		txns := ix.byStock[st.ID]
		priceSum := decimal.Zero
		for _, t := range txns {
			priceSum = priceSum.Add(t.Price)
			if t.Kind == model.Buy {
				row.TotalBought += t.Quantity
			} else {
				row.TotalSold += t.Quantity
			}
		}
		row.TransactionCount = len(txns)
		if len(txns) > 0 {
			row.AvgTransactionPrice = priceSum.Div(decimal.NewFromInt(int64(len(txns)))).Round(moneyPlaces)
		}

		if hist := ix.history[st.ID]; len(hist) > 0 {
			lo, hi := hist[0].Price, hist[0].Price
			for _, h := range hist[1:] {
				lo = decimal.Min(lo, h.Price)
				hi = decimal.Max(hi, h.Price)
			}
			row.MinPrice, row.MaxPrice = lo, hi
			if lo.IsPositive() {
				row.VolatilityPercent = hi.Sub(lo).Div(lo).Mul(hundred).Round(moneyPlaces)
			}
		}
		out = append(out, row)
	}
	return out
}

// TopUsers ranks users by total P&L, highest first. Ties keep registration
// order.
func TopUsers(snap *store.Snapshot, limit int) []model.UserRanking {
	limit = normalizeLimit(limit)
	ix := newIndex(snap)

	rows := make([]model.UserRanking, 0, len(snap.Users))
	for _, u := range snap.Users {
		portfolio := ix.portfolioValue(u.ID)
		worth := netWorth(u, portfolio)
		rows = append(rows, model.UserRanking{
			UserID:         u.ID,
			Username:       u.Username,
			Balance:        u.Balance.Round(moneyPlaces),
			PortfolioValue: portfolio.Round(moneyPlaces),
			LoanAmount:     u.LoanAmount.Round(moneyPlaces),
			NetWorth:       worth.Round(moneyPlaces),
			TotalPnL:       worth.Sub(model.InitialBalance).Round(moneyPlaces),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].TotalPnL.GreaterThan(rows[j].TotalPnL)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// TopStocks ranks stocks that have moved at least once by bought volume,
// then by price performance against their mean historical price.
func TopStocks(snap *store.Snapshot, limit int) []model.StockRanking {
	limit = normalizeLimit(limit)
	ix := newIndex(snap)

	rows := make([]model.StockRanking, 0, len(snap.Stocks))
	for _, st := range snap.Stocks {
		hist := ix.history[st.ID]
		if len(hist) <= 1 {
			continue
		}
		sum := decimal.Zero
		for _, h := range hist {
			sum = sum.Add(h.Price)
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(hist))))

		row := model.StockRanking{
			Symbol:                  st.Symbol,
			Name:                    st.Name,
			CurrentPrice:            st.CurrentPrice,
			TransactionCount:        len(ix.byStock[st.ID]),
			AvgPrice:                mean.Round(moneyPlaces),
			PricePerformancePercent: decimal.Zero,
		}
		for _, t := range ix.byStock[st.ID] {
			if t.Kind == model.Buy {
				row.TotalVolume += t.Quantity
			}
		}
		if mean.IsPositive() {
			row.PricePerformancePercent = st.CurrentPrice.Sub(mean).Div(mean).Mul(hundred).Round(moneyPlaces)
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalVolume != rows[j].TotalVolume {
			return rows[i].TotalVolume > rows[j].TotalVolume
		}
		return rows[i].PricePerformancePercent.GreaterThan(rows[j].PricePerformancePercent)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// Health summarizes entity counts and the mean stock price.
func Health(snap *store.Snapshot, pricesRunning bool) model.Health {
	avg := decimal.Zero
	if n := len(snap.Stocks); n > 0 {
		sum := decimal.Zero
		for _, st := range snap.Stocks {
			sum = sum.Add(st.CurrentPrice)
		}
		avg = sum.Div(decimal.NewFromInt(int64(n))).Round(moneyPlaces)
	}
	return model.Health{
		Status:             "healthy",
		Timestamp:          snap.TakenAt,
		Users:              len(snap.Users),
		Stocks:             len(snap.Stocks),
		Transactions:       len(snap.Transactions),
		AvgStockPrice:      avg,
		PriceUpdatesActive: pricesRunning,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
