package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/report"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fixture is a hand-built snapshot: alice bought 10 XYZ at 50 and sold 4 at
// 60; bob holds nothing; XYZ moved 50 → 60, ABC never moved.
func fixture() *store.Snapshot {
	return &store.Snapshot{
		TakenAt: t0,
		Users: []model.User{
			{ID: "u1", Username: "alice", Balance: d(9740), MaxLoan: d(100000)},
			{ID: "u2", Username: "bob", Balance: d(10000), MaxLoan: d(100000)},
			{ID: "u3", Username: "carol", Balance: d(13000), LoanAmount: d(2000), MaxLoan: d(100000)},
		},
		Stocks: []model.Stock{
			{ID: "s1", Symbol: "XYZ", Name: "XYZ Corp", CurrentPrice: d(60), AvailableQuantity: 94, MintedQuantity: 100},
			{ID: "s2", Symbol: "ABC", Name: "ABC Corp", CurrentPrice: d(20), AvailableQuantity: 50, MintedQuantity: 50},
		},
		Positions: []model.Position{
			{UserID: "u1", StockID: "s1", Quantity: 6, AvgBuyPrice: d(50)},
		},
		Transactions: []model.Transaction{
			{ID: "t1", UserID: "u1", StockID: "s1", Symbol: "XYZ", Kind: model.Buy, Quantity: 10, Price: d(50), TotalAmount: d(500), Timestamp: t0},
			{ID: "t2", UserID: "u1", StockID: "s1", Symbol: "XYZ", Kind: model.Sell, Quantity: 4, Price: d(60), TotalAmount: d(240), Timestamp: t0.Add(time.Minute)},
		},
		PriceHistory: []model.PriceRecord{
			{Seq: 1, StockID: "s1", Symbol: "XYZ", Price: d(50), Timestamp: t0},
			{Seq: 2, StockID: "s2", Symbol: "ABC", Price: d(20), Timestamp: t0},
			{Seq: 3, StockID: "s1", Symbol: "XYZ", Price: d(60), Timestamp: t0.Add(time.Minute)},
		},
	}
}

func TestUserReport(t *testing.T) {
	rep, err := report.UserReport(fixture(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"balance", rep.UserInfo.Balance, d(9740)},
		{"portfolio value", rep.UserInfo.PortfolioValue, d(360)},
		{"net worth", rep.UserInfo.NetWorth, d(10100)},
		{"total pnl", rep.Performance.TotalPnL, d(100)},
		{"unrealized", rep.Performance.UnrealizedPnL, d(60)},
		{"realized", rep.Performance.RealizedPnL, d(-260)},
		{"purchases", rep.Performance.TotalPurchases, d(500)},
		{"sales", rep.Performance.TotalSales, d(240)},
	}
	for _, c := range checks {
		if !c.got.Equal(c.want) {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, c.got)
		}
	}

	if len(rep.Portfolio) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(rep.Portfolio))
	}
	h := rep.Portfolio[0]
	if h.Symbol != "XYZ" || h.Quantity != 6 || !h.PositionValue.Equal(d(360)) || !h.UnrealizedPnL.Equal(d(60)) {
		t.Errorf("unexpected holding: %+v", h)
	}
}

func TestUserReport_LoanReducesNetWorth(t *testing.T) {
	rep, err := report.UserReport(fixture(), "u3")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.UserInfo.NetWorth.Equal(d(11000)) || !rep.Performance.TotalPnL.Equal(d(1000)) {
		t.Errorf("expected net worth 11000 / pnl 1000, got %s / %s",
			rep.UserInfo.NetWorth, rep.Performance.TotalPnL)
	}
	if rep.Portfolio == nil {
		t.Error("portfolio should be an empty list, not nil")
	}
}

func TestUserReport_NotFound(t *testing.T) {
	_, err := report.UserReport(fixture(), "ghost")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestUserReport_Idempotent(t *testing.T) {
	snap := fixture()
	a, _ := report.UserReport(snap, "u1")
	b, _ := report.UserReport(snap, "u1")
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("reports differ:\n%s\n%s", ja, jb)
	}
}

func TestStockReport(t *testing.T) {
	rows := report.StockReport(fixture())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	xyz := rows[0]
	if xyz.Symbol != "XYZ" || xyz.TransactionCount != 2 || xyz.TotalBought != 10 || xyz.TotalSold != 4 {
		t.Errorf("unexpected XYZ counts: %+v", xyz)
	}
	if !xyz.AvgTransactionPrice.Equal(d(55)) {
		t.Errorf("expected avg transaction price 55, got %s", xyz.AvgTransactionPrice)
	}
	if !xyz.MinPrice.Equal(d(50)) || !xyz.MaxPrice.Equal(d(60)) || !xyz.VolatilityPercent.Equal(d(20)) {
		t.Errorf("unexpected XYZ range: min %s max %s vol %s", xyz.MinPrice, xyz.MaxPrice, xyz.VolatilityPercent)
	}

	abc := rows[1]
	if abc.TransactionCount != 0 || !abc.AvgTransactionPrice.IsZero() || !abc.VolatilityPercent.IsZero() {
		t.Errorf("unexpected ABC row: %+v", abc)
	}
}

func TestStockReport_NoHistory(t *testing.T) {
	snap := fixture()
	snap.PriceHistory = nil
	for _, row := range report.StockReport(snap) {
		if !row.VolatilityPercent.IsZero() {
			t.Errorf("%s: expected zero volatility without history, got %s", row.Symbol, row.VolatilityPercent)
		}
	}
}

func TestTopUsers(t *testing.T) {
	rows := report.TopUsers(fixture(), 0)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []string{"carol", "alice", "bob"}
	for i, w := range want {
		if rows[i].Username != w {
			t.Errorf("rank %d: expected %s, got %s", i, w, rows[i].Username)
		}
	}
	if !rows[0].TotalPnL.Equal(d(1000)) {
		t.Errorf("expected carol pnl 1000, got %s", rows[0].TotalPnL)
	}

	if top := report.TopUsers(fixture(), 1); len(top) != 1 {
		t.Errorf("expected limit 1 honored, got %d", len(top))
	}
}

func TestTopUsers_StableTies(t *testing.T) {
	snap := fixture()
	snap.Users = []model.User{
		{ID: "a", Username: "first", Balance: d(10000)},
		{ID: "b", Username: "second", Balance: d(10000)},
		{ID: "c", Username: "third", Balance: d(10000)},
	}
	snap.Positions = nil
	rows := report.TopUsers(snap, 10)
	for i, w := range []string{"first", "second", "third"} {
		if rows[i].Username != w {
			t.Errorf("tie order broken at %d: got %s", i, rows[i].Username)
		}
	}
}

func TestTopStocks(t *testing.T) {
	rows := report.TopStocks(fixture(), 10)
	if len(rows) != 1 {
		t.Fatalf("expected only XYZ (ABC never moved), got %+v", rows)
	}
	r := rows[0]
	if r.Symbol != "XYZ" || r.TotalVolume != 10 || r.TransactionCount != 2 {
		t.Errorf("unexpected XYZ ranking: %+v", r)
	}
	// mean history 55, current 60 → 9.09%
	if !r.AvgPrice.Equal(d(55)) || !r.PricePerformancePercent.Equal(d(9.09)) {
		t.Errorf("expected avg 55 / perf 9.09, got %s / %s", r.AvgPrice, r.PricePerformancePercent)
	}
}

func TestTopStocks_OrderByVolumeThenPerformance(t *testing.T) {
	snap := fixture()
	snap.PriceHistory = append(snap.PriceHistory,
		model.PriceRecord{Seq: 4, StockID: "s2", Symbol: "ABC", Price: d(10), Timestamp: t0.Add(time.Minute)},
	)
	// Give ABC the same bought volume as XYZ; ABC performs better.
	snap.Transactions = append(snap.Transactions,
		model.Transaction{ID: "t3", UserID: "u2", StockID: "s2", Kind: model.Buy, Quantity: 10, Price: d(20), TotalAmount: d(200)},
	)
	rows := report.TopStocks(snap, 10)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// ABC: mean 15, current 20 → 33.33% beats XYZ's 9.09%.
	if rows[0].Symbol != "ABC" {
		t.Errorf("expected ABC first on performance tiebreak, got %s", rows[0].Symbol)
	}
}

func TestHealth(t *testing.T) {
	h := report.Health(fixture(), true)
	if h.Users != 3 || h.Stocks != 2 || h.Transactions != 2 {
		t.Errorf("unexpected counts: %+v", h)
	}
	if !h.AvgStockPrice.Equal(d(40)) || !h.PriceUpdatesActive || h.Status != "healthy" {
		t.Errorf("unexpected health: %+v", h)
	}
}

// --- Engine over a live store ---

type stubStatus bool

func (s stubStatus) Running() bool { return bool(s) }

func TestEngine_PriceHistoryLimits(t *testing.T) {
	ms := store.NewMemoryStore(0)
	te := trade.NewEngine(ms, nil)
	ctx := context.Background()
	if _, err := te.RegisterStock(ctx, "XYZ", "XYZ Corp", d(10), 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 120; i++ {
		err := ms.WithTx(ctx, []store.Key{store.StockKey("XYZ")}, func(ctx context.Context, tx store.Tx) error {
			st, _ := tx.GetStockBySymbol(ctx, "XYZ")
			return tx.AppendPriceRecord(ctx, &model.PriceRecord{
				StockID: st.ID, Symbol: "XYZ", Price: d(10), Timestamp: t0.Add(time.Duration(i) * time.Second),
			})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	e := report.NewEngine(ms, stubStatus(false))
	hist, err := e.PriceHistory(ctx, "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != report.SymbolHistoryLimit {
		t.Errorf("expected %d records, got %d", report.SymbolHistoryLimit, len(hist))
	}
	if _, err := e.PriceHistory(ctx, "not a symbol"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}

	all, err := e.PriceHistory(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 121 {
		t.Errorf("expected 121 records across all stocks, got %d", len(all))
	}

	h, err := e.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Stocks != 1 || h.PriceUpdatesActive {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestEngine_UserReportAfterTrades(t *testing.T) {
	ms := store.NewMemoryStore(0)
	te := trade.NewEngine(ms, nil)
	ctx := context.Background()
	te.RegisterStock(ctx, "XYZ", "XYZ Corp", d(50), 100)
	u, _ := te.RegisterUser(ctx, "alice")
	if _, err := te.Buy(ctx, u.ID, "XYZ", 10); err != nil {
		t.Fatal(err)
	}

	e := report.NewEngine(ms, nil)
	rep, err := e.UserReport(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.UserInfo.NetWorth.Equal(d(10000)) || !rep.Performance.TotalPnL.IsZero() {
		t.Errorf("buying at market should not change net worth: %+v", rep)
	}
	if !rep.Performance.RealizedPnL.Equal(d(-500)) {
		t.Errorf("expected realized -500 (sales minus purchases), got %s", rep.Performance.RealizedPnL)
	}
}
