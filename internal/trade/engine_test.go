package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/pricing"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu    sync.Mutex
	fills []model.Transaction
}

func (r *recorder) TradeExecuted(t model.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, t)
}

// newTestEnv creates an Engine over an in-memory store.
func newTestEnv(t *testing.T) (*trade.Engine, *store.MemoryStore, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore(2 * time.Second)
	rec := &recorder{}
	return trade.NewEngine(ms, rec), ms, rec
}

func seedStock(t *testing.T, e *trade.Engine, sym string, price float64, qty int64) {
	t.Helper()
	if _, err := e.RegisterStock(context.Background(), sym, sym+" Corp", d(price), qty); err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}
}

func seedUser(t *testing.T, e *trade.Engine, name string) string {
	t.Helper()
	u, err := e.RegisterUser(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return u.ID
}

// setPrice moves a stock's price directly in the store.
func setPrice(t *testing.T, ms *store.MemoryStore, sym string, price float64) {
	t.Helper()
	err := ms.WithTx(context.Background(), []store.Key{store.StockKey(sym)}, func(ctx context.Context, tx store.Tx) error {
		st, err := tx.GetStockBySymbol(ctx, sym)
		if err != nil {
			return err
		}
		st.CurrentPrice = d(price)
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		t.Fatalf("failed to set price: %v", err)
	}
}

func position(t *testing.T, ms *store.MemoryStore, userID, sym string) *model.Position {
	t.Helper()
	ctx := context.Background()
	st, err := ms.GetStockBySymbol(ctx, sym)
	if err != nil {
		t.Fatal(err)
	}
	p, err := ms.GetPosition(ctx, userID, st.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// --- Trade execution tests ---

func TestBuySell_Scenario(t *testing.T) {
	e, ms, rec := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 50, 100)
	uid := seedUser(t, e, "alice")

	buy, err := e.Buy(ctx, uid, "XYZ", 10)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !buy.TotalCost.Equal(d(500)) || !buy.NewBalance.Equal(d(9500)) {
		t.Errorf("expected cost 500 / balance 9500, got %s / %s", buy.TotalCost, buy.NewBalance)
	}
	st, _ := ms.GetStockBySymbol(ctx, "XYZ")
	if st.AvailableQuantity != 90 {
		t.Errorf("expected 90 available, got %d", st.AvailableQuantity)
	}
	p := position(t, ms, uid, "XYZ")
	if p == nil || p.Quantity != 10 || !p.AvgBuyPrice.Equal(d(50)) {
		t.Fatalf("expected position 10 @ 50, got %+v", p)
	}

	setPrice(t, ms, "XYZ", 60)

	sell, err := e.Sell(ctx, uid, "XYZ", 4)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !sell.Proceeds.Equal(d(240)) || !sell.NewBalance.Equal(d(9740)) {
		t.Errorf("expected proceeds 240 / balance 9740, got %s / %s", sell.Proceeds, sell.NewBalance)
	}
	st, _ = ms.GetStockBySymbol(ctx, "XYZ")
	if st.AvailableQuantity != 94 {
		t.Errorf("expected 94 available, got %d", st.AvailableQuantity)
	}
	p = position(t, ms, uid, "XYZ")
	if p == nil || p.Quantity != 6 || !p.AvgBuyPrice.Equal(d(50)) {
		t.Errorf("expected position 6 @ 50 (avg unaffected by sells), got %+v", p)
	}

	if len(rec.fills) != 2 || rec.fills[0].Kind != model.Buy || rec.fills[1].Kind != model.Sell {
		t.Errorf("expected BUY then SELL broadcast, got %+v", rec.fills)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 100, 1000)
	uid := seedUser(t, e, "alice")

	_, err := e.Buy(ctx, uid, "XYZ", 101)
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}

	u, _ := ms.GetUser(ctx, uid)
	if !u.Balance.Equal(d(10000)) {
		t.Errorf("balance changed on failed buy: %s", u.Balance)
	}
	st, _ := ms.GetStockBySymbol(ctx, "XYZ")
	if st.AvailableQuantity != 1000 {
		t.Errorf("inventory changed on failed buy: %d", st.AvailableQuantity)
	}
	if position(t, ms, uid, "XYZ") != nil {
		t.Error("position created on failed buy")
	}
}

func TestBuy_WeightedAverage(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 50, 100)
	uid := seedUser(t, e, "alice")

	if _, err := e.Buy(ctx, uid, "XYZ", 10); err != nil {
		t.Fatal(err)
	}
	setPrice(t, ms, "XYZ", 60)
	if _, err := e.Buy(ctx, uid, "XYZ", 30); err != nil {
		t.Fatal(err)
	}

	// (10*50 + 30*60) / 40 = 57.5
	p := position(t, ms, uid, "XYZ")
	if p.Quantity != 40 || !p.AvgBuyPrice.Equal(d(57.5)) {
		t.Errorf("expected 40 @ 57.5, got %d @ %s", p.Quantity, p.AvgBuyPrice)
	}
}

func TestBuy_InsufficientInventory(t *testing.T) {
	e, _, _ := newTestEnv(t)
	seedStock(t, e, "XYZ", 10, 5)
	uid := seedUser(t, e, "alice")

	_, err := e.Buy(context.Background(), uid, "XYZ", 6)
	if !errors.Is(err, apperr.ErrInsufficientInventory) {
		t.Fatalf("expected INSUFFICIENT_INVENTORY, got %v", err)
	}
}

func TestSell_AllDeletesPosition(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 10, 100)
	uid := seedUser(t, e, "alice")

	if _, err := e.Buy(ctx, uid, "XYZ", 7); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Sell(ctx, uid, "XYZ", 7); err != nil {
		t.Fatal(err)
	}
	if position(t, ms, uid, "XYZ") != nil {
		t.Error("expected position deleted at quantity 0")
	}
	u, _ := ms.GetUser(ctx, uid)
	if !u.Balance.Equal(d(10000)) {
		t.Errorf("expected round trip at constant price to restore balance, got %s", u.Balance)
	}
}

func TestSell_InsufficientPosition(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 10, 100)
	uid := seedUser(t, e, "alice")

	if _, err := e.Sell(ctx, uid, "XYZ", 1); !errors.Is(err, apperr.ErrInsufficientPosition) {
		t.Errorf("expected INSUFFICIENT_POSITION without holding, got %v", err)
	}
	if _, err := e.Buy(ctx, uid, "XYZ", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Sell(ctx, uid, "XYZ", 3); !errors.Is(err, apperr.ErrInsufficientPosition) {
		t.Errorf("expected INSUFFICIENT_POSITION overselling, got %v", err)
	}
}

func TestTrade_Validation(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()
	seedStock(t, e, "XYZ", 10, 100)
	uid := seedUser(t, e, "alice")

	tests := []struct {
		name   string
		user   string
		symbol string
		qty    int64
		code   apperr.Code
	}{
		{"zero quantity", uid, "XYZ", 0, apperr.CodeInvalidArgument},
		{"negative quantity", uid, "XYZ", -3, apperr.CodeInvalidArgument},
		{"bad symbol", uid, "x y z", 1, apperr.CodeInvalidArgument},
		{"empty user", "", "XYZ", 1, apperr.CodeInvalidArgument},
		{"unknown stock", uid, "NOPE", 1, apperr.CodeNotFound},
		{"unknown user", "ghost", "XYZ", 1, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Buy(ctx, tt.user, tt.symbol, tt.qty)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Errorf("buy: expected %s, got %s (%v)", tt.code, got, err)
			}
			_, err = e.Sell(ctx, tt.user, tt.symbol, tt.qty)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Errorf("sell: expected %s, got %s (%v)", tt.code, got, err)
			}
		})
	}
}

func TestBuy_LowercaseSymbol(t *testing.T) {
	e, _, _ := newTestEnv(t)
	seedStock(t, e, "XYZ", 10, 100)
	uid := seedUser(t, e, "alice")

	res, err := e.Buy(context.Background(), uid, "xyz", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Symbol != "XYZ" {
		t.Errorf("expected normalized symbol XYZ, got %s", res.Symbol)
	}
}

// --- Registration tests ---

func TestRegisterStock(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()

	res, err := e.RegisterStock(ctx, "abc", "ABC Holdings", d(42), 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.Symbol != "ABC" || !res.Price.Equal(d(42)) {
		t.Errorf("unexpected result: %+v", res)
	}

	st, _ := ms.GetStockBySymbol(ctx, "ABC")
	if st.AvailableQuantity != 500 || st.MintedQuantity != 500 {
		t.Errorf("expected 500 available and minted, got %d/%d", st.AvailableQuantity, st.MintedQuantity)
	}
	hist, _ := ms.PriceHistory(ctx, "ABC", 0)
	if len(hist) != 1 || !hist[0].Price.Equal(d(42)) {
		t.Errorf("expected initial price record, got %+v", hist)
	}

	if _, err := e.RegisterStock(ctx, "ABC", "dup", d(10), 1); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestRegisterStock_Validation(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		symbol string
		title  string
		price  float64
		qty    int64
	}{
		{"price above range", "HIGH", "High", 100.01, 10},
		{"price below range", "LOW", "Low", 0.5, 10},
		{"zero quantity", "ZERO", "Zero", 10, 0},
		{"empty name", "NONAME", " ", 10, 10},
		{"invalid symbol", "1ABC", "Digits", 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RegisterStock(ctx, tt.symbol, tt.title, d(tt.price), tt.qty)
			if !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("expected INVALID_ARGUMENT, got %v", err)
			}
		})
	}
}

func TestRegisterUser(t *testing.T) {
	e, _, _ := newTestEnv(t)
	ctx := context.Background()

	u, err := e.RegisterUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Balance.Equal(model.InitialBalance) || !u.MaxLoan.Equal(model.DefaultMaxLoan) || !u.LoanAmount.IsZero() {
		t.Errorf("unexpected defaults: %+v", u)
	}
	if _, err := e.RegisterUser(ctx, "alice"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
	if _, err := e.RegisterUser(ctx, ""); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestSeed(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()

	if err := e.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Seed(ctx); err != nil {
		t.Fatalf("second seed should be a no-op: %v", err)
	}

	stocks, _ := ms.ListStocks(ctx)
	users, _ := ms.ListUsers(ctx)
	if len(stocks) != 5 || len(users) != 10 {
		t.Fatalf("expected 5 stocks / 10 users, got %d / %d", len(stocks), len(users))
	}
	aapl, _ := ms.GetStockBySymbol(ctx, "AAPL")
	if !aapl.CurrentPrice.Equal(d(100)) {
		t.Errorf("expected AAPL clamped to 100, got %s", aapl.CurrentPrice)
	}
	if users[0].Username != "user_1" {
		t.Errorf("expected user_1 first, got %s", users[0].Username)
	}
}

// --- Concurrency ---

func TestBuy_ConcurrentNoOversell(t *testing.T) {
	e, ms, _ := newTestEnv(t)
	ctx := context.Background()
	const inventory, buyers = 5, 20
	seedStock(t, e, "XYZ", 10, inventory)

	ids := make([]string, buyers)
	for i := range ids {
		ids[i] = seedUser(t, e, "buyer"+string(rune('a'+i)))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Buy(ctx, id, "XYZ", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrInsufficientInventory):
				fail++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if ok != inventory || fail != buyers-inventory {
		t.Errorf("expected %d successes / %d rejections, got %d / %d", inventory, buyers-inventory, ok, fail)
	}
	st, _ := ms.GetStockBySymbol(ctx, "XYZ")
	if st.AvailableQuantity != 0 {
		t.Errorf("expected 0 available, got %d", st.AvailableQuantity)
	}
}

func TestTrade_ConcurrentWithPriceTicks(t *testing.T) {
	e, ms, rec := newTestEnv(t)
	ctx := context.Background()
	const minted, traders, rounds = 500, 4, 40
	seedStock(t, e, "XYZ", 10, minted)
	ids := make([]string, traders)
	for i := range ids {
		ids[i] = seedUser(t, e, "trader"+string(rune('a'+i)))
	}
	prices := pricing.NewEngine(ms, nil, pricing.Config{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := prices.ForceTick(ctx); err != nil {
				t.Errorf("tick failed: %v", err)
				return
			}
		}
	}()
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				var err error
				if (i+j)%3 == 2 {
					_, err = e.Sell(ctx, id, "XYZ", int64(1+j%3))
				} else {
					_, err = e.Buy(ctx, id, "XYZ", int64(1+j%5))
				}
				if err != nil && apperr.KindOf(err) != apperr.KindBusinessRule && !errors.Is(err, apperr.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i, id)
	}
	wg.Wait()

	hist, err := ms.PriceHistory(ctx, "XYZ", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != rounds+1 {
		t.Errorf("expected %d price records, got %d", rounds+1, len(hist))
	}
	recorded := make(map[string]bool, len(hist))
	for _, h := range hist {
		recorded[h.Price.String()] = true
	}

	net := map[string]decimal.Decimal{}
	rec.mu.Lock()
	fills := rec.fills
	rec.mu.Unlock()
	if len(fills) == 0 {
		t.Fatal("expected some fills")
	}
	for _, f := range fills {
		if !recorded[f.Price.String()] {
			t.Errorf("fill %s at %s matches no recorded price", f.ID, f.Price)
		}
		if !f.TotalAmount.Equal(f.Price.Mul(decimal.NewFromInt(f.Quantity))) {
			t.Errorf("fill %s: total %s != %d x %s", f.ID, f.TotalAmount, f.Quantity, f.Price)
		}
		if f.Kind == model.Buy {
			net[f.UserID] = net[f.UserID].Sub(f.TotalAmount)
		} else {
			net[f.UserID] = net[f.UserID].Add(f.TotalAmount)
		}
	}

	var held int64
	for _, id := range ids {
		u, err := ms.GetUser(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if u.Balance.IsNegative() {
			t.Errorf("%s: negative balance %s", u.Username, u.Balance)
		}
		if want := model.InitialBalance.Add(net[id]); !u.Balance.Equal(want) {
			t.Errorf("%s: balance %s, fills imply %s", u.Username, u.Balance, want)
		}
		if p := position(t, ms, id, "XYZ"); p != nil {
			held += p.Quantity
		}
	}
	st, _ := ms.GetStockBySymbol(ctx, "XYZ")
	if st.AvailableQuantity+held != minted {
		t.Errorf("units not conserved: available %d + held %d != %d", st.AvailableQuantity, held, minted)
	}
}

func TestTrade_ConservationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ms := store.NewMemoryStore(time.Second)
		e := trade.NewEngine(ms, nil)
		ctx := context.Background()

		symbols := []string{"AAA", "BBB"}
		for _, s := range symbols {
			if _, err := e.RegisterStock(ctx, s, s, d(rapid.Float64Range(1, 100).Draw(rt, "price_"+s)).Round(2), 50); err != nil {
				rt.Fatal(err)
			}
		}
		var users []string
		for _, name := range []string{"u1", "u2", "u3"} {
			u, err := e.RegisterUser(ctx, name)
			if err != nil {
				rt.Fatal(err)
			}
			users = append(users, u.ID)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			uid := rapid.SampledFrom(users).Draw(rt, "user")
			sym := rapid.SampledFrom(symbols).Draw(rt, "symbol")
			qty := rapid.Int64Range(1, 30).Draw(rt, "qty")
			var err error
			if rapid.Bool().Draw(rt, "buy") {
				_, err = e.Buy(ctx, uid, sym, qty)
			} else {
				_, err = e.Sell(ctx, uid, sym, qty)
			}
			if err != nil && apperr.KindOf(err) != apperr.KindBusinessRule {
				rt.Fatalf("unexpected error kind: %v", err)
			}
		}

		snap, err := ms.Snapshot(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		held := map[string]int64{}
		for _, p := range snap.Positions {
			if p.Quantity <= 0 {
				rt.Fatalf("non-positive position survived: %+v", p)
			}
			held[p.StockID] += p.Quantity
		}
		for _, s := range snap.Stocks {
			if s.AvailableQuantity+held[s.ID] != s.MintedQuantity {
				rt.Fatalf("%s: available %d + held %d != minted %d",
					s.Symbol, s.AvailableQuantity, held[s.ID], s.MintedQuantity)
			}
		}

		cash := decimal.Zero
		for _, u := range snap.Users {
			if u.Balance.IsNegative() {
				rt.Fatalf("negative balance for %s: %s", u.Username, u.Balance)
			}
			cash = cash.Add(u.Balance)
		}
		for _, tx := range snap.Transactions {
			if tx.Kind == model.Buy {
				cash = cash.Add(tx.TotalAmount)
			} else {
				cash = cash.Sub(tx.TotalAmount)
			}
		}
		if want := model.InitialBalance.Mul(decimal.NewFromInt(int64(len(users)))); !cash.Equal(want) {
			rt.Fatalf("cash not conserved: %s != %s", cash, want)
		}
	})
}
