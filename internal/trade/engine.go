// Package trade executes buys and sells and registers the stocks and users
// they operate on.
//
// Every mutating operation is one store.WithTx over the stock and user it
// touches; prices are read inside the transaction so a fill can never use a
// price that a concurrent tick has already replaced.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/metrics"
	"github.com/atmx/trading-sim/internal/model"
	"github.com/atmx/trading-sim/internal/store"
	"github.com/atmx/trading-sim/internal/symbol"
)

const maxUsernameLen = 64

// Notifier receives committed fills. Implementations must not block.
type Notifier interface {
	TradeExecuted(model.Transaction)
}

// Engine executes trades against a store.
type Engine struct {
	store  store.Store
	notify Notifier
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides the id generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a trade engine. Pass nil for notifier if fills need not
// be broadcast.
func NewEngine(st store.Store, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		notify: notifier,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterStock lists a new stock with quantity shares minted at price.
func (e *Engine) RegisterStock(ctx context.Context, ticker, name string, price decimal.Decimal, quantity int64) (model.RegisterStockResult, error) {
	sym, err := symbol.Parse(ticker)
	if err != nil {
		return model.RegisterStockResult{}, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.RegisterStockResult{}, apperr.Invalid("name is required")
	}
	if price.LessThan(model.MinPrice) || price.GreaterThan(model.MaxPrice) {
		return model.RegisterStockResult{}, apperr.Invalid("price must be between %s and %s, got %s",
			model.MinPrice, model.MaxPrice, price)
	}
	if quantity <= 0 {
		return model.RegisterStockResult{}, apperr.Invalid("quantity must be positive, got %d", quantity)
	}

	now := e.now()
	stock := &model.Stock{
		ID:                e.newID(),
		Symbol:            sym,
		Name:              name,
		CurrentPrice:      price,
		AvailableQuantity: quantity,
		MintedQuantity:    quantity,
		CreatedAt:         now,
	}
	err = e.store.WithTx(ctx, []store.Key{store.StockKey(sym)}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateStock(ctx, stock); err != nil {
			return err
		}
		return tx.AppendPriceRecord(ctx, &model.PriceRecord{
			StockID:   stock.ID,
			Symbol:    sym,
			Price:     price,
			Timestamp: now,
		})
	})
	if err != nil {
		return model.RegisterStockResult{}, e.classify("register_stock", err)
	}

	metrics.StockPrice.WithLabelValues(sym).Set(price.InexactFloat64())
	slog.Info("stock registered",
		"id", stock.ID,
		"symbol", sym,
		"price", price.String(),
		"quantity", quantity,
	)
	return model.RegisterStockResult{StockID: stock.ID, Symbol: sym, Price: price}, nil
}

// RegisterUser opens an account with the default balance and loan limit.
func (e *Engine) RegisterUser(ctx context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, apperr.Invalid("username is required")
	}
	if len(username) > maxUsernameLen {
		return model.User{}, apperr.Invalid("username longer than %d characters", maxUsernameLen)
	}

	user := model.User{
		ID:         e.newID(),
		Username:   username,
		Balance:    model.InitialBalance,
		LoanAmount: decimal.Zero,
		MaxLoan:    model.DefaultMaxLoan,
		CreatedAt:  e.now(),
	}
	err := e.store.WithTx(ctx, []store.Key{store.UsernameKey(username)}, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateUser(ctx, &user)
	})
	if err != nil {
		return model.User{}, e.classify("register_user", err)
	}

	slog.Info("user registered", "id", user.ID, "username", username)
	return user, nil
}

// Buy fills quantity shares of ticker for userID at the current price.
func (e *Engine) Buy(ctx context.Context, userID, ticker string, quantity int64) (model.BuyResult, error) {
	start := time.Now()
	sym, err := validateOrder(userID, ticker, quantity)
	if err != nil {
		return model.BuyResult{}, e.reject(model.Buy, err)
	}

	var txn model.Transaction
	var newBalance decimal.Decimal
	err = e.store.WithTx(ctx, []store.Key{store.StockKey(sym), store.UserKey(userID)}, func(ctx context.Context, tx store.Tx) error {
		stock, err := tx.GetStockBySymbol(ctx, sym)
		if err != nil {
			return err
		}
		if quantity > stock.AvailableQuantity {
			return fmt.Errorf("%w: requested %d, available %d",
				apperr.ErrInsufficientInventory, quantity, stock.AvailableQuantity)
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		price := stock.CurrentPrice
		qty := decimal.NewFromInt(quantity)
		cost := price.Mul(qty)
		if user.Balance.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", apperr.ErrInsufficientFunds, cost, user.Balance)
		}

		pos, err := tx.GetPosition(ctx, userID, stock.ID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			pos = &model.Position{UserID: userID, StockID: stock.ID, Quantity: quantity, AvgBuyPrice: price}
		case err != nil:
			return err
		default:
			// Quantity-weighted mean of every buy; sells never move it.
			basis := pos.AvgBuyPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(cost)
			pos.Quantity += quantity
			pos.AvgBuyPrice = basis.Div(decimal.NewFromInt(pos.Quantity))
		}

		user.Balance = user.Balance.Sub(cost)
		stock.AvailableQuantity -= quantity

		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, stock); err != nil {
			return err
		}
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}

		txn = model.Transaction{
			ID:          e.newID(),
			UserID:      userID,
			StockID:     stock.ID,
			Symbol:      sym,
			Kind:        model.Buy,
			Quantity:    quantity,
			Price:       price,
			TotalAmount: cost,
			Timestamp:   e.now(),
		}
		newBalance = user.Balance
		return tx.AppendTransaction(ctx, &txn)
	})
	if err != nil {
		return model.BuyResult{}, e.reject(model.Buy, err)
	}

	e.filled(txn, start)
	return model.BuyResult{
		TransactionID: txn.ID,
		Symbol:        sym,
		Quantity:      quantity,
		Price:         txn.Price,
		TotalCost:     txn.TotalAmount,
		NewBalance:    newBalance,
	}, nil
}

// Sell fills quantity shares of ticker from userID's position at the
// current price.
func (e *Engine) Sell(ctx context.Context, userID, ticker string, quantity int64) (model.SellResult, error) {
	start := time.Now()
	sym, err := validateOrder(userID, ticker, quantity)
	if err != nil {
		return model.SellResult{}, e.reject(model.Sell, err)
	}

	var txn model.Transaction
	var newBalance decimal.Decimal
	err = e.store.WithTx(ctx, []store.Key{store.StockKey(sym), store.UserKey(userID)}, func(ctx context.Context, tx store.Tx) error {
		stock, err := tx.GetStockBySymbol(ctx, sym)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		pos, err := tx.GetPosition(ctx, userID, stock.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: holding 0, requested %d", apperr.ErrInsufficientPosition, quantity)
		}
		if err != nil {
			return err
		}
		if pos.Quantity < quantity {
			return fmt.Errorf("%w: holding %d, requested %d", apperr.ErrInsufficientPosition, pos.Quantity, quantity)
		}

		price := stock.CurrentPrice
		proceeds := price.Mul(decimal.NewFromInt(quantity))

		user.Balance = user.Balance.Add(proceeds)
		stock.AvailableQuantity += quantity
		pos.Quantity -= quantity

		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.UpdateStock(ctx, stock); err != nil {
			return err
		}
		if pos.Quantity == 0 {
			err = tx.DeletePosition(ctx, userID, stock.ID)
		} else {
			err = tx.PutPosition(ctx, pos)
		}
		if err != nil {
			return err
		}

		txn = model.Transaction{
			ID:          e.newID(),
			UserID:      userID,
			StockID:     stock.ID,
			Symbol:      sym,
			Kind:        model.Sell,
			Quantity:    quantity,
			Price:       price,
			TotalAmount: proceeds,
			Timestamp:   e.now(),
		}
		newBalance = user.Balance
		return tx.AppendTransaction(ctx, &txn)
	})
	if err != nil {
		return model.SellResult{}, e.reject(model.Sell, err)
	}

	e.filled(txn, start)
	return model.SellResult{
		TransactionID: txn.ID,
		Symbol:        sym,
		Quantity:      quantity,
		Price:         txn.Price,
		Proceeds:      txn.TotalAmount,
		NewBalance:    newBalance,
	}, nil
}

func validateOrder(userID, ticker string, quantity int64) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", apperr.Invalid("user_id is required")
	}
	if quantity <= 0 {
		return "", apperr.Invalid("quantity must be positive, got %d", quantity)
	}
	sym, err := symbol.Parse(ticker)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	return sym, nil
}

func (e *Engine) filled(txn model.Transaction, start time.Time) {
	kind := string(txn.Kind)
	metrics.TradesTotal.WithLabelValues(kind).Inc()
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(txn.Symbol, kind).Add(float64(txn.Quantity))

	if e.notify != nil {
		e.notify.TradeExecuted(txn)
	}

	slog.Info("trade executed",
		"trade_id", txn.ID,
		"user", txn.UserID,
		"symbol", txn.Symbol,
		"kind", kind,
		"quantity", txn.Quantity,
		"price", txn.Price.String(),
		"total", txn.TotalAmount.String(),
	)
}

func (e *Engine) reject(kind model.TxKind, err error) error {
	err = e.classify(strings.ToLower(string(kind)), err)
	metrics.TradeRejections.WithLabelValues(string(kind), string(apperr.CodeOf(err))).Inc()
	return err
}

// classify wraps unclassified errors as storage failures and counts lock
// conflicts.
func (e *Engine) classify(op string, err error) error {
	err = apperr.Storage(err)
	if errors.Is(err, apperr.ErrConflict) {
		metrics.LockConflicts.WithLabelValues(op).Inc()
	}
	return err
}
