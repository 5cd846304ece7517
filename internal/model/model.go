// Package model defines the ledger entities and the result types returned by
// the engines. All monetary values use shopspring/decimal; quantities are
// whole shares.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price bounds every stock's current price is clamped to.
var (
	MinPrice = decimal.NewFromInt(1)
	MaxPrice = decimal.NewFromInt(100)
)

// Account defaults for newly registered users.
var (
	InitialBalance = decimal.NewFromInt(10000)
	DefaultMaxLoan = decimal.NewFromInt(100000)
)

// ClampPrice bounds p to [MinPrice, MaxPrice].
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// User is a trader account.
type User struct {
	ID         string          `json:"id" db:"id"`
	Username   string          `json:"username" db:"username"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	LoanAmount decimal.Decimal `json:"loan_amount" db:"loan_amount"`
	MaxLoan    decimal.Decimal `json:"max_loan" db:"max_loan"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Stock is a tradable instrument. MintedQuantity is fixed at registration;
// AvailableQuantity plus every position in the stock always sums to it.
type Stock struct {
	ID                string          `json:"id" db:"id"`
	Symbol            string          `json:"symbol" db:"symbol"`
	Name              string          `json:"name" db:"name"`
	CurrentPrice      decimal.Decimal `json:"current_price" db:"current_price"`
	AvailableQuantity int64           `json:"available_quantity" db:"available_quantity"`
	MintedQuantity    int64           `json:"minted_quantity" db:"minted_quantity"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// PriceRecord is an immutable sample of a stock's price. Seq orders records
// that share a timestamp.
type PriceRecord struct {
	Seq       int64           `json:"-" db:"id"`
	StockID   string          `json:"stock_id" db:"stock_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Name      string          `json:"name,omitempty" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a user's holding in one stock. It only exists while
// Quantity > 0.
type Position struct {
	UserID      string          `json:"user_id" db:"user_id"`
	StockID     string          `json:"stock_id" db:"stock_id"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
}

// TxKind is the side of a fill.
type TxKind string

const (
	Buy  TxKind = "BUY"
	Sell TxKind = "SELL"
)

// Transaction is an immutable fill record. TotalAmount = Quantity × Price.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	StockID     string          `json:"stock_id" db:"stock_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Kind        TxKind          `json:"transaction_type" db:"transaction_type"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Loan is an immutable record of credit issued to a user.
type Loan struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
