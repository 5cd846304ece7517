package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegisterStockResult is returned by a successful stock registration.
type RegisterStockResult struct {
	StockID string          `json:"stock_id"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
}

// BuyResult is returned by a successful buy fill.
type BuyResult struct {
	TransactionID string          `json:"transaction_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// SellResult is returned by a successful sell fill.
type SellResult struct {
	TransactionID string          `json:"transaction_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Proceeds      decimal.Decimal `json:"total_earnings"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// LoanResult is returned by a successful loan issuance.
type LoanResult struct {
	LoanID     string          `json:"loan_id"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	TotalLoan  decimal.Decimal `json:"total_loan"`
}

// TickResult summarizes one round of price mutation.
type TickResult struct {
	Updated []PriceRecord `json:"updated"`
	Failed  []string      `json:"failed,omitempty"`
}

// UserInfo is the account section of a user report.
type UserInfo struct {
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Balance        decimal.Decimal `json:"balance"`
	LoanAmount     decimal.Decimal `json:"loan_amount"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	NetWorth       decimal.Decimal `json:"net_worth"`
}

// Performance is the P&L section of a user report.
type Performance struct {
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	TotalSales     decimal.Decimal `json:"total_sales"`
}

// Holding is one position line in a user report.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PositionValue decimal.Decimal `json:"position_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// UserReport is the per-user P&L report.
type UserReport struct {
	UserInfo    UserInfo    `json:"user_info"`
	Performance Performance `json:"performance"`
	Portfolio   []Holding   `json:"portfolio"`
}

// StockStats is one row of the stock report.
type StockStats struct {
	Symbol              string          `json:"symbol"`
	Name                string          `json:"name"`
	CurrentPrice        decimal.Decimal `json:"current_price"`
	AvailableQuantity   int64           `json:"available_quantity"`
	TransactionCount    int             `json:"transaction_count"`
	TotalBought         int64           `json:"total_bought"`
	TotalSold           int64           `json:"total_sold"`
	AvgTransactionPrice decimal.Decimal `json:"avg_transaction_price"`
	MaxPrice            decimal.Decimal `json:"max_price"`
	MinPrice            decimal.Decimal `json:"min_price"`
	VolatilityPercent   decimal.Decimal `json:"volatility_percent"`
}

// UserRanking is one row of the top-users leaderboard.
type UserRanking struct {
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Balance        decimal.Decimal `json:"balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	LoanAmount     decimal.Decimal `json:"loan_amount"`
	NetWorth       decimal.Decimal `json:"net_worth"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
}

// StockRanking is one row of the top-stocks leaderboard.
type StockRanking struct {
	Symbol                  string          `json:"symbol"`
	Name                    string          `json:"name"`
	CurrentPrice            decimal.Decimal `json:"current_price"`
	TransactionCount        int             `json:"transaction_count"`
	TotalVolume             int64           `json:"total_volume"`
	AvgPrice                decimal.Decimal `json:"avg_price"`
	PricePerformancePercent decimal.Decimal `json:"price_performance_percent"`
}

// Health is a lightweight system snapshot.
type Health struct {
	Status             string          `json:"status"`
	Timestamp          time.Time       `json:"timestamp"`
	Users              int             `json:"users"`
	Stocks             int             `json:"stocks"`
	Transactions       int             `json:"transactions"`
	AvgStockPrice      decimal.Decimal `json:"avg_stock_price"`
	PriceUpdatesActive bool            `json:"price_updates_active"`
}
