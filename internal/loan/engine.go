// Package loan issues bounded credit to users.
package loan

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
)

// DefaultInterestRate is recorded on every loan. Interest is never accrued.
var DefaultInterestRate = decimal.NewFromFloat(0.05)

// Engine issues loans against a store.
type Engine struct {
	store store.Store
	rate  decimal.Decimal
	now   func() time.Time
	newID func() string
}

// NewEngine creates a loan engine. A negative rate uses DefaultInterestRate.
func NewEngine(st store.Store, rate decimal.Decimal) *Engine {
	if rate.IsNegative() {
		rate = DefaultInterestRate
	}
	return &Engine{
		store: st,
		rate:  rate,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// TakeLoan credits amount to userID's balance and raises its outstanding
// loan, provided the total stays within the user's limit.
func (e *Engine) TakeLoan(ctx context.Context, userID string, amount decimal.Decimal) (model.LoanResult, error) {
	if strings.TrimSpace(userID) == "" {
		return model.LoanResult{}, apperr.Invalid("user_id is required")
	}
	if !amount.IsPositive() {
		return model.LoanResult{}, apperr.Invalid("amount must be positive, got %s", amount)
	}

	var res model.LoanResult
	err := e.store.WithTx(ctx, []store.Key{store.UserKey(userID)}, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		total := user.LoanAmount.Add(amount)
		if total.GreaterThan(user.MaxLoan) {
			return fmt.Errorf("%w: outstanding %s + %s exceeds limit %s",
				apperr.ErrLoanLimitExceeded, user.LoanAmount, amount, user.MaxLoan)
		}

		user.Balance = user.Balance.Add(amount)
		user.LoanAmount = total
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		l := &model.Loan{
			ID:           e.newID(),
			UserID:       userID,
			Amount:       amount,
			InterestRate: e.rate,
			Timestamp:    e.now(),
		}
		if err := tx.AppendLoan(ctx, l); err != nil {
			return err
		}
		res = model.LoanResult{
			LoanID:     l.ID,
			Amount:     amount,
			NewBalance: user.Balance,
			TotalLoan:  user.LoanAmount,
		}
		return nil
	})
	if err != nil {
		err = apperr.Storage(err)
		if errors.Is(err, apperr.ErrConflict) {
			metrics.LockConflicts.WithLabelValues("loan").Inc()
		}
		return model.LoanResult{}, err
	}

	metrics.LoansTotal.Inc()
	metrics.LoanAmountTotal.Add(amount.InexactFloat64())
	slog.Info("loan issued",
		"loan_id", res.LoanID,
		"user", userID,
		"amount", amount.String(),
		"total_loan", res.TotalLoan.String(),
	)
	return res, nil
}
