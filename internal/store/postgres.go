package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes mapped onto the ledger taxonomy.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Entity locks are transaction-scoped advisory locks taken in canonical key
// order, with lock_timeout bounding the wait.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify maps driver errors onto the ledger taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", apperr.ErrConflict, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", apperr.ErrAlreadyExists, pgErr.Detail)
		}
	}
	return apperr.Storage(err)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, what)
	}
	return classify(err)
}

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Reads outside a transaction ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id)
}

func (s *PostgresStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	return getStockBySymbol(ctx, s.pool, symbol)
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, stockID string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, stockID)
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return listStocks(ctx, s.pool)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return listUsers(ctx, s.pool)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceRecord, error) {
	q := `SELECT h.id, h.stock_id, s.symbol, s.name, h.price::TEXT, h.timestamp
	      FROM stock_price_history h JOIN stocks s ON s.id = h.stock_id`
	args := []any{}
	if symbol != "" {
		q += ` WHERE s.symbol = $1`
		args = append(args, symbol)
	}
	q += ` ORDER BY h.timestamp DESC, h.id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanPriceRecords(rows)
}

// Snapshot reads every table inside one REPEATABLE READ transaction so the
// result reflects a single point in time.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	if snap.Users, err = listUsers(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Stocks, err = listStocks(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Positions, err = listPositions(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Transactions, err = listTransactions(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Loans, err = listLoans(ctx, tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT h.id, h.stock_id, s.symbol, s.name, h.price::TEXT, h.timestamp
		 FROM stock_price_history h JOIN stocks s ON s.id = h.stock_id
		 ORDER BY h.id`)
	if err != nil {
		return nil, classify(err)
	}
	snap.PriceHistory, err = scanPriceRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Transactions ---

func (s *PostgresStore) WithTx(ctx context.Context, keys []Key, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	keys = Canonical(keys)
	held := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k.String()); err != nil {
			return classify(err)
		}
		held[k] = struct{}{}
	}

	if err := fn(ctx, &pgTx{tx: tx, held: held}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

type pgTx struct {
	tx   pgx.Tx
	held map[Key]struct{}
}

func (t *pgTx) requireHeld(k Key) error {
	if _, ok := t.held[k]; !ok {
		return fmt.Errorf("store: %s not locked by this transaction", k)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, id)
}

func (t *pgTx) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	return getStockBySymbol(ctx, t.tx, symbol)
}

func (t *pgTx) GetPosition(ctx context.Context, userID, stockID string) (*model.Position, error) {
	return getPosition(ctx, t.tx, userID, stockID)
}

func (t *pgTx) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return listStocks(ctx, t.tx)
}

func (t *pgTx) ListUsers(ctx context.Context) ([]model.User, error) {
	return listUsers(ctx, t.tx)
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	if err := t.requireHeld(UsernameKey(u.Username)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, username, balance, loan_amount, max_loan, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		u.ID, u.Username, u.Balance.String(), u.LoanAmount.String(), u.MaxLoan.String(), u.CreatedAt)
	return classify(err)
}

func (t *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	if err := t.requireHeld(UserKey(u.ID)); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC, loan_amount = $3::NUMERIC, max_loan = $4::NUMERIC
		 WHERE id = $1`,
		u.ID, u.Balance.String(), u.LoanAmount.String(), u.MaxLoan.String())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", apperr.ErrNotFound, u.ID)
	}
	return nil
}

func (t *pgTx) CreateStock(ctx context.Context, st *model.Stock) error {
	if err := t.requireHeld(StockKey(st.Symbol)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stocks (id, symbol, name, current_price, available_quantity, minted_quantity, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		st.ID, st.Symbol, st.Name, st.CurrentPrice.String(), st.AvailableQuantity, st.MintedQuantity, st.CreatedAt)
	return classify(err)
}

func (t *pgTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	if err := t.requireHeld(StockKey(st.Symbol)); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE stocks SET current_price = $2::NUMERIC, available_quantity = $3 WHERE id = $1`,
		st.ID, st.CurrentPrice.String(), st.AvailableQuantity)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock %s", apperr.ErrNotFound, st.Symbol)
	}
	return nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	if err := t.requireHeld(UserKey(p.UserID)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_portfolios (user_id, stock_id, quantity, avg_buy_price)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, stock_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_buy_price = EXCLUDED.avg_buy_price`,
		p.UserID, p.StockID, p.Quantity, p.AvgBuyPrice.String())
	return classify(err)
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, stockID string) error {
	if err := t.requireHeld(UserKey(userID)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM user_portfolios WHERE user_id = $1 AND stock_id = $2`, userID, stockID)
	return classify(err)
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, stock_id, transaction_type, quantity, price, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.UserID, tr.StockID, string(tr.Kind), tr.Quantity,
		tr.Price.String(), tr.TotalAmount.String(), tr.Timestamp)
	return classify(err)
}

func (t *pgTx) AppendLoan(ctx context.Context, l *model.Loan) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO loans (id, user_id, amount, interest_rate, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		l.ID, l.UserID, l.Amount.String(), l.InterestRate.String(), l.Timestamp)
	return classify(err)
}

func (t *pgTx) AppendPriceRecord(ctx context.Context, r *model.PriceRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_price_history (stock_id, price, timestamp) VALUES ($1, $2::NUMERIC, $3)`,
		r.StockID, r.Price.String(), r.Timestamp)
	return classify(err)
}

// --- Shared queries ---

const userCols = `id, username, balance::TEXT, loan_amount::TEXT, max_loan::TEXT, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance, loan, maxLoan string
	if err := row.Scan(&u.ID, &u.Username, &balance, &loan, &maxLoan, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Balance = parseDec(balance)
	u.LoanAmount = parseDec(loan)
	u.MaxLoan = parseDec(maxLoan)
	return &u, nil
}

func getUser(ctx context.Context, q querier, id string) (*model.User, error) {
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return u, nil
}

func listUsers(ctx context.Context, q querier) ([]model.User, error) {
	rows, err := q.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err)
		}
		users = append(users, *u)
	}
	return users, classify(rows.Err())
}

const stockCols = `id, symbol, name, current_price::TEXT, available_quantity, minted_quantity, created_at`

func scanStock(row pgx.Row) (*model.Stock, error) {
	var st model.Stock
	var price string
	if err := row.Scan(&st.ID, &st.Symbol, &st.Name, &price,
		&st.AvailableQuantity, &st.MintedQuantity, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CurrentPrice = parseDec(price)
	return &st, nil
}

func getStockBySymbol(ctx context.Context, q querier, symbol string) (*model.Stock, error) {
	st, err := scanStock(q.QueryRow(ctx, `SELECT `+stockCols+` FROM stocks WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, notFound(err, "stock "+symbol)
	}
	return st, nil
}

func listStocks(ctx context.Context, q querier) ([]model.Stock, error) {
	rows, err := q.Query(ctx, `SELECT `+stockCols+` FROM stocks ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, classify(err)
		}
		stocks = append(stocks, *st)
	}
	return stocks, classify(rows.Err())
}

func getPosition(ctx context.Context, q querier, userID, stockID string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := q.QueryRow(ctx,
		`SELECT user_id, stock_id, quantity, avg_buy_price::TEXT
		 FROM user_portfolios WHERE user_id = $1 AND stock_id = $2`, userID, stockID).
		Scan(&p.UserID, &p.StockID, &p.Quantity, &avg)
	if err != nil {
		return nil, notFound(err, "position "+userID+"/"+stockID)
	}
	p.AvgBuyPrice = parseDec(avg)
	return &p, nil
}

func listPositions(ctx context.Context, q querier) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, stock_id, quantity, avg_buy_price::TEXT
		 FROM user_portfolios ORDER BY user_id, stock_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.UserID, &p.StockID, &p.Quantity, &avg); err != nil {
			return nil, classify(err)
		}
		p.AvgBuyPrice = parseDec(avg)
		positions = append(positions, p)
	}
	return positions, classify(rows.Err())
}

func listTransactions(ctx context.Context, q querier) ([]model.Transaction, error) {
	rows, err := q.Query(ctx,
		`SELECT t.id, t.user_id, t.stock_id, s.symbol, t.transaction_type, t.quantity,
		        t.price::TEXT, t.total_amount::TEXT, t.timestamp
		 FROM transactions t JOIN stocks s ON s.id = t.stock_id
		 ORDER BY t.timestamp, t.id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var tr model.Transaction
		var kind, price, total string
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.StockID, &tr.Symbol, &kind,
			&tr.Quantity, &price, &total, &tr.Timestamp); err != nil {
			return nil, classify(err)
		}
		tr.Kind = model.TxKind(kind)
		tr.Price = parseDec(price)
		tr.TotalAmount = parseDec(total)
		txns = append(txns, tr)
	}
	return txns, classify(rows.Err())
}

func listLoans(ctx context.Context, q querier) ([]model.Loan, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, interest_rate::TEXT, timestamp
		 FROM loans ORDER BY timestamp, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var loans []model.Loan
	for rows.Next() {
		var l model.Loan
		var amount, rate string
		if err := rows.Scan(&l.ID, &l.UserID, &amount, &rate, &l.Timestamp); err != nil {
			return nil, classify(err)
		}
		l.Amount = parseDec(amount)
		l.InterestRate = parseDec(rate)
		loans = append(loans, l)
	}
	return loans, classify(rows.Err())
}

func scanPriceRecords(rows pgx.Rows) ([]model.PriceRecord, error) {
	var records []model.PriceRecord
	for rows.Next() {
		var r model.PriceRecord
		var price string
		if err := rows.Scan(&r.Seq, &r.StockID, &r.Symbol, &r.Name, &price, &r.Timestamp); err != nil {
			return nil, classify(err)
		}
		r.Price = parseDec(price)
		records = append(records, r)
	}
	return records, classify(rows.Err())
}
