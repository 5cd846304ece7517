// Package store defines the ledger persistence interface and its
// transaction primitive. Implementations include in-memory (default and
// testing), PostgreSQL, and a Redis read-through cache decorator.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/atmx/trading-sim/internal/model"
)

// DefaultLockTimeout bounds how long WithTx waits for its entity locks.
const DefaultLockTimeout = 2 * time.Second

// KeyKind ranks lock keys. Lower kinds are always acquired first.
type KeyKind int

const (
	KindStock KeyKind = iota
	KindUser
	KindUsername
)

// Key names one lockable entity.
type Key struct {
	Kind KeyKind
	ID   string
}

// StockKey locks a stock (and every position in it) by symbol.
func StockKey(symbol string) Key { return Key{KindStock, symbol} }

// UserKey locks a user (and every position it holds) by id.
func UserKey(id string) Key { return Key{KindUser, id} }

// UsernameKey reserves a username during registration.
func UsernameKey(name string) Key { return Key{KindUsername, name} }

func (k Key) String() string {
	switch k.Kind {
	case KindStock:
		return "stock:" + k.ID
	case KindUser:
		return "user:" + k.ID
	default:
		return "username:" + k.ID
	}
}

// Canonical returns keys deduplicated and sorted in the fixed acquisition
// order: stocks, then users, then usernames, each ascending by id.
func Canonical(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reader is the lookup surface available both inside and outside a
// transaction. Outside a transaction results are a best-effort snapshot.
// Lookups of missing entities return an error wrapping apperr.ErrNotFound.
type Reader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error)
	GetPosition(ctx context.Context, userID, stockID string) (*model.Position, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Tx is the read-then-write view handed to a WithTx callback. Writes are
// only visible to others once the callback returns nil and the
// transaction commits.
type Tx interface {
	Reader

	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error
	CreateStock(ctx context.Context, s *model.Stock) error
	UpdateStock(ctx context.Context, s *model.Stock) error
	PutPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID, stockID string) error

	AppendTransaction(ctx context.Context, t *model.Transaction) error
	AppendLoan(ctx context.Context, l *model.Loan) error
	AppendPriceRecord(ctx context.Context, r *model.PriceRecord) error
}

// Store is the ledger persistence interface and the sole mutation gateway.
type Store interface {
	Reader

	// WithTx acquires exclusive access to keys in canonical order, runs fn,
	// and commits its writes atomically. If fn returns an error every write
	// is discarded and the error is returned unchanged. Failing to acquire
	// the locks within the lock timeout returns apperr.ErrConflict.
	WithTx(ctx context.Context, keys []Key, fn func(ctx context.Context, tx Tx) error) error

	// Snapshot returns a consistent point-in-time copy of every entity.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// PriceHistory returns up to limit records, newest first. An empty
	// symbol spans all stocks.
	PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceRecord, error)
}

// Snapshot is a consistent copy of the ledger used by reporting.
type Snapshot struct {
	TakenAt      time.Time
	Users        []model.User
	Stocks       []model.Stock
	Positions    []model.Position
	Transactions []model.Transaction
	Loans        []model.Loan
	PriceHistory []model.PriceRecord
}
