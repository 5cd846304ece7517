package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-sim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions and snapshots go straight to the primary; after a
// commit every cache entry the transaction wrote is invalidated. Reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (primary, then invalidate) ---

func (s *CachedStore) WithTx(ctx context.Context, keys []Key, fn func(ctx context.Context, tx Tx) error) error {
	var dirty *cachedTx
	err := s.primary.WithTx(ctx, keys, func(ctx context.Context, tx Tx) error {
		dirty = &cachedTx{Tx: tx}
		return fn(ctx, dirty)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, dirty)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, tx *cachedTx) {
	if tx == nil {
		return
	}
	keys := tx.keys
	if tx.history {
		// Every cached history page is stale once any price moves.
		members, err := s.rdb.SMembers(ctx, historyIndexKey).Result()
		if err == nil {
			keys = append(keys, members...)
		}
		keys = append(keys, historyIndexKey)
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

// cachedTx records the cache keys touched by writes.
type cachedTx struct {
	Tx
	keys    []string
	history bool
}

func (t *cachedTx) CreateUser(ctx context.Context, u *model.User) error {
	if err := t.Tx.CreateUser(ctx, u); err != nil {
		return err
	}
	t.keys = append(t.keys, userCacheKey(u.ID))
	return nil
}

func (t *cachedTx) UpdateUser(ctx context.Context, u *model.User) error {
	if err := t.Tx.UpdateUser(ctx, u); err != nil {
		return err
	}
	t.keys = append(t.keys, userCacheKey(u.ID))
	return nil
}

func (t *cachedTx) CreateStock(ctx context.Context, st *model.Stock) error {
	if err := t.Tx.CreateStock(ctx, st); err != nil {
		return err
	}
	t.keys = append(t.keys, stockCacheKey(st.Symbol))
	return nil
}

func (t *cachedTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	if err := t.Tx.UpdateStock(ctx, st); err != nil {
		return err
	}
	t.keys = append(t.keys, stockCacheKey(st.Symbol))
	return nil
}

func (t *cachedTx) PutPosition(ctx context.Context, p *model.Position) error {
	if err := t.Tx.PutPosition(ctx, p); err != nil {
		return err
	}
	t.keys = append(t.keys, positionCacheKey(p.UserID, p.StockID))
	return nil
}

func (t *cachedTx) DeletePosition(ctx context.Context, userID, stockID string) error {
	if err := t.Tx.DeletePosition(ctx, userID, stockID); err != nil {
		return err
	}
	t.keys = append(t.keys, positionCacheKey(userID, stockID))
	return nil
}

func (t *cachedTx) AppendPriceRecord(ctx context.Context, r *model.PriceRecord) error {
	if err := t.Tx.AppendPriceRecord(ctx, r); err != nil {
		return err
	}
	t.history = true
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userCacheKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userCacheKey(id), user)
	return user, nil
}

func (s *CachedStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	var st model.Stock
	if s.load(ctx, stockCacheKey(symbol), &st) {
		return &st, nil
	}

	stock, err := s.primary.GetStockBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.save(ctx, stockCacheKey(symbol), stock)
	return stock, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, stockID string) (*model.Position, error) {
	var p model.Position
	if s.load(ctx, positionCacheKey(userID, stockID), &p) {
		return &p, nil
	}

	pos, err := s.primary.GetPosition(ctx, userID, stockID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionCacheKey(userID, stockID), pos)
	return pos, nil
}

func (s *CachedStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceRecord, error) {
	key := historyCacheKey(symbol, limit)
	var records []model.PriceRecord
	if s.load(ctx, key, &records) {
		return records, nil
	}

	records, err := s.primary.PriceHistory(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	if s.save(ctx, key, records) {
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, historyIndexKey, key)
		pipe.Expire(ctx, historyIndexKey, s.ttl)
		pipe.Exec(ctx)
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.primary.Snapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err() == nil
}

const historyIndexKey = "history:keys"

func userCacheKey(id string) string { return fmt.Sprintf("user:%s", id) }
func stockCacheKey(sym string) string { return fmt.Sprintf("stock:%s", sym) }
func positionCacheKey(uid, sid string) string {
	return fmt.Sprintf("position:%s:%s", uid, sid)
}
func historyCacheKey(sym string, limit int) string {
	return fmt.Sprintf("history:%s:%d", sym, limit)
}
