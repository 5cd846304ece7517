package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/trading-sim/internal/apperr"
	"github.com/atmx/trading-sim/internal/model"
)

type posKey struct {
	userID  string
	stockID string
}

// MemoryStore implements Store with in-memory maps. Entity locks come from a
// LockTable; committed state is guarded by an RWMutex that is only held
// briefly, so readers never wait on an open transaction.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]*model.User
	userOrder  []string
	usernames  map[string]string // username -> id
	stocks     map[string]*model.Stock
	stockOrder []string
	symbols    map[string]string // symbol -> id
	positions  map[posKey]*model.Position

	transactions []model.Transaction
	loans        []model.Loan
	history      []model.PriceRecord
	seq          int64

	locks *LockTable
}

// NewMemoryStore creates an empty in-memory store. A non-positive
// lockTimeout uses DefaultLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		usernames: make(map[string]string),
		stocks:    make(map[string]*model.Stock),
		symbols:   make(map[string]string),
		positions: make(map[posKey]*model.Position),
		locks:     NewLockTable(lockTimeout),
	}
}

// --- Reads outside a transaction ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(id)
}

func (s *MemoryStore) getUserLocked(id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetStockBySymbol(_ context.Context, symbol string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStockBySymbolLocked(symbol)
}

func (s *MemoryStore) getStockBySymbolLocked(symbol string) (*model.Stock, error) {
	id, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: stock %s", apperr.ErrNotFound, symbol)
	}
	cp := *s.stocks[id]
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, stockID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey{userID, stockID}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", apperr.ErrNotFound, userID, stockID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Stock, 0, len(s.stockOrder))
	for _, id := range s.stockOrder {
		out = append(out, *s.stocks[id])
	}
	return out, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, *s.users[id])
	}
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		TakenAt:      time.Now().UTC(),
		Users:        make([]model.User, 0, len(s.userOrder)),
		Stocks:       make([]model.Stock, 0, len(s.stockOrder)),
		Positions:    make([]model.Position, 0, len(s.positions)),
		Transactions: append([]model.Transaction(nil), s.transactions...),
		Loans:        append([]model.Loan(nil), s.loans...),
		PriceHistory: make([]model.PriceRecord, 0, len(s.history)),
	}
	for _, id := range s.userOrder {
		snap.Users = append(snap.Users, *s.users[id])
	}
	for _, id := range s.stockOrder {
		snap.Stocks = append(snap.Stocks, *s.stocks[id])
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.StockID < b.StockID
	})
	for _, r := range s.history {
		snap.PriceHistory = append(snap.PriceHistory, s.decorate(r))
	}
	return snap, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, symbol string, limit int) ([]model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceRecord
	for _, r := range s.history {
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		out = append(out, s.decorate(r))
	}
	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// decorate fills the stock name on a history record. Caller holds s.mu.
func (s *MemoryStore) decorate(r model.PriceRecord) model.PriceRecord {
	if st, ok := s.stocks[r.StockID]; ok {
		r.Name = st.Name
	}
	return r
}

// SortNewestFirst orders price records by timestamp then sequence,
// descending.
func SortNewestFirst(records []model.PriceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].Seq > records[j].Seq
	})
}

// --- Transactions ---

func (s *MemoryStore) WithTx(ctx context.Context, keys []Key, fn func(ctx context.Context, tx Tx) error) error {
	release, err := s.locks.Acquire(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	tx := newMemTx(s, keys)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userOrder = append(s.userOrder, tx.userOrder...)
	for name, id := range tx.usernames {
		s.usernames[name] = id
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	s.stockOrder = append(s.stockOrder, tx.stockOrder...)
	for sym, id := range tx.symbols {
		s.symbols[sym] = id
	}
	for id, st := range tx.stocks {
		s.stocks[id] = st
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	s.transactions = append(s.transactions, tx.transactions...)
	s.loans = append(s.loans, tx.loans...)
	for _, r := range tx.history {
		s.seq++
		r.Seq = s.seq
		s.history = append(s.history, r)
	}
}

// memTx stages writes until commit. A nil staged position marks a delete.
type memTx struct {
	s    *MemoryStore
	held map[Key]struct{}

	users      map[string]*model.User
	userOrder  []string
	usernames  map[string]string
	stocks     map[string]*model.Stock
	stockOrder []string
	symbols    map[string]string
	positions  map[posKey]*model.Position

	transactions []model.Transaction
	loans        []model.Loan
	history      []model.PriceRecord
}

func newMemTx(s *MemoryStore, keys []Key) *memTx {
	held := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		held[k] = struct{}{}
	}
	return &memTx{
		s:         s,
		held:      held,
		users:     make(map[string]*model.User),
		usernames: make(map[string]string),
		stocks:    make(map[string]*model.Stock),
		symbols:   make(map[string]string),
		positions: make(map[posKey]*model.Position),
	}
}

func (t *memTx) requireHeld(k Key) error {
	if _, ok := t.held[k]; !ok {
		return fmt.Errorf("store: %s not locked by this transaction", k)
	}
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return t.s.GetUser(ctx, id)
}

func (t *memTx) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	id, ok := t.symbols[symbol]
	if !ok {
		t.s.mu.RLock()
		id, ok = t.s.symbols[symbol]
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: stock %s", apperr.ErrNotFound, symbol)
	}
	if st, ok := t.stocks[id]; ok {
		cp := *st
		return &cp, nil
	}
	return t.s.GetStockBySymbol(ctx, symbol)
}

func (t *memTx) GetPosition(ctx context.Context, userID, stockID string) (*model.Position, error) {
	k := posKey{userID, stockID}
	if p, ok := t.positions[k]; ok {
		if p == nil {
			return nil, fmt.Errorf("%w: position %s/%s", apperr.ErrNotFound, userID, stockID)
		}
		cp := *p
		return &cp, nil
	}
	return t.s.GetPosition(ctx, userID, stockID)
}

func (t *memTx) ListStocks(ctx context.Context) ([]model.Stock, error) {
	base, err := t.s.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range base {
		if st, ok := t.stocks[base[i].ID]; ok {
			base[i] = *st
		}
	}
	for _, id := range t.stockOrder {
		base = append(base, *t.stocks[id])
	}
	return base, nil
}

func (t *memTx) ListUsers(ctx context.Context) ([]model.User, error) {
	base, err := t.s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range base {
		if u, ok := t.users[base[i].ID]; ok {
			base[i] = *u
		}
	}
	for _, id := range t.userOrder {
		base = append(base, *t.users[id])
	}
	return base, nil
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	if err := t.requireHeld(UsernameKey(u.Username)); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, idTaken := t.s.users[u.ID]
	_, nameTaken := t.s.usernames[u.Username]
	t.s.mu.RUnlock()
	if _, ok := t.usernames[u.Username]; ok {
		nameTaken = true
	}
	if _, ok := t.users[u.ID]; ok {
		idTaken = true
	}
	if idTaken || nameTaken {
		return fmt.Errorf("%w: user %s", apperr.ErrAlreadyExists, u.Username)
	}
	cp := *u
	t.users[u.ID] = &cp
	t.usernames[u.Username] = u.ID
	t.userOrder = append(t.userOrder, u.ID)
	return nil
}

func (t *memTx) UpdateUser(ctx context.Context, u *model.User) error {
	if err := t.requireHeld(UserKey(u.ID)); err != nil {
		return err
	}
	if _, err := t.GetUser(ctx, u.ID); err != nil {
		return err
	}
	cp := *u
	t.users[u.ID] = &cp
	return nil
}

func (t *memTx) CreateStock(_ context.Context, st *model.Stock) error {
	if err := t.requireHeld(StockKey(st.Symbol)); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, taken := t.s.symbols[st.Symbol]
	t.s.mu.RUnlock()
	if _, ok := t.symbols[st.Symbol]; ok {
		taken = true
	}
	if taken {
		return fmt.Errorf("%w: stock symbol %s", apperr.ErrAlreadyExists, st.Symbol)
	}
	cp := *st
	t.stocks[st.ID] = &cp
	t.symbols[st.Symbol] = st.ID
	t.stockOrder = append(t.stockOrder, st.ID)
	return nil
}

func (t *memTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	if err := t.requireHeld(StockKey(st.Symbol)); err != nil {
		return err
	}
	if _, err := t.GetStockBySymbol(ctx, st.Symbol); err != nil {
		return err
	}
	cp := *st
	t.stocks[st.ID] = &cp
	return nil
}

func (t *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if err := t.requireHeld(UserKey(p.UserID)); err != nil {
		return err
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("store: position quantity must be positive, got %d", p.Quantity)
	}
	cp := *p
	t.positions[posKey{p.UserID, p.StockID}] = &cp
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, userID, stockID string) error {
	if err := t.requireHeld(UserKey(userID)); err != nil {
		return err
	}
	t.positions[posKey{userID, stockID}] = nil
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tr *model.Transaction) error {
	t.transactions = append(t.transactions, *tr)
	return nil
}

func (t *memTx) AppendLoan(_ context.Context, l *model.Loan) error {
	t.loans = append(t.loans, *l)
	return nil
}

func (t *memTx) AppendPriceRecord(_ context.Context, r *model.PriceRecord) error {
	t.history = append(t.history, *r)
	return nil
}
