package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atmx/trading-sim/internal/apperr"
)

// LockTable hands out exclusive per-key locks with a bounded wait. Entries
// are reference counted and dropped once no transaction holds or waits on
// them, so ids that never exist do not accumulate.
type LockTable struct {
	mu      sync.Mutex
	entries map[Key]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLockTable creates a lock table. A non-positive timeout uses
// DefaultLockTimeout.
func NewLockTable(timeout time.Duration) *LockTable {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockTable{
		entries: make(map[Key]*lockEntry),
		timeout: timeout,
	}
}

// Acquire locks keys in canonical order. On success the returned func
// releases every lock; on failure nothing is held.
func (l *LockTable) Acquire(ctx context.Context, keys []Key) (func(), error) {
	keys = Canonical(keys)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]Key, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, k := range keys {
		e := l.ref(k)
		if err := e.sem.Acquire(waitCtx, 1); err != nil {
			l.unref(k)
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", apperr.ErrConflict, k)
			}
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

func (l *LockTable) ref(k Key) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[k] = e
	}
	e.refs++
	return e
}

func (l *LockTable) unref(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[k]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, k)
	}
}

func (l *LockTable) unlock(k Key) {
	l.mu.Lock()
	e := l.entries[k]
	l.mu.Unlock()
	e.sem.Release(1)
	l.unref(k)
}

// size reports the number of live entries.
func (l *LockTable) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
