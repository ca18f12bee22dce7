package aggregate

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/canopy-network/dappscope/pkg/errs"
)

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex hands out one lock per key. Entries are created on first use and dropped as
// soon as no goroutine holds or waits for them, so the table only grows with the number of
// keys in flight.
type KeyedMutex struct {
	locks *xsync.Map[string, *lockEntry]
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: xsync.NewMap[string, *lockEntry]()}
}

// Lock blocks until key is free or ctx is done. The returned func releases the lock and is
// safe to call more than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	var entry *lockEntry
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
		if !loaded {
			old = &lockEntry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		entry = old
		return old, xsync.UpdateOp
	})

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key)
		return nil, errs.FromContext("keylock.lock", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			m.release(key)
		})
	}, nil
}

func (m *KeyedMutex) release(key string) {
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.refs--
		if old.refs <= 0 {
			return nil, xsync.DeleteOp
		}
		return old, xsync.UpdateOp
	})
}

// Len is the number of keys currently locked or waited on.
func (m *KeyedMutex) Len() int { return m.locks.Size() }
