package store

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/canopy-network/dappscope/pkg/errs"
)

// MemoryStore keeps records in a concurrent map. It is the default backend for tests and
// single-process deployments.
type MemoryStore struct {
	data *xsync.Map[string, Record]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: xsync.NewMap[string, Record]()}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryStore) Read(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, errs.FromContext("store.read", key, err)
	}
	rec, ok := m.data.Load(key)
	if !ok {
		return Record{}, errs.NotFoundKey("store.read", key)
	}
	rec.Value = cloneBytes(rec.Value)
	return rec, nil
}

func (m *MemoryStore) Write(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext("store.write", key, err)
	}
	rec, _ := m.data.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		return Record{Key: key, Value: cloneBytes(value), Version: old.Version + 1}, xsync.UpdateOp
	})
	return rec.Version, nil
}

func (m *MemoryStore) CompareAndWrite(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext("store.compare_and_write", key, err)
	}
	conflict := false
	rec, _ := m.data.Compute(key, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
		var current uint64
		if loaded {
			current = old.Version
		}
		if current != expected {
			conflict = true
			return old, xsync.CancelOp
		}
		return Record{Key: key, Value: cloneBytes(value), Version: current + 1}, xsync.UpdateOp
	})
	if conflict {
		return 0, errs.Conflict("store.compare_and_write", key)
	}
	return rec.Version, nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("store.list", prefix, err)
	}
	out := make([]Record, 0)
	m.data.Range(func(key string, rec Record) bool {
		if strings.HasPrefix(key, prefix) {
			rec.Value = cloneBytes(rec.Value)
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len is the number of stored records.
func (m *MemoryStore) Len() int { return m.data.Size() }

func (m *MemoryStore) Close() error { return nil }
