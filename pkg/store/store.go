// Package store is the key-value contract the aggregation services persist through.
//
// Every record carries a version that starts at 1 on creation and grows by one on every
// write. CompareAndWrite with expected version 0 only succeeds when the key is absent,
// which is what get-or-create builds on.
package store

import "context"

type Record struct {
	Key     string
	Value   []byte
	Version uint64
}

type Store interface {
	// Read returns errs.NotFound when key is absent.
	Read(ctx context.Context, key string) (Record, error)
	// Write stores value unconditionally and returns the new version.
	Write(ctx context.Context, key string, value []byte) (uint64, error)
	// CompareAndWrite stores value only if the current version equals expected
	// (0 meaning absent) and fails with errs.ConcurrencyConflict otherwise.
	CompareAndWrite(ctx context.Context, key string, expected uint64, value []byte) (uint64, error)
	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
	Close() error
}
