package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Repo is a typed, JSON-encoded view over one key prefix of a Store.
type Repo[T any] struct {
	store  Store
	prefix string
}

func NewRepo[T any](s Store, prefix string) *Repo[T] {
	return &Repo[T]{store: s, prefix: prefix}
}

func (r *Repo[T]) Key(id string) string { return r.prefix + id }

// Read returns the decoded value and its version.
func (r *Repo[T]) Read(ctx context.Context, id string) (T, uint64, error) {
	var zero T
	rec, err := r.store.Read(ctx, r.Key(id))
	if err != nil {
		return zero, 0, err
	}
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return zero, 0, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	return v, rec.Version, nil
}

// Create stores v only if id is absent.
func (r *Repo[T]) Create(ctx context.Context, id string, v T) (T, uint64, error) {
	return r.Replace(ctx, id, 0, v)
}

// Replace stores v only if the current version equals expected. It returns the value as a
// later Read would decode it, so writers and readers observe the same thing.
func (r *Repo[T]) Replace(ctx context.Context, id string, expected uint64, v T) (T, uint64, error) {
	var zero T
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, 0, fmt.Errorf("encode %s: %w", r.Key(id), err)
	}
	ver, err := r.store.CompareAndWrite(ctx, r.Key(id), expected, raw)
	if err != nil {
		return zero, 0, err
	}
	var stored T
	if err := json.Unmarshal(raw, &stored); err != nil {
		return zero, 0, fmt.Errorf("decode %s: %w", r.Key(id), err)
	}
	return stored, ver, nil
}

func (r *Repo[T]) List(ctx context.Context) ([]T, error) {
	recs, err := r.store.List(ctx, r.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
