package engine

import (
	"context"
	"strings"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/snapshot"
)

func entities[T analytics.Entity](items []T, err error) ([]analytics.Entity, error) {
	if err != nil {
		return nil, err
	}
	out := make([]analytics.Entity, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out, nil
}

func entity[T analytics.Entity](item T, err error) (analytics.Entity, error) {
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListEntities returns every aggregate of kind, ordered by key.
func (e *Engine) ListEntities(ctx context.Context, kind analytics.EntityKind) ([]analytics.Entity, error) {
	switch kind {
	case analytics.KindUser:
		return entities(e.Users.List(ctx))
	case analytics.KindSession:
		return entities(e.Sessions.List(ctx))
	case analytics.KindContract:
		return entities(e.Contracts.List(ctx))
	}
	return nil, errs.InvalidPayloadf("engine.list", "unknown entity kind %q", kind)
}

// GetEntity looks up one aggregate. Users are keyed by wallet, contracts by address.
func (e *Engine) GetEntity(ctx context.Context, kind analytics.EntityKind, key string) (analytics.Entity, error) {
	switch kind {
	case analytics.KindUser:
		return entity(e.Users.Lookup(ctx, key))
	case analytics.KindSession:
		id := strings.TrimSpace(key)
		if id == "" {
			return nil, errs.InvalidPayloadf("engine.get", "session id is required")
		}
		return entity(e.Sessions.Get(ctx, id))
	case analytics.KindContract:
		return entity(e.Contracts.Lookup(ctx, key))
	}
	return nil, errs.InvalidPayloadf("engine.get", "unknown entity kind %q", kind)
}

// TopEntities ranks the aggregates of kind by metric, highest first.
func (e *Engine) TopEntities(ctx context.Context, kind analytics.EntityKind, metric string, n int) ([]analytics.Entity, error) {
	switch kind {
	case analytics.KindUser:
		return entities(e.Users.TopBy(ctx, metric, n))
	case analytics.KindSession:
		return entities(e.Sessions.TopBy(ctx, metric, n))
	case analytics.KindContract:
		return entities(e.Contracts.TopBy(ctx, metric, n))
	}
	return nil, errs.InvalidPayloadf("engine.top", "unknown entity kind %q", kind)
}

// GetDailySnapshot returns the stored snapshot for a YYYY-MM-DD date.
func (e *Engine) GetDailySnapshot(ctx context.Context, date string) (analytics.DailySnapshot, error) {
	d, err := snapshot.ParseDate(date)
	if err != nil {
		return analytics.DailySnapshot{}, err
	}
	return e.Snapshots.Get(ctx, d.Format(analytics.DateLayout))
}

func (e *Engine) ListDailySnapshots(ctx context.Context, from, to string) ([]analytics.DailySnapshot, error) {
	return e.Snapshots.List(ctx, from, to)
}

// GetRealTimeAnalytics returns the live view computed by the last refresh tick. Before the
// first tick it computes one.
func (e *Engine) GetRealTimeAnalytics() analytics.RealTime {
	return e.Tracker.Latest()
}
