package snapshot

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
)

// Store persists snapshots keyed by date. Saving a date that already exists replaces it.
type Store interface {
	Save(ctx context.Context, snap analytics.DailySnapshot) error
	// Get returns errs.NotFound when no snapshot exists for date.
	Get(ctx context.Context, date string) (analytics.DailySnapshot, error)
	// List returns the snapshots in [from, to], oldest first. Empty bounds are open.
	List(ctx context.Context, from, to string) ([]analytics.DailySnapshot, error)
	Close() error
}

type MemoryStore struct {
	snaps *xsync.Map[string, analytics.DailySnapshot]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: xsync.NewMap[string, analytics.DailySnapshot]()}
}

func clone(s analytics.DailySnapshot) analytics.DailySnapshot {
	if s.TopContracts != nil {
		s.TopContracts = append(make([]analytics.ContractRank, 0, len(s.TopContracts)), s.TopContracts...)
	}
	if s.TopEvents != nil {
		s.TopEvents = append(make([]analytics.EventRank, 0, len(s.TopEvents)), s.TopEvents...)
	}
	s.Metadata = s.Metadata.Clone()
	return s
}

func (m *MemoryStore) Save(ctx context.Context, snap analytics.DailySnapshot) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext("snapshot.save", snap.Date, err)
	}
	if _, err := ParseDate(snap.Date); err != nil {
		return err
	}
	m.snaps.Store(snap.Date, clone(snap))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, date string) (analytics.DailySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return analytics.DailySnapshot{}, errs.FromContext("snapshot.get", date, err)
	}
	s, ok := m.snaps.Load(date)
	if !ok {
		return analytics.DailySnapshot{}, errs.NotFoundKey("snapshot.get", date)
	}
	return clone(s), nil
}

func (m *MemoryStore) List(ctx context.Context, from, to string) ([]analytics.DailySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext("snapshot.list", "", err)
	}
	out := make([]analytics.DailySnapshot, 0)
	m.snaps.Range(func(date string, s analytics.DailySnapshot) bool {
		// YYYY-MM-DD sorts lexically in date order.
		if (from == "" || date >= from) && (to == "" || date <= to) {
			out = append(out, clone(s))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
