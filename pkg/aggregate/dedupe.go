package aggregate

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/canopy-network/dappscope/pkg/utils"
)

const (
	DefaultDedupeTTL = 24 * time.Hour
	DefaultDedupeMax = 100_000
)

type seenEntry struct {
	at        time.Time
	committed bool
}

// Deduper remembers recently applied event ids so redelivered events are skipped.
// It forgets ids after ttl and never holds much more than max of them: once over max, a
// sweep evicts the oldest committed ids down to 90% of max, so eviction is paid once per
// max/10 claims rather than on every claim.
type Deduper struct {
	ttl      time.Duration
	max      int
	lowWater int
	clock    utils.Clock
	seen     *xsync.Map[string, seenEntry]

	sweeping atomic.Bool
	sweeps   atomic.Int64
}

// NewDeduper falls back to DefaultDedupeTTL and DefaultDedupeMax for non-positive values.
func NewDeduper(ttl time.Duration, max int, clock utils.Clock) *Deduper {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if max <= 0 {
		max = DefaultDedupeMax
	}
	return &Deduper{
		ttl:      ttl,
		max:      max,
		lowWater: max - max/10,
		clock:    clock,
		seen:     xsync.NewMap[string, seenEntry](),
	}
}

// Claim reserves id for processing. It returns false when id was already applied within
// the ttl or is being processed right now. Empty ids are never deduplicated.
func (d *Deduper) Claim(id string) bool {
	if id == "" {
		return true
	}
	now := d.clock.Now()
	claimed := false
	d.seen.Compute(id, func(old seenEntry, loaded bool) (seenEntry, xsync.ComputeOp) {
		if loaded && (!old.committed || now.Sub(old.at) < d.ttl) {
			return old, xsync.CancelOp
		}
		claimed = true
		return seenEntry{at: now}, xsync.UpdateOp
	})
	if claimed && d.seen.Size() > d.max {
		d.evict()
	}
	return claimed
}

// Commit marks a claimed id as applied; redeliveries within the ttl are now rejected.
func (d *Deduper) Commit(id string) {
	if id == "" {
		return
	}
	d.seen.Store(id, seenEntry{at: d.clock.Now(), committed: true})
}

// Release forgets a claim whose processing failed so a redelivery can retry it.
func (d *Deduper) Release(id string) {
	if id == "" {
		return
	}
	d.seen.Compute(id, func(old seenEntry, loaded bool) (seenEntry, xsync.ComputeOp) {
		if loaded && !old.committed {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// evict runs a capacity sweep unless another goroutine is already running one.
func (d *Deduper) evict() {
	if !d.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer d.sweeping.Store(false)
	d.sweep(d.lowWater)
}

// Sweep drops expired ids, then the oldest committed ones while over capacity.
// It returns how many entries were removed.
func (d *Deduper) Sweep() int {
	return d.sweep(d.max)
}

type agedID struct {
	id string
	at time.Time
}

func (d *Deduper) sweep(target int) int {
	d.sweeps.Add(1)
	now := d.clock.Now()
	removed := 0

	var expired, committed []agedID
	d.seen.Range(func(id string, e seenEntry) bool {
		if !e.committed {
			return true
		}
		if now.Sub(e.at) >= d.ttl {
			expired = append(expired, agedID{id: id, at: e.at})
		} else {
			committed = append(committed, agedID{id: id, at: e.at})
		}
		return true
	})
	for _, e := range expired {
		if d.deleteIfUnchanged(e) {
			removed++
		}
	}

	over := d.seen.Size() - target
	if over <= 0 {
		return removed
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].at.Before(committed[j].at) })
	for i := 0; over > 0 && i < len(committed); i++ {
		if d.deleteIfUnchanged(committed[i]) {
			removed++
			over--
		}
	}
	return removed
}

// deleteIfUnchanged removes e only if it is still the committed entry seen by the scan; a
// claim or commit that landed in between keeps it.
func (d *Deduper) deleteIfUnchanged(e agedID) bool {
	deleted := false
	d.seen.Compute(e.id, func(old seenEntry, loaded bool) (seenEntry, xsync.ComputeOp) {
		if loaded && old.committed && old.at.Equal(e.at) {
			deleted = true
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	return deleted
}

func (d *Deduper) Len() int { return d.seen.Size() }
