// Package realtime keeps the rolling window behind the live analytics view.
//
// The window lives only in memory and is rebuilt from scratch after a restart.
package realtime

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/dappscope/pkg/events"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/utils"
)

type Config struct {
	Window      time.Duration
	MaxEvents   int
	TopPages    int
	RecentLimit int
}

func DefaultConfig() Config {
	return Config{
		Window:      time.Hour,
		MaxEvents:   50_000,
		TopPages:    5,
		RecentLimit: 20,
	}
}

// Tracker holds the events of the trailing window, oldest first. Snapshot never reports an
// event older than the window, whether or not it has been pruned yet.
type Tracker struct {
	cfg   Config
	clock utils.Clock

	mu     sync.Mutex
	events []events.Event

	latest atomic.Pointer[analytics.RealTime]
}

func NewTracker(cfg Config, clock utils.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.TopPages <= 0 {
		cfg.TopPages = def.TopPages
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Tracker{cfg: cfg, clock: clock}
}

// Record adds ev to the window. Events already outside the window are ignored.
func (t *Tracker) Record(ev events.Event) {
	now := t.clock.Now()
	cutoff := now.Add(-t.cfg.Window)
	if !ev.Timestamp.After(cutoff) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Keep the slice ordered by timestamp; late events are rare and land near the tail.
	i := len(t.events)
	for i > 0 && t.events[i-1].Timestamp.After(ev.Timestamp) {
		i--
	}
	t.events = append(t.events, events.Event{})
	copy(t.events[i+1:], t.events[i:])
	t.events[i] = ev

	t.pruneLocked(cutoff)
}

func (t *Tracker) pruneLocked(cutoff time.Time) {
	drop := 0
	for drop < len(t.events) && !t.events[drop].Timestamp.After(cutoff) {
		drop++
	}
	if over := len(t.events) - drop - t.cfg.MaxEvents; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	n := copy(t.events, t.events[drop:])
	for i := n; i < len(t.events); i++ {
		t.events[i] = events.Event{}
	}
	t.events = t.events[:n]
}

// Len is the number of events currently held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Snapshot recomputes the view from the window and makes it the latest one.
func (t *Tracker) Snapshot() analytics.RealTime {
	now := t.clock.Now()
	cutoff := now.Add(-t.cfg.Window)

	t.mu.Lock()
	t.pruneLocked(cutoff)
	window := make([]events.Event, len(t.events))
	copy(window, t.events)
	t.mu.Unlock()

	var (
		users    = make(map[string]struct{})
		sessions = make(map[string]struct{})
		ended    = make(map[string]struct{})
		pages    = make(map[string]uint64)
		txs      uint64
	)
	for _, ev := range window {
		if w := strings.ToLower(strings.TrimSpace(ev.WalletAddress)); w != "" {
			users[w] = struct{}{}
		}
		if ev.SessionID != "" {
			sessions[ev.SessionID] = struct{}{}
		}
		switch ev.Kind {
		case events.SessionEnded:
			ended[ev.SessionID] = struct{}{}
		case events.SessionStarted, events.PageView:
			if ev.Page != "" {
				pages[ev.Page]++
			}
		case events.Transaction:
			txs++
		}
	}
	active := 0
	for id := range sessions {
		if _, ok := ended[id]; !ok {
			active++
		}
	}

	view := analytics.RealTime{
		Window:             t.cfg.Window,
		ActiveUsers:        uint64(len(users)),
		ActiveSessions:     uint64(active),
		TransactionsWindow: txs,
		EventsWindow:       uint64(len(window)),
		TopPages:           topPages(pages, t.cfg.TopPages),
		RecentEvents:       recent(window, t.cfg.RecentLimit),
		UpdatedAt:          now,
	}
	t.latest.Store(&view)
	return view
}

// Latest returns the last computed view, computing one if none exists yet.
func (t *Tracker) Latest() analytics.RealTime {
	if v := t.latest.Load(); v != nil {
		return *v
	}
	return t.Snapshot()
}

func topPages(counts map[string]uint64, n int) []analytics.PageCount {
	out := make([]analytics.PageCount, 0, len(counts))
	for page, views := range counts {
		out = append(out, analytics.PageCount{Page: page, Views: views})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Views != out[j].Views {
			return out[i].Views > out[j].Views
		}
		return out[i].Page < out[j].Page
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// recent returns the newest events first.
func recent(window []events.Event, n int) []analytics.RecentEvent {
	if len(window) < n {
		n = len(window)
	}
	out := make([]analytics.RecentEvent, 0, n)
	for i := len(window) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, window[i].Recent())
	}
	return out
}
