package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/dappscope/pkg/aggregate"
	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/events"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/realtime"
	"github.com/canopy-network/dappscope/pkg/retry"
	"github.com/canopy-network/dappscope/pkg/snapshot"
	"github.com/canopy-network/dappscope/pkg/store"
	"github.com/canopy-network/dappscope/pkg/utils"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

const (
	wallet   = "0xABC"
	contract = "0xC0FFEE"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	clock := utils.NewManualClock(t0)
	logger := zaptest.NewLogger(t)
	opts := aggregate.Options{
		Clock:  clock,
		Logger: logger,
		Retry: retry.Config{
			MaxRetries:   50,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
	st := store.NewMemoryStore()
	return New(cfg,
		aggregate.NewUserService(st, opts),
		aggregate.NewSessionService(st, opts),
		aggregate.NewContractService(st, opts),
		realtime.NewTracker(realtime.DefaultConfig(), clock),
		snapshot.NewMemoryStore(),
		aggregate.NewDeduper(time.Hour, 0, clock),
		logger,
	)
}

type eventSeq struct{ n int }

func (s *eventSeq) next(kind events.Kind, at time.Time) events.Event {
	s.n++
	return events.Event{ID: fmt.Sprintf("ev-%d", s.n), Kind: kind, Timestamp: at}
}

func mustIngest(t *testing.T, e *Engine, ev events.Event) {
	t.Helper()
	outcome, err := e.Ingest(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
}

func TestIngest_UserCounters(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	seq := &eventSeq{}

	for i := 0; i < 3; i++ {
		ev := seq.next(events.Interaction, t0.Add(time.Duration(i)*time.Minute))
		ev.WalletAddress = wallet
		mustIngest(t, e, ev)
	}
	tx := seq.next(events.Transaction, t0.Add(5*time.Minute))
	tx.WalletAddress = wallet
	tx.GasAmount = "1000000000000000000"
	mustIngest(t, e, tx)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", u.WalletAddress)
	assert.Equal(t, uint64(3), u.TotalInteractions)
	assert.Equal(t, uint64(1), u.TotalTransactions)
	assert.Equal(t, "1000000000000000000", u.TotalGasSpent)
	assert.Equal(t, t0, u.FirstSeen)
	assert.Equal(t, t0.Add(5*time.Minute), u.LastSeen)
}

func TestIngest_DuplicateDeliveryIsSkipped(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	ev := events.Event{ID: "dup", Kind: events.Transaction, Timestamp: t0, WalletAddress: wallet, GasAmount: "7"}

	mustIngest(t, e, ev)
	outcome, err := e.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalTransactions)
	assert.Equal(t, "7", u.TotalGasSpent)
	assert.Equal(t, uint64(1), e.GetRealTimeAnalytics().EventsWindow)
}

func TestIngest_InvalidEvents(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		ev   events.Event
		kind errs.Kind
	}{
		{"missing id", events.Event{Kind: events.Interaction, Timestamp: t0, WalletAddress: wallet}, errs.InvalidPayload},
		{"unknown kind", events.Event{ID: "a", Kind: "click", Timestamp: t0}, errs.InvalidPayload},
		{"transaction without wallet", events.Event{ID: "b", Kind: events.Transaction, Timestamp: t0}, errs.InvalidPayload},
		{"malformed gas", events.Event{ID: "c", Kind: events.Transaction, Timestamp: t0, WalletAddress: wallet, GasAmount: "1.5"}, errs.InvalidNumeric},
		{"negative gas", events.Event{ID: "d", Kind: events.Transaction, Timestamp: t0, WalletAddress: wallet, GasAmount: "-1"}, errs.InvalidNumeric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := e.Ingest(ctx, tt.ev)
			require.Error(t, err)
			assert.Equal(t, Invalid, outcome)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}

	_, err := e.Users.Lookup(ctx, wallet)
	assert.ErrorIs(t, err, errs.ErrNotFound, "rejected events never create aggregates")
	assert.Equal(t, uint64(0), e.GetRealTimeAnalytics().EventsWindow)
}

func TestIngest_UnknownSessionFailsAndCanBeRedelivered(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	view := events.Event{ID: "pv-1", Kind: events.PageView, Timestamp: t0.Add(time.Minute), SessionID: "s1", Page: "/swap"}
	outcome, err := e.Ingest(ctx, view)
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	mustIngest(t, e, events.Event{ID: "start-1", Kind: events.SessionStarted, Timestamp: t0, SessionID: "s1", Page: "/"})
	// The failed delivery was released, so the redelivery is applied.
	mustIngest(t, e, view)

	s, err := e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.PageViews)
}

func TestIngest_AutoCreateSessions(t *testing.T) {
	e := newTestEngine(t, Config{AutoCreateSessions: true})
	ctx := context.Background()
	seq := &eventSeq{}

	pv := seq.next(events.PageView, t0)
	pv.SessionID = "s1"
	pv.Page = "/swap"
	pv.WalletAddress = wallet
	mustIngest(t, e, pv)

	s, err := e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.PageViews, "the creating page view is the entry page")
	assert.Equal(t, "/swap", s.Context.EntryPage)

	pv = seq.next(events.PageView, t0.Add(time.Minute))
	pv.SessionID = "s1"
	mustIngest(t, e, pv)

	in := seq.next(events.Interaction, t0.Add(2*time.Minute))
	in.SessionID = "s2"
	mustIngest(t, e, in)

	s, err = e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.PageViews)

	s2, err := e.Sessions.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s2.PageViews)
	assert.Equal(t, uint64(1), s2.Interactions)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalSessions)
}

func TestIngest_SessionLifecycle(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	seq := &eventSeq{}

	start := seq.next(events.SessionStarted, t0)
	start.SessionID = "s1"
	start.WalletAddress = wallet
	start.Page = "/"
	mustIngest(t, e, start)

	// A second start for the same session under a new event id changes nothing.
	again := seq.next(events.SessionStarted, t0.Add(time.Second))
	again.SessionID = "s1"
	again.WalletAddress = wallet
	mustIngest(t, e, again)

	for i := 1; i <= 2; i++ {
		pv := seq.next(events.PageView, t0.Add(time.Duration(i)*time.Minute))
		pv.SessionID = "s1"
		mustIngest(t, e, pv)
	}
	in := seq.next(events.Interaction, t0.Add(3*time.Minute))
	in.SessionID = "s1"
	mustIngest(t, e, in)

	end := seq.next(events.SessionEnded, t0.Add(10*time.Minute))
	end.SessionID = "s1"
	end.Page = "/checkout"
	mustIngest(t, e, end)

	s, err := e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	assert.Equal(t, uint64(3), s.PageViews)
	assert.Equal(t, uint64(1), s.Interactions)
	require.NotNil(t, s.Duration)
	assert.Equal(t, 10*time.Minute, *s.Duration)
	assert.Equal(t, "/checkout", s.Context.ExitPage)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalSessions)
	assert.Equal(t, uint64(1), u.TotalInteractions, "the interaction is attributed to the session's wallet")

	rt := e.GetRealTimeAnalytics()
	assert.Equal(t, uint64(0), rt.ActiveSessions)
	assert.Equal(t, uint64(1), rt.ActiveUsers)
}

func TestIngest_ContractActivity(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	seq := &eventSeq{}

	for i, w := range []string{"0xA1", "0xa1", "0xB2"} {
		ev := seq.next(events.ContractInteraction, t0.Add(time.Duration(i)*time.Minute))
		ev.ContractAddress = contract
		ev.WalletAddress = w
		ev.EventName = "Swap"
		ev.GasAmount = "100"
		mustIngest(t, e, ev)
	}
	tx := seq.next(events.Transaction, t0.Add(5*time.Minute))
	tx.WalletAddress = "0xC3"
	tx.ContractAddress = contract
	tx.GasAmount = "50"
	mustIngest(t, e, tx)

	c, err := e.Contracts.Lookup(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, "0xc0ffee", c.Address)
	assert.Equal(t, uint64(3), c.TotalInteractions)
	assert.Equal(t, uint64(3), c.UniqueUsers)
	assert.Equal(t, "350", c.TotalGasUsed)
	assert.Equal(t, uint64(3), c.EventCounts["Swap"])

	u, err := e.Users.Lookup(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.TotalInteractions)
	u, err = e.Users.Lookup(ctx, "0xc3")
	require.NoError(t, err)
	assert.Equal(t, "50", u.TotalGasSpent)
}

func TestIngest_ConcurrentEventsForOneUser(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := events.Event{
				ID:            fmt.Sprintf("tx-%d", i),
				Kind:          events.Transaction,
				Timestamp:     t0.Add(time.Duration(i) * time.Second),
				WalletAddress: wallet,
				GasAmount:     "1000000000000000000000",
			}
			_, err := e.Ingest(ctx, ev)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), u.TotalTransactions)
	assert.Equal(t, "40000000000000000000000", u.TotalGasSpent)
	assert.Equal(t, uint64(n), e.GetRealTimeAnalytics().TransactionsWindow)
}

func TestIngest_WithoutDeduper(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.Dedupe = nil
	ev := events.Event{ID: "same", Kind: events.Interaction, Timestamp: t0, WalletAddress: wallet}
	mustIngest(t, e, ev)
	mustIngest(t, e, ev)

	u, err := e.Users.Lookup(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalInteractions, "the user remembers the event id")
	assert.Equal(t, uint64(2), e.GetRealTimeAnalytics().EventsWindow)
}

func TestQuery_ReadSurface(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	seq := &eventSeq{}

	for i, w := range []string{"0x01", "0x02", "0x02"} {
		ev := seq.next(events.Interaction, t0.Add(time.Duration(i)*time.Minute))
		ev.WalletAddress = w
		mustIngest(t, e, ev)
	}

	users, err := e.ListEntities(ctx, analytics.KindUser)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "0x01", users[0].EntityKey())

	top, err := e.TopEntities(ctx, analytics.KindUser, "interactions", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "0x02", top[0].EntityKey())

	got, err := e.GetEntity(ctx, analytics.KindUser, "0X02")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.(analytics.User).TotalInteractions)

	_, err = e.GetEntity(ctx, analytics.KindContract, "0xdead")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.GetEntity(ctx, analytics.KindSession, " ")
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
	_, err = e.ListEntities(ctx, "asset")
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
	_, err = e.TopEntities(ctx, analytics.KindContract, "volume", 3)
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)

	sessions, err := e.ListEntities(ctx, analytics.KindSession)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestQuery_DailySnapshot(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.GetDailySnapshot(ctx, "June 1st")
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
	_, err = e.GetDailySnapshot(ctx, "2025-06-01")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, e.Snapshots.Save(ctx, analytics.DailySnapshot{Date: "2025-06-01", NewUsers: 4}))
	snap, err := e.GetDailySnapshot(ctx, " 2025-06-01 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.NewUsers)

	all, err := e.ListDailySnapshots(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// flakyStore fails the next compare-and-write of a key with the given prefix.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	prefix string
	fails  int
}

func (s *flakyStore) failNext(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix = prefix
	s.fails = 1
}

func (s *flakyStore) CompareAndWrite(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	s.mu.Lock()
	fail := s.fails > 0 && strings.HasPrefix(key, s.prefix)
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("backend unavailable")
	}
	return s.Store.CompareAndWrite(ctx, key, expected, value)
}

func newFlakyEngine(t *testing.T, cfg Config) (*Engine, *flakyStore) {
	e := newTestEngine(t, cfg)
	clock := utils.NewManualClock(t0)
	opts := aggregate.Options{
		Clock:  clock,
		Logger: zaptest.NewLogger(t),
		Retry:  retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}
	st := &flakyStore{Store: store.NewMemoryStore()}
	e.Users = aggregate.NewUserService(st, opts)
	e.Sessions = aggregate.NewSessionService(st, opts)
	e.Contracts = aggregate.NewContractService(st, opts)
	return e, st
}

func TestIngest_RedeliveryAfterPartialFailureAppliesOnce(t *testing.T) {
	e, st := newFlakyEngine(t, Config{})
	ctx := context.Background()
	tx := events.Event{ID: "tx-1", Kind: events.Transaction, Timestamp: t0,
		WalletAddress: wallet, ContractAddress: contract, GasAmount: "1000"}

	// The user is written, then the contract write fails.
	st.failNext("contract:")
	outcome, err := e.Ingest(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalTransactions)

	mustIngest(t, e, tx)

	u, err = e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalTransactions)
	assert.Equal(t, "1000", u.TotalGasSpent)

	c, err := e.Contracts.Lookup(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.UniqueUsers)
	assert.Equal(t, "1000", c.TotalGasUsed)

	outcome, err = e.Ingest(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
}

func TestIngest_SessionStartRedeliveryCountsUserSessionOnce(t *testing.T) {
	e, st := newFlakyEngine(t, Config{})
	ctx := context.Background()
	start := events.Event{ID: "start-1", Kind: events.SessionStarted, Timestamp: t0,
		SessionID: "s1", WalletAddress: wallet, Page: "/"}

	// The session is created, then the user write fails.
	st.failNext("user:")
	outcome, err := e.Ingest(ctx, start)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)

	mustIngest(t, e, start)
	e.Dedupe = nil
	mustIngest(t, e, start)

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalSessions)

	s, err := e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.PageViews)
}

func TestIngest_AutoCreatedSessionRedeliveryCountsOnce(t *testing.T) {
	e, st := newFlakyEngine(t, Config{AutoCreateSessions: true})
	ctx := context.Background()
	pv := events.Event{ID: "pv-1", Kind: events.PageView, Timestamp: t0,
		SessionID: "s1", WalletAddress: wallet, Page: "/swap"}

	st.failNext("user:")
	outcome, err := e.Ingest(ctx, pv)
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)

	mustIngest(t, e, pv)

	s, err := e.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.PageViews, "the opening page view is the entry page")

	u, err := e.Users.Lookup(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalSessions)
}

func TestQuery_RealTimeServesLastRefresh(t *testing.T) {
	e := newTestEngine(t, Config{})
	seq := &eventSeq{}

	ev := seq.next(events.Interaction, t0)
	ev.WalletAddress = wallet
	mustIngest(t, e, ev)
	assert.Equal(t, uint64(1), e.GetRealTimeAnalytics().EventsWindow)

	ev = seq.next(events.Interaction, t0)
	ev.WalletAddress = wallet
	mustIngest(t, e, ev)
	assert.Equal(t, uint64(1), e.GetRealTimeAnalytics().EventsWindow, "served until the next refresh")

	e.Tracker.Snapshot()
	assert.Equal(t, uint64(2), e.GetRealTimeAnalytics().EventsWindow)
}
