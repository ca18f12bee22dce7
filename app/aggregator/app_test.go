package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/dappscope/pkg/engine"
	"github.com/canopy-network/dappscope/pkg/events"
	"github.com/canopy-network/dappscope/pkg/redis"
	"github.com/canopy-network/dappscope/pkg/utils"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Addr:               ":0",
		StoreBackend:       BackendMemory,
		StoreNamespace:     "test",
		SnapshotBackend:    BackendMemory,
		Stream:             "events",
		Group:              "aggregator",
		Consumer:           "c1",
		StreamBlock:        20 * time.Millisecond,
		RealtimeChannel:    "realtime",
		UpdateTimeout:      time.Second,
		AutoCreateSessions: true,
		SessionIdle:        30 * time.Minute,
		DedupeTTL:          time.Hour,
		RealtimeWindow:     time.Hour,
		RealtimeSpec:       "*/5 * * * * *",
		MaintenanceSpec:    "0 * * * * *",
		SnapshotSpec:       "0 5 0 * * *",
		SnapshotTopN:       5,
	}
}

// newTestApp builds an App on a miniredis server, using it for the aggregates as well.
func newTestApp(t *testing.T) (*App, *utils.ManualClock) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	logger := zaptest.NewLogger(t)
	clock := utils.NewManualClock(t0)

	cfg := testConfig()
	cfg.RedisEnabled = true
	cfg.StoreBackend = BackendRedis

	a := &App{Config: cfg, Clock: clock, Logger: logger, Redis: redis.Wrap(rdb, logger, 0)}
	require.NoError(t, a.setup(context.Background()))
	t.Cleanup(a.Stop)
	return a, clock
}

func publish(t *testing.T, a *App, ev events.Event) {
	t.Helper()
	data, err := events.Encode(ev)
	require.NoError(t, err)
	_, err = a.Redis.XAdd(context.Background(), a.Config.Stream, map[string]interface{}{"data": data})
	require.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.StoreBackend = BackendRedis
	assert.Error(t, cfg.Validate(), "redis store needs redis")

	cfg = testConfig()
	cfg.SnapshotBackend = "s3"
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.UpdateTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.DedupeTTL = 0
	assert.Error(t, cfg.Validate(), "a zero ttl would turn dedupe off")
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SNAPSHOT_BACKEND", "clickhouse")
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")
	t.Setenv("AUTO_CREATE_SESSIONS", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendClickHouse, cfg.SnapshotBackend)
	assert.Equal(t, 10*time.Minute, cfg.SessionIdle)
	assert.False(t, cfg.AutoCreateSessions)
	assert.NotEmpty(t, cfg.Consumer)

	t.Setenv("STORE_BACKEND", "etcd")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestApp_ConsumesStream(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish(t, a, events.Event{ID: "1", Kind: events.SessionStarted, Timestamp: t0, SessionID: "s1", WalletAddress: "0xabc", Page: "/"})
	publish(t, a, events.Event{ID: "2", Kind: events.PageView, Timestamp: t0.Add(time.Minute), SessionID: "s1", Page: "/swap"})
	publish(t, a, events.Event{ID: "2", Kind: events.PageView, Timestamp: t0.Add(time.Minute), SessionID: "s1", Page: "/swap"})
	_, err := a.Redis.XAdd(ctx, a.Config.Stream, map[string]interface{}{"data": "not json"})
	require.NoError(t, err)
	publish(t, a, events.Event{ID: "3", Kind: events.Transaction, Timestamp: t0.Add(2 * time.Minute), WalletAddress: "0xabc", GasAmount: "42"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Consumer.Run(ctx, a.HandleMessage)
	}()

	// Every entry, the malformed one included, ends up applied and acknowledged.
	assert.Eventually(t, func() bool {
		u, err := a.Engine.Users.Lookup(ctx, "0xabc")
		if err != nil || u.TotalTransactions != 1 {
			return false
		}
		pending, err := a.Redis.XPendingCount(ctx, a.Config.Stream, a.Config.Group)
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	s, err := a.Engine.Sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.PageViews, "the redelivered page view is skipped")
}

func TestApp_HandleMessage(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	assert.NoError(t, a.HandleMessage(ctx, redis.Message{ID: "1-0", Values: map[string]interface{}{"data": "{"}}))

	unknown, err := events.Encode(events.Event{ID: "x", Kind: events.SessionEnded, Timestamp: t0, SessionID: "missing"})
	require.NoError(t, err)
	assert.NoError(t, a.HandleMessage(ctx, redis.Message{ID: "2-0", Values: map[string]interface{}{"data": string(unknown)}}),
		"an end for an unknown session can never apply")

	ok, err := events.Encode(events.Event{ID: "y", Kind: events.Interaction, Timestamp: t0, WalletAddress: "0x01"})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(ctx, redis.Message{ID: "3-0", Values: map[string]interface{}{"data": string(ok)}}))
	u, err := a.Engine.Users.Lookup(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.TotalInteractions)
}

func TestApp_PublishRealtime(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	sub := a.Redis.Subscribe(ctx, a.Config.RealtimeChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	_, err = a.Engine.Ingest(ctx, events.Event{ID: "1", Kind: events.SessionStarted, Timestamp: t0, SessionID: "s1", WalletAddress: "0xabc", Page: "/"})
	require.NoError(t, err)

	view := a.PublishRealtime(ctx)
	assert.Equal(t, uint64(1), view.ActiveUsers)
	assert.Equal(t, uint64(1), view.ActiveSessions)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"activeUsers":1`)
}

func TestApp_MaintainEndsIdleSessions(t *testing.T) {
	a, clock := newTestApp(t)
	ctx := context.Background()

	outcome, err := a.Engine.Ingest(ctx, events.Event{ID: "1", Kind: events.SessionStarted, Timestamp: t0, SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, engine.Applied, outcome)

	clock.Advance(time.Hour)
	a.Maintain(ctx)

	s, err := a.Engine.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, t0, *s.EndTime)
}

func TestApp_DailySnapshot(t *testing.T) {
	a, clock := newTestApp(t)
	ctx := context.Background()

	_, err := a.Engine.Ingest(ctx, events.Event{ID: "1", Kind: events.SessionStarted, Timestamp: t0, SessionID: "s1", WalletAddress: "0xabc"})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = a.Scheduler.RunOnce(ctx, t0)
	require.NoError(t, err)

	snap, err := a.Engine.GetDailySnapshot(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.NewUsers)
	assert.Equal(t, uint64(1), snap.TotalSessions)
}

func TestApp_Probes(t *testing.T) {
	a, _ := newTestApp(t)
	a.SetupServer()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		a.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))

	a.ready.Store(true)
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
