package aggregator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/aggregate"
	"github.com/canopy-network/dappscope/pkg/db/clickhouse"
	"github.com/canopy-network/dappscope/pkg/engine"
	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/events"
	"github.com/canopy-network/dappscope/pkg/logging"
	"github.com/canopy-network/dappscope/pkg/metrics"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/realtime"
	"github.com/canopy-network/dappscope/pkg/redis"
	"github.com/canopy-network/dappscope/pkg/snapshot"
	"github.com/canopy-network/dappscope/pkg/store"
	"github.com/canopy-network/dappscope/pkg/utils"
)

// App consumes the event stream into the aggregates, publishes the live view and builds the
// daily snapshots.
type App struct {
	Config Config
	Clock  utils.Clock

	Store     store.Store
	Snapshots snapshot.Store
	Engine    *engine.Engine
	Loader    *snapshot.Loader
	Scheduler *snapshot.Scheduler

	// Redis is nil unless REDIS_ENABLED is set; so is Consumer.
	Redis    *redis.Client
	Consumer *redis.StreamConsumer

	// Cron drives the real-time publisher and the periodic sweeps.
	Cron *cron.Cron

	Logger *zap.Logger
	Server *http.Server

	ready    atomic.Bool
	workers  sync.WaitGroup
	stopOnce sync.Once
}

// Initialize wires the App from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("aggregator")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, utils.SystemClock{}, logger)
}

// New wires the App from cfg. Backends that need a server are connected here.
func New(ctx context.Context, cfg Config, clock utils.Clock, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Clock: clock, Logger: logging.OrNop(logger)}

	if cfg.RedisEnabled {
		rc, err := redis.NewClient(ctx, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Redis = rc
	}
	if err := a.setup(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// setup builds everything past the connections. Tests call it with a Redis client already
// in place.
func (a *App) setup(ctx context.Context) error {
	cfg := a.Config

	switch cfg.StoreBackend {
	case BackendRedis:
		a.Store = store.NewRedisStore(a.Redis.GetClient(), cfg.StoreNamespace)
	default:
		a.Store = store.NewMemoryStore()
	}

	switch cfg.SnapshotBackend {
	case BackendClickHouse:
		ch, err := clickhouse.New(ctx, a.Logger, cfg.ClickHouseDB, clickhouse.PoolConfigFromEnv("aggregator"))
		if err != nil {
			return err
		}
		snaps, err := snapshot.NewClickHouseStore(ctx, ch, a.Clock)
		if err != nil {
			_ = ch.Close()
			return err
		}
		a.Snapshots = snaps
	default:
		a.Snapshots = snapshot.NewMemoryStore()
	}

	opts := aggregate.Options{Timeout: cfg.UpdateTimeout, Clock: a.Clock, Logger: a.Logger}
	users := aggregate.NewUserService(a.Store, opts)
	sessions := aggregate.NewSessionService(a.Store, opts)
	contracts := aggregate.NewContractService(a.Store, opts)
	tracker := realtime.NewTracker(realtime.Config{
		Window:    cfg.RealtimeWindow,
		MaxEvents: cfg.RealtimeMaxEvents,
	}, a.Clock)
	dedupe := aggregate.NewDeduper(cfg.DedupeTTL, cfg.DedupeMax, a.Clock)

	a.Engine = engine.New(engine.Config{AutoCreateSessions: cfg.AutoCreateSessions},
		users, sessions, contracts, tracker, a.Snapshots, dedupe, a.Logger)

	a.Loader = snapshot.NewLoader(users, sessions, contracts)
	a.Scheduler = snapshot.NewScheduler(a.Loader, snapshot.Builder{TopN: cfg.SnapshotTopN}, a.Snapshots, a.Clock, a.Logger)
	a.Scheduler.CronSpec = cfg.SnapshotSpec
	if err := a.Scheduler.Setup(ctx); err != nil {
		return err
	}

	if err := a.SetupCron(ctx); err != nil {
		return err
	}

	if a.Redis != nil {
		consumer, err := redis.NewStreamConsumer(a.Redis, redis.StreamConsumerConfig{
			Stream:   cfg.Stream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Block:    cfg.StreamBlock,
			Logger:   a.Logger,
		})
		if err != nil {
			return err
		}
		a.Consumer = consumer
	}
	return nil
}

// SetupCron registers the real-time publisher and the maintenance sweeps.
func (a *App) SetupCron(ctx context.Context) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	if _, err := a.Cron.AddFunc(a.Config.RealtimeSpec, func() { a.PublishRealtime(ctx) }); err != nil {
		return err
	}
	_, err := a.Cron.AddFunc(a.Config.MaintenanceSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		a.Maintain(rctx)
	})
	return err
}

// PublishRealtime recomputes the live view and pushes it to subscribers.
func (a *App) PublishRealtime(ctx context.Context) analytics.RealTime {
	view := a.Engine.Tracker.Snapshot()
	metrics.RecordRealtime(view.ActiveUsers, view.EventsWindow)
	if a.Redis != nil {
		a.Redis.PublishJSON(ctx, a.Config.RealtimeChannel, view)
	}
	return view
}

// Maintain ends idle sessions and trims the dedupe set.
func (a *App) Maintain(ctx context.Context) {
	if a.Config.SessionIdle > 0 {
		n, err := a.Engine.Sessions.ExpireIdle(ctx, a.Config.SessionIdle)
		if err != nil {
			a.Logger.Warn("Idle session sweep failed", zap.Error(err))
		} else if n > 0 {
			a.Logger.Info("Ended idle sessions", zap.Int("count", n))
		}
	}
	if a.Engine.Dedupe != nil {
		if n := a.Engine.Dedupe.Sweep(); n > 0 {
			a.Logger.Debug("Dedupe entries expired", zap.Int("count", n))
		}
	}
}

// HandleMessage applies one stream entry. Entries that can never be applied are logged
// and acknowledged; anything else is returned so the entry stays pending.
func (a *App) HandleMessage(ctx context.Context, msg redis.Message) error {
	ev, err := events.Decode(msg.GetData())
	if err != nil {
		metrics.RecordEvent("unknown", string(engine.Invalid), 0)
		a.Logger.Warn("Dropping malformed event", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	outcome, err := a.Engine.Ingest(ctx, ev)
	if err == nil {
		return nil
	}
	if outcome == engine.Invalid || errors.Is(err, errs.ErrNotFound) {
		a.Logger.Warn("Dropping event",
			zap.String("id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return nil
	}
	return err
}

// SetupServer sets up the HTTP server for probes and metrics.
func (a *App) SetupServer() {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	a.Server = &http.Server{Addr: a.Config.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

// Ready reports whether the App is running and its Redis connection answers.
func (a *App) Ready(ctx context.Context) bool {
	if !a.ready.Load() {
		return false
	}
	if a.Redis != nil {
		return a.Redis.Health(ctx) == nil
	}
	return true
}

// Start runs the consumer, the cron jobs and the server until ctx is done, then stops.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start()
	a.Cron.Start()
	a.Logger.Info("Cron started",
		zap.String("realtime", a.Config.RealtimeSpec),
		zap.String("maintenance", a.Config.MaintenanceSpec))

	if a.Consumer != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.Consumer.Run(ctx, a.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("Stream consumer stopped", zap.Error(err))
			}
		}()
	}
	if a.Server != nil {
		go func() {
			a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
			if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("Server failed", zap.Error(err))
			}
		}()
	}
	a.ready.Store(true)

	<-ctx.Done()
	a.Stop()
}

// Stop drains the workers and closes every backend. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.ready.Store(false)
		a.Logger.Info("Shutting down")

		if a.Server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = a.Server.Shutdown(shutdownCtx)
			cancel()
		}
		if a.Cron != nil {
			<-a.Cron.Stop().Done()
		}
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		a.workers.Wait()
		a.close()
		a.Logger.Info("さようなら!")
	})
}

func (a *App) close() {
	if a.Loader != nil {
		a.Loader.Close()
	}
	if a.Snapshots != nil {
		if err := a.Snapshots.Close(); err != nil {
			a.Logger.Error("Failed to close snapshot store", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close aggregate store", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}
}
