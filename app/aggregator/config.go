package aggregator

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/canopy-network/dappscope/pkg/aggregate"
	"github.com/canopy-network/dappscope/pkg/snapshot"
	"github.com/canopy-network/dappscope/pkg/utils"
)

const (
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendClickHouse = "clickhouse"
)

// Config is read once at startup from the environment.
type Config struct {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	Addr string

	StoreBackend    string // memory | redis
	StoreNamespace  string
	SnapshotBackend string // memory | clickhouse
	ClickHouseDB    string

	// RedisEnabled turns on the event stream consumer and real-time publishing.
	RedisEnabled    bool
	Stream          string
	Group           string
	Consumer        string
	StreamBlock     time.Duration
	RealtimeChannel string

	UpdateTimeout      time.Duration
	AutoCreateSessions bool
	SessionIdle        time.Duration
	DedupeTTL          time.Duration
	DedupeMax          int

	RealtimeWindow    time.Duration
	RealtimeMaxEvents int

	// Cron specs, seconds field first.
	RealtimeSpec    string
	MaintenanceSpec string
	SnapshotSpec    string
	SnapshotTopN    int
}

func LoadConfig() (Config, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "aggregator"
	}
	cfg := Config{
		Addr:               utils.Env("ADDR", ":3010"),
		StoreBackend:       utils.Env("STORE_BACKEND", BackendMemory),
		StoreNamespace:     utils.Env("STORE_NAMESPACE", "dappscope"),
		SnapshotBackend:    utils.Env("SNAPSHOT_BACKEND", BackendMemory),
		ClickHouseDB:       utils.Env("CLICKHOUSE_DB", "dappscope"),
		RedisEnabled:       utils.EnvBool("REDIS_ENABLED", false),
		Stream:             utils.Env("EVENTS_STREAM", "dappscope:events"),
		Group:              utils.Env("EVENTS_GROUP", "aggregator"),
		Consumer:           utils.Env("EVENTS_CONSUMER", host),
		StreamBlock:        utils.EnvDuration("EVENTS_BLOCK", 5*time.Second),
		RealtimeChannel:    utils.Env("REALTIME_CHANNEL", "dappscope:realtime"),
		UpdateTimeout:      utils.EnvDuration("UPDATE_TIMEOUT", 5*time.Second),
		AutoCreateSessions: utils.EnvBool("AUTO_CREATE_SESSIONS", true),
		SessionIdle:        utils.EnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		DedupeTTL:          utils.EnvDuration("DEDUPE_TTL", aggregate.DefaultDedupeTTL),
		DedupeMax:          utils.EnvInt("DEDUPE_MAX", aggregate.DefaultDedupeMax),
		RealtimeWindow:     utils.EnvDuration("REALTIME_WINDOW", time.Hour),
		RealtimeMaxEvents:  utils.EnvInt("REALTIME_MAX_EVENTS", 50_000),
		RealtimeSpec:       utils.Env("REALTIME_CRON", "*/5 * * * * *"),
		MaintenanceSpec:    utils.Env("MAINTENANCE_CRON", "0 * * * * *"),
		SnapshotSpec:       utils.Env("SNAPSHOT_CRON", snapshot.DefaultCronSpec),
		SnapshotTopN:       utils.EnvInt("SNAPSHOT_TOP_N", snapshot.DefaultTopN),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if !c.RedisEnabled {
			return errors.New("STORE_BACKEND=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.SnapshotBackend {
	case BackendMemory, BackendClickHouse:
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	if c.RedisEnabled && (c.Stream == "" || c.Group == "" || c.Consumer == "") {
		return errors.New("event stream, group and consumer names are required")
	}
	if c.DedupeTTL <= 0 {
		return errors.New("DEDUPE_TTL must be positive")
	}
	if c.UpdateTimeout <= 0 {
		return errors.New("UPDATE_TIMEOUT must be positive")
	}
	return nil
}
