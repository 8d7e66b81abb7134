// Package app wires the Orchestrator Core's components into a runnable
// process: a metadata store, a Job Cache backend, an executor registry, and
// the Scheduler loop that drives jobs through the state machine.
// There is no gateway/transport layer here; New returns a Go value whose
// Job API (internal/api) callers invoke directly.
package app

import (
	"time"

	"github.com/tracdap/orchestrator-core/internal/platform/envutil"
)

// CacheBackend selects which cache.Cache implementation App wires.
type CacheBackend string

const (
	CacheBackendMemory   CacheBackend = "inmemory"
	CacheBackendPostgres CacheBackend = "postgres"
	CacheBackendRedis    CacheBackend = "redis"
)

// Config holds every environment-driven tunable.
// Config is loaded once at startup; this module carries no file-based
// configuration loader.
type Config struct {
	LogMode string

	CacheBackend CacheBackend
	DatabaseURL  string
	RedisAddr    string

	LeaseDuration        time.Duration
	PollInterval         time.Duration
	OperationDeadline    time.Duration
	SchedulerConcurrency int
	MaxAttempts          int
	RetryBackoff         time.Duration

	MetricsEnabled bool
	MetricsAddr    string

	OtelEnabled bool
}

// LoadConfig reads every tunable from the environment, applying this
// module's production defaults (lease 30s, poll 2s, operation deadline
// 30s) when a variable is unset.
func LoadConfig() Config {
	return Config{
		LogMode: envutil.String("LOG_MODE", "development"),

		CacheBackend: CacheBackend(envutil.String("CACHE_BACKEND", string(CacheBackendMemory))),
		DatabaseURL:  envutil.String("DATABASE_URL", ""),
		RedisAddr:    envutil.String("REDIS_ADDR", ""),

		LeaseDuration:        envutil.Duration("LEASE_DURATION", 30*time.Second),
		PollInterval:         envutil.Duration("POLL_INTERVAL", 2*time.Second),
		OperationDeadline:    envutil.Duration("OPERATION_DEADLINE", 30*time.Second),
		SchedulerConcurrency: envutil.Int("SCHEDULER_CONCURRENCY", 8),
		MaxAttempts:          envutil.Int("SCHEDULER_MAX_ATTEMPTS", 5),
		RetryBackoff:         envutil.Duration("SCHEDULER_RETRY_BACKOFF", 5*time.Second),

		MetricsEnabled: envutil.Bool("METRICS_ENABLED", false),
		MetricsAddr:    envutil.String("METRICS_ADDR", ":9090"),

		OtelEnabled: envutil.Bool("OTEL_ENABLED", false),
	}
}
