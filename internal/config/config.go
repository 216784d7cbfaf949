// Package config loads the fleet's resource caps, intervals and seed data
// from the environment, generalizing the teacher's internal/config
// getEnv/getEnvInt helpers to the full set of options spec §6 names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FleetConfig holds the resource caps, intervals and thresholds the
// control plane is parameterized by (spec §6's "Environment surface").
// MaxConcurrentAccounts, MaxConnectionsPerAcct and the three
// *PriorityInterval fields are read from the environment but no component
// consults them: the Scheduler's base intervals are the fixed
// 60s/300s/900s of types.BaseIntervalForTier. SinkBatchSize is only
// validated against the sink's fixed 10-envelope cap.
type FleetConfig struct {
	MaxConcurrentAccounts   int
	MaxConnectionsPerAcct   int
	MaxConnectionsPerServer int
	RateLimitWindow         time.Duration
	MaxRateLimit            int

	MaxWorkers     int
	WorkerTimeout  time.Duration
	TaskQueueDepth int
	MaxTaskRetries int

	HighPriorityInterval   time.Duration
	MediumPriorityInterval time.Duration
	LowPriorityInterval    time.Duration

	MaxConsecutiveFailures int
	BackoffMultiplier      float64

	IdleTimeout     time.Duration
	NoopInterval    time.Duration
	MaxIdleFailures int

	IdleDenyList []string

	SinkEndpoint  string
	SinkBatchSize int

	StatusStoreDSN string

	HealthAddr string

	ShutdownDrainTimeout time.Duration

	LogLevel string

	MailboxSeedPath string

	OTLPMetricsEndpoint string
}

// Load reads a FleetConfig from the process environment, applying the
// spec-mandated defaults named throughout §4 and §5 wherever an override
// is absent. It is read once at startup and threaded by construction into
// every component — this (plus the logger) is the only package-level
// state the Design Notes permit.
func Load() (*FleetConfig, error) {
	cfg := &FleetConfig{
		MaxConcurrentAccounts:   getEnvInt("MAX_CONCURRENT_ACCOUNTS", 5000),
		MaxConnectionsPerAcct:   getEnvInt("MAX_CONNECTIONS_PER_ACCOUNT", 1),
		MaxConnectionsPerServer: getEnvInt("MAX_CONNECTIONS_PER_SERVER", 75),
		RateLimitWindow:         getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second, true),
		MaxRateLimit:            getEnvInt("MAX_RATE_LIMIT", 200),

		MaxWorkers:     getEnvInt("MAX_WORKERS", 50),
		WorkerTimeout:  getEnvDuration("WORKER_TIMEOUT", 5*time.Minute, true),
		TaskQueueDepth: getEnvInt("TASK_QUEUE_DEPTH", 10000),
		MaxTaskRetries: getEnvInt("MAX_TASK_RETRIES", 2),

		HighPriorityInterval:   getEnvDuration("HIGH_PRIORITY_INTERVAL", 60*time.Second, true),
		MediumPriorityInterval: getEnvDuration("MEDIUM_PRIORITY_INTERVAL", 300*time.Second, true),
		LowPriorityInterval:    getEnvDuration("LOW_PRIORITY_INTERVAL", 900*time.Second, true),

		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 3),
		BackoffMultiplier:      getEnvFloat("BACKOFF_MULTIPLIER", 2.0),

		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 30*time.Second, false),
		NoopInterval:    getEnvDuration("NOOP_INTERVAL", 30*time.Second, false),
		MaxIdleFailures: getEnvInt("MAX_IDLE_FAILURES", 3),

		IdleDenyList: splitCSV(getEnv("IDLE_DENY_LIST", "")),

		SinkEndpoint:  getEnv("SINK_ENDPOINT", "http://localhost:9009/ingest"),
		SinkBatchSize: getEnvInt("SINK_BATCH_SIZE", 10),

		StatusStoreDSN: getEnv("STATUS_STORE_DSN", "sqlite:///data/fleet_status.db"),

		HealthAddr: getEnv("HEALTH_ADDR", ":8089"),

		ShutdownDrainTimeout: getEnvDuration("SHUTDOWN_DRAIN_TIMEOUT", 30*time.Second, false),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		MailboxSeedPath: getEnv("MAILBOX_SEED_PATH", ""),

		OTLPMetricsEndpoint: getEnv("OTLP_METRICS_ENDPOINT", ""),
	}

	if cfg.SinkBatchSize > 10 {
		return nil, fmt.Errorf("SINK_BATCH_SIZE must be <= 10, the hard cap spec §5 sets on sink batches")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration reads a duration-valued option. When ms is true the raw
// value is milliseconds (matching spec §6's "(ms)" annotations); otherwise
// it is parsed with time.ParseDuration (e.g. "30s").
func getEnvDuration(key string, defaultValue time.Duration, ms bool) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if ms {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
