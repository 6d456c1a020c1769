package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type ContenderConfig struct {
	MetricsPort uint16

	Postgres   PostgresConfig
	Events     EventsConfig
	Stats      StatsConfig
	WaitEvents WaitEventsConfig
	Workload   WorkloadConfig
}

type PostgresConfig struct {
	// Connection details in pgx keyword form, e.g. host, port, user, dbname.
	Connection map[string]string
	// Hard ceiling on connections for every pool opened from this config.
	// Scenario concurrency is validated against it at start.
	MaxPoolSize int32
	// Optional statement timeout applied to every pooled connection;
	// zero disables it.
	StatementTimeout time.Duration
}

type EventsConfig struct {
	// Backend selects the publisher implementation: "redis", "pulsar" or "log".
	Backend string
	// Stream (redis) or topic (pulsar) telemetry is published to.
	Stream string
	// How long published redis stream entries are retained.
	StreamExpiry time.Duration

	Redis  redis.UniversalOptions
	Pulsar PulsarConfig
}

type PulsarConfig struct {
	URL               string
	ConnectionTimeout time.Duration
	SendTimeout       time.Duration
}

type StatsConfig struct {
	// Interval between workload metric snapshots.
	WorkloadInterval time.Duration
	// Interval between wait event reports.
	WaitEventInterval time.Duration
}

type WaitEventsConfig struct {
	// Sampling period of the backend profile, used to estimate time waited
	// from sample counts. Should match pg_wait_sampling.profile_period.
	SamplePeriod time.Duration
	// Instance label attached to reports when the backend does not report one.
	Instance string
}

type WorkloadConfig struct {
	// Floor on how long Stop waits for workers to finish their in-flight
	// operation before the run context is cancelled.
	DrainTimeout time.Duration
}
