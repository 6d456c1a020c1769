// Package waitevent reads backend-wide wait-event counters and turns
// them into raw or baseline-relative reports. Wait events are where
// the contention scenarios become visible on the database side, so the
// stats task publishes these reports next to the workload snapshots.
package waitevent

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/contenderproject/contender/internal/contender/database"
)

// Key identifies one wait event on one backend instance.
type Key struct {
	Instance string `json:"instance"`
	Event    string `json:"event"`
}

// Sample is one cumulative reading for a key.
type Sample struct {
	Waits        int64   `json:"waits"`
	Timeouts     int64   `json:"timeouts"`
	TimeWaitedMs float64 `json:"timeWaitedMs"`
}

// Source reads the backend's cumulative wait-event samples.
type Source interface {
	Read(ctx context.Context) (map[Key]Sample, error)
}

// defaultSamplePeriod matches the pg_wait_sampling default
// profile_period of 10ms.
const defaultSamplePeriod = 10 * time.Millisecond

const (
	probeProfileSQL = "SELECT count(*) FROM pg_wait_sampling_profile"
	readProfileSQL  = "SELECT event_type || ':' || event, sum(count)::bigint " +
		"FROM pg_wait_sampling_profile WHERE event IS NOT NULL GROUP BY 1"
	instanceSQL = "SELECT COALESCE(inet_server_addr()::text || ':' || inet_server_port()::text, 'local')"
)

// PgWaitSamplingSource reads the pg_wait_sampling extension's profile
// view. The extension counts sampled waits rather than timing them, so
// time waited is estimated as count times the sampling period.
type PgWaitSamplingSource struct {
	pool     database.Pool
	instance string
	periodMs float64
}

// NewPgWaitSamplingSource probes the profile view once and resolves
// the instance label. A missing pg_wait_sampling extension is a setup
// error; scenarios work without wait-event reporting, but a source
// must not be constructed.
func NewPgWaitSamplingSource(
	ctx context.Context,
	pool database.Pool,
	instance string,
	samplePeriod time.Duration,
) (*PgWaitSamplingSource, error) {
	if samplePeriod <= 0 {
		samplePeriod = defaultSamplePeriod
	}
	session, err := pool.Acquire(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer session.Release()

	if err := drain(ctx, session, probeProfileSQL); err != nil {
		if database.IsUndefinedObject(err) {
			return nil, errors.WithMessage(err, "the pg_wait_sampling extension is not installed")
		}
		return nil, err
	}
	if instance == "" {
		instance, err = queryString(ctx, session, instanceSQL)
		if err != nil {
			return nil, err
		}
	}
	return &PgWaitSamplingSource{
		pool:     pool,
		instance: instance,
		periodMs: float64(samplePeriod) / float64(time.Millisecond),
	}, nil
}

func (s *PgWaitSamplingSource) Read(ctx context.Context) (map[Key]Sample, error) {
	session, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer session.Release()

	rows, err := session.Query(ctx, readProfileSQL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	samples := map[Key]Sample{}
	for rows.Next() {
		var event string
		var waits int64
		if err := rows.Scan(&event, &waits); err != nil {
			return nil, errors.WithStack(err)
		}
		samples[Key{Instance: s.instance, Event: event}] = Sample{
			Waits:        waits,
			TimeWaitedMs: float64(waits) * s.periodMs,
		}
	}
	return samples, errors.WithStack(rows.Err())
}

func drain(ctx context.Context, session database.Session, sql string) error {
	rows, err := session.Query(ctx, sql)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return errors.WithStack(rows.Err())
}

func queryString(ctx context.Context, session database.Session, sql string) (string, error) {
	rows, err := session.Query(ctx, sql)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer rows.Close()
	var value string
	for rows.Next() {
		if err := rows.Scan(&value); err != nil {
			return "", errors.WithStack(err)
		}
	}
	return value, errors.WithStack(rows.Err())
}
