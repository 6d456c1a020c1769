package cmd

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/contenderproject/contender/internal/common"
	"github.com/contenderproject/contender/internal/common/health"
	"github.com/contenderproject/contender/internal/contender/configuration"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
	"github.com/contenderproject/contender/internal/contender/metrics"
	"github.com/contenderproject/contender/internal/contender/namespace"
	"github.com/contenderproject/contender/internal/contender/scenario"
)

const (
	configPath = "./config/contender"

	poolOpenAttempts = 5
	poolOpenDelay    = 2 * time.Second
)

// session holds what every scenario command builds from the loaded
// configuration: the event publisher, a retrying pool opener for the engines
// and the metrics endpoint.
type session struct {
	config          configuration.ContenderConfig
	publisher       event.Publisher
	checker         *health.StartupCompleteChecker
	shutdownMetrics func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	overrideConfig, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.ContenderConfig
	if err := common.LoadConfig(&config, configPath, overrideConfig); err != nil {
		return nil, err
	}
	publisher, err := event.NewPublisher(config.Events)
	if err != nil {
		return nil, err
	}
	return &session{
		config:    config,
		publisher: publisher,
		checker:   health.NewStartupCompleteChecker(),
	}, nil
}

func (s *session) services() scenario.Services {
	return scenario.Services{
		OpenPool:   s.openPool,
		Publisher:  s.publisher,
		Workload:   s.config.Workload,
		Stats:      s.config.Stats,
		WaitEvents: s.config.WaitEvents,
	}
}

// serveMetrics exposes the engines on the prometheus endpoint and marks the
// health check complete once they are registered.
func (s *session) serveMetrics(engines ...metrics.StatusSource) {
	metrics.ExposeEngineMetrics(engines...)
	s.shutdownMetrics = common.ServeMetrics(s.config.MetricsPort, s.checker)
	s.checker.MarkComplete()
}

// openPool retries the initial connection so a scenario can be launched
// alongside a database that is still coming up.
func (s *session) openPool(ctx context.Context) (database.Pool, error) {
	var pool database.Pool
	err := retry.Do(
		func() error {
			var err error
			pool, err = database.OpenPool(ctx, s.config.Postgres)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(poolOpenAttempts),
		retry.Delay(poolOpenDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithError(err).Warnf("Could not connect to postgres, retrying (attempt %d of %d)", attempt+1, poolOpenAttempts)
		}),
	)
	return pool, err
}

func (s *session) close() {
	if s.shutdownMetrics != nil {
		s.shutdownMetrics()
	}
	if err := s.publisher.Close(); err != nil {
		log.WithError(err).Warn("Failed to close event publisher")
	}
}

// runFor blocks until the duration elapses or ctx ends on a signal. A zero
// duration runs until interrupted.
func runFor(ctx context.Context, duration time.Duration) {
	if duration > 0 {
		log.Infof("Running for %s, interrupt to stop early", duration)
		timed, cancel := context.WithTimeout(ctx, duration)
		defer cancel()
		<-timed.Done()
		return
	}
	log.Info("Running until interrupted")
	<-ctx.Done()
}

// ensureNamespace fills an empty namespace with a generated one so repeated
// invocations never collide on database objects.
func ensureNamespace(ns namespace.Namespace) namespace.Namespace {
	if ns != "" {
		return ns
	}
	generated := namespace.Namespace("c" + strings.ToLower(shortuuid.New()))
	log.Infof("Using generated namespace %q", generated)
	return generated
}

// bindSpec reads a YAML scenario spec into spec. Decoding goes through
// viper so durations use the usual go syntax, e.g. thinkTime: 5ms.
func bindSpec(path string, spec interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed reading scenario spec %s", path)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "failed parsing scenario spec %s", path)
	}
	if err := v.Unmarshal(spec); err != nil {
		return errors.Wrapf(err, "failed parsing scenario spec %s", path)
	}
	return nil
}
