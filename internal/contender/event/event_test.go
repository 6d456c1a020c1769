package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/configuration"
)

func TestCollectorRecordsEvents(t *testing.T) {
	collector := &Collector{}
	collector.Publish(context.Background(), Event{Type: TypeStatus, Scenario: "mix"})
	collector.Publish(context.Background(), Event{Type: TypeMetrics, Scenario: "mix"})
	collector.Publish(context.Background(), Event{Type: TypeMetrics, Scenario: "mix"})

	assert.Len(t, collector.Events(), 3)
	assert.Len(t, collector.OfType(TypeMetrics), 2)
	assert.Len(t, collector.OfType(TypeStopped), 0)
}

func TestNewPublisherSelectsBackend(t *testing.T) {
	publisher, err := NewPublisher(configuration.EventsConfig{})
	require.NoError(t, err)
	assert.IsType(t, LogPublisher{}, publisher)

	publisher, err = NewPublisher(configuration.EventsConfig{Backend: "log"})
	require.NoError(t, err)
	assert.IsType(t, LogPublisher{}, publisher)

	_, err = NewPublisher(configuration.EventsConfig{Backend: "kafka"})
	var invalid *contendererrors.ErrInvalidConfig
	assert.ErrorAs(t, err, &invalid)
}

func TestLogPublisherPublishes(t *testing.T) {
	publisher := LogPublisher{}
	publisher.Publish(context.Background(), Event{
		Type:      TypeStatus,
		Scenario:  "mix",
		Timestamp: time.Now(),
		Payload:   StatusPayload{Phase: PhaseRunning},
	})
	assert.NoError(t, publisher.Close())
}

// Delivery is fire and forget: a broker that rejects or cannot be
// reached must never propagate an error into the publishing scenario.
func TestRedisPublisherDropsOnBrokerError(t *testing.T) {
	withRedis(func(client *redis.Client) {
		publisher := NewRedisPublisher(client, "contender:events", time.Hour)
		for i := 0; i < 3; i++ {
			publisher.Publish(context.Background(), Event{Type: TypeMetrics, Scenario: "mix"})
		}
	})
}

func TestRedisPublisherDropsWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	publisher := NewRedisPublisher(client, "contender:events", 0)
	defer publisher.Close()

	started := time.Now()
	publisher.Publish(context.Background(), Event{Type: TypeMetrics, Scenario: "mix"})
	publisher.Publish(context.Background(), Event{Type: TypeStopped, Scenario: "mix"})
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestNewPulsarPublisherRejectsBadURL(t *testing.T) {
	_, err := NewPulsarPublisher(configuration.PulsarConfig{URL: "not-a-url"}, "events")
	assert.Error(t, err)
}

func withRedis(action func(client *redis.Client)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	action(client)
}
