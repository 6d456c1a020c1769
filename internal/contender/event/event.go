// Package event publishes the harness's observations: periodic metrics
// and wait-event reports, lifecycle transitions and the final stats of
// a stopped run. Publishing is fire-and-forget with at-most-once
// delivery per tick; a broker outage must never slow down or stop a
// running scenario, so implementations log failures and drop.
package event

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"

	"github.com/contenderproject/contender/internal/common/contendererrors"
	"github.com/contenderproject/contender/internal/contender/configuration"
	"github.com/contenderproject/contender/internal/contender/database"
)

type Type string

const (
	TypeMetrics    Type = "metrics"
	TypeWaitEvents Type = "wait-events"
	TypeStatus     Type = "status"
	TypeStopped    Type = "stopped"
)

// Phase values carried by status events.
const (
	PhaseStarting = "starting"
	PhaseRunning  = "running"
	PhaseStopped  = "stopped"
	PhaseError    = "error"
)

// Event is the envelope for everything published.
type Event struct {
	Type      Type        `json:"type"`
	Scenario  string      `json:"scenario"`
	RunID     string      `json:"runId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// StatusPayload describes a lifecycle transition.
type StatusPayload struct {
	Phase   string        `json:"phase"`
	Message string        `json:"message,omitempty"`
	Pool    database.Stat `json:"pool"`
}

// Publisher delivers events without ever blocking scenario progress on
// broker trouble.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// NewPublisher builds the publisher selected by config.Backend.
func NewPublisher(config configuration.EventsConfig) (Publisher, error) {
	switch strings.ToLower(config.Backend) {
	case "", "log":
		return LogPublisher{}, nil
	case "redis":
		db := redis.NewUniversalClient(&config.Redis)
		return NewRedisPublisher(db, config.Stream, config.StreamExpiry), nil
	case "pulsar":
		return NewPulsarPublisher(config.Pulsar, config.Stream)
	default:
		return nil, &contendererrors.ErrInvalidConfig{
			Name:    "events.backend",
			Value:   config.Backend,
			Message: `must be one of "redis", "pulsar" or "log"`,
		}
	}
}

// Collector is an in-memory Publisher used by tests across the
// scenario packages.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Publish(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *Collector) Close() error {
	return nil
}

func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event{}, c.events...)
}

func (c *Collector) OfType(eventType Type) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matching []Event
	for _, e := range c.events {
		if e.Type == eventType {
			matching = append(matching, e)
		}
	}
	return matching
}
