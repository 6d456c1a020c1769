package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const dataKey = "event"

// errorLogSuppression keeps a flapping broker from writing one error
// line per publish tick.
const errorLogSuppression = 30 * time.Second

// RedisPublisher appends events to one redis stream. Each publish is a
// single pipelined XADD plus, when an expiry is configured, an EXPIRE
// refreshing the stream's TTL.
type RedisPublisher struct {
	db       redis.UniversalClient
	stream   string
	expiry   time.Duration
	logCache *gocache.Cache
}

func NewRedisPublisher(db redis.UniversalClient, stream string, expiry time.Duration) *RedisPublisher {
	return &RedisPublisher{
		db:       db,
		stream:   stream,
		expiry:   expiry,
		logCache: gocache.New(errorLogSuppression, time.Minute),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Errorf("failed to marshal %s event", event.Type)
		return
	}
	pipe := p.db.Pipeline()
	pipe.XAdd(&redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{dataKey: data},
	})
	if p.expiry > 0 {
		pipe.Expire(p.stream, p.expiry)
	}
	if _, err := pipe.Exec(); err != nil {
		p.logDropped(event, err)
	}
}

func (p *RedisPublisher) Close() error {
	return p.db.Close()
}

func (p *RedisPublisher) logDropped(event Event, err error) {
	if _, muted := p.logCache.Get(err.Error()); muted {
		return
	}
	p.logCache.SetDefault(err.Error(), struct{}{})
	log.WithError(err).WithField("stream", p.stream).
		Warnf("dropped %s event, redis publish failed", event.Type)
}
