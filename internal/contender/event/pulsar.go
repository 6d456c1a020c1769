package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/contenderproject/contender/internal/contender/configuration"
)

// PulsarPublisher sends events to one pulsar topic. Sends are
// asynchronous; delivery failures are logged and the event dropped.
type PulsarPublisher struct {
	client   pulsar.Client
	producer pulsar.Producer
	logCache *gocache.Cache
}

func NewPulsarPublisher(config configuration.PulsarConfig, topic string) (*PulsarPublisher, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               config.URL,
		ConnectionTimeout: config.ConnectionTimeout,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:       topic,
		SendTimeout: config.SendTimeout,
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "error creating pulsar producer for topic %s", topic)
	}
	return &PulsarPublisher{
		client:   client,
		producer: producer,
		logCache: gocache.New(errorLogSuppression, time.Minute),
	}, nil
}

func (p *PulsarPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Errorf("failed to marshal %s event", event.Type)
		return
	}
	p.producer.SendAsync(ctx, &pulsar.ProducerMessage{Payload: data},
		func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			if err != nil {
				p.logDropped(event, err)
			}
		})
}

func (p *PulsarPublisher) Close() error {
	p.producer.Close()
	p.client.Close()
	return nil
}

func (p *PulsarPublisher) logDropped(event Event, err error) {
	if _, muted := p.logCache.Get(err.Error()); muted {
		return
	}
	p.logCache.SetDefault(err.Error(), struct{}{})
	log.WithError(err).WithField("topic", p.producer.Topic()).
		Warnf("dropped %s event, pulsar publish failed", event.Type)
}
