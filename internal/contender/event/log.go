package event

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// LogPublisher writes events to the process log. It is the default
// backend and keeps single-host runs free of broker dependencies.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event Event) {
	entry := log.WithField("type", string(event.Type)).WithField("scenario", event.Scenario)
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		entry.WithError(err).Error("failed to marshal event payload")
		return
	}
	entry.Info(string(payload))
}

func (LogPublisher) Close() error {
	return nil
}
