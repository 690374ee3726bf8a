package offender

import (
	"context"
	"encoding/json"
	"fmt"

	"tripwatch/internal/models"
	"tripwatch/internal/pubsub"
)

// Downstream consumers accept at most this many trips per message.
const publishBatchSize = 50

// TopicPublisher is the broker-level publish operation.
type TopicPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type exportEnvelope struct {
	Gobits []pubsub.Metadata `json:"gobits"`
	Trips  []*models.Trip    `json:"trips"`
}

// TripPublisher publishes exported trips to a topic in bounded batches.
type TripPublisher struct {
	Broker TopicPublisher
	Topic  string
}

// PublishExportedTrips sends the trips in chunks of publishBatchSize. The
// first failed chunk aborts the remainder.
func (p *TripPublisher) PublishExportedTrips(ctx context.Context, trips []*models.Trip) error {
	for start := 0; start < len(trips); start += publishBatchSize {
		end := start + publishBatchSize
		if end > len(trips) {
			end = len(trips)
		}
		env := exportEnvelope{
			Gobits: []pubsub.Metadata{pubsub.NewMetadata("export-trips")},
			Trips:  trips[start:end],
		}
		payload, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		if err := p.Broker.Publish(ctx, p.Topic, payload); err != nil {
			return fmt.Errorf("publish batch of %d trips: %w", end-start, err)
		}
	}
	return nil
}
