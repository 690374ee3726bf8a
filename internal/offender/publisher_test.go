package offender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwatch/internal/models"
)

type stubBroker struct {
	topics   []string
	payloads [][]byte
	failAt   int // 1-based publish call that fails, 0 never
}

func (s *stubBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if s.failAt > 0 && len(s.payloads)+1 == s.failAt {
		return errors.New("broker down")
	}
	s.topics = append(s.topics, topic)
	s.payloads = append(s.payloads, payload)
	return nil
}

func publishTrips(n int) []*models.Trip {
	trips := make([]*models.Trip, n)
	for i := range trips {
		trips[i] = &models.Trip{
			ID:      uuid.NewString(),
			EndedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		}
	}
	return trips
}

func TestPublishExportedTripsChunks(t *testing.T) {
	broker := &stubBroker{}
	pub := &TripPublisher{Broker: broker, Topic: "exported-trips"}

	require.NoError(t, pub.PublishExportedTrips(context.Background(), publishTrips(120)))
	require.Len(t, broker.payloads, 3)
	assert.Equal(t, "exported-trips", broker.topics[0])

	var sizes []int
	for _, payload := range broker.payloads {
		var env exportEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		sizes = append(sizes, len(env.Trips))
		require.Len(t, env.Gobits, 1)
		assert.Equal(t, "export-trips", env.Gobits[0].Function)
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)
}

func TestPublishExportedTripsAbortsOnFailure(t *testing.T) {
	broker := &stubBroker{failAt: 2}
	pub := &TripPublisher{Broker: broker, Topic: "exported-trips"}

	err := pub.PublishExportedTrips(context.Background(), publishTrips(120))
	require.Error(t, err)
	assert.Len(t, broker.payloads, 1)
}

func TestPublishExportedTripsEmpty(t *testing.T) {
	broker := &stubBroker{}
	pub := &TripPublisher{Broker: broker, Topic: "exported-trips"}

	require.NoError(t, pub.PublishExportedTrips(context.Background(), nil))
	assert.Empty(t, broker.payloads)
}
