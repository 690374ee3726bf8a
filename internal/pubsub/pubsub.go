package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker publishes and collects queue messages over redis channels.
type Broker struct {
	client *redis.Client
}

// NewBroker connects a broker to the redis instance at addr.
func NewBroker(addr string) *Broker {
	return &Broker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Publish sends one payload to a topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Collect subscribes to a topic and hands every payload to handle until the
// collection window elapses. The window is a fixed bound on how long one
// invocation accepts messages, not a cancellation signal.
func (b *Broker) Collect(ctx context.Context, topic string, window time.Duration, handle func(payload []byte)) error {
	sub := b.client.Subscribe(ctx, topic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ch := sub.Channel()
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// PushEnvelope is the HTTP push form of a queue message. Data arrives
// base64-encoded and decodes transparently.
type PushEnvelope struct {
	Subscription string `json:"subscription"`
	Message      struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

// DecodePush unpacks a push envelope, returning the subscription name and
// the decoded payload.
func DecodePush(body []byte) (string, []byte, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("push envelope: %w", err)
	}
	if len(env.Message.Data) == 0 {
		return env.Subscription, nil, fmt.Errorf("push envelope: empty message data")
	}
	return env.Subscription, env.Message.Data, nil
}

// Metadata describes the run that published a message; it travels in the
// envelope's gobits list.
type Metadata struct {
	ProcessedAt string `json:"processed_at"`
	Function    string `json:"function"`
	Hostname    string `json:"hostname,omitempty"`
}

// NewMetadata stamps metadata for the named processing step.
func NewMetadata(function string) Metadata {
	host, _ := os.Hostname()
	return Metadata{
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
		Function:    function,
		Hostname:    host,
	}
}
