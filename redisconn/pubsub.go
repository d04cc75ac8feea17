package redisconn

import (
	"context"
	"fmt"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/redis/go-redis/v9"
)

// Message is a decoded pub/sub message
type Message struct {
	Channel string
	// Payload is the decoded JSON value, or the raw string if it was not JSON
	Payload interface{}
	Raw     string
}

// Publish JSON-encodes payload and publishes it, returning the receiver count.
// Byte slices and json.RawMessage are published unchanged.
func (m *Manager) Publish(ctx context.Context, channel string, payload interface{}) (int64, error) {
	client, err := m.Client()
	if err != nil {
		return 0, err
	}
	data, err := core.EncodePayload(payload)
	if err != nil {
		return 0, err
	}
	n, err := client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe opens a subscription and waits for the server confirmation so
// messages published after it returns are not missed.
func (m *Manager) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	client, err := m.Client()
	if err != nil {
		return nil, err
	}
	sub := client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	return sub, nil
}

// Unsubscribe removes channels from sub; with no channels it closes sub
func (m *Manager) Unsubscribe(ctx context.Context, sub *redis.PubSub, channels ...string) error {
	if sub == nil {
		return nil
	}
	if len(channels) == 0 {
		return sub.Close()
	}
	return sub.Unsubscribe(ctx, channels...)
}

// Listen decodes messages from sub until ctx is cancelled or sub is closed.
// The returned channel is closed when listening stops.
func (m *Manager) Listen(ctx context.Context, sub *redis.PubSub) <-chan Message {
	out := make(chan Message)
	in := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				payload, err := core.DecodePayload(msg.Payload)
				if err != nil {
					metrics.PayloadDecodeFallbacksTotal.Inc()
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: payload, Raw: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
