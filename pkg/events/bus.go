package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/pkg/broker"
)

// Bus receives broker lifecycle events over Redis pub/sub.
//
// Pub/sub delivery is at-most-once on a best-effort channel; consumers that
// need durable state must read it back from the store.
type Bus struct {
	// Modules
	Redis *redis.Client
	Log   *zap.Logger
	// Settings
	Keys broker.Keys
}

// NewBus builds an event bus on a dedicated Redis connection.
// The connection must not be shared with request/response traffic since
// subscribing puts it into pub/sub mode.
func NewBus(rd *redis.Client, log *zap.Logger, keys broker.Keys) *Bus {
	return &Bus{Redis: rd, Log: log, Keys: keys}
}

// Subscription is a live pub/sub stream of decoded events.
type Subscription struct {
	// C delivers events until Close or context cancellation.
	C <-chan *Event

	pubsub *redis.PubSub
}

// Close terminates the stream and releases the pub/sub state.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe listens on exact channel names.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := b.Redis.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return b.pump(ctx, pubsub), nil
}

// SubscribePattern listens on glob-style channel patterns,
// e.g. Keys.EventsMesh("*").
func (b *Bus) SubscribePattern(ctx context.Context, patterns ...string) (*Subscription, error) {
	pubsub := b.Redis.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return b.pump(ctx, pubsub), nil
}

func (b *Bus) pump(ctx context.Context, pubsub *redis.PubSub) *Subscription {
	out := make(chan *Event)
	go func() {
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				ev := new(Event)
				if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
					b.Log.Warn("Dropping malformed event",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				ev.Channel = msg.Channel
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub}
}
