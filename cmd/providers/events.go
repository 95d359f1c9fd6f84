package providers

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/events"
)

// NewEventBus builds the pub/sub event bus on its own Redis connection.
// Subscribing switches a connection into pub/sub mode, so the shared client
// cannot be reused here.
func NewEventBus(ctx context.Context, log *zap.Logger, lc fx.Lifecycle, keys broker.Keys) (*events.Bus, error) {
	rd := redis.NewClient(redisOptionsFromEnv())
	if err := rd.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing event bus Redis client")
			return rd.Close()
		},
	})
	return events.NewBus(rd, log, keys), nil
}
