package providers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConfRedisNetwork      = "redis.network"
	ConfRedisAddr         = "redis.addr"
	ConfRedisDB           = "redis.db"
	ConfRedisPassword     = "redis.password"
	ConfRedisPoolSize     = "redis.pool_size"
	ConfRedisMinIdleConns = "redis.min_idle_conns"
	ConfRedisPoolTimeout  = "redis.pool_timeout"
	ConfRedisMaxRetries   = "redis.max_retries"
	ConfRedisConnectWait  = "redis.connect_wait"
)

func init() {
	viper.SetDefault(ConfRedisNetwork, "tcp")
	viper.SetDefault(ConfRedisAddr, "localhost:6379")
	viper.SetDefault(ConfRedisDB, 0)
	viper.SetDefault(ConfRedisPassword, "")
	viper.SetDefault(ConfRedisPoolSize, 16)
	viper.SetDefault(ConfRedisMinIdleConns, 2)
	viper.SetDefault(ConfRedisPoolTimeout, 4*time.Second)
	viper.SetDefault(ConfRedisMaxRetries, 3)
	viper.SetDefault(ConfRedisConnectWait, 30*time.Second)
}

func redisOptionsFromEnv() *redis.Options {
	return &redis.Options{
		Network:      viper.GetString(ConfRedisNetwork),
		Addr:         viper.GetString(ConfRedisAddr),
		DB:           viper.GetInt(ConfRedisDB),
		Password:     viper.GetString(ConfRedisPassword),
		PoolSize:     viper.GetInt(ConfRedisPoolSize),
		MinIdleConns: viper.GetInt(ConfRedisMinIdleConns),
		PoolTimeout:  viper.GetDuration(ConfRedisPoolTimeout),
		MaxRetries:   viper.GetInt(ConfRedisMaxRetries),
	}
}

// NewRedis connects the shared Redis client, waiting for the server with
// exponential backoff.
func NewRedis(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	redisOpts := redisOptionsFromEnv()
	log.Info("Connecting to Redis",
		zap.String(ConfRedisNetwork, redisOpts.Network),
		zap.String(ConfRedisAddr, redisOpts.Addr),
		zap.Int(ConfRedisDB, redisOpts.DB))
	rd := redis.NewClient(redisOpts)
	connectBackoff := backoff.NewExponentialBackOff()
	connectBackoff.MaxElapsedTime = viper.GetDuration(ConfRedisConnectWait)
	err := backoff.RetryNotify(func() error {
		return rd.Ping(ctx).Err()
	}, backoff.WithContext(connectBackoff, ctx), func(err error, wait time.Duration) {
		log.Warn("Redis not ready, retrying",
			zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Redis client")
			err := rd.Close()
			if err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
			return err
		},
	})
	return rd, nil
}
