package providers

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/meshcache"
)

const (
	ConfBrokerPrefix             = "broker.prefix"
	ConfBrokerClaimScanLimit     = "broker.claim_scan_limit"
	ConfBrokerIndexTTL           = "broker.index_ttl"
	ConfBrokerPromoteInterval    = "broker.promote_interval"
	ConfBrokerPromoteBatch       = "broker.promote_batch"
	ConfBrokerStallInterval      = "broker.stall_interval"
	ConfBrokerStallTimeout       = "broker.stall_timeout"
	ConfBrokerMaxStallCount      = "broker.max_stall_count"
	ConfBrokerCleanInterval      = "broker.clean_interval"
	ConfBrokerCleanBatch         = "broker.clean_batch"
	ConfBrokerCompletedRetention = "broker.completed_retention"
	ConfBrokerCancelledRetention = "broker.cancelled_retention"
	ConfBrokerFailedRetention    = "broker.failed_retention"
	ConfBrokerServerRetention    = "broker.server_retention"
	ConfBrokerServerTTL          = "broker.server_ttl"
	ConfBrokerChainTTL           = "broker.chain_ttl"
	ConfBrokerBatchTTL           = "broker.batch_ttl"

	ConfMeshCacheSize = "mesh_cache.size"
	ConfMeshCacheTTL  = "mesh_cache.ttl"
)

func init() {
	defaults := broker.DefaultOptions
	viper.SetDefault(ConfBrokerPrefix, broker.DefaultPrefix)
	viper.SetDefault(ConfBrokerClaimScanLimit, defaults.ClaimScanLimit)
	viper.SetDefault(ConfBrokerIndexTTL, defaults.IndexTTL)
	viper.SetDefault(ConfBrokerPromoteInterval, defaults.PromoteInterval)
	viper.SetDefault(ConfBrokerPromoteBatch, defaults.PromoteBatch)
	viper.SetDefault(ConfBrokerStallInterval, defaults.StallInterval)
	viper.SetDefault(ConfBrokerStallTimeout, defaults.StallTimeout)
	viper.SetDefault(ConfBrokerMaxStallCount, defaults.MaxStallCount)
	viper.SetDefault(ConfBrokerCleanInterval, defaults.CleanInterval)
	viper.SetDefault(ConfBrokerCleanBatch, defaults.CleanBatch)
	viper.SetDefault(ConfBrokerCompletedRetention, defaults.CompletedRetention)
	viper.SetDefault(ConfBrokerCancelledRetention, defaults.CancelledRetention)
	viper.SetDefault(ConfBrokerFailedRetention, defaults.FailedRetention)
	viper.SetDefault(ConfBrokerServerRetention, defaults.ServerRetention)
	viper.SetDefault(ConfBrokerServerTTL, defaults.ServerTTL)
	viper.SetDefault(ConfBrokerChainTTL, defaults.ChainTTL)
	viper.SetDefault(ConfBrokerBatchTTL, defaults.BatchTTL)

	viper.SetDefault(ConfMeshCacheSize, 256)
	viper.SetDefault(ConfMeshCacheTTL, 30*time.Second)
}

// NewKeys builds the key schema from the configured namespace prefix.
func NewKeys() broker.Keys {
	return broker.NewKeys(viper.GetString(ConfBrokerPrefix))
}

// NewBrokerOptions reads the broker settings.
func NewBrokerOptions() *broker.Options {
	return &broker.Options{
		ClaimScanLimit:     viper.GetUint(ConfBrokerClaimScanLimit),
		IndexTTL:           viper.GetDuration(ConfBrokerIndexTTL),
		PromoteInterval:    viper.GetDuration(ConfBrokerPromoteInterval),
		PromoteBatch:       viper.GetUint(ConfBrokerPromoteBatch),
		StallInterval:      viper.GetDuration(ConfBrokerStallInterval),
		StallTimeout:       viper.GetDuration(ConfBrokerStallTimeout),
		MaxStallCount:      viper.GetInt(ConfBrokerMaxStallCount),
		CleanInterval:      viper.GetDuration(ConfBrokerCleanInterval),
		CleanBatch:         viper.GetUint(ConfBrokerCleanBatch),
		CompletedRetention: viper.GetDuration(ConfBrokerCompletedRetention),
		CancelledRetention: viper.GetDuration(ConfBrokerCancelledRetention),
		FailedRetention:    viper.GetDuration(ConfBrokerFailedRetention),
		ServerRetention:    viper.GetDuration(ConfBrokerServerRetention),
		ServerTTL:          viper.GetDuration(ConfBrokerServerTTL),
		ChainTTL:           viper.GetDuration(ConfBrokerChainTTL),
		BatchTTL:           viper.GetDuration(ConfBrokerBatchTTL),
	}
}

// NewBroker loads the scripts and builds the broker client.
func NewBroker(
	ctx context.Context,
	log *zap.Logger,
	rd *redis.Client,
	keys broker.Keys,
	opts *broker.Options,
	cache *meshcache.Cache,
) (*broker.Client, error) {
	client, err := broker.NewClient(ctx, rd, keys, opts)
	if err != nil {
		return nil, err
	}
	log.Info("Broker scripts loaded", zap.String(ConfBrokerPrefix, keys.Prefix))
	return client.WithMeshCache(cache), nil
}

// NewMeshCache builds the local mesh metadata cache.
func NewMeshCache() (*meshcache.Cache, error) {
	backing, err := lru.New(viper.GetInt(ConfMeshCacheSize))
	if err != nil {
		return nil, err
	}
	return meshcache.New(backing, viper.GetDuration(ConfMeshCacheTTL)), nil
}
