package providers

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/pkg/worker"
)

const (
	ConfWorkerServerID          = "worker.server_id"
	ConfWorkerMeshes            = "worker.meshes"
	ConfWorkerStack             = "worker.stack"
	ConfWorkerCapabilities      = "worker.capabilities"
	ConfWorkerRegion            = "worker.region"
	ConfWorkerConcurrency       = "worker.concurrency"
	ConfWorkerPollInterval      = "worker.poll_interval"
	ConfWorkerClaimsPerSecond   = "worker.claims_per_second"
	ConfWorkerHeartbeatInterval = "worker.heartbeat_interval"
	ConfWorkerShutdownTimeout   = "worker.shutdown_timeout"
)

func init() {
	defaults := worker.DefaultOptions
	viper.SetDefault(ConfWorkerServerID, "")
	viper.SetDefault(ConfWorkerMeshes, []string{"default"})
	viper.SetDefault(ConfWorkerStack, "")
	viper.SetDefault(ConfWorkerCapabilities, []string{})
	viper.SetDefault(ConfWorkerRegion, "")
	viper.SetDefault(ConfWorkerConcurrency, defaults.Concurrency)
	viper.SetDefault(ConfWorkerPollInterval, defaults.PollInterval)
	viper.SetDefault(ConfWorkerClaimsPerSecond, float64(0))
	viper.SetDefault(ConfWorkerHeartbeatInterval, defaults.HeartbeatInterval)
	viper.SetDefault(ConfWorkerShutdownTimeout, defaults.ShutdownTimeout)
}

// NewWorkerOptions reads the worker settings. A missing server ID is derived
// from the hostname plus a random suffix.
func NewWorkerOptions(log *zap.Logger) *worker.Options {
	serverID := viper.GetString(ConfWorkerServerID)
	if serverID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		serverID = hostname + "-" + uuid.NewString()[:8]
		log.Info("Generated server ID", zap.String(ConfWorkerServerID, serverID))
	}
	return &worker.Options{
		ServerID:          serverID,
		MeshIDs:           viper.GetStringSlice(ConfWorkerMeshes),
		Stack:             viper.GetString(ConfWorkerStack),
		Capabilities:      viper.GetStringSlice(ConfWorkerCapabilities),
		Region:            viper.GetString(ConfWorkerRegion),
		Concurrency:       viper.GetInt(ConfWorkerConcurrency),
		PollInterval:      viper.GetDuration(ConfWorkerPollInterval),
		ClaimsPerSecond:   viper.GetFloat64(ConfWorkerClaimsPerSecond),
		HeartbeatInterval: viper.GetDuration(ConfWorkerHeartbeatInterval),
		ShutdownTimeout:   viper.GetDuration(ConfWorkerShutdownTimeout),
	}
}
