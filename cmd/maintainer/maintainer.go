// Package maintainer implements the maintenance sub-command.
package maintainer

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/maintenance"
)

// Cmd is the maintainer sub-command.
var Cmd = cobra.Command{
	Use:   "maintainer",
	Short: "Run queue maintenance.",
	Long: "Runs the background loops promoting delayed jobs, recovering\n" +
		"stalled executions and reaping expired records.\n" +
		"One maintainer per deployment is sufficient.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if _, err := providers.SetupPrometheus(); err != nil {
			providers.Log.Fatal("Failed to set up metrics", zap.Error(err))
		}
		app := providers.NewApp(cmd,
			fx.Invoke(providers.ServeMetrics),
			fx.Invoke(Run))
		app.Run()
	},
}

type maintainerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Broker    *broker.Client
	Meter     metric.Meter
}

// Run starts the three maintenance loops.
func Run(log *zap.Logger, inputs maintainerIn) {
	metrics, err := maintenance.NewMetrics(inputs.Meter)
	if err != nil {
		log.Fatal("Failed to register maintenance metrics", zap.Error(err))
	}
	promoter := &maintenance.Promoter{Broker: inputs.Broker, Log: log, Metrics: metrics}
	watchdog := &maintenance.Watchdog{Broker: inputs.Broker, Log: log, Metrics: metrics}
	cleaner := &maintenance.Cleaner{Broker: inputs.Broker, Log: log, Metrics: metrics}
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		_ = promoter.Run(ctx)
	})
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		_ = watchdog.Run(ctx)
	})
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		_ = cleaner.Run(ctx)
	})
}
