// Package allinone implements the single-process deployment sub-command.
package allinone

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/cmd/maintainer"
	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/cmd/worker"
)

// Cmd is the allinone sub-command.
var Cmd = cobra.Command{
	Use:   "allinone",
	Short: "Run worker and maintenance in one process.",
	Long:  "Small deployments run the worker loop and queue maintenance together.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if _, err := providers.SetupPrometheus(); err != nil {
			providers.Log.Fatal("Failed to set up metrics", zap.Error(err))
		}
		app := providers.NewApp(cmd,
			fx.Invoke(providers.ServeMetrics),
			fx.Invoke(maintainer.Run),
			fx.Invoke(worker.Run),
		)
		app.Run()
	},
}
