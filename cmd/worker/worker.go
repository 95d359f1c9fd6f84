// Package worker implements the worker server sub-command.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/cmd/providers"
	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/worker"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run worker server.",
	Long: "Claims and executes jobs from the configured meshes.\n" +
		"The bundled binary only ships diagnostic handlers; production\n" +
		"deployments embed the worker package and register their own.",
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

type workerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Broker    *broker.Client
	Options   *worker.Options
	Meter     metric.Meter
}

// Run wires and starts the worker loop.
func Run(log *zap.Logger, inputs workerIn) {
	w := worker.New(inputs.Broker, log, inputs.Options)
	registerDiagnosticHandlers(w)
	metrics, err := worker.NewMetrics(inputs.Meter, w)
	if err != nil {
		log.Fatal("Failed to register worker metrics", zap.Error(err))
	}
	w.Metrics = metrics
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			log.Error("Worker failed", zap.Error(err))
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Fatal("Failed to shut down", zap.Error(err))
			}
		}
	})
}

// registerDiagnosticHandlers installs the built-in smoke-test job types.
func registerDiagnosticHandlers(w *worker.Worker) {
	w.Register("bridgemq-noop", func(_ context.Context, _ *job.Job) job.Outcome {
		return job.Success(nil)
	})
	w.Register("bridgemq-sleep", func(ctx context.Context, j *job.Job) job.Outcome {
		var params struct {
			Millis int64 `msgpack:"millis" json:"millis"`
		}
		if len(j.Payload) > 0 {
			if err := job.DecodePayload(j.Payload, &params); err != nil {
				return job.Fail(err)
			}
		}
		select {
		case <-ctx.Done():
			return job.Retry(ctx.Err())
		case <-time.After(time.Duration(params.Millis) * time.Millisecond):
		}
		return job.Success(json.RawMessage(`{"slept":true}`))
	})
}
