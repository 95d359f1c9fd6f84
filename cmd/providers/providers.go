package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger, built by the root command.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// broker.go
	NewKeys,
	NewBrokerOptions,
	NewBroker,
	NewMeshCache,
	// events.go
	NewEventBus,
	// providers.go
	NewContext,
	// redis.go
	NewRedis,
	// worker.go
	NewWorkerOptions,
}

// NewApp assembles an fx application with the shared providers.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd wraps a one-shot invocation, for admin commands.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invoke),
		)
		if err := app.Start(context.Background()); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(context.Background()); err != nil {
			Log.Fatal("Failed to stop", zap.Error(err))
		}
	}
}

// NewContext returns a context bound to the fx lifecycle.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// RunWithContext executes fn on a goroutine tied to the application lifecycle.
// The context is cancelled on shutdown and OnStop waits for fn to return.
func RunWithContext(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
