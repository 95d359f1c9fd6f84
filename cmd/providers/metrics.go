package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const ConfMetricsAddr = "metrics.addr"

func init() {
	viper.SetDefault(ConfMetricsAddr, "")
}

// metricsHandler is the Prometheus scrape handler built by SetupPrometheus.
var metricsHandler http.Handler

// SetupPrometheus configures the OpenTelemetry Prometheus export pipeline.
// Must run before the application meter is created.
// Returns the Prometheus scrape HTTP handler.
func SetupPrometheus() (http.Handler, error) {
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	metricsHandler = exporter
	return exporter, nil
}

// ServeMetrics exposes the Prometheus handler when metrics.addr is set.
func ServeMetrics(log *zap.Logger, lc fx.Lifecycle) {
	addr := viper.GetString(ConfMetricsAddr)
	if addr == "" || metricsHandler == nil {
		return
	}
	server := &http.Server{Addr: addr, Handler: metricsHandler}
	RunWithContext(lc, func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		log.Info("Serving metrics", zap.String(ConfMetricsAddr, addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	})
}
