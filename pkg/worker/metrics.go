package worker

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Metrics counts the worker's claim and finalize activity.
type Metrics struct {
	claims      metric.Int64Counter
	completions metric.Int64Counter
	failures    metric.Int64Counter
	retries     metric.Int64Counter
	inflight    *int64
}

// NewMetrics registers the worker metrics on a meter.
func NewMetrics(m metric.Meter, w *Worker) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.claims, err = m.NewInt64Counter("worker_claims")
	if err != nil {
		return nil, err
	}
	metrics.completions, err = m.NewInt64Counter("worker_completions")
	if err != nil {
		return nil, err
	}
	metrics.failures, err = m.NewInt64Counter("worker_failures")
	if err != nil {
		return nil, err
	}
	metrics.retries, err = m.NewInt64Counter("worker_retries")
	if err != nil {
		return nil, err
	}
	metrics.inflight = &w.inflight
	if _, err := m.NewInt64UpDownSumObserver("worker_inflight",
		func(_ context.Context, res metric.Int64ObserverResult) {
			res.Observe(atomic.LoadInt64(metrics.inflight))
		}); err != nil {
		return nil, err
	}
	return metrics, nil
}
