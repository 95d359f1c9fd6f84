package maintenance

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts maintenance activity. One instance is shared by the loops.
type Metrics struct {
	promotions  metric.Int64Counter
	stalls      metric.Int64Counter
	deadLetters metric.Int64Counter
	cleaned     metric.Int64Counter
}

// NewMetrics registers the maintenance metrics on a meter.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.promotions, err = m.NewInt64Counter("maintenance_promotions")
	if err != nil {
		return nil, err
	}
	metrics.stalls, err = m.NewInt64Counter("maintenance_stalls_detected")
	if err != nil {
		return nil, err
	}
	metrics.deadLetters, err = m.NewInt64Counter("maintenance_dead_letters")
	if err != nil {
		return nil, err
	}
	metrics.cleaned, err = m.NewInt64Counter("maintenance_jobs_cleaned")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
