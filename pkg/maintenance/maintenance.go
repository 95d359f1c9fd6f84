// Package maintenance runs the background loops that keep the queue healthy:
// promoting due delayed jobs, recovering stalled executions and reaping
// expired records.
//
// All three loops are safe to run on multiple processes at once since every
// step executes as one atomic script, but a single maintainer per deployment
// is sufficient and avoids redundant scans.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
)

// Promoter moves due delayed jobs into their priority queues.
type Promoter struct {
	Broker  *broker.Client
	Log     *zap.Logger
	Metrics *Metrics
}

// Run executes promotion steps until ctx is cancelled.
// Script failures are logged and retried on the next tick.
func (p *Promoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Broker.Options.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.step(ctx); err != nil {
				p.Log.Error("Promotion step failed", zap.Error(err))
			}
		}
	}
}

func (p *Promoter) step(ctx context.Context) error {
	res, err := p.Broker.EvalProcessDelayed(ctx, job.UnixMilli(time.Now()))
	if err != nil {
		return err
	}
	if res.Processed > 0 {
		if p.Metrics != nil {
			p.Metrics.promotions.Add(ctx, int64(res.Processed))
		}
		p.Log.Debug("Promoted delayed jobs",
			zap.Int("count", res.Processed),
			zap.Strings("jobs", res.JobIDs))
	}
	return nil
}

// Watchdog recovers jobs whose server stopped renewing the execution lock.
type Watchdog struct {
	Broker  *broker.Client
	Log     *zap.Logger
	Metrics *Metrics
}

// Run executes stall scans until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Broker.Options.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.step(ctx); err != nil {
				w.Log.Error("Stall scan failed", zap.Error(err))
			}
		}
	}
}

func (w *Watchdog) step(ctx context.Context) error {
	res, err := w.Broker.EvalDetectStalled(ctx, job.UnixMilli(time.Now()))
	if err != nil {
		return err
	}
	if res.Detected > 0 {
		if w.Metrics != nil {
			w.Metrics.stalls.Add(ctx, int64(res.Detected))
			w.Metrics.deadLetters.Add(ctx, int64(res.MovedToDLQ))
		}
		w.Log.Warn("Recovered stalled jobs",
			zap.Int("detected", res.Detected),
			zap.Int("requeued", res.Recovered),
			zap.Int("dead_lettered", res.MovedToDLQ))
	}
	return nil
}

// Cleaner reaps terminal jobs past retention and dead server entries.
type Cleaner struct {
	Broker  *broker.Client
	Log     *zap.Logger
	Metrics *Metrics
}

// Run executes cleanup sweeps until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Broker.Options.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.step(ctx); err != nil {
				c.Log.Error("Cleanup sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *Cleaner) step(ctx context.Context) error {
	res, err := c.Broker.EvalCleanJobs(ctx, job.UnixMilli(time.Now()))
	if err != nil {
		return err
	}
	if res.RemovedJobs > 0 || res.RemovedServers > 0 {
		if c.Metrics != nil {
			c.Metrics.cleaned.Add(ctx, int64(res.RemovedJobs))
		}
		c.Log.Info("Cleanup sweep",
			zap.Int("removed_jobs", res.RemovedJobs),
			zap.Int("scanned", res.Scanned),
			zap.Int("removed_servers", res.RemovedServers))
	}
	return nil
}
