package maintenance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/maintenance"
	"github.com/bridgemq/bridgemq/pkg/redistest"
)

func TestPromoterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	client.Options.PromoteInterval = 10 * time.Millisecond

	res, err := client.CreateJob(ctx, "mesh1", "later", nil, &job.Config{
		Schedule: &job.ScheduleConfig{Delay: 50},
	})
	require.NoError(t, err)
	j, err := client.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, job.StatusScheduled, j.Status)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	p := &maintenance.Promoter{Broker: client, Log: zaptest.NewLogger(t)}
	go func() { _ = p.Run(loopCtx) }()

	require.Eventually(t, func() bool {
		j, err := client.GetJob(ctx, res.JobID)
		return err == nil && j.Status == job.StatusPending
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchdogRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	client.Options.StallInterval = 10 * time.Millisecond
	client.Options.StallTimeout = 50 * time.Millisecond

	res, err := client.CreateJob(ctx, "mesh1", "work", nil, nil)
	require.NoError(t, err)
	jobID, err := client.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID: "mesh1", ServerID: "srv-dead", Now: job.UnixMilli(time.Now()),
	})
	require.NoError(t, err)
	require.Equal(t, res.JobID, jobID)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	w := &maintenance.Watchdog{Broker: client, Log: zaptest.NewLogger(t)}
	go func() { _ = w.Run(loopCtx) }()

	// The lock is never renewed, so the watchdog requeues the job.
	require.Eventually(t, func() bool {
		j, err := client.GetJob(ctx, res.JobID)
		return err == nil && j.Status == job.StatusPending && j.StalledCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCleanerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	client.Options.CleanInterval = 10 * time.Millisecond
	client.Options.CompletedRetention = 50 * time.Millisecond

	res, err := client.CreateJob(ctx, "mesh1", "work", nil, nil)
	require.NoError(t, err)
	now := job.UnixMilli(time.Now())
	jobID, err := client.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID: "mesh1", ServerID: "srv", Now: now,
	})
	require.NoError(t, err)
	require.Equal(t, res.JobID, jobID)
	_, err = client.EvalCompleteJob(ctx, jobID, "srv",
		string(job.StatusCompleted), nil, now)
	require.NoError(t, err)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	c := &maintenance.Cleaner{Broker: client, Log: zaptest.NewLogger(t)}
	go func() { _ = c.Run(loopCtx) }()

	require.Eventually(t, func() bool {
		_, err := client.GetJob(ctx, res.JobID)
		return errors.Is(err, broker.ErrJobNotFound)
	}, 5*time.Second, 10*time.Millisecond)
}
