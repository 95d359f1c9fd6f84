package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/events"
	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/redistest"
)

func waitEvent(t *testing.T, c <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	bus := events.NewBus(rd.Client, zaptest.NewLogger(t), client.Keys)

	sub, err := bus.Subscribe(ctx, client.Keys.EventsGlobal())
	require.NoError(t, err)
	defer sub.Close()

	res, err := client.CreateJob(ctx, "mesh1", "notify", nil, nil)
	require.NoError(t, err)

	ev := waitEvent(t, sub.C)
	assert.Equal(t, events.JobCreated, ev.Event)
	assert.Equal(t, res.JobID, ev.JobID)
	assert.Equal(t, "mesh1", ev.MeshID)
	assert.Equal(t, "notify", ev.Type)
	assert.Equal(t, client.Keys.EventsGlobal(), ev.Channel)
}

func TestBusSubscribePattern(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	bus := events.NewBus(rd.Client, zaptest.NewLogger(t), client.Keys)

	sub, err := bus.SubscribePattern(ctx, client.Keys.EventsMesh("*"))
	require.NoError(t, err)
	defer sub.Close()

	_, err = client.CreateJob(ctx, "mesh-a", "notify", nil, nil)
	require.NoError(t, err)
	ev := waitEvent(t, sub.C)
	assert.Equal(t, events.JobCreated, ev.Event)
	assert.Equal(t, "mesh-a", ev.MeshID)
	assert.Equal(t, client.Keys.EventsMesh("mesh-a"), ev.Channel)
}

func TestBusLifecycleSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := redistest.NewBroker(ctx, t)
	defer rd.Close(t)
	bus := events.NewBus(rd.Client, zaptest.NewLogger(t), client.Keys)

	sub, err := bus.Subscribe(ctx, client.Keys.EventsGlobal())
	require.NoError(t, err)
	defer sub.Close()

	res, err := client.CreateJob(ctx, "mesh1", "work", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, events.JobCreated, waitEvent(t, sub.C).Event)

	now := job.UnixMilli(time.Now())
	jobID, err := client.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID: "mesh1", ServerID: "srv", Now: now + 1000,
	})
	require.NoError(t, err)
	require.Equal(t, res.JobID, jobID)
	claimed := waitEvent(t, sub.C)
	assert.Equal(t, events.JobClaimed, claimed.Event)
	assert.Equal(t, "srv", claimed.ServerID)

	_, err = client.EvalCompleteJob(ctx, jobID, "srv",
		string(job.StatusCompleted), nil, now+2000)
	require.NoError(t, err)
	completed := waitEvent(t, sub.C)
	assert.Equal(t, events.JobCompleted, completed.Event)
	assert.Equal(t, int64(1000), completed.ProcessingTime)
}
