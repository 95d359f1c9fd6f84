package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
)

func TestRateLimitWindow(t *testing.T) {
	ctx, _, client := setUp(t)
	for i := 0; i < 3; i++ {
		res, err := client.EvalRateLimitCheck(ctx, "api-calls", 3, 60, "", nowMs)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(2-i), res.Remaining)
	}
	res, err := client.EvalRateLimitCheck(ctx, "api-calls", 3, 60, "overflow-job", nowMs)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	// The saturated check queued the job for later.
	queued, err := client.Redis.LRange(ctx, client.Keys.RateLimitQueue("api-calls"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"overflow-job"}, queued)
}

func TestClaimRespectsRateLimit(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"rateLimit":{"key":"slow-api","max":1,"windowSeconds":60}}`)
	for _, id := range []string{"rl-1", "rl-2"} {
		_, err := client.EvalCreateJob(ctx, broker.CreateParams{
			JobID: id, MeshID: "mesh1", Type: "call", Priority: 5,
			ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, "rl-1", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	// The window is consumed, the second job is gated.
	assert.Equal(t, "", claim(t, ctx, client, "mesh1", "srv", nowMs+2))
}

func TestClaimRespectsConcurrencyLimit(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"rateLimit":{"key":"db-conn","maxConcurrent":1}}`)
	for _, id := range []string{"cc-1", "cc-2"} {
		_, err := client.EvalCreateJob(ctx, broker.CreateParams{
			JobID: id, MeshID: "mesh1", Type: "query", Priority: 5,
			ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, "cc-1", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	assert.Equal(t, "", claim(t, ctx, client, "mesh1", "srv", nowMs+2))

	// Completion releases the slot.
	_, err := client.EvalCompleteJob(ctx, "cc-1", "srv",
		string(job.StatusCompleted), nil, nowMs+3)
	require.NoError(t, err)
	assert.Equal(t, "cc-2", claim(t, ctx, client, "mesh1", "srv", nowMs+4))
}

func TestBatchAccumulation(t *testing.T) {
	ctx, _, client := setUp(t)
	for _, id := range []string{"b-1", "b-2", "b-3"} {
		createPending(t, ctx, client, id, "mesh1", "ingest", 5)
	}
	require.NoError(t, client.AppendBatch(ctx, "accum-1", "b-1", "b-2", "b-3"))

	batchID, size, err := client.FinalizeBatch(ctx, "accum-1", "mesh1", "ingest-batch", 6)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	require.NotEmpty(t, batchID)

	// Members left their queues and point at the batch.
	for _, id := range []string{"b-1", "b-2", "b-3"} {
		j, err := client.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusBatched, j.Status)
		assert.Equal(t, batchID, j.BatchID)
	}

	// The batch job itself is claimable at its own priority. FinalizeBatch
	// stamps the queue entry with the wall clock, so claim relative to it.
	assert.Equal(t, batchID, claim(t, ctx, client, "mesh1", "srv",
		job.UnixMilli(time.Now())+1000))

	members, err := client.Redis.LRange(ctx, client.Keys.BatchJobs(batchID), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1", "b-2", "b-3"}, members)

	// Finalizing an empty accumulator fails.
	_, _, err = client.FinalizeBatch(ctx, "accum-1", "mesh1", "ingest-batch", 6)
	assert.ErrorIs(t, err, broker.ErrBatchEmpty)
}

func TestChainSuccessors(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"chain":{"onSuccess":[{"type":"notify","payload":{"channel":"ops"}}]}}`)
	_, err := client.EvalCreateJob(ctx, broker.CreateParams{
		JobID: "head", MeshID: "mesh1", Type: "build", Priority: 5,
		ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
	})
	require.NoError(t, err)
	require.Equal(t, "head", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	_, err = client.EvalCompleteJob(ctx, "head", "srv",
		string(job.StatusCompleted), nil, nowMs+2)
	require.NoError(t, err)

	templates, err := client.PopChain(ctx, "head")
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "notify", templates[0].Type)

	// Draining is destructive.
	templates, err = client.PopChain(ctx, "head")
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestRemoveOnComplete(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"behavior":{"removeOnComplete":true}}`)
	_, err := client.EvalCreateJob(ctx, broker.CreateParams{
		JobID: "ephemeral", MeshID: "mesh1", Type: "ping", Priority: 5,
		ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
	})
	require.NoError(t, err)
	require.Equal(t, "ephemeral", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	_, err = client.EvalCompleteJob(ctx, "ephemeral", "srv",
		string(job.StatusCompleted), nil, nowMs+2)
	require.NoError(t, err)

	_, err = client.GetJob(ctx, "ephemeral")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)
}

func TestCleanReapsExpired(t *testing.T) {
	ctx, _, client := setUp(t)
	createPending(t, ctx, client, "old", "mesh1", "work", 5)
	require.Equal(t, "old", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	_, err := client.EvalCompleteJob(ctx, "old", "srv",
		string(job.StatusCompleted), nil, nowMs+2)
	require.NoError(t, err)

	// Inside retention nothing is removed.
	res, err := client.EvalCleanJobs(ctx, nowMs+3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemovedJobs)

	res, err = client.EvalCleanJobs(ctx,
		nowMs+2+client.Options.CompletedRetention.Milliseconds()+1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemovedJobs)

	_, err = client.GetJob(ctx, "old")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)
}

func TestServerRegistry(t *testing.T) {
	ctx, _, client := setUp(t)
	info := broker.ServerInfo{
		ServerID:     "srv-1",
		Stack:        "go",
		Capabilities: []string{"gpu:a100", "cuda"},
		MeshIDs:      []string{"mesh1", "mesh2"},
		Region:       "eu-west",
	}
	require.NoError(t, client.RegisterServer(ctx, info))

	got, err := client.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.Capabilities, got.Capabilities)
	assert.Equal(t, info.MeshIDs, got.MeshIDs)
	assert.Equal(t, broker.ServerOnline, got.Status)

	mesh, err := client.GetMesh(ctx, "mesh1")
	require.NoError(t, err)
	require.NotNil(t, mesh)
	assert.Equal(t, "mesh1", mesh.ID)
	assert.Equal(t, []string{"srv-1"}, mesh.Members)

	require.NoError(t, client.Heartbeat(ctx, "srv-1", 4))
	got, err = client.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.CurrentLoad)

	require.NoError(t, client.DeregisterServer(ctx, "srv-1", info.MeshIDs))
	got, err = client.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEligibleServers(t *testing.T) {
	ctx, _, client := setUp(t)
	require.NoError(t, client.RegisterServer(ctx, broker.ServerInfo{
		ServerID: "gpu-1", Capabilities: []string{"gpu:a100", "cuda"},
		MeshIDs: []string{"mesh1"}, Region: "eu-west",
	}))
	require.NoError(t, client.RegisterServer(ctx, broker.ServerInfo{
		ServerID: "cpu-1", MeshIDs: []string{"mesh1"}, Region: "us-east",
	}))

	all, err := client.EligibleServers(ctx, "mesh1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	gpu, err := client.EligibleServers(ctx, "mesh1", &job.Target{Capabilities: []string{"gpu:*"}})
	require.NoError(t, err)
	require.Len(t, gpu, 1)
	assert.Equal(t, "gpu-1", gpu[0].ServerID)
}
