package broker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/job"
	"github.com/bridgemq/bridgemq/pkg/redistest"
)

// nowMs is a fixed base timestamp for deterministic script inputs.
const nowMs = int64(1700000000000)

func setUp(t *testing.T) (context.Context, *redistest.Redis, *broker.Client) {
	ctx, cancel := context.WithCancel(context.TODO())
	t.Cleanup(cancel)
	rd, client := redistest.NewBroker(ctx, t)
	t.Cleanup(func() { rd.Close(t) })
	return ctx, rd, client
}

func createPending(t *testing.T, ctx context.Context, c *broker.Client, id, mesh, jobType string, priority int) {
	t.Helper()
	res, err := c.EvalCreateJob(ctx, broker.CreateParams{
		JobID:        id,
		MeshID:       mesh,
		Type:         jobType,
		Priority:     priority,
		ScheduledFor: nowMs,
		Now:          nowMs,
		ConfigJSON:   []byte("{}"),
		Payload:      []byte("payload"),
		IndexTTLSec:  3600,
	})
	require.NoError(t, err)
	require.Equal(t, id, res.JobID)
	require.False(t, res.Existing)
}

func claim(t *testing.T, ctx context.Context, c *broker.Client, mesh, server string, at int64) string {
	t.Helper()
	jobID, err := c.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID:   mesh,
		ServerID: server,
		Now:      at,
	})
	require.NoError(t, err)
	return jobID
}

func TestCreateAndGet(t *testing.T) {
	ctx, _, client := setUp(t)
	payload, err := job.EncodePayload(map[string]string{"to": "ops@example.com"})
	require.NoError(t, err)
	res, err := client.CreateJob(ctx, "mesh1", "send-email", payload, &job.Config{
		Priority: 7,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	j, err := client.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "send-email", j.Type)
	assert.Equal(t, "mesh1", j.MeshID)
	assert.Equal(t, 7, j.Priority)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 0, j.Attempt)
	assert.Equal(t, payload, j.Payload)
	assert.Equal(t, 7, j.Config.Priority)

	var decoded map[string]string
	require.NoError(t, client.GetPayload(ctx, res.JobID, &decoded))
	assert.Equal(t, "ops@example.com", decoded["to"])

	count, err := client.PendingCount(ctx, "mesh1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx, _, client := setUp(t)
	_, err := client.CreateJob(ctx, "mesh1", "bad type!", nil, nil)
	require.Error(t, err)
	_, err = client.CreateJob(ctx, "mesh1", "ok-type", nil, &job.Config{Priority: 99})
	require.Error(t, err)
}

func TestGetJobMissing(t *testing.T) {
	ctx, _, client := setUp(t)
	_, err := client.GetJob(ctx, "no-such-job")
	assert.ErrorIs(t, err, broker.ErrJobNotFound)
}

func TestIdempotency(t *testing.T) {
	ctx, _, client := setUp(t)
	params := broker.CreateParams{
		JobID:        "job-a",
		MeshID:       "mesh1",
		Type:         "report",
		Priority:     5,
		ScheduledFor: nowMs,
		Now:          nowMs,
		ConfigJSON:   []byte("{}"),
		IdemKey:      "order-42",
		IndexTTLSec:  3600,
	}
	first, err := client.EvalCreateJob(ctx, params)
	require.NoError(t, err)
	assert.False(t, first.Existing)

	params.JobID = "job-b"
	second, err := client.EvalCreateJob(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, "job-a", second.JobID)
	assert.Equal(t, "idempotency", second.Reason)

	// Only one queue entry exists.
	count, err := client.PendingCount(ctx, "mesh1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFingerprintDedup(t *testing.T) {
	ctx, _, client := setUp(t)
	payload := []byte("identical")
	hash := job.Fingerprint("etl", payload)
	params := broker.CreateParams{
		JobID:        "job-a",
		MeshID:       "mesh1",
		Type:         "etl",
		Priority:     5,
		ScheduledFor: nowMs,
		Now:          nowMs,
		ConfigJSON:   []byte("{}"),
		Payload:      payload,
		Fingerprint:  hash,
		IndexTTLSec:  3600,
	}
	_, err := client.EvalCreateJob(ctx, params)
	require.NoError(t, err)
	params.JobID = "job-b"
	second, err := client.EvalCreateJob(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, "fingerprint", second.Reason)
	assert.Equal(t, "job-a", second.JobID)
}

func TestClaimOrdering(t *testing.T) {
	ctx, _, client := setUp(t)
	// Two priorities, FIFO within a priority.
	createPending(t, ctx, client, "low-1", "mesh1", "work", 3)
	createPending(t, ctx, client, "high-1", "mesh1", "work", 8)
	createPending(t, ctx, client, "high-2", "mesh1", "work", 8)

	assert.Equal(t, "high-1", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	assert.Equal(t, "high-2", claim(t, ctx, client, "mesh1", "srv", nowMs+2))
	assert.Equal(t, "low-1", claim(t, ctx, client, "mesh1", "srv", nowMs+3))
	assert.Equal(t, "", claim(t, ctx, client, "mesh1", "srv", nowMs+4))
}

func TestClaimExclusive(t *testing.T) {
	ctx, _, client := setUp(t)
	createPending(t, ctx, client, "solo", "mesh1", "work", 5)
	assert.Equal(t, "solo", claim(t, ctx, client, "mesh1", "srv-1", nowMs+1))
	assert.Equal(t, "", claim(t, ctx, client, "mesh1", "srv-2", nowMs+1))

	j, err := client.GetJob(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, j.Status)
	assert.Equal(t, "srv-1", j.ProcessedBy)
	assert.Equal(t, nowMs+1, j.ClaimedAt)
}

func TestClaimRouting(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"target":{"capabilities":["gpu:*"]}}`)
	_, err := client.EvalCreateJob(ctx, broker.CreateParams{
		JobID: "gpu-job", MeshID: "mesh1", Type: "train", Priority: 5,
		ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
	})
	require.NoError(t, err)

	// A worker without the capability cannot claim.
	jobID, err := client.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID: "mesh1", ServerID: "cpu-srv", Now: nowMs + 1,
		Capabilities: []string{"cpu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "", jobID)

	jobID, err = client.EvalClaimJob(ctx, broker.ClaimParams{
		MeshID: "mesh1", ServerID: "gpu-srv", Now: nowMs + 1,
		Capabilities: []string{"gpu:a100"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpu-job", jobID)
}

func TestClaimConcurrent(t *testing.T) {
	ctx, _, client := setUp(t)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		createPending(t, ctx, client, fmt.Sprintf("job-%02d", i), "mesh1", "work", 5)
	}

	// Racing claimers must partition the queue without overlap.
	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			for {
				jobID, err := client.EvalClaimJob(ctx, broker.ClaimParams{
					MeshID: "mesh1", ServerID: server, Now: nowMs + 1,
				})
				if err != nil || jobID == "" {
					return
				}
				mu.Lock()
				prev, dup := claimed[jobID]
				claimed[jobID] = server
				mu.Unlock()
				if dup {
					t.Errorf("job %s claimed by both %s and %s", jobID, prev, server)
				}
			}
		}(fmt.Sprintf("srv-%d", s))
	}
	wg.Wait()
	assert.Len(t, claimed, jobs)
}

func TestCompleteJob(t *testing.T) {
	ctx, _, client := setUp(t)
	createPending(t, ctx, client, "done-me", "mesh1", "work", 5)
	require.Equal(t, "done-me", claim(t, ctx, client, "mesh1", "srv-1", nowMs+10))

	// Only the owner may finalize.
	_, err := client.EvalCompleteJob(ctx, "done-me", "srv-2",
		string(job.StatusCompleted), nil, nowMs+20)
	assert.ErrorIs(t, err, broker.ErrNotOwner)

	res, err := client.EvalCompleteJob(ctx, "done-me", "srv-1",
		string(job.StatusCompleted), []byte(`{"ok":true}`), nowMs+30)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.ProcessingTime)

	j, err := client.GetJob(ctx, "done-me")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, nowMs+30, j.CompletedAt)

	var result map[string]bool
	require.NoError(t, client.GetResult(ctx, "done-me", &result))
	assert.True(t, result["ok"])

	// Double completion fails, the lock is gone.
	_, err = client.EvalCompleteJob(ctx, "done-me", "srv-1",
		string(job.StatusCompleted), nil, nowMs+40)
	assert.ErrorIs(t, err, broker.ErrNotOwner)

	completed, err := client.Redis.HGet(ctx, client.Keys.MeshTotals("mesh1"), "completed").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), completed)
}

func TestRetryToDeadLetter(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"retry":{"maxAttempts":3,"backoff":"exponential","baseDelayMs":1000,"maxDelayMs":60000,"jitterFactor":0}}`)
	_, err := client.EvalCreateJob(ctx, broker.CreateParams{
		JobID: "flaky", MeshID: "mesh1", Type: "work", Priority: 5,
		ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
	})
	require.NoError(t, err)

	at := nowMs
	for attempt := 1; attempt <= 2; attempt++ {
		at += 100000
		require.Equal(t, "flaky", claim(t, ctx, client, "mesh1", "srv", at))
		res, err := client.EvalRetryJob(ctx, "flaky", "srv",
			[]byte(`{"message":"boom"}`), at+10, 0)
		require.NoError(t, err)
		assert.Equal(t, attempt, res.Attempt)
		assert.True(t, res.WillRetry)
		// Exponential backoff without jitter.
		assert.Equal(t, int64(1000)<<(attempt-1), res.Delay)

		// The job sits in the delayed set until due.
		assert.Equal(t, "", claim(t, ctx, client, "mesh1", "srv", at+20))
		promoted, err := client.EvalProcessDelayed(ctx, at+10+res.Delay)
		require.NoError(t, err)
		require.Equal(t, 1, promoted.Processed)
	}

	// Third failure exhausts the budget.
	at += 100000
	require.Equal(t, "flaky", claim(t, ctx, client, "mesh1", "srv", at))
	res, err := client.EvalRetryJob(ctx, "flaky", "srv",
		[]byte(`{"message":"boom"}`), at+10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.True(t, res.MovedToDLQ)

	j, err := client.GetJob(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempt)

	dlq, err := client.DLQJobs(ctx, "mesh1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, dlq)

	history, err := client.GetErrors(ctx, "flaky")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRequeueDLQ(t *testing.T) {
	ctx, _, client := setUp(t)
	cfg := []byte(`{"retry":{"maxAttempts":1}}`)
	_, err := client.EvalCreateJob(ctx, broker.CreateParams{
		JobID: "dead", MeshID: "mesh1", Type: "work", Priority: 5,
		ScheduledFor: nowMs, Now: nowMs, ConfigJSON: cfg, IndexTTLSec: 3600,
	})
	require.NoError(t, err)
	require.Equal(t, "dead", claim(t, ctx, client, "mesh1", "srv", nowMs+1))
	res, err := client.EvalRetryJob(ctx, "dead", "srv", []byte(`{"message":"x"}`), nowMs+2, 0)
	require.NoError(t, err)
	require.True(t, res.MovedToDLQ)

	require.NoError(t, client.RequeueDLQ(ctx, "mesh1", "dead"))
	j, err := client.GetJob(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 0, j.Attempt)

	claimed := claim(t, ctx, client, "mesh1", "srv", time.Now().UnixNano()/1e6+1000)
	assert.Equal(t, "dead", claimed)

	assert.ErrorIs(t, client.RequeueDLQ(ctx, "mesh1", "never-there"), broker.ErrJobNotFound)
}
