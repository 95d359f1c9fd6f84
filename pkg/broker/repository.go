package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/bridgemq/bridgemq/pkg/job"
)

// CreateJob validates a job request, resolves its schedule and runs the
// create-job script. A zero ID is replaced with a random UUID. The returned
// result carries the canonical job ID, which differs from the request when an
// idempotency key or fingerprint matched an existing job.
func (c *Client) CreateJob(ctx context.Context, meshID, jobType string, payload []byte, cfg *job.Config) (CreateResult, error) {
	if !job.TypePattern.MatchString(jobType) {
		return CreateResult{}, job.NewError(job.CodeInvalidJobType, "invalid job type: %q", jobType)
	}
	if err := cfg.Validate(); err != nil {
		return CreateResult{}, err
	}
	now := time.Now()
	var schedule *job.ScheduleConfig
	if cfg != nil {
		schedule = cfg.Schedule
	}
	scheduledFor, err := job.ResolveSchedule(schedule, now)
	if err != nil {
		return CreateResult{}, err
	}
	configJSON := []byte("{}")
	if cfg != nil {
		configJSON, err = json.Marshal(cfg)
		if err != nil {
			return CreateResult{}, job.NewError(job.CodeInvalidConfig, "config not serializable: %s", err)
		}
	}
	p := CreateParams{
		JobID:        uuid.NewString(),
		MeshID:       meshID,
		Type:         jobType,
		Priority:     cfg.EffectivePriority(),
		ScheduledFor: scheduledFor,
		Now:          job.UnixMilli(now),
		ConfigJSON:   configJSON,
		Payload:      payload,
		IndexTTLSec:  int64(c.Options.IndexTTL.Seconds()),
	}
	if cfg != nil {
		if cfg.Idempotency != nil && cfg.Idempotency.Key != "" {
			p.IdemKey = cfg.Idempotency.Key
			if cfg.Idempotency.Window > 0 {
				p.IndexTTLSec = cfg.Idempotency.Window
			}
		}
		if cfg.Behavior != nil && cfg.Behavior.Deduplication {
			p.Fingerprint = job.Fingerprint(jobType, payload)
		}
		if cfg.Lifecycle != nil {
			p.TTLSec = cfg.Lifecycle.TTL
		}
		if cfg.Dependencies != nil {
			p.DependsOn = cfg.Dependencies.WaitFor
		}
	}
	return c.EvalCreateJob(ctx, p)
}

// GetJob reads the full job record: meta, config and payload.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	meta, err := c.Redis.HGetAll(ctx, c.Keys.JobMeta(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrJobNotFound
	}
	j := &job.Job{
		ID:           meta["id"],
		Type:         meta["type"],
		Version:      meta["version"],
		MeshID:       meta["mesh"],
		Priority:     cast.ToInt(meta["priority"]),
		Status:       job.Status(meta["status"]),
		Attempt:      cast.ToInt(meta["attempt"]),
		StalledCount: cast.ToInt(meta["stalled"]),
		Progress:     cast.ToFloat64(meta["progress"]),
		BatchID:      meta["batch_id"],
		CreatedAt:    cast.ToInt64(meta["created_at"]),
		ScheduledFor: cast.ToInt64(meta["scheduled_for"]),
		ClaimedAt:    cast.ToInt64(meta["claimed_at"]),
		CompletedAt:  cast.ToInt64(meta["completed_at"]),
		UpdatedAt:    cast.ToInt64(meta["updated_at"]),
		ProcessedBy:  meta["processed_by"],
	}
	configJSON, err := c.Redis.Get(ctx, c.Keys.JobConfig(jobID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &j.Config); err != nil {
			return nil, job.NewError(job.CodeReadFailure, "corrupt job config: %s", err)
		}
	}
	payload, err := c.Redis.Get(ctx, c.Keys.JobPayload(jobID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read job payload: %w", err)
	}
	j.Payload = payload
	return j, nil
}

// GetPayload decodes the stored payload into v.
func (c *Client) GetPayload(ctx context.Context, jobID string, v interface{}) error {
	buf, err := c.Redis.Get(ctx, c.Keys.JobPayload(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	} else if err != nil {
		return fmt.Errorf("failed to read job payload: %w", err)
	}
	return job.DecodePayload(buf, v)
}

// GetResult reads the stored handler result into v.
func (c *Client) GetResult(ctx context.Context, jobID string, v interface{}) error {
	buf, err := c.Redis.Get(ctx, c.Keys.JobResult(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	} else if err != nil {
		return fmt.Errorf("failed to read job result: %w", err)
	}
	return json.Unmarshal(buf, v)
}

// GetErrors reads the job's bounded error history, newest first.
func (c *Client) GetErrors(ctx context.Context, jobID string) ([]job.HistoryEntry, error) {
	entries, err := c.Redis.LRange(ctx, c.Keys.JobErrors(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job errors: %w", err)
	}
	history := make([]job.HistoryEntry, 0, len(entries))
	for _, raw := range entries {
		var entry job.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue // tolerate foreign entries
		}
		history = append(history, entry)
	}
	return history, nil
}

// SetProgress writes the job's progress percentage (clamped to 0..100).
// This is a single-key update and intentionally bypasses the script layer.
func (c *Client) SetProgress(ctx context.Context, jobID string, progress float64) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	return c.Redis.HSet(ctx, c.Keys.JobMeta(jobID),
		"progress", progress,
		"updated_at", job.UnixMilli(time.Now())).Err()
}

// CancelJob cancels a pending or scheduled job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.EvalCancelJob(ctx, jobID, job.UnixMilli(time.Now()))
}

// RenewLock refreshes the claim timestamp of an active job so the stall
// detector does not recover it while the handler is still running.
func (c *Client) RenewLock(ctx context.Context, serverID, jobID string) error {
	return c.Redis.HSet(ctx, c.Keys.Active(serverID), jobID, job.UnixMilli(time.Now())).Err()
}

// PendingCount returns the size of a mesh's aggregated pending index.
func (c *Client) PendingCount(ctx context.Context, meshID string) (int64, error) {
	return c.Redis.ZCard(ctx, c.Keys.Pending(meshID)).Result()
}

// QueueDepth returns the number of entries in one priority queue.
func (c *Client) QueueDepth(ctx context.Context, meshID, jobType string, priority int) (int64, error) {
	return c.Redis.ZCard(ctx, c.Keys.Queue(meshID, jobType, priority)).Result()
}

// DLQJobs lists a page of the mesh's dead-letter queue.
func (c *Client) DLQJobs(ctx context.Context, meshID string, offset, count int64) ([]string, error) {
	return c.Redis.LRange(ctx, c.Keys.DLQ(meshID), offset, offset+count-1).Result()
}

// PopChain drains the successor templates recorded by the completion script.
// Callers turn the templates into new jobs; the list expires on its own if
// nobody picks it up.
func (c *Client) PopChain(ctx context.Context, jobID string) ([]job.ChainTemplate, error) {
	pipe := c.Redis.TxPipeline()
	entries := pipe.LRange(ctx, c.Keys.Chain(jobID), 0, -1)
	pipe.Del(ctx, c.Keys.Chain(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to pop chain: %w", err)
	}
	raw, err := entries.Result()
	if err != nil {
		return nil, err
	}
	templates := make([]job.ChainTemplate, 0, len(raw))
	for _, buf := range raw {
		var tpl job.ChainTemplate
		if err := json.Unmarshal([]byte(buf), &tpl); err != nil {
			return nil, fmt.Errorf("corrupt chain template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

// AppendBatch adds job IDs to a batch accumulation list.
func (c *Client) AppendBatch(ctx context.Context, accumID string, jobIDs ...string) error {
	args := make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	return c.Redis.RPush(ctx, c.Keys.BatchAccum(accumID), args...).Err()
}

// FinalizeBatch seals an accumulation list under a fresh batch ID.
func (c *Client) FinalizeBatch(ctx context.Context, accumID, meshID, jobType string, priority int) (string, int, error) {
	batchID := uuid.NewString()
	size, err := c.EvalFinalizeBatch(ctx, accumID, batchID, meshID, jobType, priority,
		job.UnixMilli(time.Now()))
	if err != nil {
		return "", 0, err
	}
	return batchID, size, nil
}

// CheckAndQueue runs the fixed-window check and pushes the job onto the
// bucket's overflow list when saturated.
func (c *Client) CheckAndQueue(ctx context.Context, bucket string, max, windowSeconds int64, jobID string) (RateLimitResult, error) {
	return c.EvalRateLimitCheck(ctx, bucket, max, windowSeconds, jobID, job.UnixMilli(time.Now()))
}

// AppendError records a handler failure in the job's bounded history without
// going through the retry path. Used for permanent failures.
func (c *Client) AppendError(ctx context.Context, jobID string, entry job.HistoryEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode error entry: %w", err)
	}
	pipe := c.Redis.TxPipeline()
	pipe.LPush(ctx, c.Keys.JobErrors(jobID), buf)
	pipe.LTrim(ctx, c.Keys.JobErrors(jobID), 0, job.MaxErrorHistory-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RetryWithJitter runs the retry script with a fresh jitter sample.
func (c *Client) RetryWithJitter(ctx context.Context, jobID, serverID string, entry job.HistoryEntry) (RetryResult, error) {
	buf, err := json.Marshal(entry)
	if err != nil {
		return RetryResult{}, fmt.Errorf("failed to encode error entry: %w", err)
	}
	rnd := rand.Float64()*2 - 1
	return c.EvalRetryJob(ctx, jobID, serverID, buf, job.UnixMilli(time.Now()), rnd)
}
