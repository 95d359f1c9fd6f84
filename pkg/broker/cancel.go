package broker

import (
	"context"
	"errors"
	"fmt"
)

// Cancellation errors.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not pending or scheduled")
)

// cancelJobScript cancels a job that has not started executing. The queue
// entry is left in place; claim attempts skip it because the status is no
// longer pending/scheduled, and the cleaner eventually reaps it.
// Arguments:
// 1. Key prefix
// 2. Job ID
// 3. Now (unix ms)
// Returns {1, "OK"}, {0, "ERR_NOT_FOUND"} or {0, "ERR_STATE"}.
const cancelJobScript = `
-- Arguments
local prefix = ARGV[1]
local job_id = ARGV[2]
local now = tonumber(ARGV[3])

local key_meta = prefix .. ":job:" .. job_id .. ":meta"
local vals = redis.call("HMGET", key_meta, "status", "mesh")
local status = vals[1]
if not status then
  return {0, "ERR_NOT_FOUND"}
end
if status ~= "pending" and status ~= "scheduled" then
  return {0, "ERR_STATE"}
end
local mesh = vals[2]
redis.call("HSET", key_meta, "status", "cancelled", "completed_at", now, "updated_at", now)
redis.call("HINCRBY", prefix .. ":mesh:" .. mesh .. ":totals", "cancelled", 1)
local msg = cjson.encode({event = "job.cancelled", jobId = job_id,
  timestamp = now, meshId = mesh, status = "cancelled"})
redis.call("PUBLISH", prefix .. ":events:global", msg)
redis.call("PUBLISH", prefix .. ":events:mesh:" .. mesh, msg)
redis.call("PUBLISH", prefix .. ":events:job:" .. job_id, msg)
return {1, "OK"}
`

// EvalCancelJob runs the cancel-job script.
func (c *Client) EvalCancelJob(ctx context.Context, jobID string, now int64) error {
	res, err := c.cancelJob.Run(ctx, c.Redis, []string{},
		c.Keys.Prefix, jobID, now).Result()
	if err != nil {
		return fmt.Errorf("failed to run cancelJob: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return fmt.Errorf("unexpected cancelJob res: %#v", res)
	}
	status, _ := parts[1].(string)
	switch status {
	case "OK":
		return nil
	case "ERR_NOT_FOUND":
		return ErrJobNotFound
	case "ERR_STATE":
		return ErrNotCancellable
	default:
		return fmt.Errorf("unknown cancelJob status: %s", status)
	}
}
