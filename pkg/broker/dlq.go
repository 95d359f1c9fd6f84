package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgemq/bridgemq/pkg/job"
)

// requeueDLQScript moves a dead-lettered job back into its priority queue
// with the attempt and stall counters reset.
// Keys:
// 1. List dead-letter queue (mesh)
// 2. Sorted Set pending index (mesh)
// 3. Set populated queue tuples (mesh)
// Arguments:
// 1. Key prefix
// 2. Job ID
// 3. Now (unix ms)
// Returns {1, "OK"} or {0, "ERR_NOT_FOUND"}.
const requeueDLQScript = `
-- Keys
local key_dlq = KEYS[1]
local key_pending = KEYS[2]
local key_queues = KEYS[3]
-- Arguments
local prefix = ARGV[1]
local job_id = ARGV[2]
local now = tonumber(ARGV[3])

if redis.call("LREM", key_dlq, 0, job_id) == 0 then
  return {0, "ERR_NOT_FOUND"}
end
local key_meta = prefix .. ":job:" .. job_id .. ":meta"
if redis.call("EXISTS", key_meta) == 0 then
  return {0, "ERR_NOT_FOUND"}
end
local vals = redis.call("HMGET", key_meta, "mesh", "type", "priority")
redis.call("HSET", key_meta,
  "status", "pending", "attempt", 0, "stalled", 0,
  "completed_at", 0, "processed_by", "", "updated_at", now)
redis.call("ZADD", prefix .. ":queue:" .. vals[1] .. ":" .. vals[2] .. ":p" .. vals[3], now, job_id)
redis.call("ZADD", key_pending, vals[3], job_id)
redis.call("SADD", key_queues, vals[2] .. ":" .. vals[3])
return {1, "OK"}
`

// RequeueDLQ moves a job from the mesh's dead-letter queue back to pending,
// resetting its retry accounting.
func (c *Client) RequeueDLQ(ctx context.Context, meshID, jobID string) error {
	keys := []string{
		c.Keys.DLQ(meshID),
		c.Keys.Pending(meshID),
		c.Keys.Queues(meshID),
	}
	res, err := c.requeueDLQ.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, jobID, job.UnixMilli(time.Now())).Result()
	if err != nil {
		return fmt.Errorf("failed to run requeueDLQ: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return fmt.Errorf("unexpected requeueDLQ res: %#v", res)
	}
	if status, _ := parts[1].(string); status != "OK" {
		return ErrJobNotFound
	}
	return nil
}
