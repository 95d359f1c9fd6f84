package broker

import (
	"context"
	"fmt"
)

// processDelayedScript promotes due delayed jobs into their priority queues.
// Entries whose meta is gone or no longer scheduled (cancelled jobs, reaped
// jobs) are dropped from the delayed set without being enqueued.
// Keys:
// 1. Sorted Set delayed jobs
// Arguments:
// 1. Key prefix
// 2. Now (unix ms)
// 3. Batch size
// Returns {promoted, [jobIds...]}.
const processDelayedScript = `
-- Keys
local key_delayed = KEYS[1]
-- Arguments
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

local due = redis.call("ZRANGEBYSCORE", key_delayed, "-inf", now, "LIMIT", 0, batch)
local promoted = {}
for i=1,#due,1 do
  local job_id = due[i]
  redis.call("ZREM", key_delayed, job_id)
  local key_meta = prefix .. ":job:" .. job_id .. ":meta"
  if redis.call("HGET", key_meta, "status") == "scheduled" then
    local vals = redis.call("HMGET", key_meta, "mesh", "type", "priority")
    local mesh = vals[1]
    local jtype = vals[2]
    local prio = vals[3]
    redis.call("ZADD", prefix .. ":queue:" .. mesh .. ":" .. jtype .. ":p" .. prio, now, job_id)
    redis.call("ZADD", prefix .. ":pending:" .. mesh, prio, job_id)
    redis.call("SADD", prefix .. ":queues:" .. mesh, jtype .. ":" .. prio)
    redis.call("HSET", key_meta, "status", "pending", "updated_at", now)
    publish({prefix .. ":events:global",
             prefix .. ":events:mesh:" .. mesh,
             prefix .. ":events:type:" .. jtype},
      {event = "job.scheduled", jobId = job_id, timestamp = now,
       meshId = mesh, type = jtype})
    table.insert(promoted, job_id)
  end
end
return {#promoted, promoted}
`

// PromoteResult reports one promotion batch.
type PromoteResult struct {
	Processed int
	JobIDs    []string
}

// EvalProcessDelayed runs the process-delayed script.
func (c *Client) EvalProcessDelayed(ctx context.Context, now int64) (PromoteResult, error) {
	keys := []string{c.Keys.Delayed()}
	res, err := c.processDelayed.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, now, int64(c.Options.PromoteBatch)).Result()
	if err != nil {
		return PromoteResult{}, fmt.Errorf("failed to run processDelayed: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return PromoteResult{}, fmt.Errorf("unexpected processDelayed res: %#v", res)
	}
	count, _ := parts[0].(int64)
	out := PromoteResult{Processed: int(count)}
	if list, ok := parts[1].([]interface{}); ok {
		for _, entry := range list {
			if id, ok := entry.(string); ok {
				out.JobIDs = append(out.JobIDs, id)
			}
		}
	}
	return out, nil
}
