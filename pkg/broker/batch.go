package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrBatchEmpty is returned when finalizing a batch with no accumulated jobs.
var ErrBatchEmpty = errors.New("batch accumulation list is empty")

// finalizeBatchScript seals an accumulation list into a batch: members leave
// their priority queues and become "batched", and the batch ID itself is
// enqueued as a single claimable job.
// Keys:
// 1. List batch accumulation
// 2. Sorted Set pending index (mesh)
// 3. Set populated queue tuples (mesh)
// Arguments:
// 1. Key prefix
// 2. Batch ID
// 3. Mesh ID
// 4. Job type
// 5. Priority
// 6. Now (unix ms)
// 7. Batch TTL (seconds)
// Returns {size, "OK"} or {0, "ERR_EMPTY"}.
const finalizeBatchScript = `
-- Keys
local key_accum = KEYS[1]
local key_pending = KEYS[2]
local key_queues = KEYS[3]
-- Arguments
local prefix = ARGV[1]
local batch_id = ARGV[2]
local mesh = ARGV[3]
local jtype = ARGV[4]
local priority = tonumber(ARGV[5])
local now = tonumber(ARGV[6])
local ttl = tonumber(ARGV[7])

local members = redis.call("LRANGE", key_accum, 0, -1)
if #members == 0 then
  return {0, "ERR_EMPTY"}
end

local key_bmeta = prefix .. ":batch:" .. batch_id
redis.call("HSET", key_bmeta,
  "id", batch_id, "mesh", mesh, "type", jtype, "priority", priority,
  "size", #members, "created_at", now)
redis.call("EXPIRE", key_bmeta, ttl)
local key_bjobs = prefix .. ":batch:" .. batch_id .. ":jobs"
for i=1,#members,1 do
  redis.call("RPUSH", key_bjobs, members[i])
end
redis.call("EXPIRE", key_bjobs, ttl)

for i=1,#members,1 do
  local m = members[i]
  local m_meta = prefix .. ":job:" .. m .. ":meta"
  if redis.call("EXISTS", m_meta) == 1 then
    local mv = redis.call("HMGET", m_meta, "mesh", "type", "priority")
    redis.call("ZREM", prefix .. ":queue:" .. mv[1] .. ":" .. mv[2] .. ":p" .. mv[3], m)
    redis.call("ZREM", prefix .. ":pending:" .. mv[1], m)
    redis.call("HSET", m_meta, "batch_id", batch_id, "status", "batched", "updated_at", now)
  end
end
redis.call("DEL", key_accum)

-- The batch becomes a regular claimable job under its own ID.
redis.call("HSET", prefix .. ":job:" .. batch_id .. ":meta",
  "id", batch_id, "type", jtype, "version", "", "mesh", mesh,
  "priority", priority, "status", "pending", "attempt", 0, "stalled", 0,
  "progress", 0, "created_at", now, "scheduled_for", now,
  "claimed_at", 0, "completed_at", 0, "updated_at", now,
  "processed_by", "", "batch_id", batch_id)
redis.call("SET", prefix .. ":job:" .. batch_id .. ":config", "{}")
redis.call("ZADD", prefix .. ":queue:" .. mesh .. ":" .. jtype .. ":p" .. priority, now, batch_id)
redis.call("ZADD", key_pending, priority, batch_id)
redis.call("SADD", key_queues, jtype .. ":" .. priority)

redis.call("PUBLISH", prefix .. ":events:global",
  cjson.encode({event = "batch.created", batchId = batch_id, timestamp = now,
    meshId = mesh, type = jtype, size = #members}))
redis.call("PUBLISH", prefix .. ":events:mesh:" .. mesh,
  cjson.encode({event = "batch.created", batchId = batch_id, timestamp = now,
    meshId = mesh, type = jtype, size = #members}))
return {#members, "OK"}
`

// EvalFinalizeBatch runs the finalize-batch script over the accumulation list
// identified by accumID. Returns the number of batched jobs.
func (c *Client) EvalFinalizeBatch(
	ctx context.Context,
	accumID, batchID, meshID, jobType string,
	priority int,
	now int64,
) (int, error) {
	keys := []string{
		c.Keys.BatchAccum(accumID),
		c.Keys.Pending(meshID),
		c.Keys.Queues(meshID),
	}
	res, err := c.finalizeBatch.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, batchID, meshID, jobType, priority, now,
		int64(c.Options.BatchTTL.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run finalizeBatch: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, fmt.Errorf("unexpected finalizeBatch res: %#v", res)
	}
	size, _ := parts[0].(int64)
	status, _ := parts[1].(string)
	switch status {
	case "OK":
		return int(size), nil
	case "ERR_EMPTY":
		return 0, ErrBatchEmpty
	default:
		return 0, fmt.Errorf("unknown finalizeBatch status: %s", status)
	}
}
