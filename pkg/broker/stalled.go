package broker

import (
	"context"
	"fmt"
)

// detectStalledScript scans all per-server active sets for claims older than
// the stall timeout. Recovered jobs go back to their priority queue with the
// lock cleared; jobs that hit the stall budget are dead-lettered.
// Arguments:
// 1. Key prefix
// 2. Now (unix ms)
// 3. Stall timeout (ms)
// 4. Max stall count
// Returns {detected, recovered, movedToDLQ}.
const detectStalledScript = `
redis.replicate_commands()
-- Arguments
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local timeout = tonumber(ARGV[3])
local max_stall = tonumber(ARGV[4])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

local detected = 0
local recovered = 0
local dead = 0
local active_prefix = prefix .. ":active:"
local cursor = "0"
repeat
  local res = redis.call("SCAN", cursor, "MATCH", active_prefix .. "*", "COUNT", 100)
  cursor = res[1]
  for k=1,#res[2],1 do
    local key_active = res[2][k]
    local server = string.sub(key_active, #active_prefix + 1)
    local entries = redis.call("HGETALL", key_active)
    for i=1,#entries,2 do
      local job_id = entries[i]
      local claimed_at = tonumber(entries[i+1]) or 0
      if now - claimed_at > timeout then
        detected = detected + 1
        redis.call("HDEL", key_active, job_id)
        local key_meta = prefix .. ":job:" .. job_id .. ":meta"
        if redis.call("EXISTS", key_meta) == 1 then
          local vals = redis.call("HMGET", key_meta, "mesh", "type", "priority")
          local mesh = vals[1]
          local jtype = vals[2]
          local prio = vals[3]
          -- Release the concurrency slot the dead worker held.
          local cfg = cjson.decode(redis.call("GET", prefix .. ":job:" .. job_id .. ":config") or "{}")
          local rl = cfg.rateLimit
          if rl ~= nil and rl ~= cjson.null and rl.key ~= nil and rl.key ~= cjson.null and rl.key ~= ""
              and rl.maxConcurrent ~= nil and rl.maxConcurrent ~= cjson.null and rl.maxConcurrent > 0 then
            local slot_key = prefix .. ":ratelimit:" .. rl.key .. ":concurrent"
            if tonumber(redis.call("DECR", slot_key)) < 0 then
              redis.call("SET", slot_key, 0)
            end
          end
          local stalled = redis.call("HINCRBY", key_meta, "stalled", 1)
          if stalled >= max_stall then
            redis.call("RPUSH", prefix .. ":dlq:" .. mesh, job_id)
            redis.call("HSET", key_meta,
              "status", "failed", "completed_at", now, "updated_at", now, "processed_by", "")
            redis.call("HINCRBY", prefix .. ":mesh:" .. mesh .. ":totals", "failed", 1)
            publish({prefix .. ":events:global",
                     prefix .. ":events:mesh:" .. mesh,
                     prefix .. ":events:job:" .. job_id,
                     prefix .. ":events:type:" .. jtype},
              {event = "job.failed", jobId = job_id, timestamp = now, meshId = mesh,
               serverId = server, status = "failed", stalledCount = stalled,
               reason = "stall_limit_exceeded"})
            dead = dead + 1
          else
            redis.call("ZADD", prefix .. ":queue:" .. mesh .. ":" .. jtype .. ":p" .. prio, now, job_id)
            redis.call("ZADD", prefix .. ":pending:" .. mesh, prio, job_id)
            redis.call("SADD", prefix .. ":queues:" .. mesh, jtype .. ":" .. prio)
            redis.call("HSET", key_meta, "status", "pending", "processed_by", "", "updated_at", now)
            publish({prefix .. ":events:global",
                     prefix .. ":events:mesh:" .. mesh,
                     prefix .. ":events:server:" .. server},
              {event = "job.stalled", jobId = job_id, timestamp = now, meshId = mesh,
               serverId = server, stalledCount = stalled})
            recovered = recovered + 1
          end
        end
      end
    end
  end
until cursor == "0"
return {detected, recovered, dead}
`

// StallResult reports one stall-detection pass.
type StallResult struct {
	Detected   int
	Recovered  int
	MovedToDLQ int
}

// EvalDetectStalled runs the detect-stalled script.
func (c *Client) EvalDetectStalled(ctx context.Context, now int64) (StallResult, error) {
	res, err := c.detectStalled.Run(ctx, c.Redis, []string{},
		c.Keys.Prefix, now,
		c.Options.StallTimeout.Milliseconds(),
		c.Options.MaxStallCount).Result()
	if err != nil {
		return StallResult{}, fmt.Errorf("failed to run detectStalled: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return StallResult{}, fmt.Errorf("unexpected detectStalled res: %#v", res)
	}
	detected, _ := parts[0].(int64)
	recovered, _ := parts[1].(int64)
	dead, _ := parts[2].(int64)
	return StallResult{
		Detected:   int(detected),
		Recovered:  int(recovered),
		MovedToDLQ: int(dead),
	}, nil
}
