package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotOwner is returned when a server finalizes a job it does not hold the
// execution lock for, or the job is no longer active.
var ErrNotOwner = errors.New("job not active or owned by another server")

// completeJobScript finalizes an active job: writes the terminal status and
// result, releases the active-set lock and the rate-limit concurrency slot,
// bumps the mesh counters, cascades the dependency graph, records chain
// successors and publishes the terminal event.
// Keys:
// 1. Hash Map active jobs (server)
// Arguments:
// 1. Key prefix
// 2. Job ID
// 3. Server ID
// 4. Final status (completed | failed | cancelled)
// 5. Result JSON ("" for none)
// 6. Now (unix ms)
// 7. Chain list TTL (seconds)
// Returns {1, processingTime, [triggered...]} or {0, "ERR_NOT_OWNER"}.
const completeJobScript = `
-- Keys
local key_active = KEYS[1]
-- Arguments
local prefix = ARGV[1]
local job_id = ARGV[2]
local server = ARGV[3]
local final = ARGV[4]
local result = ARGV[5]
local now = tonumber(ARGV[6])
local chain_ttl = tonumber(ARGV[7])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

local function release_slot(rl)
  if rl == nil or rl == cjson.null or rl.key == nil or rl.key == cjson.null or rl.key == "" then
    return
  end
  if rl.maxConcurrent ~= nil and rl.maxConcurrent ~= cjson.null and rl.maxConcurrent > 0 then
    local key = prefix .. ":ratelimit:" .. rl.key .. ":concurrent"
    if tonumber(redis.call("DECR", key)) < 0 then
      redis.call("SET", key, 0)
    end
  end
end

local key_meta = prefix .. ":job:" .. job_id .. ":meta"
local vals = redis.call("HMGET", key_meta, "processed_by", "status", "mesh", "type", "claimed_at")
if vals[1] ~= server or vals[2] ~= "active" then
  return {0, "ERR_NOT_OWNER"}
end
local mesh = vals[3]
local jtype = vals[4]
local claimed_at = tonumber(vals[5]) or 0

local cfg = cjson.decode(redis.call("GET", prefix .. ":job:" .. job_id .. ":config") or "{}")

redis.call("HSET", key_meta,
  "status", final, "completed_at", now, "updated_at", now, "processed_by", "")
if result ~= "" then
  local key_result = prefix .. ":job:" .. job_id .. ":result"
  redis.call("SET", key_result, result)
  if cfg.lifecycle ~= nil and cfg.lifecycle ~= cjson.null and cfg.lifecycle.ttl ~= nil
      and cfg.lifecycle.ttl ~= cjson.null and cfg.lifecycle.ttl > 0 then
    redis.call("EXPIRE", key_result, cfg.lifecycle.ttl)
  end
end
redis.call("HDEL", key_active, job_id)
redis.call("HINCRBY", prefix .. ":mesh:" .. mesh .. ":totals", final, 1)
release_slot(cfg.rateLimit)

-- Dependency cascade: waiters unblock only on successful completion.
local triggered = {}
if final == "completed" then
  local key_waiters = prefix .. ":job:" .. job_id .. ":waiters"
  local waiters = redis.call("SMEMBERS", key_waiters)
  for i=1,#waiters,1 do
    local w = waiters[i]
    local w_depends = prefix .. ":job:" .. w .. ":depends"
    redis.call("SREM", w_depends, job_id)
    local w_meta = prefix .. ":job:" .. w .. ":meta"
    if redis.call("SCARD", w_depends) == 0 and redis.call("EXISTS", w_meta) == 1 then
      local wv = redis.call("HMGET", w_meta, "mesh", "type", "priority")
      redis.call("ZADD", prefix .. ":queue:" .. wv[1] .. ":" .. wv[2] .. ":p" .. wv[3], now, w)
      redis.call("ZADD", prefix .. ":pending:" .. wv[1], wv[3], w)
      redis.call("SADD", prefix .. ":queues:" .. wv[1], wv[2] .. ":" .. wv[3])
      redis.call("HSET", w_meta, "status", "pending", "updated_at", now)
      table.insert(triggered, w)
    end
  end
  redis.call("DEL", key_waiters)
end

-- Record chain successors for out-of-script creation.
local successors = nil
if final == "completed" and cfg.chain ~= nil and cfg.chain ~= cjson.null then
  successors = cfg.chain.onSuccess
elseif final == "failed" and cfg.chain ~= nil and cfg.chain ~= cjson.null then
  successors = cfg.chain.onFailure
end
if successors ~= nil and successors ~= cjson.null and #successors > 0 then
  local key_chain = prefix .. ":chain:" .. job_id
  for i=1,#successors,1 do
    redis.call("RPUSH", key_chain, cjson.encode(successors[i]))
  end
  redis.call("EXPIRE", key_chain, chain_ttl)
end

local processing = 0
if claimed_at > 0 then
  processing = now - claimed_at
end

if final == "completed" and cfg.behavior ~= nil and cfg.behavior ~= cjson.null
    and cfg.behavior.removeOnComplete then
  local base = prefix .. ":job:" .. job_id
  redis.call("DEL", base .. ":meta", base .. ":config", base .. ":payload",
    base .. ":result", base .. ":errors", base .. ":depends", base .. ":waiters")
end

local event = {event = "job." .. final, jobId = job_id, timestamp = now,
  meshId = mesh, serverId = server, status = final, processingTime = processing}
if #triggered > 0 then
  event.triggered = triggered
end
publish({prefix .. ":events:global",
         prefix .. ":events:mesh:" .. mesh,
         prefix .. ":events:job:" .. job_id,
         prefix .. ":events:type:" .. jtype}, event)
return {1, processing, triggered}
`

// CompleteResult reports a finalized job.
type CompleteResult struct {
	ProcessingTime int64    // ms between claim and completion
	Triggered      []string // waiters that became pending
}

// EvalCompleteJob runs the complete-job script.
// finalStatus must be one of completed, failed or cancelled.
func (c *Client) EvalCompleteJob(
	ctx context.Context,
	jobID, serverID, finalStatus string,
	resultJSON []byte,
	now int64,
) (CompleteResult, error) {
	keys := []string{c.Keys.Active(serverID)}
	res, err := c.completeJob.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, jobID, serverID, finalStatus,
		string(resultJSON), now,
		int64(c.Options.ChainTTL.Seconds())).Result()
	if err != nil {
		return CompleteResult{}, fmt.Errorf("failed to run completeJob: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 2 {
		return CompleteResult{}, fmt.Errorf("unexpected completeJob res: %#v", res)
	}
	code, _ := parts[0].(int64)
	if code != 1 {
		return CompleteResult{}, ErrNotOwner
	}
	processing, _ := parts[1].(int64)
	out := CompleteResult{ProcessingTime: processing}
	if len(parts) >= 3 {
		if list, ok := parts[2].([]interface{}); ok {
			for _, entry := range list {
				if id, ok := entry.(string); ok {
					out.Triggered = append(out.Triggered, id)
				}
			}
		}
	}
	return out, nil
}
