package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// claimJobScript finds and claims the highest-priority eligible job for a
// worker. It walks the populated (type, priority) tuples from priority 10
// down to 1, inspecting at most the scan limit of entries across all queues,
// and applies the routing and rate-limit gates server-side.
// Keys:
// 1. Sorted Set pending index (mesh)
// 2. Set populated queue tuples (mesh)
// 3. Hash Map active jobs (server)
// Arguments:
// 1. Key prefix
// 2. Mesh ID
// 3. Server ID
// 4. Now (unix ms)
// 5. Worker capabilities (JSON array)
// 6. Worker stack
// 7. Worker region
// 8. Scan limit
// Returns the claimed job ID, or false when no job is eligible.
const claimJobScript = `
-- Keys
local key_pending = KEYS[1]
local key_queues = KEYS[2]
local key_active = KEYS[3]
-- Arguments
local prefix = ARGV[1]
local mesh = ARGV[2]
local server = ARGV[3]
local now = tonumber(ARGV[4])
local caps = cjson.decode(ARGV[5])
local stack = ARGV[6]
local region = ARGV[7]
local scan_limit = tonumber(ARGV[8])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

-- Capability patterns: "*" matches any non-empty set, "p:*" any same-prefix
-- capability, everything else is an exact compare.
local function cap_match(have, pattern)
  if pattern == "*" then
    return #have > 0
  end
  local wild = string.match(pattern, "^(.-):%*$")
  for i=1,#have,1 do
    if wild then
      if string.sub(have[i], 1, #wild + 1) == wild .. ":" then
        return true
      end
    elseif have[i] == pattern then
      return true
    end
  end
  return false
end

local function dim_match(have, want, mode)
  if mode == "all" then
    for i=1,#want,1 do
      if not cap_match(have, want[i]) then
        return false
      end
    end
    return true
  end
  for i=1,#want,1 do
    if cap_match(have, want[i]) then
      return true
    end
  end
  return false
end

local function is_list(v)
  return v ~= nil and v ~= cjson.null and type(v) == "table" and #v > 0
end

local function route_ok(target)
  if target == nil or target == cjson.null then
    return true
  end
  if target.server ~= nil and target.server ~= cjson.null and target.server ~= "" then
    return target.server == server
  end
  local mode = "any"
  if target.mode ~= nil and target.mode ~= cjson.null and target.mode ~= "" then
    mode = target.mode
  end
  if is_list(target.capabilities) and not dim_match(caps, target.capabilities, mode) then
    return false
  end
  local stack_set = {}
  if stack ~= "" then stack_set = {stack} end
  if is_list(target.stack) and not dim_match(stack_set, target.stack, mode) then
    return false
  end
  local region_set = {}
  if region ~= "" then region_set = {region} end
  if is_list(target.region) and not dim_match(region_set, target.region, mode) then
    return false
  end
  return true
end

local function rate_ok(rl)
  if rl == nil or rl == cjson.null or rl.key == nil or rl.key == cjson.null or rl.key == "" then
    return true
  end
  if rl.maxConcurrent ~= nil and rl.maxConcurrent ~= cjson.null and rl.maxConcurrent > 0 then
    local cur = tonumber(redis.call("GET", prefix .. ":ratelimit:" .. rl.key .. ":concurrent") or "0")
    if cur >= rl.maxConcurrent then
      return false
    end
  end
  if rl.max ~= nil and rl.max ~= cjson.null and rl.max > 0 then
    local cnt = tonumber(redis.call("GET", prefix .. ":ratelimit:" .. rl.key) or "0")
    if cnt >= rl.max then
      return false
    end
  end
  return true
end

local function rate_consume(rl)
  if rl == nil or rl == cjson.null or rl.key == nil or rl.key == cjson.null or rl.key == "" then
    return
  end
  if rl.max ~= nil and rl.max ~= cjson.null and rl.max > 0 then
    local key_counter = prefix .. ":ratelimit:" .. rl.key
    local cnt = redis.call("INCR", key_counter)
    if cnt == 1 and rl.windowSeconds ~= nil and rl.windowSeconds ~= cjson.null and rl.windowSeconds > 0 then
      redis.call("EXPIRE", key_counter, rl.windowSeconds)
    end
  end
  if rl.maxConcurrent ~= nil and rl.maxConcurrent ~= cjson.null and rl.maxConcurrent > 0 then
    redis.call("INCR", prefix .. ":ratelimit:" .. rl.key .. ":concurrent")
  end
end

-- Bucket the populated queue tuples by priority.
local tuples = redis.call("SMEMBERS", key_queues)
local by_prio = {}
for i=1,#tuples,1 do
  local jtype, prio = string.match(tuples[i], "^(.+):(%d+)$")
  if jtype then
    prio = tonumber(prio)
    if not by_prio[prio] then by_prio[prio] = {} end
    table.insert(by_prio[prio], {jtype, tuples[i]})
  end
end

local scanned = 0
for prio=10,1,-1 do
  local bucket = by_prio[prio]
  if bucket then
    for b=1,#bucket,1 do
      local jtype = bucket[b][1]
      local tuple = bucket[b][2]
      local qkey = prefix .. ":queue:" .. mesh .. ":" .. jtype .. ":p" .. prio
      local budget = scan_limit - scanned
      if budget <= 0 then
        return false
      end
      local ids = redis.call("ZRANGEBYSCORE", qkey, "-inf", now, "LIMIT", 0, budget)
      if #ids == 0 and redis.call("ZCARD", qkey) == 0 then
        redis.call("SREM", key_queues, tuple)
      end
      for i=1,#ids,1 do
        scanned = scanned + 1
        local job_id = ids[i]
        local key_meta = prefix .. ":job:" .. job_id .. ":meta"
        local status = redis.call("HGET", key_meta, "status")
        if not status then
          -- Expired or reaped meta, drop the dangling queue entry.
          redis.call("ZREM", qkey, job_id)
          redis.call("ZREM", key_pending, job_id)
        elseif status == "pending" or status == "scheduled" then
          local cfg = cjson.decode(redis.call("GET", prefix .. ":job:" .. job_id .. ":config") or "{}")
          if route_ok(cfg.target) and rate_ok(cfg.rateLimit) then
            redis.call("ZREM", qkey, job_id)
            redis.call("ZREM", key_pending, job_id)
            redis.call("HSET", key_active, job_id, now)
            redis.call("HSET", key_meta,
              "status", "active", "claimed_at", now,
              "processed_by", server, "updated_at", now)
            rate_consume(cfg.rateLimit)
            publish({prefix .. ":events:global",
                     prefix .. ":events:mesh:" .. mesh,
                     prefix .. ":events:server:" .. server},
              {event = "job.claimed", jobId = job_id, timestamp = now,
               meshId = mesh, serverId = server, type = jtype})
            return job_id
          end
        end
      end
    end
  end
end
return false
`

// ClaimParams identifies the claiming worker.
type ClaimParams struct {
	MeshID       string
	ServerID     string
	Capabilities []string
	Stack        string
	Region       string
	Now          int64 // unix ms
}

// EvalClaimJob runs the claim-job script.
// It returns the claimed job ID, or "" when no eligible job was found.
func (c *Client) EvalClaimJob(ctx context.Context, p ClaimParams) (string, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return "", fmt.Errorf("failed to encode capabilities: %w", err)
	}
	if len(p.Capabilities) == 0 {
		caps = []byte("[]")
	}
	keys := []string{
		c.Keys.Pending(p.MeshID),
		c.Keys.Queues(p.MeshID),
		c.Keys.Active(p.ServerID),
	}
	jobID, err := c.claimJob.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, p.MeshID, p.ServerID, p.Now,
		string(caps), p.Stack, p.Region,
		int64(c.Options.ClaimScanLimit)).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to run claimJob: %w", err)
	}
	return jobID, nil
}
