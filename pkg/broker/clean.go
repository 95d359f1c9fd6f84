package broker

import (
	"context"
	"fmt"
)

// cleanJobsScript incrementally reaps terminal jobs past their retention and
// server registrations without recent heartbeats. The SCAN cursor is stored
// between invocations so each run inspects a bounded slice of the keyspace.
// Keys:
// 1. String stored cleaner cursor
// Arguments:
// 1. Key prefix
// 2. Now (unix ms)
// 3. Max meta keys to inspect
// 4. Completed retention (ms)
// 5. Cancelled retention (ms)
// 6. Failed retention (ms)
// 7. Server heartbeat retention (ms)
// Returns {removedJobs, scanned, removedServers}.
const cleanJobsScript = `
redis.replicate_commands()
-- Keys
local key_cursor = KEYS[1]
-- Arguments
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local keep_completed = tonumber(ARGV[4])
local keep_cancelled = tonumber(ARGV[5])
local keep_failed = tonumber(ARGV[6])
local keep_server = tonumber(ARGV[7])

local removed = 0
local scanned = 0
local cursor = redis.call("GET", key_cursor) or "0"
repeat
  local res = redis.call("SCAN", cursor, "MATCH", prefix .. ":job:*:meta", "COUNT", 100)
  cursor = res[1]
  for k=1,#res[2],1 do
    scanned = scanned + 1
    local key_meta = res[2][k]
    local vals = redis.call("HMGET", key_meta, "id", "status", "completed_at", "mesh")
    local job_id = vals[1]
    local status = vals[2]
    local completed_at = tonumber(vals[3]) or 0
    local mesh = vals[4]
    local keep = nil
    if status == "completed" then
      keep = keep_completed
    elseif status == "cancelled" then
      keep = keep_cancelled
    elseif status == "failed" then
      keep = keep_failed
    end
    if keep ~= nil and completed_at > 0 and now - completed_at > keep and job_id then
      local base = prefix .. ":job:" .. job_id
      redis.call("DEL", base .. ":meta", base .. ":config", base .. ":payload",
        base .. ":result", base .. ":errors", base .. ":depends", base .. ":waiters")
      if status == "failed" and mesh then
        redis.call("LREM", prefix .. ":dlq:" .. mesh, 0, job_id)
      end
      removed = removed + 1
    end
  end
until cursor == "0" or scanned >= batch
redis.call("SET", key_cursor, cursor)

-- Reap servers with stale heartbeats; the TTL usually beats us to it.
local dropped = 0
local server_prefix = prefix .. ":server:"
local scursor = "0"
repeat
  local res = redis.call("SCAN", scursor, "MATCH", server_prefix .. "*", "COUNT", 100)
  scursor = res[1]
  for k=1,#res[2],1 do
    local key_server = res[2][k]
    local vals = redis.call("HMGET", key_server, "id", "last_heartbeat", "mesh_ids")
    local server_id = vals[1]
    local beat = tonumber(vals[2]) or 0
    if beat > 0 and now - beat > keep_server then
      if vals[3] then
        for mesh in string.gmatch(vals[3], "[^,]+") do
          redis.call("SREM", prefix .. ":mesh:" .. mesh .. ":members", server_id)
        end
      end
      redis.call("DEL", key_server)
      dropped = dropped + 1
    end
  end
until scursor == "0"
return {removed, scanned, dropped}
`

// CleanResult reports one cleaner pass.
type CleanResult struct {
	RemovedJobs    int
	Scanned        int
	RemovedServers int
}

// EvalCleanJobs runs the clean-jobs script.
func (c *Client) EvalCleanJobs(ctx context.Context, now int64) (CleanResult, error) {
	keys := []string{c.Keys.CleanerCursor()}
	res, err := c.cleanJobs.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, now, int64(c.Options.CleanBatch),
		c.Options.CompletedRetention.Milliseconds(),
		c.Options.CancelledRetention.Milliseconds(),
		c.Options.FailedRetention.Milliseconds(),
		c.Options.ServerRetention.Milliseconds()).Result()
	if err != nil {
		return CleanResult{}, fmt.Errorf("failed to run cleanJobs: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return CleanResult{}, fmt.Errorf("unexpected cleanJobs res: %#v", res)
	}
	removed, _ := parts[0].(int64)
	scanned, _ := parts[1].(int64)
	dropped, _ := parts[2].(int64)
	return CleanResult{
		RemovedJobs:    int(removed),
		Scanned:        int(scanned),
		RemovedServers: int(dropped),
	}, nil
}
