package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// createJobScript atomically materializes a job: meta, config, payload,
// dedup indexes, dependency links and the initial queue placement.
// Keys:
// 1. Sorted Set delayed jobs
// 2. Sorted Set pending index (mesh)
// 3. Set populated queue tuples (mesh)
// Arguments:
// 1. Key prefix
// 2. Job ID
// 3. Mesh ID
// 4. Job type
// 5. Job version
// 6. Priority
// 7. Scheduled-for (unix ms)
// 8. Now (unix ms)
// 9. Config JSON
// 10. Payload bytes ("" for none)
// 11. Idempotency key ("" for none)
// 12. Fingerprint hash ("" for none)
// 13. Dedup index TTL (seconds)
// 14. Lifecycle TTL (seconds, 0 for none)
// 15. Dependency job IDs (JSON array)
// Returns {jobId, status} where status is OK, IDEMPOTENT or FINGERPRINT.
const createJobScript = `
-- Keys
local key_delayed = KEYS[1]
local key_pending = KEYS[2]
local key_queues = KEYS[3]
-- Arguments
local prefix = ARGV[1]
local job_id = ARGV[2]
local mesh = ARGV[3]
local jtype = ARGV[4]
local version = ARGV[5]
local priority = tonumber(ARGV[6])
local scheduled_for = tonumber(ARGV[7])
local now = tonumber(ARGV[8])
local config = ARGV[9]
local payload = ARGV[10]
local idem_key = ARGV[11]
local fingerprint = ARGV[12]
local index_ttl = tonumber(ARGV[13])
local ttl = tonumber(ARGV[14])
local depends = cjson.decode(ARGV[15])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

-- Dedup short-circuits make no mutation at all.
if idem_key ~= "" then
  local existing = redis.call("GET", prefix .. ":idempotency:" .. idem_key)
  if existing then
    return {existing, "IDEMPOTENT"}
  end
end
if fingerprint ~= "" then
  local existing = redis.call("GET", prefix .. ":fingerprint:" .. fingerprint)
  if existing then
    return {existing, "FINGERPRINT"}
  end
end

local key_meta = prefix .. ":job:" .. job_id .. ":meta"
local key_config = prefix .. ":job:" .. job_id .. ":config"
local key_payload = prefix .. ":job:" .. job_id .. ":payload"

-- Dependencies on already-completed parents are satisfied immediately.
local blocking = {}
for i=1,#depends,1 do
  local parent = depends[i]
  local pstatus = redis.call("HGET", prefix .. ":job:" .. parent .. ":meta", "status")
  if pstatus ~= "completed" then
    table.insert(blocking, parent)
  end
end

local status = "pending"
if #blocking > 0 or scheduled_for > now then
  status = "scheduled"
end

redis.call("HSET", key_meta,
  "id", job_id, "type", jtype, "version", version, "mesh", mesh,
  "priority", priority, "status", status, "attempt", 0, "stalled", 0,
  "progress", 0, "created_at", now, "scheduled_for", scheduled_for,
  "claimed_at", 0, "completed_at", 0, "updated_at", now, "processed_by", "")
redis.call("SET", key_config, config)
if payload ~= "" then
  redis.call("SET", key_payload, payload)
end
if ttl > 0 then
  redis.call("EXPIRE", key_meta, ttl)
  redis.call("EXPIRE", key_config, ttl)
  if payload ~= "" then
    redis.call("EXPIRE", key_payload, ttl)
  end
end
redis.call("DEL", prefix .. ":job:" .. job_id .. ":errors")

if #blocking > 0 then
  local key_depends = prefix .. ":job:" .. job_id .. ":depends"
  for i=1,#blocking,1 do
    redis.call("SADD", key_depends, blocking[i])
    redis.call("SADD", prefix .. ":job:" .. blocking[i] .. ":waiters", job_id)
  end
elseif scheduled_for > now then
  redis.call("ZADD", key_delayed, scheduled_for, job_id)
else
  redis.call("ZADD", prefix .. ":queue:" .. mesh .. ":" .. jtype .. ":p" .. priority, scheduled_for, job_id)
  redis.call("ZADD", key_pending, priority, job_id)
  redis.call("SADD", key_queues, jtype .. ":" .. priority)
end

if idem_key ~= "" then
  redis.call("SET", prefix .. ":idempotency:" .. idem_key, job_id, "EX", index_ttl)
end
if fingerprint ~= "" then
  redis.call("SET", prefix .. ":fingerprint:" .. fingerprint, job_id, "EX", index_ttl)
end

publish({prefix .. ":events:global", prefix .. ":events:mesh:" .. mesh},
  {event = "job.created", jobId = job_id, timestamp = now,
   meshId = mesh, type = jtype, status = status})
return {job_id, "OK"}
`

// CreateParams carries the inputs of the create-job script.
type CreateParams struct {
	JobID        string
	MeshID       string
	Type         string
	Version      string
	Priority     int
	ScheduledFor int64 // unix ms
	Now          int64 // unix ms
	ConfigJSON   []byte
	Payload      []byte
	IdemKey      string
	Fingerprint  string
	IndexTTLSec  int64
	TTLSec       int64
	DependsOn    []string
}

// CreateResult is the discriminated outcome of create-job.
type CreateResult struct {
	JobID    string
	Existing bool
	Reason   string // "idempotency" or "fingerprint" when Existing
}

// EvalCreateJob runs the create-job script.
func (c *Client) EvalCreateJob(ctx context.Context, p CreateParams) (CreateResult, error) {
	depends, err := json.Marshal(p.DependsOn)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to encode depends: %w", err)
	}
	if len(p.DependsOn) == 0 {
		depends = []byte("[]")
	}
	keys := []string{
		c.Keys.Delayed(),
		c.Keys.Pending(p.MeshID),
		c.Keys.Queues(p.MeshID),
	}
	res, err := c.createJob.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, p.JobID, p.MeshID, p.Type, p.Version,
		p.Priority, p.ScheduledFor, p.Now,
		string(p.ConfigJSON), string(p.Payload),
		p.IdemKey, p.Fingerprint, p.IndexTTLSec, p.TTLSec,
		string(depends)).Result()
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to run createJob: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return CreateResult{}, fmt.Errorf("unexpected createJob res: %#v", res)
	}
	id, _ := parts[0].(string)
	status, _ := parts[1].(string)
	switch status {
	case "OK":
		return CreateResult{JobID: id}, nil
	case "IDEMPOTENT":
		return CreateResult{JobID: id, Existing: true, Reason: "idempotency"}, nil
	case "FINGERPRINT":
		return CreateResult{JobID: id, Existing: true, Reason: "fingerprint"}, nil
	default:
		return CreateResult{}, fmt.Errorf("unknown createJob status: %s", status)
	}
}
