package broker

import (
	"context"
	"fmt"
)

// retryJobScript moves a failed active job back through the retry path:
// it appends the error, increments the attempt counter and either schedules
// the next run with backoff or dead-letters the job when the attempt budget
// is exhausted.
// Keys:
// 1. Hash Map active jobs (server)
// 2. Sorted Set delayed jobs
// Arguments:
// 1. Key prefix
// 2. Job ID
// 3. Server ID
// 4. Error JSON
// 5. Now (unix ms)
// 6. Jitter sample in [-1, 1]
// Returns {attempt, "RETRY", delay} or {attempt, "DLQ"} or {0, "ERR_NOT_OWNER"}.
const retryJobScript = `
-- Keys
local key_active = KEYS[1]
local key_delayed = KEYS[2]
-- Arguments
local prefix = ARGV[1]
local job_id = ARGV[2]
local server = ARGV[3]
local err_json = ARGV[4]
local now = tonumber(ARGV[5])
local rnd = tonumber(ARGV[6])

local function publish(channels, event)
  local msg = cjson.encode(event)
  for i=1,#channels,1 do
    redis.call("PUBLISH", channels[i], msg)
  end
end

local key_meta = prefix .. ":job:" .. job_id .. ":meta"
local vals = redis.call("HMGET", key_meta, "processed_by", "status", "mesh", "type")
if vals[1] ~= server or vals[2] ~= "active" then
  return {0, "ERR_NOT_OWNER"}
end
local mesh = vals[3]
local jtype = vals[4]

local cfg = cjson.decode(redis.call("GET", prefix .. ":job:" .. job_id .. ":config") or "{}")
local r = cfg.retry
if r == nil or r == cjson.null then r = {} end
local max_attempts = 3
if r.maxAttempts ~= nil and r.maxAttempts ~= cjson.null and r.maxAttempts > 0 then
  max_attempts = r.maxAttempts
end
local backoff = "exponential"
if r.backoff ~= nil and r.backoff ~= cjson.null and r.backoff ~= "" then
  backoff = r.backoff
end
local base = 1000
if r.baseDelayMs ~= nil and r.baseDelayMs ~= cjson.null and r.baseDelayMs > 0 then
  base = r.baseDelayMs
end
local max_delay = 60000
if r.maxDelayMs ~= nil and r.maxDelayMs ~= cjson.null and r.maxDelayMs > 0 then
  max_delay = r.maxDelayMs
end
local jitter = 0.2
if r.jitterFactor ~= nil and r.jitterFactor ~= cjson.null then
  jitter = r.jitterFactor
end

local key_errors = prefix .. ":job:" .. job_id .. ":errors"
redis.call("LPUSH", key_errors, err_json)
redis.call("LTRIM", key_errors, 0, 9)
redis.call("HDEL", key_active, job_id)

-- Release the concurrency slot held since the claim.
local rl = cfg.rateLimit
if rl ~= nil and rl ~= cjson.null and rl.key ~= nil and rl.key ~= cjson.null and rl.key ~= ""
    and rl.maxConcurrent ~= nil and rl.maxConcurrent ~= cjson.null and rl.maxConcurrent > 0 then
  local slot_key = prefix .. ":ratelimit:" .. rl.key .. ":concurrent"
  if tonumber(redis.call("DECR", slot_key)) < 0 then
    redis.call("SET", slot_key, 0)
  end
end

local attempt = redis.call("HINCRBY", key_meta, "attempt", 1)

if attempt >= max_attempts then
  redis.call("RPUSH", prefix .. ":dlq:" .. mesh, job_id)
  redis.call("HSET", key_meta,
    "status", "failed", "completed_at", now, "updated_at", now, "processed_by", "")
  redis.call("HINCRBY", prefix .. ":mesh:" .. mesh .. ":totals", "failed", 1)
  publish({prefix .. ":events:global",
           prefix .. ":events:mesh:" .. mesh,
           prefix .. ":events:job:" .. job_id,
           prefix .. ":events:type:" .. jtype},
    {event = "job.failed", jobId = job_id, timestamp = now, meshId = mesh,
     serverId = server, status = "failed", attempt = attempt,
     reason = "retry_limit_exceeded"})
  return {attempt, "DLQ"}
end

local delay
if backoff == "linear" then
  delay = base * attempt
elseif backoff == "fixed" then
  delay = base
else
  delay = base * 2 ^ (attempt - 1)
end
if delay > max_delay then
  delay = max_delay
end
delay = math.floor(delay * (1 + jitter * rnd))
if delay < 0 then
  delay = 0
end

local next_run = now + delay
redis.call("HSET", key_meta,
  "status", "scheduled", "scheduled_for", next_run,
  "updated_at", now, "processed_by", "")
redis.call("ZADD", key_delayed, next_run, job_id)
publish({prefix .. ":events:global",
         prefix .. ":events:mesh:" .. mesh,
         prefix .. ":events:type:" .. jtype},
  {event = "job.retry", jobId = job_id, timestamp = now, meshId = mesh,
   serverId = server, attempt = attempt, delay = delay})
return {attempt, "RETRY", delay}
`

// RetryResult is the discriminated outcome of retry-job.
type RetryResult struct {
	Attempt    int
	WillRetry  bool
	MovedToDLQ bool
	Delay      int64 // ms until next run, when WillRetry
}

// EvalRetryJob runs the retry-job script.
// rnd must be a uniform sample in [-1, 1]; it is applied as jitter to the
// computed backoff delay.
func (c *Client) EvalRetryJob(
	ctx context.Context,
	jobID, serverID string,
	errJSON []byte,
	now int64,
	rnd float64,
) (RetryResult, error) {
	keys := []string{c.Keys.Active(serverID), c.Keys.Delayed()}
	res, err := c.retryJob.Run(ctx, c.Redis, keys,
		c.Keys.Prefix, jobID, serverID, string(errJSON), now, rnd).Result()
	if err != nil {
		return RetryResult{}, fmt.Errorf("failed to run retryJob: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 2 {
		return RetryResult{}, fmt.Errorf("unexpected retryJob res: %#v", res)
	}
	attempt, _ := parts[0].(int64)
	status, _ := parts[1].(string)
	switch status {
	case "RETRY":
		var delay int64
		if len(parts) >= 3 {
			delay, _ = parts[2].(int64)
		}
		return RetryResult{Attempt: int(attempt), WillRetry: true, Delay: delay}, nil
	case "DLQ":
		return RetryResult{Attempt: int(attempt), MovedToDLQ: true}, nil
	case "ERR_NOT_OWNER":
		return RetryResult{}, ErrNotOwner
	default:
		return RetryResult{}, fmt.Errorf("unknown retryJob status: %s", status)
	}
}
