package broker

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Scripts holds the broker's Redis Lua server-side scripts.
type Scripts struct {
	// Job lifecycle
	createJob   *redis.Script
	claimJob    *redis.Script
	completeJob *redis.Script
	retryJob    *redis.Script
	cancelJob   *redis.Script
	// Maintenance
	processDelayed *redis.Script
	detectStalled  *redis.Script
	cleanJobs      *redis.Script
	// Gating and batching
	rateLimitCheck *redis.Script
	finalizeBatch  *redis.Script
	// Operator tooling
	requeueDLQ *redis.Script
}

// LoadScripts hashes the Lua server-side scripts and pre-loads them into Redis.
// Scripts are addressed by their SHA1 digest afterwards.
func LoadScripts(ctx context.Context, r *redis.Client) (*Scripts, error) {
	s := new(Scripts)
	for _, entry := range []struct {
		dst **redis.Script
		src string
	}{
		{&s.createJob, createJobScript},
		{&s.claimJob, claimJobScript},
		{&s.completeJob, completeJobScript},
		{&s.retryJob, retryJobScript},
		{&s.cancelJob, cancelJobScript},
		{&s.processDelayed, processDelayedScript},
		{&s.detectStalled, detectStalledScript},
		{&s.cleanJobs, cleanJobsScript},
		{&s.rateLimitCheck, rateLimitCheckScript},
		{&s.finalizeBatch, finalizeBatchScript},
		{&s.requeueDLQ, requeueDLQScript},
	} {
		script := redis.NewScript(entry.src)
		if err := script.Load(ctx, r).Err(); err != nil {
			return nil, err
		}
		*entry.dst = script
	}
	return s, nil
}
