package broker

import "strconv"

// DefaultPrefix namespaces all broker keys in the store.
const DefaultPrefix = "bridgemq"

// Keys derives the Redis key names for all broker entities.
//
// The scripts receive the prefix as an argument and rebuild job- and
// mesh-scoped keys server-side, so the layout here and in the Lua sources
// must stay in sync.
type Keys struct {
	Prefix string
}

// NewKeys returns the key schema for a namespace prefix.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

// Job entity keys.

func (k Keys) jobKey(id, field string) string {
	return k.Prefix + ":job:" + id + ":" + field
}

// JobMeta is the job header field-map.
func (k Keys) JobMeta(id string) string { return k.jobKey(id, "meta") }

// JobConfig is the JSON behavior config blob.
func (k Keys) JobConfig(id string) string { return k.jobKey(id, "config") }

// JobPayload is the opaque payload bytes.
func (k Keys) JobPayload(id string) string { return k.jobKey(id, "payload") }

// JobResult is the handler return value blob.
func (k Keys) JobResult(id string) string { return k.jobKey(id, "result") }

// JobErrors is the bounded error history list.
func (k Keys) JobErrors(id string) string { return k.jobKey(id, "errors") }

// JobDepends is the set of unsatisfied dependencies.
func (k Keys) JobDepends(id string) string { return k.jobKey(id, "depends") }

// JobWaiters is the reverse dependency set.
func (k Keys) JobWaiters(id string) string { return k.jobKey(id, "waiters") }

// Queue topology keys.

// Queue is the priority queue sorted set for one (mesh, type, priority).
func (k Keys) Queue(meshID, jobType string, priority int) string {
	return k.Prefix + ":queue:" + meshID + ":" + jobType + ":p" + strconv.Itoa(priority)
}

// Queues is the per-mesh registry of populated "type:priority" tuples.
func (k Keys) Queues(meshID string) string { return k.Prefix + ":queues:" + meshID }

// Pending is the per-mesh aggregated pending index scored by priority.
func (k Keys) Pending(meshID string) string { return k.Prefix + ":pending:" + meshID }

// Active is the per-server map of claimed job IDs to claim timestamps.
func (k Keys) Active(serverID string) string { return k.Prefix + ":active:" + serverID }

// Delayed is the global delayed sorted set scored by run time.
func (k Keys) Delayed() string { return k.Prefix + ":delayed" }

// DLQ is the per-mesh dead-letter list.
func (k Keys) DLQ(meshID string) string { return k.Prefix + ":dlq:" + meshID }

// Registry keys.

// Mesh is the mesh field-map.
func (k Keys) Mesh(id string) string { return k.Prefix + ":mesh:" + id }

// MeshMembers is the set of servers registered in a mesh.
func (k Keys) MeshMembers(id string) string { return k.Prefix + ":mesh:" + id + ":members" }

// MeshTotals is the per-mesh terminal status counter field-map.
func (k Keys) MeshTotals(id string) string { return k.Prefix + ":mesh:" + id + ":totals" }

// Server is the TTL-bounded server field-map.
func (k Keys) Server(id string) string { return k.Prefix + ":server:" + id }

// Dedup keys.

// Idempotency maps an idempotency key to a job ID within its window.
func (k Keys) Idempotency(key string) string { return k.Prefix + ":idempotency:" + key }

// Fingerprint maps a content hash to a job ID within its window.
func (k Keys) Fingerprint(hash string) string { return k.Prefix + ":fingerprint:" + hash }

// Rate-limit keys.

// RateLimit is the fixed-window counter for a bucket.
func (k Keys) RateLimit(bucket string) string { return k.Prefix + ":ratelimit:" + bucket }

// RateLimitQueue is the overflow list for a bucket.
func (k Keys) RateLimitQueue(bucket string) string { return k.Prefix + ":ratelimitqueue:" + bucket }

// RateLimitConcurrent counts in-flight claims for a bucket.
func (k Keys) RateLimitConcurrent(bucket string) string {
	return k.Prefix + ":ratelimit:" + bucket + ":concurrent"
}

// Batch and chain keys.

// Batch is the batch meta field-map.
func (k Keys) Batch(id string) string { return k.Prefix + ":batch:" + id }

// BatchJobs is the member list of a finalized batch.
func (k Keys) BatchJobs(id string) string { return k.Prefix + ":batch:" + id + ":jobs" }

// BatchAccum is the accumulation list feeding finalize-batch.
func (k Keys) BatchAccum(id string) string { return k.Prefix + ":batchaccum:" + id }

// Chain is the successor template list written by the completion script.
func (k Keys) Chain(jobID string) string { return k.Prefix + ":chain:" + jobID }

// CleanerCursor persists the SCAN position between cleaner runs.
func (k Keys) CleanerCursor() string { return k.Prefix + ":cleaner:cursor" }

// Event channels.

// EventsGlobal carries every lifecycle event.
func (k Keys) EventsGlobal() string { return k.Prefix + ":events:global" }

// EventsMesh carries per-mesh events.
func (k Keys) EventsMesh(meshID string) string { return k.Prefix + ":events:mesh:" + meshID }

// EventsJob carries per-job terminal events.
func (k Keys) EventsJob(jobID string) string { return k.Prefix + ":events:job:" + jobID }

// EventsServer carries per-server events.
func (k Keys) EventsServer(serverID string) string { return k.Prefix + ":events:server:" + serverID }

// EventsType carries per-job-type events.
func (k Keys) EventsType(jobType string) string { return k.Prefix + ":events:type:" + jobType }
