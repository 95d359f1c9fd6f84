// Package broker implements the shared-store core of the bridgemq task queue.
//
// A single Redis instance is the sole synchronization point of the mesh.
// Every mutation that spans more than one key (create, claim, complete, retry,
// promote, stall-recover, rate-limit, batch) runs as a server-side Lua script
// with whole-script atomicity; this is the only primitive the core relies on
// for correctness. Single-key updates (progress, heartbeats) use plain
// commands.
//
// Queue topology
//
// Jobs wait in one sorted set per (mesh, type, priority), scored by the
// earliest-eligible timestamp. A per-mesh "queues" registry set tracks which
// (type, priority) tuples are populated so the claim script can iterate
// priorities 10 down to 1 without listing the keyspace. A per-mesh pending
// index mirrors queue membership scored by priority for cheap aggregate
// queries. Delayed jobs sit in one global sorted set scored by their run time
// until the promoter moves them over.
//
// Scripts never raise errors to the client; they return discriminated
// {value, status} arrays which the Eval wrappers translate into typed errors.
// The caller passes "now" (unix milliseconds) and the jitter sample into every
// script so behavior is deterministic for a given input.
//
// All worker IDs, timestamps and counters must stay below 2^53 because the
// scripts handle them as Lua numbers.
//
// The dynamic key construction inside the scripts requires a non-clustered
// Redis deployment.
package broker

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/bridgemq/bridgemq/pkg/meshcache"
)

// Client interfaces with Redis to operate the queue core.
type Client struct {
	// Modules
	Redis *redis.Client
	// Settings
	Keys Keys
	*Options
	// Redis scripts
	*Scripts

	meshCache *meshcache.Cache
}

// NewClient pre-loads the broker scripts and returns a ready client.
func NewClient(ctx context.Context, rd *redis.Client, keys Keys, opts *Options) (*Client, error) {
	scripts, err := LoadScripts(ctx, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker scripts: %w", err)
	}
	return &Client{
		Redis:   rd,
		Keys:    keys,
		Options: opts,
		Scripts: scripts,
	}, nil
}
