// Package redistest runs an ephemeral Redis server for end-to-end tests.
package redistest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bridgemq/bridgemq/pkg/broker"
	"github.com/bridgemq/bridgemq/pkg/exectest"
)

// Redis is a Redis server subprocess and a connected client.
type Redis struct {
	Cmd    *exec.Cmd
	Client *redis.Client

	bg      *exectest.Background
	tempDir string
}

// NewRedis starts an ephemeral Redis server on a unix socket and returns a
// connected client.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	dir, err := os.MkdirTemp("", "redistest-")
	if err != nil {
		panic("failed to get temp dir: " + err.Error())
	}
	socket := filepath.Join(dir, "redis.sock")
	redisCmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--loglevel", "verbose")
	redisCmd.Dir = dir
	bg := exectest.NewBackground(t, redisCmd)
	bg.Name = "redis"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()
	client := redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	// Give Redis a moment to come up.
	startupTicker := time.NewTicker(100 * time.Millisecond)
	defer startupTicker.Stop()
	var pingErr error
tryLoop:
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-startupTicker.C:
				break
			case <-bg.Done():
				break tryLoop
			}
		}
		pingErr = client.Ping(ctx).Err()
		if errors.Is(pingErr, redis.ErrClosed) {
			continue // still starting
		} else if errors.Is(pingErr, os.ErrNotExist) {
			continue // socket not created yet
		} else if pingErr != nil {
			t.Fatal("Failed to ping Redis:", pingErr.Error())
		}
		t.Log("redistest: Redis is up")
		return &Redis{
			Cmd:    redisCmd,
			Client: client,

			bg:      bg,
			tempDir: dir,
		}
	}
	if err := bg.Err(); err != nil {
		t.Fatal("Subprocess failed:", err)
	}
	t.Fatal("Failed to ping Redis:", pingErr)
	return nil
}

// Close shuts down the server and removes its working directory.
func (r *Redis) Close(t testing.TB) {
	t.Log("redistest: Removing", r.tempDir)
	r.bg.Close()
	_ = os.RemoveAll(r.tempDir)
}

// NewBroker starts an ephemeral Redis server and a broker client on it with
// a test key prefix and default options.
func NewBroker(ctx context.Context, t testing.TB) (*Redis, *broker.Client) {
	rd := NewRedis(ctx, t)
	opts := broker.DefaultOptions
	client, err := broker.NewClient(ctx, rd.Client, broker.NewKeys("bridgemqtest"), &opts)
	if err != nil {
		rd.Close(t)
		t.Fatal("Failed to create broker client:", err)
	}
	return rd, client
}
