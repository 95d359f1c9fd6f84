package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bridgemq/bridgemq/pkg/job"
)

var gpuWorker = Worker{
	ServerID:     "srv-1",
	Stack:        "ml",
	Capabilities: []string{"gpu:a100", "cuda", "image-processing"},
	Region:       "eu-west",
}

func TestMatchNilTarget(t *testing.T) {
	assert.True(t, Match(nil, gpuWorker))
	assert.True(t, Match(nil, Worker{}))
}

func TestMatchPinnedServer(t *testing.T) {
	assert.True(t, Match(&job.Target{Server: "srv-1"}, gpuWorker))
	assert.False(t, Match(&job.Target{Server: "srv-2"}, gpuWorker))
	// A pinned server overrides every other dimension.
	assert.True(t, Match(&job.Target{
		Server:       "srv-1",
		Capabilities: []string{"quantum"},
		Region:       []string{"mars"},
	}, gpuWorker))
}

func TestMatchCapabilities(t *testing.T) {
	assert.True(t, Match(&job.Target{Capabilities: []string{"cuda"}}, gpuWorker))
	assert.False(t, Match(&job.Target{Capabilities: []string{"tpu"}}, gpuWorker))

	// "any" is the default mode: one hit suffices.
	assert.True(t, Match(&job.Target{
		Capabilities: []string{"tpu", "cuda"},
	}, gpuWorker))

	// "all" requires every pattern to hit.
	assert.True(t, Match(&job.Target{
		Capabilities: []string{"cuda", "image-processing"},
		Mode:         job.ModeAll,
	}, gpuWorker))
	assert.False(t, Match(&job.Target{
		Capabilities: []string{"cuda", "tpu"},
		Mode:         job.ModeAll,
	}, gpuWorker))
}

func TestMatchWildcards(t *testing.T) {
	assert.True(t, Match(&job.Target{Capabilities: []string{"*"}}, gpuWorker))
	assert.False(t, Match(&job.Target{Capabilities: []string{"*"}}, Worker{ServerID: "bare"}))

	assert.True(t, Match(&job.Target{Capabilities: []string{"gpu:*"}}, gpuWorker))
	assert.False(t, Match(&job.Target{Capabilities: []string{"tpu:*"}}, gpuWorker))
	// The prefix wildcard does not match the bare prefix without a colon.
	assert.False(t, Match(&job.Target{Capabilities: []string{"gpu:*"}},
		Worker{Capabilities: []string{"gpuless"}}))
}

func TestMatchStackAndRegion(t *testing.T) {
	assert.True(t, Match(&job.Target{Stack: []string{"ml"}}, gpuWorker))
	assert.False(t, Match(&job.Target{Stack: []string{"web"}}, gpuWorker))
	assert.True(t, Match(&job.Target{Stack: []string{"web", "ml"}}, gpuWorker))

	assert.True(t, Match(&job.Target{Region: []string{"eu-west"}}, gpuWorker))
	assert.False(t, Match(&job.Target{Region: []string{"us-east"}}, gpuWorker))

	// All dimensions must pass together.
	assert.False(t, Match(&job.Target{
		Stack:  []string{"ml"},
		Region: []string{"us-east"},
	}, gpuWorker))
	assert.True(t, Match(&job.Target{
		Stack:        []string{"ml"},
		Region:       []string{"eu-west"},
		Capabilities: []string{"gpu:*"},
	}, gpuWorker))
}
