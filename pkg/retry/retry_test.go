package retry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bridgemq/bridgemq/pkg/job"
)

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(errors.New("connection reset")))
	assert.True(t, Eligible(job.NewError(job.CodeRedisFailure, "store down")))

	assert.False(t, Eligible(job.NewError(job.CodeInvalidPayload, "bad payload")))
	assert.False(t, Eligible(job.NewError(job.CodeInvalidConfig, "bad config")))
	assert.False(t, Eligible(job.NewError(job.CodeCapabilityMismatch, "no gpu")))

	// Wrapped typed errors are still classified.
	wrapped := fmt.Errorf("handler: %w", job.NewError(job.CodeInvalidPayload, "bad"))
	assert.False(t, Eligible(wrapped))

	// An explicit Retryable flag wins over the code table.
	off := false
	assert.False(t, Eligible(&job.Error{Code: job.CodeRedisFailure, Message: "x", Retryable: &off}))
	on := true
	assert.True(t, Eligible(&job.Error{Code: job.CodeInvalidPayload, Message: "x", Retryable: &on}))
}

func TestDelayExponential(t *testing.T) {
	cfg := &job.RetryConfig{
		Backoff:     job.BackoffExponential,
		BaseDelayMs: 1000,
		MaxDelayMs:  60000,
	}
	want := []int64{1000, 2000, 4000, 8000, 16000, 32000, 60000, 60000}
	for i, expected := range want {
		assert.Equal(t, expected, Delay(cfg, i+1), "attempt %d", i+1)
	}
}

func TestDelayLinear(t *testing.T) {
	cfg := &job.RetryConfig{Backoff: job.BackoffLinear, BaseDelayMs: 500, MaxDelayMs: 1600}
	assert.Equal(t, int64(500), Delay(cfg, 1))
	assert.Equal(t, int64(1000), Delay(cfg, 2))
	assert.Equal(t, int64(1500), Delay(cfg, 3))
	assert.Equal(t, int64(1600), Delay(cfg, 4)) // capped
}

func TestDelayFixed(t *testing.T) {
	cfg := &job.RetryConfig{Backoff: job.BackoffFixed, BaseDelayMs: 250}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, int64(250), Delay(cfg, attempt))
	}
}

func TestDelayDefaults(t *testing.T) {
	assert.Equal(t, int64(job.DefaultBaseDelayMs), Delay(nil, 1))
	assert.Equal(t, int64(2000), Delay(nil, 2))
	assert.Equal(t, int64(job.DefaultMaxDelayMs), Delay(nil, 50))
	// Out-of-range attempts clamp to the first.
	assert.Equal(t, int64(job.DefaultBaseDelayMs), Delay(nil, 0))
}

func TestJitter(t *testing.T) {
	assert.Equal(t, int64(1000), Jitter(1000, 0, 1))
	assert.Equal(t, int64(1200), Jitter(1000, 0.2, 1))
	assert.Equal(t, int64(800), Jitter(1000, 0.2, -1))
	assert.Equal(t, int64(1000), Jitter(1000, 0.2, 0))
	// Never negative.
	assert.GreaterOrEqual(t, Jitter(10, 1, -1), int64(0))
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, job.DefaultMaxAttempts, MaxAttempts(nil))
	assert.Equal(t, job.DefaultMaxAttempts, MaxAttempts(&job.RetryConfig{}))
	assert.Equal(t, 7, MaxAttempts(&job.RetryConfig{MaxAttempts: 7}))
}
