// Package retry classifies handler failures and mirrors the backoff formulas
// of the broker's retry script for client-side inspection and tests.
package retry

import (
	"errors"

	"github.com/bridgemq/bridgemq/pkg/job"
)

// nonRetryable error codes never re-enter the retry path.
var nonRetryable = map[job.Code]bool{
	job.CodeInvalidPayload:     true,
	job.CodeInvalidConfig:      true,
	job.CodeCapabilityMismatch: true,
}

// Eligible reports whether a handler failure may be retried.
// An explicit Retryable=false on a typed error wins over the code table.
func Eligible(err error) bool {
	var jerr *job.Error
	if errors.As(err, &jerr) {
		if jerr.Retryable != nil {
			return *jerr.Retryable
		}
		return !nonRetryable[jerr.Code]
	}
	return true
}

// Delay computes the pre-jitter backoff delay in ms for the given attempt
// (1-based, i.e. the number of failures so far).
func Delay(cfg *job.RetryConfig, attempt int) int64 {
	base := int64(job.DefaultBaseDelayMs)
	max := int64(job.DefaultMaxDelayMs)
	backoff := job.BackoffExponential
	if cfg != nil {
		if cfg.BaseDelayMs > 0 {
			base = cfg.BaseDelayMs
		}
		if cfg.MaxDelayMs > 0 {
			max = cfg.MaxDelayMs
		}
		if cfg.Backoff != "" {
			backoff = cfg.Backoff
		}
	}
	if attempt < 1 {
		attempt = 1
	}
	var delay int64
	switch backoff {
	case job.BackoffLinear:
		delay = base * int64(attempt)
	case job.BackoffFixed:
		delay = base
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				delay = max
				break
			}
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Jitter applies the uniform jitter factor to a pre-jitter delay.
// rnd must be in [-1, 1]; the result is floored to integer ms.
func Jitter(delay int64, factor float64, rnd float64) int64 {
	if factor <= 0 {
		return delay
	}
	jittered := float64(delay) * (1 + factor*rnd)
	if jittered < 0 {
		return 0
	}
	return int64(jittered)
}

// MaxAttempts resolves the configured attempt budget.
func MaxAttempts(cfg *job.RetryConfig) int {
	if cfg == nil || cfg.MaxAttempts <= 0 {
		return job.DefaultMaxAttempts
	}
	return cfg.MaxAttempts
}
