package job

import (
	"encoding/json"
	"fmt"
)

// Backoff strategies for retry delays.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
)

// Target modes.
const (
	ModeAny = "any"
	ModeAll = "all"
)

// Retry defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelayMs  = 1000
	DefaultMaxDelayMs   = 60000
	DefaultJitterFactor = 0.2
)

// DefaultPriority is used when the config leaves priority unset.
const DefaultPriority = 5

// DefaultIdempotencyWindow is the index TTL in seconds.
const DefaultIdempotencyWindow = 3600

// Config is the enumerated per-job behavior configuration.
// It is stored as a JSON blob next to the job meta and decoded by the
// claim and completion scripts where needed.
type Config struct {
	Priority     int                `json:"priority,omitempty"`
	Schedule     *ScheduleConfig    `json:"schedule,omitempty"`
	Retry        *RetryConfig       `json:"retry,omitempty"`
	Target       *Target            `json:"target,omitempty"`
	RateLimit    *RateLimitConfig   `json:"rateLimit,omitempty"`
	Idempotency  *IdempotencyConfig `json:"idempotency,omitempty"`
	Lifecycle    *LifecycleConfig   `json:"lifecycle,omitempty"`
	Behavior     *BehaviorConfig    `json:"behavior,omitempty"`
	Chain        *ChainConfig       `json:"chain,omitempty"`
	Dependencies *Dependencies      `json:"dependencies,omitempty"`
}

// ScheduleConfig delays the first execution.
// Delay and RunAt are mutually exclusive; Cron is resolved to a concrete
// run time at creation, the broker core only sees the resulting timestamp.
type ScheduleConfig struct {
	Delay    int64  `json:"delay,omitempty"`    // ms from now
	RunAt    int64  `json:"runAt,omitempty"`    // ms timestamp
	Cron     string `json:"cron,omitempty"`     // cron expression
	Timezone string `json:"timezone,omitempty"` // IANA name for cron
}

// RetryConfig controls the retry path after handler failures.
type RetryConfig struct {
	MaxAttempts  int      `json:"maxAttempts,omitempty"`
	Backoff      string   `json:"backoff,omitempty"`
	BaseDelayMs  int64    `json:"baseDelayMs,omitempty"`
	MaxDelayMs   int64    `json:"maxDelayMs,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
	JitterFactor *float64 `json:"jitterFactor,omitempty"`
}

// RetryEnabled resolves the Enabled tri-state (default true).
func (r *RetryConfig) RetryEnabled() bool {
	if r == nil || r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Target restricts which workers may claim the job.
type Target struct {
	Server       string   `json:"server,omitempty"`
	Stack        []string `json:"stack,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Region       []string `json:"region,omitempty"`
	Mode         string   `json:"mode,omitempty"` // any | all
}

// RateLimitConfig gates claims on a fixed-window counter.
type RateLimitConfig struct {
	Key           string `json:"key,omitempty"`
	Max           int64  `json:"max,omitempty"`
	WindowSeconds int64  `json:"windowSeconds,omitempty"`
	MaxConcurrent int64  `json:"maxConcurrent,omitempty"`
}

// IdempotencyConfig deduplicates creates by caller-chosen key.
type IdempotencyConfig struct {
	Key    string `json:"key,omitempty"`
	Window int64  `json:"window,omitempty"` // seconds
}

// LifecycleConfig applies a TTL to the job's storage keys.
type LifecycleConfig struct {
	TTL int64 `json:"ttl,omitempty"` // seconds
}

// BehaviorConfig holds storage behavior switches.
type BehaviorConfig struct {
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	Deduplication    bool `json:"deduplication,omitempty"`
}

// ChainTemplate describes a successor job to enqueue after completion.
type ChainTemplate struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Config  *Config         `json:"config,omitempty"`
}

// ChainConfig lists successors by outcome.
type ChainConfig struct {
	OnSuccess []ChainTemplate `json:"onSuccess,omitempty"`
	OnFailure []ChainTemplate `json:"onFailure,omitempty"`
}

// Dependencies blocks the job until all listed jobs complete.
type Dependencies struct {
	WaitFor []string `json:"waitFor,omitempty"`
}

// EffectivePriority clamps and defaults the configured priority.
func (c *Config) EffectivePriority() int {
	if c == nil || c.Priority == 0 {
		return DefaultPriority
	}
	return c.Priority
}

// Validate fails fast on malformed configuration (1xxx class).
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Priority != 0 && (c.Priority < 1 || c.Priority > 10) {
		return &Error{Code: CodeInvalidConfig, Message: fmt.Sprintf("priority out of range: %d", c.Priority)}
	}
	if s := c.Schedule; s != nil {
		if s.Delay != 0 && s.RunAt != 0 {
			return &Error{Code: CodeInvalidConfig, Message: "schedule.delay and schedule.runAt are mutually exclusive"}
		}
		if s.Delay < 0 {
			return &Error{Code: CodeInvalidConfig, Message: "schedule.delay must not be negative"}
		}
	}
	if r := c.Retry; r != nil {
		if r.MaxAttempts < 0 {
			return &Error{Code: CodeInvalidConfig, Message: "retry.maxAttempts must be >= 1"}
		}
		switch r.Backoff {
		case "", BackoffExponential, BackoffLinear, BackoffFixed:
		default:
			return &Error{Code: CodeInvalidConfig, Message: "unknown retry.backoff: " + r.Backoff}
		}
		if r.JitterFactor != nil && (*r.JitterFactor < 0 || *r.JitterFactor > 1) {
			return &Error{Code: CodeInvalidConfig, Message: "retry.jitterFactor must be in [0, 1]"}
		}
	}
	if t := c.Target; t != nil {
		switch t.Mode {
		case "", ModeAny, ModeAll:
		default:
			return &Error{Code: CodeInvalidConfig, Message: "unknown target.mode: " + t.Mode}
		}
	}
	return nil
}
