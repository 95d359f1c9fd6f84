package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	var nilConfig *Config
	assert.NoError(t, nilConfig.Validate())
	assert.NoError(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{Priority: 10}).Validate())

	for _, bad := range []*Config{
		{Priority: 11},
		{Priority: -1},
		{Schedule: &ScheduleConfig{Delay: 1000, RunAt: 2000}},
		{Schedule: &ScheduleConfig{Delay: -5}},
		{Retry: &RetryConfig{MaxAttempts: -1}},
		{Retry: &RetryConfig{Backoff: "polynomial"}},
		{Target: &Target{Mode: "some"}},
	} {
		err := bad.Validate()
		require.Error(t, err)
		var jerr *Error
		require.True(t, errors.As(err, &jerr))
		assert.Equal(t, CodeInvalidConfig, jerr.Code)
	}

	jitter := 0.5
	assert.NoError(t, (&Config{Retry: &RetryConfig{JitterFactor: &jitter}}).Validate())
	badJitter := 1.5
	assert.Error(t, (&Config{Retry: &RetryConfig{JitterFactor: &badJitter}}).Validate())
}

func TestEffectivePriority(t *testing.T) {
	var nilConfig *Config
	assert.Equal(t, DefaultPriority, nilConfig.EffectivePriority())
	assert.Equal(t, DefaultPriority, (&Config{}).EffectivePriority())
	assert.Equal(t, 9, (&Config{Priority: 9}).EffectivePriority())
}

func TestRetryEnabled(t *testing.T) {
	var nilRetry *RetryConfig
	assert.True(t, nilRetry.RetryEnabled())
	assert.True(t, (&RetryConfig{}).RetryEnabled())
	off := false
	assert.False(t, (&RetryConfig{Enabled: &off}).RetryEnabled())
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusBatched.Valid())
	assert.False(t, Status("zombie").Valid())
}

func TestTypePattern(t *testing.T) {
	assert.True(t, TypePattern.MatchString("send-email_v2"))
	assert.False(t, TypePattern.MatchString(""))
	assert.False(t, TypePattern.MatchString("bad type"))
	assert.False(t, TypePattern.MatchString("dots.not.allowed"))
}
