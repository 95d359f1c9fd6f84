package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSchedule(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 30, 0, 0, time.UTC)
	nowMs := UnixMilli(now)

	ts, err := ResolveSchedule(nil, now)
	require.NoError(t, err)
	assert.Equal(t, nowMs, ts)

	ts, err = ResolveSchedule(&ScheduleConfig{}, now)
	require.NoError(t, err)
	assert.Equal(t, nowMs, ts)

	ts, err = ResolveSchedule(&ScheduleConfig{Delay: 5000}, now)
	require.NoError(t, err)
	assert.Equal(t, nowMs+5000, ts)

	ts, err = ResolveSchedule(&ScheduleConfig{RunAt: nowMs + 60000}, now)
	require.NoError(t, err)
	assert.Equal(t, nowMs+60000, ts)

	// RunAt wins over Delay.
	ts, err = ResolveSchedule(&ScheduleConfig{RunAt: nowMs + 60000, Delay: 5000}, now)
	require.NoError(t, err)
	assert.Equal(t, nowMs+60000, ts)
}

func TestResolveScheduleCron(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 30, 30, 0, time.UTC)

	// Next full hour.
	ts, err := ResolveSchedule(&ScheduleConfig{Cron: "0 * * * *"}, now)
	require.NoError(t, err)
	next := time.Date(2021, 6, 1, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, UnixMilli(next), ts)

	_, err = ResolveSchedule(&ScheduleConfig{Cron: "not a cron"}, now)
	assert.Error(t, err)

	_, err = ResolveSchedule(&ScheduleConfig{Cron: "0 * * * *", Timezone: "Mars/Olympus"}, now)
	assert.Error(t, err)
}
