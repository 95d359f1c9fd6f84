package job

import (
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ResolveSchedule turns the schedule section into a concrete run timestamp
// in unix milliseconds. Jobs without a schedule run at "now".
// Cron expressions resolve to the next occurrence after now in the
// configured timezone (UTC when unset).
func ResolveSchedule(s *ScheduleConfig, now time.Time) (int64, error) {
	if s == nil {
		return UnixMilli(now), nil
	}
	if s.RunAt > 0 {
		return s.RunAt, nil
	}
	if s.Delay > 0 {
		return UnixMilli(now) + s.Delay, nil
	}
	if s.Cron != "" {
		loc := time.UTC
		if s.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return 0, NewError(CodeInvalidConfig, "schedule.timezone: %s", err)
			}
		}
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return 0, NewError(CodeInvalidConfig, "schedule.cron: %s", err)
		}
		return UnixMilli(sched.Next(now.In(loc))), nil
	}
	return UnixMilli(now), nil
}
