package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule describes when an automation fires. ExecutionTime is "HH:MM" in Timezone.
// StartDate ("2006-01-02") is required for once and acts as a lower bound for recurring runs.
type Schedule struct {
	Frequency       types.Frequency `json:"frequency"`
	StartDate       string          `json:"startDate"`
	ExecutionTime   string          `json:"executionTime"`
	DayOfWeek       int             `json:"dayOfWeek,omitempty"`  // weekly: 0 = Sunday
	DayOfMonth      int             `json:"dayOfMonth,omitempty"` // monthly: 1-28
	CronExpression  string          `json:"cronExpression,omitempty"`
	LeadTimeMinutes int             `json:"leadTimeMinutes"`
	Timezone        string          `json:"timezone"`
}

// Location loads the schedule's timezone. Empty means UTC.
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidSchedule, "unknown timezone", goerr.V(TimezoneKey, s.Timezone), goerr.V("error", err.Error()))
	}
	return loc, nil
}

// LeadTime returns how long before the fire time the audience is prepared
func (s *Schedule) LeadTime() time.Duration {
	return time.Duration(s.LeadTimeMinutes) * time.Minute
}

func (s *Schedule) clock() (int, int, error) {
	parts := strings.Split(s.ExecutionTime, ":")
	if len(parts) != 2 {
		return 0, 0, goerr.Wrap(ErrInvalidSchedule, "execution time must be HH:MM", goerr.V(ExecutionTimeKey, s.ExecutionTime))
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, goerr.Wrap(ErrInvalidSchedule, "invalid hour", goerr.V(ExecutionTimeKey, s.ExecutionTime))
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, goerr.Wrap(ErrInvalidSchedule, "invalid minute", goerr.V(ExecutionTimeKey, s.ExecutionTime))
	}
	return hour, minute, nil
}

func (s *Schedule) startDate(loc *time.Location) (time.Time, bool, error) {
	if s.StartDate == "" {
		return time.Time{}, false, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s.StartDate, loc)
	if err != nil {
		return time.Time{}, false, goerr.Wrap(ErrInvalidSchedule, "start date must be YYYY-MM-DD", goerr.V("start_date", s.StartDate))
	}
	return d, true, nil
}

// cronSpec renders the recurring schedule as a cron expression pinned to the timezone
func (s *Schedule) cronSpec() (string, error) {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}

	if s.Frequency == types.FrequencyCron {
		if s.CronExpression == "" {
			return "", goerr.Wrap(ErrInvalidSchedule, "cron expression is required")
		}
		return fmt.Sprintf("CRON_TZ=%s %s", tz, s.CronExpression), nil
	}

	hour, minute, err := s.clock()
	if err != nil {
		return "", err
	}

	switch s.Frequency {
	case types.FrequencyDaily:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, minute, hour), nil
	case types.FrequencyWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return "", goerr.Wrap(ErrInvalidSchedule, "day of week must be 0-6", goerr.V("day_of_week", s.DayOfWeek))
		}
		return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", tz, minute, hour, s.DayOfWeek), nil
	case types.FrequencyMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
			return "", goerr.Wrap(ErrInvalidSchedule, "day of month must be 1-28", goerr.V("day_of_month", s.DayOfMonth))
		}
		return fmt.Sprintf("CRON_TZ=%s %d %d %d * *", tz, minute, hour, s.DayOfMonth), nil
	default:
		return "", goerr.Wrap(ErrInvalidSchedule, "frequency is not recurring", goerr.V("frequency", s.Frequency))
	}
}

// Validate checks the schedule definition
func (s *Schedule) Validate() error {
	if !s.Frequency.IsValid() {
		return goerr.Wrap(ErrInvalidSchedule, "invalid frequency", goerr.V("frequency", s.Frequency))
	}
	if s.LeadTimeMinutes < 0 {
		return goerr.Wrap(ErrInvalidSchedule, "lead time must not be negative")
	}
	loc, err := s.Location()
	if err != nil {
		return err
	}
	_, hasStart, err := s.startDate(loc)
	if err != nil {
		return err
	}

	if s.Frequency == types.FrequencyOnce {
		if !hasStart {
			return goerr.Wrap(ErrInvalidSchedule, "start date is required for a one-off schedule")
		}
		_, _, err := s.clock()
		return err
	}

	spec, err := s.cronSpec()
	if err != nil {
		return err
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return goerr.Wrap(ErrInvalidSchedule, "invalid cron expression", goerr.V("spec", spec), goerr.V("error", err.Error()))
	}
	return nil
}

// NextFireTime returns the first fire time strictly after now. It depends only on the schedule
// and now, so the engine can recompute it after any restart. ErrNoNextFireTime is returned when
// a one-off schedule is already in the past.
func (s *Schedule) NextFireTime(now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}

	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	start, hasStart, err := s.startDate(loc)
	if err != nil {
		return time.Time{}, err
	}

	if s.Frequency == types.FrequencyOnce {
		hour, minute, err := s.clock()
		if err != nil {
			return time.Time{}, err
		}
		at := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, loc)
		if !at.After(now) {
			return time.Time{}, goerr.Wrap(ErrNoNextFireTime, "one-off schedule is in the past", goerr.V("fire_at", at))
		}
		return at.UTC(), nil
	}

	spec, err := s.cronSpec()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, goerr.Wrap(ErrInvalidSchedule, "invalid cron expression", goerr.V("spec", spec))
	}

	from := now
	if hasStart && start.After(from) {
		from = start.Add(-time.Second)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, goerr.Wrap(ErrNoNextFireTime, "cron schedule never fires", goerr.V("spec", spec))
	}
	return next.UTC(), nil
}
