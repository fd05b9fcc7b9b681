package model_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func TestSchedule_NextFireTime(t *testing.T) {
	t.Run("daily in a non-UTC timezone", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00", Timezone: "Asia/Tokyo"}
		now := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC) // 08:00 JST
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	})

	t.Run("fire time is strictly after now", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00", Timezone: "Asia/Tokyo"}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	})

	t.Run("weekly on monday", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyWeekly, ExecutionTime: "10:30", DayOfWeek: 1}
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) // Thursday
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC))
	})

	t.Run("monthly", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyMonthly, ExecutionTime: "08:15", DayOfMonth: 15}
		now := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 2, 15, 8, 15, 0, 0, time.UTC))
	})

	t.Run("cron expression", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyCron, CronExpression: "*/15 * * * *"}
		now := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC))
	})

	t.Run("recurring schedule respects start date", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00", StartDate: "2026-03-01"}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	})

	t.Run("one-off in the future", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyOnce, StartDate: "2026-02-01", ExecutionTime: "18:00", Timezone: "America/New_York"}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		next, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, next).Equal(time.Date(2026, 2, 1, 23, 0, 0, 0, time.UTC))
	})

	t.Run("one-off in the past has no next fire time", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyOnce, StartDate: "2025-02-01", ExecutionTime: "18:00"}
		_, err := s.NextFireTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		gt.Error(t, err).Is(model.ErrNoNextFireTime)
	})

	t.Run("same input gives same output", func(t *testing.T) {
		s := model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "07:45", Timezone: "Europe/Berlin"}
		now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
		a, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		b, err := s.NextFireTime(now)
		gt.NoError(t, err).Required()
		gt.Value(t, a).Equal(b)
	})
}

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name     string
		schedule model.Schedule
		wantErr  bool
	}{
		{"valid daily", model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00"}, false},
		{"unknown frequency", model.Schedule{Frequency: "hourly", ExecutionTime: "09:00"}, true},
		{"bad time", model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "25:00"}, true},
		{"bad timezone", model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00", Timezone: "Mars/Olympus"}, true},
		{"once without date", model.Schedule{Frequency: types.FrequencyOnce, ExecutionTime: "09:00"}, true},
		{"weekly bad day", model.Schedule{Frequency: types.FrequencyWeekly, ExecutionTime: "09:00", DayOfWeek: 7}, true},
		{"monthly day 31", model.Schedule{Frequency: types.FrequencyMonthly, ExecutionTime: "09:00", DayOfMonth: 31}, true},
		{"bad cron", model.Schedule{Frequency: types.FrequencyCron, CronExpression: "every minute"}, true},
		{"negative lead", model.Schedule{Frequency: types.FrequencyDaily, ExecutionTime: "09:00", LeadTimeMinutes: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Schedule.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
