package model

import "time"

// ScheduleResult is returned when an automation is scheduled
type ScheduleResult struct {
	Success      bool       `json:"success"`
	NextFireTime *time.Time `json:"nextFireTime,omitempty"`
}

// RestoreResult describes one schedule reconstruction
type RestoreResult struct {
	BeforeRestore int `json:"beforeRestore"`
	AfterRestore  int `json:"afterRestore"`
	RestoredCount int `json:"restoredCount"`
	ResumedCount  int `json:"resumedCount"`
}

// ControlResult is returned for operator control actions
type ControlResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
