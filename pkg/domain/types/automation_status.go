package types

import "fmt"

// AutomationStatus represents the lifecycle state of an automation
type AutomationStatus string

const (
	AutomationStatusDraft     AutomationStatus = "draft"
	AutomationStatusScheduled AutomationStatus = "scheduled"
	AutomationStatusRunning   AutomationStatus = "running"
	AutomationStatusPaused    AutomationStatus = "paused"
	AutomationStatusCancelled AutomationStatus = "cancelled"
	AutomationStatusCompleted AutomationStatus = "completed"
)

// AllAutomationStatuses returns all valid automation statuses
func AllAutomationStatuses() []AutomationStatus {
	return []AutomationStatus{
		AutomationStatusDraft,
		AutomationStatusScheduled,
		AutomationStatusRunning,
		AutomationStatusPaused,
		AutomationStatusCancelled,
		AutomationStatusCompleted,
	}
}

var automationTransitions = map[AutomationStatus][]AutomationStatus{
	AutomationStatusDraft:     {AutomationStatusScheduled, AutomationStatusCancelled},
	AutomationStatusScheduled: {AutomationStatusRunning, AutomationStatusPaused, AutomationStatusCancelled, AutomationStatusDraft},
	AutomationStatusRunning:   {AutomationStatusCompleted, AutomationStatusCancelled, AutomationStatusPaused, AutomationStatusScheduled, AutomationStatusDraft},
	AutomationStatusPaused:    {AutomationStatusScheduled, AutomationStatusCancelled, AutomationStatusRunning},
}

// IsValid checks if the automation status is valid
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationStatusDraft,
		AutomationStatusScheduled,
		AutomationStatusRunning,
		AutomationStatusPaused,
		AutomationStatusCancelled,
		AutomationStatusCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s AutomationStatus) IsTerminal() bool {
	return s == AutomationStatusCancelled || s == AutomationStatusCompleted
}

// CanTransitionTo reports whether moving from s to next is allowed. Running back to scheduled
// or draft is the failed-handoff revert; paused to running resumes a paused execution.
func (s AutomationStatus) CanTransitionTo(next AutomationStatus) bool {
	for _, allowed := range automationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String returns the string representation of the automation status
func (s AutomationStatus) String() string {
	return string(s)
}

// ParseAutomationStatus parses a string into an AutomationStatus
func ParseAutomationStatus(s string) (AutomationStatus, error) {
	status := AutomationStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid automation status: %s", s)
	}
	return status, nil
}
