package types

import "fmt"

// AutomationType distinguishes single pushes from multi-step sequences
type AutomationType string

const (
	AutomationTypeSingle   AutomationType = "single"
	AutomationTypeSequence AutomationType = "sequence"
)

// IsValid checks if the automation type is valid
func (t AutomationType) IsValid() bool {
	return t == AutomationTypeSingle || t == AutomationTypeSequence
}

func (t AutomationType) String() string {
	return string(t)
}

// ParseAutomationType parses a string into an AutomationType
func ParseAutomationType(s string) (AutomationType, error) {
	t := AutomationType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid automation type: %s", s)
	}
	return t, nil
}

// Frequency is how often a scheduled automation recurs
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// IsValid checks if the frequency is valid
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCron:
		return true
	default:
		return false
	}
}

// IsRecurring reports whether the automation fires more than once
func (f Frequency) IsRecurring() bool {
	return f.IsValid() && f != FrequencyOnce
}

func (f Frequency) String() string {
	return string(f)
}
