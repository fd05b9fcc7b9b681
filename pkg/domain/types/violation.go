package types

// Severity of a safeguard violation
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	return s == SeverityWarning || s == SeverityCritical
}

func (s Severity) String() string {
	return string(s)
}

// ViolationType is the kind of threshold that was breached
type ViolationType string

const (
	ViolationTypeAudienceSize ViolationType = "audience_size"
	ViolationTypeFailureRate  ViolationType = "failure_rate"
	ViolationTypeConcurrency  ViolationType = "concurrent_executions"
	ViolationTypeMissedRun    ViolationType = "missed_run"
)

// IsValid checks if the violation type is valid
func (v ViolationType) IsValid() bool {
	switch v {
	case ViolationTypeAudienceSize, ViolationTypeFailureRate, ViolationTypeConcurrency, ViolationTypeMissedRun:
		return true
	default:
		return false
	}
}

func (v ViolationType) String() string {
	return string(v)
}
