package model

import (
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// SafeguardViolation is a detected threshold breach. It only changes when resolved.
type SafeguardViolation struct {
	ID           types.ViolationID   `json:"id"`
	AutomationID types.AutomationID  `json:"automationId"`
	ExecutionID  types.ExecutionID   `json:"executionId"`
	Type         types.ViolationType `json:"type"`
	Severity     types.Severity      `json:"severity"`
	Message      string              `json:"message"`
	Timestamp    time.Time           `json:"timestamp"`
	Resolved     bool                `json:"resolved"`
	Resolution   string              `json:"resolution,omitempty"`
	ResolvedAt   *time.Time          `json:"resolvedAt,omitempty"`
}

// ViolationFilter narrows violation listings. Zero values match everything.
type ViolationFilter struct {
	AutomationID   types.AutomationID
	ExecutionID    types.ExecutionID
	UnresolvedOnly bool
}

// Match reports whether v passes the filter
func (f ViolationFilter) Match(v *SafeguardViolation) bool {
	if f.AutomationID != "" && v.AutomationID != f.AutomationID {
		return false
	}
	if f.ExecutionID != "" && v.ExecutionID != f.ExecutionID {
		return false
	}
	if f.UnresolvedOnly && v.Resolved {
		return false
	}
	return true
}

// SafeguardMetrics is the operator view of system safety
type SafeguardMetrics struct {
	SystemHealthScore  int `json:"systemHealthScore"`
	TotalViolations    int `json:"totalViolations"`
	CriticalViolations int `json:"criticalViolations"`
	ActiveExecutions   int `json:"activeExecutions"`
}

// StopDecision tells the executor whether to stop a sequence
type StopDecision struct {
	Stop   bool   `json:"stop"`
	Reason string `json:"reason,omitempty"`
}

// SafeguardPolicy holds process-wide safety limits
type SafeguardPolicy struct {
	MaxConcurrentExecutions int     `toml:"max_concurrent_executions" json:"maxConcurrentExecutions"`
	MinHealthScore          int     `toml:"min_health_score" json:"minHealthScore"`
	DefaultMaxAudienceSize  int     `toml:"default_max_audience_size" json:"defaultMaxAudienceSize"`
	DefaultFailureRate      float64 `toml:"default_failure_rate" json:"defaultFailureRate"`
}

// DefaultSafeguardPolicy returns the policy used when no policy file is configured
func DefaultSafeguardPolicy() SafeguardPolicy {
	return SafeguardPolicy{
		MaxConcurrentExecutions: 50,
		MinHealthScore:          20,
		DefaultMaxAudienceSize:  500000,
		DefaultFailureRate:      0.2,
	}
}
