package model

import (
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// maxRecordedFailures bounds the per-step failure samples kept on an execution
const maxRecordedFailures = 50

// Execution is one concrete run of an automation
type Execution struct {
	ID           types.ExecutionID
	AutomationID types.AutomationID
	InstanceID   types.InstanceID
	Status       types.ExecutionStatus
	IsDryRun     bool
	CurrentStep  int // index into the sorted push sequence of the next step to send
	TotalSteps   int
	Steps        []StepResult
	StopReason   string
	StoppedAt    *time.Time
	NextStepAt   *time.Time // set while waiting for the next step
	StartTime    time.Time
	EndTime      *time.Time
	UpdatedAt    time.Time
}

// StepResult records what happened when one step ran
type StepResult struct {
	SequenceOrder int               `json:"sequenceOrder"`
	Layer         types.LayerID     `json:"layerId"`
	AudienceSize  int               `json:"audienceSize"`
	Eligible      int               `json:"eligible"`
	Exclusions    ExclusionCounts   `json:"exclusions"`
	Attempted     int               `json:"attempted"`
	Sent          int               `json:"sent"`
	Failed        int               `json:"failed"`
	Duplicates    int               `json:"duplicates,omitempty"` // already accepted on an earlier attempt
	Failures      []DeliveryFailure `json:"failures,omitempty"`
	DryRun        bool              `json:"dryRun"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   time.Time         `json:"completedAt"`
}

// DeliveryFailure is one recipient the delivery collaborator rejected
type DeliveryFailure struct {
	UserID types.UserID `json:"userId"`
	Error  string       `json:"error,omitempty"`
}

// AddFailure appends a failure sample, keeping at most maxRecordedFailures of them
func (s *StepResult) AddFailure(f DeliveryFailure) {
	s.Failed++
	if len(s.Failures) < maxRecordedFailures {
		s.Failures = append(s.Failures, f)
	}
}

// FailureRate returns failed/attempted, or zero when nothing was attempted
func (s *StepResult) FailureRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Attempted)
}

// ExecutionResult summarises an execution for callers
type ExecutionResult struct {
	ExecutionID   types.ExecutionID     `json:"executionId"`
	AutomationID  types.AutomationID    `json:"automationId"`
	Status        types.ExecutionStatus `json:"status"`
	IsDryRun      bool                  `json:"isDryRun"`
	StepsExecuted int                   `json:"stepsExecuted"`
	TotalSteps    int                   `json:"totalSteps"`
	TotalSent     int                   `json:"totalSent"`
	TotalFailed   int                   `json:"totalFailed"`
	TotalExcluded int                   `json:"totalExcluded"`
	Steps         []StepResult          `json:"steps"`
	StopReason    string                `json:"stopReason,omitempty"`
	StartTime     time.Time             `json:"startTime"`
	EndTime       *time.Time            `json:"endTime,omitempty"`
}

// Result builds the caller-facing summary
func (e *Execution) Result() *ExecutionResult {
	r := &ExecutionResult{
		ExecutionID:   e.ID,
		AutomationID:  e.AutomationID,
		Status:        e.Status,
		IsDryRun:      e.IsDryRun,
		StepsExecuted: len(e.Steps),
		TotalSteps:    e.TotalSteps,
		Steps:         e.Steps,
		StopReason:    e.StopReason,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
	}
	for _, s := range e.Steps {
		r.TotalSent += s.Sent
		r.TotalFailed += s.Failed
		r.TotalExcluded += s.Exclusions.Total()
	}
	return r
}

// SequenceProgress is the monitoring view of an execution
type SequenceProgress struct {
	ExecutionID  types.ExecutionID     `json:"executionId"`
	AutomationID types.AutomationID    `json:"automationId"`
	Status       types.ExecutionStatus `json:"status"`
	CurrentStep  int                   `json:"currentStep"`
	TotalSteps   int                   `json:"totalSteps"`
	Percent      float64               `json:"percent"`
	IsDryRun     bool                  `json:"isDryRun"`
	StartTime    time.Time             `json:"startTime"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// Progress builds the monitoring view
func (e *Execution) Progress() *SequenceProgress {
	p := &SequenceProgress{
		ExecutionID:  e.ID,
		AutomationID: e.AutomationID,
		Status:       e.Status,
		CurrentStep:  e.CurrentStep,
		TotalSteps:   e.TotalSteps,
		IsDryRun:     e.IsDryRun,
		StartTime:    e.StartTime,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.TotalSteps > 0 {
		p.Percent = float64(e.CurrentStep) / float64(e.TotalSteps) * 100
	}
	return p
}
