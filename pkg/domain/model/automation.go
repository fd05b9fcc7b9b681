package model

import (
	"sort"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// Automation is a reusable, possibly recurring push campaign. Automations are never deleted;
// they only move through AutomationStatus.
type Automation struct {
	ID               types.AutomationID     `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Type             types.AutomationType   `json:"type"`
	Status           types.AutomationStatus `json:"status"`
	Schedule         Schedule               `json:"schedule"`
	PushSequence     []PushStep             `json:"pushSequence"`
	AudienceCriteria AudienceCriteria       `json:"audienceCriteria"`
	Settings         AutomationSettings     `json:"settings"`
	Metadata         AutomationMetadata     `json:"metadata"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// PushStep is one notification of a sequence. Title, Body and DeepLink are text/template
// sources rendered per recipient with the recipient's audience attributes.
type PushStep struct {
	SequenceOrder       int           `json:"sequenceOrder"`
	Title               string        `json:"title"`
	Body                string        `json:"body"`
	DeepLink            string        `json:"deepLink"`
	Layer               types.LayerID `json:"layerId"`
	AudienceDescription string        `json:"audienceDescription"`
	Timing              StepTiming    `json:"timing"`
}

// StepTiming says when a step sends. AbsoluteTime wins over DelayAfterPreviousMinutes.
type StepTiming struct {
	DelayAfterPreviousMinutes int        `json:"delayAfterPreviousMinutes"`
	AbsoluteTime              *time.Time `json:"absoluteTime,omitempty"`
}

// AudienceCriteria selects the audience source and its parameters
type AudienceCriteria struct {
	Source      string            `json:"source"` // static, script or gcs
	UserIDs     []string          `json:"userIds,omitempty"`
	Script      string            `json:"script,omitempty"`
	Object      string            `json:"object,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Description string            `json:"description"`
}

// AlertThresholds hold ratios above which a violation is raised
type AlertThresholds struct {
	FailureRate float64 `json:"failureRate"`
}

// SafeguardSettings are per-automation safety limits. Zero values fall back to policy defaults.
type SafeguardSettings struct {
	MaxAudienceSize int             `json:"maxAudienceSize"`
	AlertThresholds AlertThresholds `json:"alertThresholds"`
}

// AutomationSettings holds execution behaviour flags
type AutomationSettings struct {
	Safeguards                SafeguardSettings `json:"safeguards"`
	CancellationWindowMinutes int               `json:"cancellationWindowMinutes"`
	EmergencyStopEnabled      bool              `json:"emergencyStopEnabled"`
}

// AutomationMetadata carries execution counters and the schedule claim
type AutomationMetadata struct {
	TotalExecutions      int               `json:"totalExecutions"`
	SuccessfulExecutions int               `json:"successfulExecutions"`
	FailedExecutions     int               `json:"failedExecutions"`
	LastExecutionID      types.ExecutionID `json:"lastExecutionId"`
	LastExecutionAt      *time.Time        `json:"lastExecutionAt,omitempty"`
	NextRunAt            *time.Time        `json:"nextRunAt,omitempty"`
	ScheduledBy          types.InstanceID  `json:"scheduledBy,omitempty"`
	StatusReason         string            `json:"statusReason,omitempty"`
	StatusChangedAt      *time.Time        `json:"statusChangedAt,omitempty"`

	// StopRequest is the execution status a cancel or emergency stop asked for. The instance
	// running the execution reads it at the next step boundary.
	StopRequest types.ExecutionStatus `json:"stopRequest,omitempty"`
}

// IsRecurring reports whether the automation should be rescheduled after a run
func (a *Automation) IsRecurring() bool {
	return a.Schedule.Frequency.IsRecurring()
}

// SortedSteps returns the push sequence ordered by SequenceOrder
func (a *Automation) SortedSteps() []PushStep {
	steps := make([]PushStep, len(a.PushSequence))
	copy(steps, a.PushSequence)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SequenceOrder < steps[j].SequenceOrder
	})
	return steps
}

// CancellationWindow returns the configured window before the fire time in which cancel is refused
func (a *Automation) CancellationWindow() time.Duration {
	return time.Duration(a.Settings.CancellationWindowMinutes) * time.Minute
}

// Validate checks the automation definition
func (a *Automation) Validate() error {
	if a.Name == "" {
		return goerr.Wrap(ErrInvalidAutomation, "name is required", goerr.V(AutomationIDKey, a.ID))
	}
	if !a.Type.IsValid() {
		return goerr.Wrap(ErrInvalidAutomation, "invalid automation type", goerr.V(AutomationIDKey, a.ID), goerr.V("type", a.Type))
	}
	if a.Status != "" && !a.Status.IsValid() {
		return goerr.Wrap(ErrInvalidAutomation, "invalid automation status", goerr.V(AutomationIDKey, a.ID), goerr.V("status", a.Status))
	}
	if len(a.PushSequence) == 0 {
		return goerr.Wrap(ErrInvalidAutomation, "push sequence is empty", goerr.V(AutomationIDKey, a.ID))
	}
	if a.Type == types.AutomationTypeSingle && len(a.PushSequence) != 1 {
		return goerr.Wrap(ErrInvalidAutomation, "single automation must have exactly one step",
			goerr.V(AutomationIDKey, a.ID), goerr.V("steps", len(a.PushSequence)))
	}

	orders := make(map[int]bool, len(a.PushSequence))
	for _, step := range a.PushSequence {
		if orders[step.SequenceOrder] {
			return goerr.Wrap(ErrInvalidStep, "duplicate sequence order", goerr.V(AutomationIDKey, a.ID), goerr.V(StepOrderKey, step.SequenceOrder))
		}
		orders[step.SequenceOrder] = true
		if err := step.Validate(); err != nil {
			return goerr.Wrap(err, "invalid step", goerr.V(AutomationIDKey, a.ID))
		}
	}

	if err := a.Schedule.Validate(); err != nil {
		return goerr.Wrap(err, "invalid schedule", goerr.V(AutomationIDKey, a.ID))
	}

	if a.Settings.CancellationWindowMinutes < 0 {
		return goerr.Wrap(ErrInvalidAutomation, "cancellation window must not be negative", goerr.V(AutomationIDKey, a.ID))
	}
	if a.Settings.Safeguards.MaxAudienceSize < 0 {
		return goerr.Wrap(ErrInvalidAutomation, "max audience size must not be negative", goerr.V(AutomationIDKey, a.ID))
	}
	if rate := a.Settings.Safeguards.AlertThresholds.FailureRate; rate < 0 || rate > 1 {
		return goerr.Wrap(ErrInvalidAutomation, "failure rate threshold must be within [0, 1]",
			goerr.V(AutomationIDKey, a.ID), goerr.V("failure_rate", rate))
	}

	return nil
}

// Validate checks one push step
func (s *PushStep) Validate() error {
	if s.SequenceOrder < 1 {
		return goerr.Wrap(ErrInvalidStep, "sequence order must start at 1", goerr.V(StepOrderKey, s.SequenceOrder))
	}
	if err := s.Layer.Validate(); err != nil {
		return goerr.Wrap(ErrInvalidStep, "invalid layer", goerr.V(StepOrderKey, s.SequenceOrder), goerr.V(LayerIDKey, int(s.Layer)))
	}
	if s.Title == "" {
		return goerr.Wrap(ErrInvalidStep, "title is required", goerr.V(StepOrderKey, s.SequenceOrder))
	}
	if s.Timing.DelayAfterPreviousMinutes < 0 {
		return goerr.Wrap(ErrInvalidStep, "delay must not be negative", goerr.V(StepOrderKey, s.SequenceOrder))
	}
	for name, src := range map[string]string{"title": s.Title, "body": s.Body, "deep_link": s.DeepLink} {
		if _, err := template.New(name).Option("missingkey=zero").Parse(src); err != nil {
			return goerr.Wrap(ErrInvalidStep, "template does not parse",
				goerr.V(StepOrderKey, s.SequenceOrder), goerr.V("field", name), goerr.V("error", err.Error()))
		}
	}
	return nil
}
