package usecase

import "errors"

// Sentinel errors for use case layer
var (
	ErrValidation         = errors.New("validation error")
	ErrAutomationNotFound = errors.New("automation not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrViolationNotFound  = errors.New("violation not found")

	// ErrRuleConfiguration is logged, never returned: cadence filtering fails open
	ErrRuleConfiguration = errors.New("cadence rule configuration error")

	ErrDelivery        = errors.New("delivery failed")
	ErrSafetyViolation = errors.New("safety violation")
	ErrPersistence     = errors.New("persistence error")
	ErrStatusConflict  = errors.New("status conflict")
	ErrTooLateToCancel = errors.New("too late to cancel")
)

// Context keys for error values
const (
	AutomationIDKey = "automation_id"
	ExecutionIDKey  = "execution_id"
	ViolationIDKey  = "violation_id"
	LayerIDKey      = "layer_id"
	StatusKey       = "status"
	StepOrderKey    = "sequence_order"
)
