package model

import "github.com/m-mizutani/goerr/v2"

// Validation errors
var (
	ErrInvalidAutomation = goerr.New("invalid automation")
	ErrInvalidSchedule   = goerr.New("invalid schedule")
	ErrInvalidStep       = goerr.New("invalid push step")
	ErrInvalidRule       = goerr.New("invalid cadence rule")
	ErrNoNextFireTime    = goerr.New("schedule has no future fire time")
)

// Context keys for error values
const (
	AutomationIDKey  = "automation_id"
	StepOrderKey     = "sequence_order"
	LayerIDKey       = "layer_id"
	TimezoneKey      = "timezone"
	ExecutionTimeKey = "execution_time"
	RuleNameKey      = "rule_name"
)
