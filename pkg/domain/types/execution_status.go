package types

// ExecutionStatus is the phase of one sequence execution
type ExecutionStatus string

const (
	ExecutionStatusPending         ExecutionStatus = "pending"
	ExecutionStatusPreparing       ExecutionStatus = "preparing"
	ExecutionStatusWaiting         ExecutionStatus = "waiting"
	ExecutionStatusSending         ExecutionStatus = "sending"
	ExecutionStatusPaused          ExecutionStatus = "paused"
	ExecutionStatusCompleted       ExecutionStatus = "completed"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
	ExecutionStatusEmergencyStop   ExecutionStatus = "emergency_stopped"
	ExecutionStatusStoppedBySafety ExecutionStatus = "stopped_by_safeguard"
	ExecutionStatusFailed          ExecutionStatus = "failed"

	// ExecutionStatusInterrupted marks a run its instance gave up on shutdown. Another
	// instance continues it from CurrentStep on restore.
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
)

// IsTerminal reports whether the execution has finished
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted,
		ExecutionStatusCancelled,
		ExecutionStatusEmergencyStop,
		ExecutionStatusStoppedBySafety,
		ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) String() string {
	return string(s)
}

// ControlAction is an operator command against an automation
type ControlAction string

const (
	ControlActionEmergencyStop ControlAction = "emergency_stop"
	ControlActionCancel        ControlAction = "cancel"
	ControlActionPause         ControlAction = "pause"
	ControlActionResume        ControlAction = "resume"
)

// IsValid checks if the control action is valid
func (a ControlAction) IsValid() bool {
	switch a {
	case ControlActionEmergencyStop, ControlActionCancel, ControlActionPause, ControlActionResume:
		return true
	default:
		return false
	}
}

func (a ControlAction) String() string {
	return string(a)
}
