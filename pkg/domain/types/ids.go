package types

import (
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// UserID identifies a push recipient. Recipients are addressed by UUID.
type UserID string

// Validate checks that the user ID is a well-formed UUID
func (u UserID) Validate() error {
	if u == "" {
		return goerr.New("user ID cannot be empty")
	}
	if _, err := uuid.Parse(string(u)); err != nil {
		return goerr.Wrap(err, "user ID must be a UUID", goerr.V("user_id", string(u)))
	}
	return nil
}

// Normalize trims surrounding whitespace and lowercases the ID
func (u UserID) Normalize() UserID {
	return UserID(strings.ToLower(strings.TrimSpace(string(u))))
}

func (u UserID) String() string {
	return string(u)
}

// AutomationID identifies an automation
type AutomationID string

// NewAutomationID generates a new AutomationID
func NewAutomationID() AutomationID {
	return AutomationID(uuid.New().String())
}

// Validate checks if the AutomationID is valid
func (a AutomationID) Validate() error {
	if a == "" {
		return goerr.New("automation ID cannot be empty")
	}
	return nil
}

func (a AutomationID) String() string {
	return string(a)
}

// ExecutionID identifies one run of an automation
type ExecutionID string

// NewExecutionID generates a new random ExecutionID
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// Validate checks if the ExecutionID is valid
func (e ExecutionID) Validate() error {
	if e == "" {
		return goerr.New("execution ID cannot be empty")
	}
	return nil
}

func (e ExecutionID) String() string {
	return string(e)
}

// ViolationID identifies a safeguard violation
type ViolationID string

// NewViolationID generates a new ViolationID
func NewViolationID() ViolationID {
	return ViolationID(uuid.New().String())
}

func (v ViolationID) String() string {
	return string(v)
}

// InstanceID identifies one running engine process
type InstanceID string

// NewInstanceID generates a new InstanceID
func NewInstanceID() InstanceID {
	return InstanceID(uuid.New().String())
}

func (i InstanceID) String() string {
	return string(i)
}
