package interfaces

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// ExecutionRepository keeps the audit record of executions
type ExecutionRepository interface {
	Put(ctx context.Context, execution *model.Execution) error
	Get(ctx context.Context, id types.ExecutionID) (*model.Execution, error)
	ListByAutomation(ctx context.Context, automationID types.AutomationID) ([]*model.Execution, error)
}
