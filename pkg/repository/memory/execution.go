package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type executionRepository struct {
	mu         sync.RWMutex
	executions map[types.ExecutionID]*model.Execution
}

func newExecutionRepository() *executionRepository {
	return &executionRepository{
		executions: make(map[types.ExecutionID]*model.Execution),
	}
}

func (r *executionRepository) Put(ctx context.Context, execution *model.Execution) error {
	if err := execution.ID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid execution ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[execution.ID] = copyExecution(execution)
	return nil
}

func (r *executionRepository) Get(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.executions[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "execution not found", goerr.V("id", id))
	}
	return copyExecution(e), nil
}

func (r *executionRepository) ListByAutomation(ctx context.Context, automationID types.AutomationID) ([]*model.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executions := make([]*model.Execution, 0)
	for _, e := range r.executions {
		if e.AutomationID == automationID {
			executions = append(executions, copyExecution(e))
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartTime.After(executions[j].StartTime)
	})
	return executions, nil
}
