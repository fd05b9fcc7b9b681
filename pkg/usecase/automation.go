package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// AutomationUseCase manages automation definitions
type AutomationUseCase struct {
	repo interfaces.Repository
	now  func() time.Time
}

func NewAutomationUseCase(repo interfaces.Repository, now func() time.Time) *AutomationUseCase {
	if now == nil {
		now = time.Now
	}
	return &AutomationUseCase{repo: repo, now: now}
}

// CreateAutomation stores a new automation in draft status
func (uc *AutomationUseCase) CreateAutomation(ctx context.Context, a *model.Automation) (*model.Automation, error) {
	if a.ID == "" {
		a.ID = types.NewAutomationID()
	}
	a.Status = types.AutomationStatusDraft
	a.Metadata = model.AutomationMetadata{}

	if err := a.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, a.ID))
	}

	created, err := uc.repo.Automation().Create(ctx, a)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to create automation",
			goerr.V(AutomationIDKey, a.ID), goerr.V("error", err.Error()))
	}

	logging.From(ctx).Info("automation created", AutomationIDKey, created.ID, "name", created.Name, "steps", len(created.PushSequence))
	return created, nil
}

func (uc *AutomationUseCase) GetAutomation(ctx context.Context, id types.AutomationID) (*model.Automation, error) {
	a, err := uc.repo.Automation().Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, goerr.Wrap(ErrAutomationNotFound, "automation not found", goerr.V(AutomationIDKey, id))
		}
		return nil, goerr.Wrap(ErrPersistence, "failed to get automation",
			goerr.V(AutomationIDKey, id), goerr.V("error", err.Error()))
	}
	return a, nil
}

// ListAutomations returns automations, optionally restricted to one status
func (uc *AutomationUseCase) ListAutomations(ctx context.Context, status types.AutomationStatus) ([]*model.Automation, error) {
	var (
		automations []*model.Automation
		err         error
	)
	if status == "" {
		automations, err = uc.repo.Automation().List(ctx)
	} else {
		if !status.IsValid() {
			return nil, goerr.Wrap(ErrValidation, "invalid status", goerr.V(StatusKey, status))
		}
		automations, err = uc.repo.Automation().ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list automations", goerr.V("error", err.Error()))
	}
	return automations, nil
}

// ListExecutions returns the executions of an automation, newest first
func (uc *AutomationUseCase) ListExecutions(ctx context.Context, id types.AutomationID) ([]*model.Execution, error) {
	if _, err := uc.GetAutomation(ctx, id); err != nil {
		return nil, err
	}
	execs, err := uc.repo.Execution().ListByAutomation(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list executions",
			goerr.V(AutomationIDKey, id), goerr.V("error", err.Error()))
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartTime.After(execs[j].StartTime) })
	return execs, nil
}

// GetExecution returns the stored audit record of an execution
func (uc *AutomationUseCase) GetExecution(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	exec, err := uc.repo.Execution().Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, goerr.Wrap(ErrExecutionNotFound, "execution not found", goerr.V(ExecutionIDKey, id))
		}
		return nil, goerr.Wrap(ErrPersistence, "failed to get execution",
			goerr.V(ExecutionIDKey, id), goerr.V("error", err.Error()))
	}
	return exec, nil
}

// CountByStatus tallies automations per status for the monitoring overview
func (uc *AutomationUseCase) CountByStatus(ctx context.Context) (map[types.AutomationStatus]int, error) {
	automations, err := uc.ListAutomations(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[types.AutomationStatus]int, len(types.AllAutomationStatuses()))
	for _, s := range types.AllAutomationStatuses() {
		counts[s] = 0
	}
	for _, a := range automations {
		counts[a.Status]++
	}
	return counts, nil
}
