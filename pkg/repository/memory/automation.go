package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type automationRepository struct {
	mu          sync.RWMutex
	automations map[types.AutomationID]*model.Automation
}

func newAutomationRepository() *automationRepository {
	return &automationRepository{
		automations: make(map[types.AutomationID]*model.Automation),
	}
}

func (r *automationRepository) Create(ctx context.Context, automation *model.Automation) (*model.Automation, error) {
	if err := automation.ID.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid automation ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.automations[automation.ID]; exists {
		return nil, goerr.New("automation already exists", goerr.V("id", automation.ID))
	}

	now := time.Now().UTC()
	created := copyAutomation(automation)
	created.CreatedAt = now
	created.UpdatedAt = now

	r.automations[created.ID] = created
	return copyAutomation(created), nil
}

func (r *automationRepository) Get(ctx context.Context, id types.AutomationID) (*model.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.automations[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "automation not found", goerr.V("id", id))
	}
	return copyAutomation(a), nil
}

func (r *automationRepository) List(ctx context.Context) ([]*model.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	automations := make([]*model.Automation, 0, len(r.automations))
	for _, a := range r.automations {
		automations = append(automations, copyAutomation(a))
	}
	sortAutomations(automations)
	return automations, nil
}

func (r *automationRepository) ListByStatus(ctx context.Context, status types.AutomationStatus) ([]*model.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	automations := make([]*model.Automation, 0)
	for _, a := range r.automations {
		if a.Status == status {
			automations = append(automations, copyAutomation(a))
		}
	}
	sortAutomations(automations)
	return automations, nil
}

func (r *automationRepository) Update(ctx context.Context, id types.AutomationID, mutate func(a *model.Automation) error) (*model.Automation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.automations[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "automation not found", goerr.V("id", id))
	}

	updated := copyAutomation(existing)
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	r.automations[id] = updated
	return copyAutomation(updated), nil
}

func sortAutomations(automations []*model.Automation) {
	sort.Slice(automations, func(i, j int) bool {
		if automations[i].CreatedAt.Equal(automations[j].CreatedAt) {
			return automations[i].ID < automations[j].ID
		}
		return automations[i].CreatedAt.Before(automations[j].CreatedAt)
	})
}
