package interfaces

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// AutomationRepository is the durable Automation Store. It is the source of truth for schedules.
type AutomationRepository interface {
	// Create stores a new automation. The ID must be set by the caller.
	Create(ctx context.Context, automation *model.Automation) (*model.Automation, error)

	// Get retrieves an automation by ID
	Get(ctx context.Context, id types.AutomationID) (*model.Automation, error)

	// List retrieves all automations
	List(ctx context.Context) ([]*model.Automation, error)

	// ListByStatus retrieves automations in the given status
	ListByStatus(ctx context.Context, status types.AutomationStatus) ([]*model.Automation, error)

	// Update atomically reads the automation, applies mutate and writes it back. If mutate
	// returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, id types.AutomationID, mutate func(a *model.Automation) error) (*model.Automation, error)
}
