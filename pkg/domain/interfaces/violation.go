package interfaces

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// ViolationRepository stores safeguard violations
type ViolationRepository interface {
	Create(ctx context.Context, violation *model.SafeguardViolation) error
	Get(ctx context.Context, id types.ViolationID) (*model.SafeguardViolation, error)
	List(ctx context.Context, filter model.ViolationFilter) ([]*model.SafeguardViolation, error)
	// Resolve marks the violation resolved. It returns false when it was already resolved.
	Resolve(ctx context.Context, id types.ViolationID, resolution string) (bool, error)
}

// Alerter notifies operators about critical violations
type Alerter interface {
	Alert(ctx context.Context, violation *model.SafeguardViolation) error
}
