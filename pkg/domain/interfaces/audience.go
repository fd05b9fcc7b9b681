package interfaces

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// AudienceRepository persists audience manifests, one per execution
type AudienceRepository interface {
	Save(ctx context.Context, manifest *model.AudienceManifest) error
	// Get returns nil and no error when no manifest exists
	Get(ctx context.Context, executionID types.ExecutionID) (*model.AudienceManifest, error)
	Delete(ctx context.Context, executionID types.ExecutionID) error
}

// AudienceSource materializes recipients for a criteria
type AudienceSource interface {
	Generate(ctx context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error)
}

// AudienceCounter is implemented by sources that can count an audience cheaply
type AudienceCounter interface {
	Count(ctx context.Context, criteria model.AudienceCriteria) (int, error)
}
