package memory

import (
	"context"
	"sync"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type audienceRepository struct {
	mu        sync.RWMutex
	manifests map[types.ExecutionID]*model.AudienceManifest
}

func newAudienceRepository() *audienceRepository {
	return &audienceRepository{
		manifests: make(map[types.ExecutionID]*model.AudienceManifest),
	}
}

func (r *audienceRepository) Save(ctx context.Context, manifest *model.AudienceManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[manifest.ExecutionID] = copyManifest(manifest)
	return nil
}

func (r *audienceRepository) Get(ctx context.Context, executionID types.ExecutionID) (*model.AudienceManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.manifests[executionID]
	if !exists {
		return nil, nil
	}
	return copyManifest(m), nil
}

func (r *audienceRepository) Delete(ctx context.Context, executionID types.ExecutionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.manifests, executionID)
	return nil
}
