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

type violationRepository struct {
	mu         sync.RWMutex
	violations map[types.ViolationID]*model.SafeguardViolation
}

func newViolationRepository() *violationRepository {
	return &violationRepository{
		violations: make(map[types.ViolationID]*model.SafeguardViolation),
	}
}

func (r *violationRepository) Create(ctx context.Context, violation *model.SafeguardViolation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.violations[violation.ID]; exists {
		return goerr.New("violation already exists", goerr.V("id", violation.ID))
	}
	r.violations[violation.ID] = copyViolation(violation)
	return nil
}

func (r *violationRepository) Get(ctx context.Context, id types.ViolationID) (*model.SafeguardViolation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.violations[id]
	if !exists {
		return nil, goerr.Wrap(ErrNotFound, "violation not found", goerr.V("id", id))
	}
	return copyViolation(v), nil
}

func (r *violationRepository) List(ctx context.Context, filter model.ViolationFilter) ([]*model.SafeguardViolation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	violations := make([]*model.SafeguardViolation, 0)
	for _, v := range r.violations {
		if filter.Match(v) {
			violations = append(violations, copyViolation(v))
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Timestamp.After(violations[j].Timestamp)
	})
	return violations, nil
}

func (r *violationRepository) Resolve(ctx context.Context, id types.ViolationID, resolution string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.violations[id]
	if !exists {
		return false, goerr.Wrap(ErrNotFound, "violation not found", goerr.V("id", id))
	}
	if v.Resolved {
		return false, nil
	}

	now := time.Now().UTC()
	v.Resolved = true
	v.Resolution = resolution
	v.ResolvedAt = &now
	return true, nil
}
