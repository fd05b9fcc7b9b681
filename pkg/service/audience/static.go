package audience

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// Static serves the user IDs listed in the criteria itself
type Static struct{}

func NewStatic() *Static {
	return &Static{}
}

func (Static) Generate(_ context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error) {
	members := make([]model.AudienceMember, 0, len(criteria.UserIDs))
	for _, id := range criteria.UserIDs {
		members = append(members, model.AudienceMember{UserID: types.UserID(id)})
	}
	return members, nil
}

// Count returns the number of distinct non-empty IDs, matching what the audience processor keeps
func (Static) Count(_ context.Context, criteria model.AudienceCriteria) (int, error) {
	seen := make(map[types.UserID]bool, len(criteria.UserIDs))
	for _, id := range criteria.UserIDs {
		if n := types.UserID(id).Normalize(); n != "" {
			seen[n] = true
		}
	}
	return len(seen), nil
}
