package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func newTestMembers(n int) []model.AudienceMember {
	members := make([]model.AudienceMember, n)
	for i := range members {
		members[i] = model.AudienceMember{
			UserID:     types.UserID(uuid.NewString()),
			Attributes: map[string]string{"name": "user"},
		}
	}
	return members
}

func runAudienceRepositoryTest(t *testing.T, newRepo func(t *testing.T) interfaces.Repository) {
	t.Helper()

	t.Run("Get returns nil when nothing is cached", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.Audience().Get(context.Background(), types.NewExecutionID())
		gt.NoError(t, err).Required()
		gt.Value(t, got).Nil()
	})

	t.Run("Save and Get round trip a manifest larger than one chunk", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		members := newTestMembers(4500)
		now := time.Now().UTC()
		manifest := &model.AudienceManifest{
			ExecutionID:  types.NewExecutionID(),
			AutomationID: types.NewAutomationID(),
			Members:      members,
			Size:         len(members),
			Checksum:     model.AudienceChecksum(members),
			GeneratedAt:  now,
			ExpiresAt:    now.Add(24 * time.Hour),
		}
		gt.NoError(t, repo.Audience().Save(ctx, manifest)).Required()

		got, err := repo.Audience().Get(ctx, manifest.ExecutionID)
		gt.NoError(t, err).Required()
		gt.Value(t, got).NotNil()
		gt.Array(t, got.Members).Length(4500)
		gt.Value(t, got.Members[0].UserID).Equal(members[0].UserID)
		gt.Value(t, got.Members[4499].UserID).Equal(members[4499].UserID)
		gt.Value(t, model.AudienceChecksum(got.Members)).Equal(manifest.Checksum)
	})

	t.Run("Delete removes the manifest", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		members := newTestMembers(3)
		manifest := &model.AudienceManifest{
			ExecutionID: types.NewExecutionID(),
			Members:     members,
			Size:        3,
			Checksum:    model.AudienceChecksum(members),
		}
		gt.NoError(t, repo.Audience().Save(ctx, manifest)).Required()
		gt.NoError(t, repo.Audience().Delete(ctx, manifest.ExecutionID)).Required()

		got, err := repo.Audience().Get(ctx, manifest.ExecutionID)
		gt.NoError(t, err).Required()
		gt.Value(t, got).Nil()
	})
}

func TestAudienceRepository(t *testing.T) {
	runAllBackends(t, runAudienceRepositoryTest)
}
