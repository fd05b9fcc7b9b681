package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func runViolationRepositoryTest(t *testing.T, newRepo func(t *testing.T) interfaces.Repository) {
	t.Helper()

	newViolation := func(automationID types.AutomationID, severity types.Severity, at time.Time) *model.SafeguardViolation {
		return &model.SafeguardViolation{
			ID:           types.NewViolationID(),
			AutomationID: automationID,
			ExecutionID:  types.NewExecutionID(),
			Type:         types.ViolationTypeAudienceSize,
			Severity:     severity,
			Message:      "audience too large",
			Timestamp:    at,
		}
	}

	t.Run("List filters by automation and resolution", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		automationID := types.NewAutomationID()
		now := time.Now().UTC()

		v1 := newViolation(automationID, types.SeverityCritical, now.Add(-time.Minute))
		v2 := newViolation(automationID, types.SeverityWarning, now)
		v3 := newViolation(types.NewAutomationID(), types.SeverityCritical, now)
		for _, v := range []*model.SafeguardViolation{v1, v2, v3} {
			gt.NoError(t, repo.Violation().Create(ctx, v)).Required()
		}

		list, err := repo.Violation().List(ctx, model.ViolationFilter{AutomationID: automationID})
		gt.NoError(t, err).Required()
		gt.Array(t, list).Length(2)
		gt.Value(t, list[0].ID).Equal(v2.ID)

		changed, err := repo.Violation().Resolve(ctx, v1.ID, "audience trimmed")
		gt.NoError(t, err).Required()
		gt.Bool(t, changed).True()

		unresolved, err := repo.Violation().List(ctx, model.ViolationFilter{AutomationID: automationID, UnresolvedOnly: true})
		gt.NoError(t, err).Required()
		gt.Array(t, unresolved).Length(1)
		gt.Value(t, unresolved[0].ID).Equal(v2.ID)
	})

	t.Run("Resolve is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		v := newViolation(types.NewAutomationID(), types.SeverityCritical, time.Now().UTC())
		gt.NoError(t, repo.Violation().Create(ctx, v)).Required()

		changed, err := repo.Violation().Resolve(ctx, v.ID, "first")
		gt.NoError(t, err).Required()
		gt.Bool(t, changed).True()

		changed, err = repo.Violation().Resolve(ctx, v.ID, "second")
		gt.NoError(t, err).Required()
		gt.Bool(t, changed).False()

		got, err := repo.Violation().Get(ctx, v.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, got.Resolution).Equal("first")
		gt.Value(t, got.ResolvedAt).NotNil()
	})

	t.Run("Resolve returns ErrNotFound for unknown IDs", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Violation().Resolve(context.Background(), types.NewViolationID(), "x")
		gt.Bool(t, errors.Is(err, interfaces.ErrNotFound)).True()
	})
}

func TestViolationRepository(t *testing.T) {
	runAllBackends(t, runViolationRepositoryTest)
}
