package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
)

func TestAutomationUseCase_CreateAutomation(t *testing.T) {
	ctx := context.Background()
	uc := usecase.NewAutomationUseCase(memory.New(), nil)

	t.Run("new automations start as draft", func(t *testing.T) {
		a := newAutomation()
		a.Status = types.AutomationStatusScheduled
		created, err := uc.CreateAutomation(ctx, a)
		gt.NoError(t, err).Required()
		gt.Value(t, created.ID).NotEqual(types.AutomationID(""))
		gt.Value(t, created.Status).Equal(types.AutomationStatusDraft)

		got, err := uc.GetAutomation(ctx, created.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, got.Name).Equal(a.Name)
	})

	t.Run("invalid definition", func(t *testing.T) {
		a := newAutomation()
		a.PushSequence[0].Layer = 0
		_, err := uc.CreateAutomation(ctx, a)
		gt.Bool(t, errors.Is(err, usecase.ErrValidation)).True()
	})

	t.Run("unknown automation", func(t *testing.T) {
		_, err := uc.GetAutomation(ctx, "missing")
		gt.Bool(t, errors.Is(err, usecase.ErrAutomationNotFound)).True()
	})

	t.Run("list by status", func(t *testing.T) {
		drafts, err := uc.ListAutomations(ctx, types.AutomationStatusDraft)
		gt.NoError(t, err).Required()
		gt.Array(t, drafts).Length(1)

		_, err = uc.ListAutomations(ctx, types.AutomationStatus("bogus"))
		gt.Bool(t, errors.Is(err, usecase.ErrValidation)).True()

		counts, err := uc.CountByStatus(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, counts[types.AutomationStatusDraft]).Equal(1)
		gt.Value(t, counts[types.AutomationStatusRunning]).Equal(0)
	})
}

func TestNotificationUseCase_TrackNotification(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	uc := usecase.NewNotificationUseCase(repo, newFakeClock(baseTime).Now)
	userID := newUserIDs(1)[0]

	n, err := uc.TrackNotification(ctx, &model.UserNotification{UserID: userID, LayerID: types.LayerBehaviorResponsive, PushTitle: "manual send"})
	gt.NoError(t, err).Required()
	gt.Value(t, n.SentAt).Equal(baseTime)

	history, err := uc.History(ctx, userID)
	gt.NoError(t, err).Required()
	gt.Array(t, history).Length(1)

	_, err = uc.TrackNotification(ctx, &model.UserNotification{UserID: userID, LayerID: 0})
	gt.Bool(t, errors.Is(err, usecase.ErrValidation)).True()

	_, err = uc.TrackNotification(ctx, &model.UserNotification{UserID: "nope", LayerID: types.LayerPlatform, SentAt: time.Now()})
	gt.Bool(t, errors.Is(err, usecase.ErrValidation)).True()
}
