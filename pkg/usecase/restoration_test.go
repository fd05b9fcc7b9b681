package usecase_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
)

const historicalCSV = `user_id,layer_id,push_title,sent_at,push_body
6f1c1a52-3b0e-4d8e-9a43-2f7c9b0e5d11,3,Back in stock,2026-02-01T10:00:00Z,Your size is back
6f1c1a52-3b0e-4d8e-9a43-2f7c9b0e5d11,2,Trending now,2026-02-03 12:30:00,
9a2d4e61-7c1b-4f3a-8e52-1b6d0c9f7a22,5,Welcome,2026-02-04,
not-a-user,3,Broken,2026-02-01T10:00:00Z,
9a2d4e61-7c1b-4f3a-8e52-1b6d0c9f7a22,0,Zero layer,2026-02-01T10:00:00Z,
9a2d4e61-7c1b-4f3a-8e52-1b6d0c9f7a22,3,,yesterday,
`

func TestRestoration_ValidateHistoricalData(t *testing.T) {
	uc := usecase.NewRestorationUseCase(memory.New(), nil)

	t.Run("valid and invalid rows are separated", func(t *testing.T) {
		header, rows, err := usecase.ParseHistoricalCSV(strings.NewReader(historicalCSV))
		gt.NoError(t, err).Required()
		gt.Array(t, rows).Length(6)

		result := uc.ValidateHistoricalData(header, rows)
		gt.Bool(t, result.IsValid).False()
		gt.Array(t, result.ValidData).Length(3)
		gt.Array(t, result.InvalidRows).Length(3)
		gt.Array(t, result.MissingColumns).Length(0)

		gt.Value(t, result.InvalidRows[0].Line).Equal(5)
		gt.Array(t, result.InvalidRows[2].Errors).Length(2)

		gt.Value(t, result.ValidData[1].SentAt).Equal(time.Date(2026, 2, 3, 12, 30, 0, 0, time.UTC))
		gt.Value(t, result.ValidData[2].LayerID).Equal(types.LayerNewUserSeries)
		gt.Value(t, result.ValidData[0].PushBody).Equal("Your size is back")
	})

	t.Run("missing required columns", func(t *testing.T) {
		header, rows, err := usecase.ParseHistoricalCSV(strings.NewReader("user_id,push_title\n6f1c1a52-3b0e-4d8e-9a43-2f7c9b0e5d11,hello\n"))
		gt.NoError(t, err).Required()

		result := uc.ValidateHistoricalData(header, rows)
		gt.Bool(t, result.IsValid).False()
		gt.Value(t, result.MissingColumns).Equal([]string{model.ColumnLayerID, model.ColumnSentAt})
	})

	t.Run("empty upload", func(t *testing.T) {
		_, _, err := usecase.ParseHistoricalCSV(strings.NewReader(""))
		gt.Value(t, err).NotNil()
	})
}

func TestRestoration_BulkInsertSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	uc := usecase.NewRestorationUseCase(repo, nil)

	rows := func() []*model.UserNotification {
		return []*model.UserNotification{{
			ID:        model.NewNotificationID(),
			UserID:    "6f1c1a52-3b0e-4d8e-9a43-2f7c9b0e5d11",
			LayerID:   types.LayerBehaviorResponsive,
			SentAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			PushTitle: "Back in stock",
		}}
	}

	first, err := uc.BulkInsertHistoricalNotifications(ctx, rows())
	gt.NoError(t, err).Required()
	gt.Value(t, first.InsertedCount).Equal(1)
	gt.Value(t, first.DuplicatesSkipped).Equal(0)

	second, err := uc.BulkInsertHistoricalNotifications(ctx, rows())
	gt.NoError(t, err).Required()
	gt.Value(t, second.InsertedCount).Equal(0)
	gt.Value(t, second.DuplicatesSkipped).Equal(1)
}

func TestRestoration_MatchQuality(t *testing.T) {
	gt.Value(t, usecase.MatchQuality(0)).Equal(100)
	gt.Value(t, usecase.MatchQuality(2)).Equal(95)
	gt.Value(t, usecase.MatchQuality(4.5)).Equal(85)
	gt.Value(t, usecase.MatchQuality(10)).Equal(70)
	gt.Value(t, usecase.MatchQuality(20)).Equal(50)
	gt.Value(t, usecase.MatchQuality(30)).Equal(25)
}

func TestRestoration_FindMatchingTrackResults(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	uc := usecase.NewRestorationUseCase(memory.New(), func() time.Time { return now })

	log := func(id string, size int, age time.Duration) model.TrackResult {
		return model.TrackResult{ID: id, AudienceSize: size, Status: model.TrackResultStatusCompleted, CreatedAt: now.Add(-age), Title: "title " + id}
	}
	test := log("test", 1000, time.Hour)
	test.IsTest = true
	failed := log("failed", 1000, time.Hour)
	failed.Status = "failed"

	logs := []model.TrackResult{
		log("far", 1300, 24*time.Hour),
		log("close", 1020, 48*time.Hour),
		log("old", 1000, 120*24*time.Hour),
		test,
		failed,
		log("below", 950, 24*time.Hour),
	}

	matches := uc.FindMatchingTrackResults(1000, logs, 2)
	gt.Array(t, matches).Length(2)
	gt.Value(t, matches[0].Result.ID).Equal("close")
	gt.Value(t, matches[0].PercentDifference).Equal(2.0)
	gt.Value(t, matches[0].MatchQuality).Equal(95)
	gt.Value(t, matches[1].Result.ID).Equal("below")
	gt.Value(t, matches[1].MatchQuality).Equal(85)

	all := uc.FindMatchingTrackResults(1000, logs, 10)
	gt.Array(t, all).Length(3)
	gt.Value(t, all[2].Result.ID).Equal("far")
	gt.Value(t, all[2].MatchQuality).Equal(25)
}

func TestRestoration_BackfillFromMatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	uc := usecase.NewRestorationUseCase(repo, nil)

	rows := []*model.UserNotification{
		{ID: model.NewNotificationID(), UserID: "6f1c1a52-3b0e-4d8e-9a43-2f7c9b0e5d11", LayerID: types.LayerProductTrending, SentAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), PushTitle: "Trending"},
		{ID: model.NewNotificationID(), UserID: "9a2d4e61-7c1b-4f3a-8e52-1b6d0c9f7a22", LayerID: types.LayerProductTrending, SentAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), PushTitle: "Trending", DeepLink: "app://kept"},
	}
	_, err := uc.BulkInsertHistoricalNotifications(ctx, rows)
	gt.NoError(t, err).Required()

	match := model.TrackMatch{Result: model.TrackResult{ID: "log-1", Title: "ignored", Body: "See what's hot", DeepLink: "app://trending", AudienceDescription: "weekly actives"}}
	updated, err := uc.BackfillFromMatch(ctx, rows, match)
	gt.NoError(t, err).Required()
	gt.Value(t, updated).Equal(2)

	stored, err := repo.Ledger().ListByUser(ctx, rows[1].UserID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored[0].PushTitle).Equal("Trending")
	gt.Value(t, stored[0].PushBody).Equal("See what's hot")
	gt.Value(t, stored[0].DeepLink).Equal("app://kept")

	again, err := uc.BackfillFromMatch(ctx, rows, match)
	gt.NoError(t, err).Required()
	gt.Value(t, again).Equal(0)
}
