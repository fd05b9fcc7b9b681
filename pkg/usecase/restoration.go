package usecase

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

const (
	// TrackResultLookback bounds how old a delivery log may be to match
	TrackResultLookback = 90 * 24 * time.Hour

	// DefaultTopMatches is the number of matches returned when the caller passes zero
	DefaultTopMatches = 5
)

var sentAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RestorationUseCase imports past sends into the ledger and fills gaps from delivery logs
type RestorationUseCase struct {
	repo interfaces.Repository
	now  func() time.Time
}

func NewRestorationUseCase(repo interfaces.Repository, now func() time.Time) *RestorationUseCase {
	if now == nil {
		now = time.Now
	}
	return &RestorationUseCase{repo: repo, now: now}
}

// ParseHistoricalCSV reads an upload with a header line. Column names are lowercased.
func ParseHistoricalCSV(r io.Reader) ([]string, []model.HistoricalRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, goerr.Wrap(ErrValidation, "upload is empty")
		}
		return nil, nil, goerr.Wrap(ErrValidation, "failed to read header", goerr.V("error", err.Error()))
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	var rows []model.HistoricalRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, goerr.Wrap(ErrValidation, "malformed CSV", goerr.V("line", line), goerr.V("error", err.Error()))
		}
		values := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				values[col] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, model.HistoricalRow{Line: line, Values: values})
	}
	return header, rows, nil
}

// ValidateHistoricalData checks columns and every row. Invalid rows are reported and left out
// of ValidData; a missing required column makes the whole upload invalid.
func (uc *RestorationUseCase) ValidateHistoricalData(header []string, rows []model.HistoricalRow) *model.HistoricalValidation {
	result := &model.HistoricalValidation{
		ValidData:      []*model.UserNotification{},
		InvalidRows:    []model.InvalidRow{},
		MissingColumns: []string{},
	}

	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[col] = true
	}
	for _, col := range model.RequiredHistoricalColumns {
		if !present[col] {
			result.MissingColumns = append(result.MissingColumns, col)
		}
	}
	if len(result.MissingColumns) > 0 {
		return result
	}

	for _, row := range rows {
		n, problems := parseHistoricalRow(row)
		if len(problems) > 0 {
			result.InvalidRows = append(result.InvalidRows, model.InvalidRow{Line: row.Line, Errors: problems})
			continue
		}
		result.ValidData = append(result.ValidData, n)
	}

	result.IsValid = len(result.InvalidRows) == 0 && len(result.ValidData) > 0
	return result
}

func parseHistoricalRow(row model.HistoricalRow) (*model.UserNotification, []string) {
	var problems []string
	v := row.Values

	userID := types.UserID(v[model.ColumnUserID]).Normalize()
	if err := userID.Validate(); err != nil {
		problems = append(problems, "user_id must be a UUID")
	}

	var layer types.LayerID
	if n, err := strconv.Atoi(v[model.ColumnLayerID]); err != nil {
		problems = append(problems, "layer_id must be a number")
	} else if layer = types.LayerID(n); !layer.IsValid() {
		problems = append(problems, "layer_id is not a known layer")
	}

	if v[model.ColumnPushTitle] == "" {
		problems = append(problems, "push_title is required")
	}

	sentAt, ok := parseSentAt(v[model.ColumnSentAt])
	if !ok {
		problems = append(problems, "sent_at is not a valid timestamp")
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return &model.UserNotification{
		ID:                  model.NewNotificationID(),
		UserID:              userID,
		LayerID:             layer,
		SentAt:              sentAt,
		PushTitle:           v[model.ColumnPushTitle],
		PushBody:            v[model.ColumnPushBody],
		AudienceDescription: v[model.ColumnAudienceDescription],
		DeepLink:            v[model.ColumnDeepLink],
	}, nil
}

func parseSentAt(s string) (time.Time, bool) {
	for _, layout := range sentAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// BulkInsertHistoricalNotifications imports validated rows in one ledger transaction
func (uc *RestorationUseCase) BulkInsertHistoricalNotifications(ctx context.Context, rows []*model.UserNotification) (*model.BulkInsertResult, error) {
	result := &model.BulkInsertResult{Errors: []string{}}
	if len(rows) == 0 {
		return result, nil
	}

	imported, err := uc.repo.Ledger().ImportHistorical(ctx, rows)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "historical import rolled back",
			goerr.V("rows", len(rows)), goerr.V("error", err.Error()))
	}

	result.InsertedCount = imported.Inserted
	result.DuplicatesSkipped = imported.DuplicatesSkipped
	logging.From(ctx).Info("historical notifications imported",
		"inserted", result.InsertedCount, "duplicates_skipped", result.DuplicatesSkipped)
	return result, nil
}

// MatchQuality maps a percentage size difference to a discrete score
func MatchQuality(percentDifference float64) int {
	switch {
	case percentDifference == 0:
		return 100
	case percentDifference <= 2:
		return 95
	case percentDifference <= 5:
		return 85
	case percentDifference <= 10:
		return 70
	case percentDifference <= 20:
		return 50
	default:
		return 25
	}
}

// FindMatchingTrackResults ranks delivery logs by how close their audience size is to
// audienceSize. Only completed, non-test logs within the lookback window are considered.
func (uc *RestorationUseCase) FindMatchingTrackResults(audienceSize int, logs []model.TrackResult, topN int) []model.TrackMatch {
	if topN <= 0 {
		topN = DefaultTopMatches
	}
	cutoff := uc.now().Add(-TrackResultLookback)

	matches := make([]model.TrackMatch, 0, len(logs))
	for _, log := range logs {
		if log.Status != model.TrackResultStatusCompleted || log.IsTest || log.CreatedAt.Before(cutoff) {
			continue
		}
		diff := log.AudienceSize - audienceSize
		if diff < 0 {
			diff = -diff
		}

		var percent float64
		switch {
		case audienceSize > 0:
			percent = float64(diff) / float64(audienceSize) * 100
		case diff > 0:
			percent = 100
		}
		percent = math.Round(percent*100) / 100

		matches = append(matches, model.TrackMatch{
			Result:            log,
			SizeDifference:    diff,
			PercentDifference: percent,
			MatchQuality:      MatchQuality(percent),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].SizeDifference < matches[j].SizeDifference
	})
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}

// BackfillFromMatch fills the empty content fields of the imported rows with the content of
// the chosen delivery log
func (uc *RestorationUseCase) BackfillFromMatch(ctx context.Context, rows []*model.UserNotification, match model.TrackMatch) (int, error) {
	patch := match.Patch()
	if patch.IsEmpty() || len(rows) == 0 {
		return 0, nil
	}

	keys := make([]model.NotificationKey, len(rows))
	for i, r := range rows {
		keys[i] = r.Key()
	}

	updated, err := uc.repo.Ledger().BackfillMissing(ctx, keys, patch)
	if err != nil {
		return 0, goerr.Wrap(ErrPersistence, "backfill rolled back",
			goerr.V("track_result_id", match.Result.ID), goerr.V("error", err.Error()))
	}

	logging.From(ctx).Info("ledger rows back-filled", "track_result_id", match.Result.ID, "updated", updated)
	return updated, nil
}
