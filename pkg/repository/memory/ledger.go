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

type ledgerRepository struct {
	mu     sync.RWMutex
	byUser map[types.UserID][]*model.UserNotification
	keys   map[model.NotificationKey]*model.UserNotification
	ids    map[string]bool
}

func newLedgerRepository() *ledgerRepository {
	return &ledgerRepository{
		byUser: make(map[types.UserID][]*model.UserNotification),
		keys:   make(map[model.NotificationKey]*model.UserNotification),
		ids:    make(map[string]bool),
	}
}

func (r *ledgerRepository) insert(n *model.UserNotification) {
	copied := *n
	if copied.ID == "" {
		copied.ID = model.NewNotificationID()
	}
	copied.SentAt = copied.SentAt.UTC()
	r.byUser[copied.UserID] = append(r.byUser[copied.UserID], &copied)
	r.keys[copied.Key()] = &copied
	r.ids[copied.ID] = true
}

func (r *ledgerRepository) Record(ctx context.Context, notification *model.UserNotification) error {
	if err := notification.LayerID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid ledger row")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(notification)
	return nil
}

func (r *ledgerRepository) CountByLayersSince(ctx context.Context, userIDs []types.UserID, layers []types.LayerID, since time.Time) (map[types.UserID]int, error) {
	layerSet := make(map[types.LayerID]bool, len(layers))
	for _, l := range layers {
		layerSet[l] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.UserID]int)
	for _, userID := range userIDs {
		if _, done := counts[userID]; done {
			continue
		}
		n := 0
		for _, row := range r.byUser[userID] {
			if layerSet[row.LayerID] && row.SentAt.After(since) {
				n++
			}
		}
		if n > 0 {
			counts[userID] = n
		}
	}
	return counts, nil
}

func (r *ledgerRepository) ListByUser(ctx context.Context, userID types.UserID) ([]*model.UserNotification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]*model.UserNotification, 0, len(r.byUser[userID]))
	for _, row := range r.byUser[userID] {
		copied := *row
		rows = append(rows, &copied)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].SentAt.After(rows[j].SentAt)
	})
	return rows, nil
}

func (r *ledgerRepository) ImportHistorical(ctx context.Context, rows []*model.UserNotification) (*model.ImportResult, error) {
	for _, row := range rows {
		if err := row.LayerID.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid historical row", goerr.V("user_id", row.UserID))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range rows {
		if row.ID != "" && r.ids[row.ID] {
			return nil, goerr.New("notification id already exists", goerr.V("id", row.ID), goerr.V("user_id", row.UserID))
		}
	}

	result := &model.ImportResult{}
	for _, row := range rows {
		if _, exists := r.keys[row.Key()]; exists {
			result.DuplicatesSkipped++
			continue
		}
		r.insert(row)
		result.Inserted++
	}
	return result, nil
}

func (r *ledgerRepository) BackfillMissing(ctx context.Context, keys []model.NotificationKey, patch model.NotificationPatch) (int, error) {
	if patch.IsEmpty() {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, key := range keys {
		key.SentAt = key.SentAt.UTC().Truncate(time.Second)
		row, exists := r.keys[key]
		if !exists {
			continue
		}
		if patch.Apply(row) {
			updated++
		}
	}
	return updated, nil
}
