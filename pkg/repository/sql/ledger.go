package sql

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"gorm.io/gorm"
)

type ledgerRepository struct {
	db        *gorm.DB
	batchSize int
}

func (r *ledgerRepository) Record(ctx context.Context, notification *model.UserNotification) error {
	if err := notification.LayerID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid ledger row")
	}

	row := toNotificationRow(notification)
	if err := r.db.WithContext(ctx).Omit("Layer").Create(row).Error; err != nil {
		return goerr.Wrap(err, "failed to record notification",
			goerr.V("user_id", notification.UserID), goerr.V("layer_id", notification.LayerID))
	}
	return nil
}

type userCount struct {
	UserID string
	Count  int
}

func (r *ledgerRepository) CountByLayersSince(ctx context.Context, userIDs []types.UserID, layers []types.LayerID, since time.Time) (map[types.UserID]int, error) {
	counts := make(map[types.UserID]int)
	if len(userIDs) == 0 || len(layers) == 0 {
		return counts, nil
	}

	layerIDs := make([]int, len(layers))
	for i, l := range layers {
		layerIDs[i] = int(l)
	}
	ids := uniqueUserIDs(userIDs)

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))

		var results []userCount
		err := r.db.WithContext(ctx).
			Model(&notificationRow{}).
			Select("user_id, COUNT(*) AS count").
			Where("user_id IN ? AND layer_id IN ? AND sent_at > ?", ids[start:end], layerIDs, since.UTC()).
			Group("user_id").
			Scan(&results).Error
		if err != nil {
			return nil, goerr.Wrap(err, "failed to count ledger rows",
				goerr.V("batch_start", start), goerr.V("since", since))
		}

		for _, res := range results {
			counts[types.UserID(res.UserID)] += res.Count
		}
	}

	return counts, nil
}

func (r *ledgerRepository) ListByUser(ctx context.Context, userID types.UserID) ([]*model.UserNotification, error) {
	var rows []notificationRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("sent_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list ledger rows", goerr.V("user_id", userID))
	}

	notifications := make([]*model.UserNotification, 0, len(rows))
	for i := range rows {
		notifications = append(notifications, rows[i].toModel())
	}
	return notifications, nil
}

// rowsByKey loads the rows matching keys. A key matches every row of the user sent within
// the same second.
func (r *ledgerRepository) rowsByKey(tx *gorm.DB, keys []model.NotificationKey) (map[model.NotificationKey][]*notificationRow, error) {
	found := make(map[model.NotificationKey][]*notificationRow)
	if len(keys) == 0 {
		return found, nil
	}

	wanted := make(map[model.NotificationKey]bool, len(keys))
	users := make([]types.UserID, 0, len(keys))
	lo, hi := keys[0].SentAt, keys[0].SentAt
	for _, k := range keys {
		k = normalizeKey(k)
		wanted[k] = true
		users = append(users, k.UserID)
		if k.SentAt.Before(lo) {
			lo = k.SentAt
		}
		if k.SentAt.After(hi) {
			hi = k.SentAt
		}
	}
	lo = lo.UTC().Truncate(time.Second)
	hi = hi.UTC().Truncate(time.Second).Add(time.Second)

	ids := uniqueUserIDs(users)
	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))

		var rows []*notificationRow
		err := tx.Where("user_id IN ? AND sent_at >= ? AND sent_at < ?", ids[start:end], lo, hi).
			Find(&rows).Error
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query ledger by key", goerr.V("batch_start", start))
		}
		for _, row := range rows {
			key := model.NotificationKey{UserID: types.UserID(row.UserID), SentAt: row.SentAt.UTC().Truncate(time.Second)}
			if wanted[key] {
				found[key] = append(found[key], row)
			}
		}
	}
	return found, nil
}

func (r *ledgerRepository) ImportHistorical(ctx context.Context, rows []*model.UserNotification) (*model.ImportResult, error) {
	for _, row := range rows {
		if err := row.LayerID.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid historical row", goerr.V("user_id", row.UserID))
		}
	}

	result := &model.ImportResult{}
	if len(rows) == 0 {
		return result, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		*result = model.ImportResult{}

		keys := make([]model.NotificationKey, len(rows))
		for i, row := range rows {
			keys[i] = row.Key()
		}
		existing, err := r.rowsByKey(tx, keys)
		if err != nil {
			return err
		}

		seen := make(map[model.NotificationKey]bool, len(rows))
		inserts := make([]*notificationRow, 0, len(rows))
		for _, row := range rows {
			key := row.Key()
			if _, exists := existing[key]; exists || seen[key] {
				result.DuplicatesSkipped++
				continue
			}
			seen[key] = true
			inserts = append(inserts, toNotificationRow(row))
		}

		if len(inserts) > 0 {
			if err := tx.Omit("Layer").CreateInBatches(inserts, r.batchSize).Error; err != nil {
				return goerr.Wrap(err, "failed to insert historical rows", goerr.V("count", len(inserts)))
			}
		}
		result.Inserted = len(inserts)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to import historical rows", goerr.V("rows", len(rows)))
	}
	return result, nil
}

func (r *ledgerRepository) BackfillMissing(ctx context.Context, keys []model.NotificationKey, patch model.NotificationPatch) (int, error) {
	if patch.IsEmpty() || len(keys) == 0 {
		return 0, nil
	}

	updated := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated = 0
		existing, err := r.rowsByKey(tx, keys)
		if err != nil {
			return err
		}

		for _, matches := range existing {
			for _, row := range matches {
				n := row.toModel()
				if !patch.Apply(n) {
					continue
				}
				err := tx.Model(&notificationRow{}).Where("id = ?", row.ID).Updates(map[string]any{
					"push_title":           n.PushTitle,
					"push_body":            n.PushBody,
					"audience_description": n.AudienceDescription,
					"deep_link":            n.DeepLink,
				}).Error
				if err != nil {
					return goerr.Wrap(err, "failed to backfill ledger row", goerr.V("id", row.ID))
				}
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to backfill ledger rows", goerr.V("keys", len(keys)))
	}
	return updated, nil
}

func normalizeKey(k model.NotificationKey) model.NotificationKey {
	return model.NotificationKey{UserID: k.UserID, SentAt: k.SentAt.UTC().Truncate(time.Second)}
}

func uniqueUserIDs(userIDs []types.UserID) []string {
	seen := make(map[types.UserID]bool, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, string(id))
		}
	}
	return ids
}
