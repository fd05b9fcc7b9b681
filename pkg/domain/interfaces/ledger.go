package interfaces

import (
	"context"
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// LedgerRepository is the append-only record of confirmed sends
type LedgerRepository interface {
	// Record appends one row. The row is durable when Record returns without error.
	Record(ctx context.Context, notification *model.UserNotification) error

	// CountByLayersSince returns, for the given users, how many sends of any of the layers
	// happened strictly after since. Users without sends are absent from the map. Implementations
	// must answer with batch queries, not one query per user.
	CountByLayersSince(ctx context.Context, userIDs []types.UserID, layers []types.LayerID, since time.Time) (map[types.UserID]int, error)

	// ListByUser returns the user's rows, newest first
	ListByUser(ctx context.Context, userID types.UserID) ([]*model.UserNotification, error)

	// ImportHistorical inserts rows in one transaction, skipping rows whose (user_id, sent_at)
	// already exists in the ledger or earlier in the batch
	ImportHistorical(ctx context.Context, rows []*model.UserNotification) (*model.ImportResult, error)

	// BackfillMissing fills empty fields of the rows identified by keys in one transaction and
	// returns the number of rows changed
	BackfillMissing(ctx context.Context, keys []model.NotificationKey, patch model.NotificationPatch) (int, error)
}

// CadenceRuleRepository stores the cadence_rules table
type CadenceRuleRepository interface {
	List(ctx context.Context) ([]*model.CadenceRule, error)
	Upsert(ctx context.Context, rules []*model.CadenceRule) error
}
