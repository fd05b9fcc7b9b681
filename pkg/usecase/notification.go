package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// NotificationUseCase records sends made outside the executor and reads the ledger
type NotificationUseCase struct {
	repo interfaces.Repository
	now  func() time.Time
}

func NewNotificationUseCase(repo interfaces.Repository, now func() time.Time) *NotificationUseCase {
	if now == nil {
		now = time.Now
	}
	return &NotificationUseCase{repo: repo, now: now}
}

// TrackNotification appends a confirmed send to the ledger
func (uc *NotificationUseCase) TrackNotification(ctx context.Context, n *model.UserNotification) (*model.UserNotification, error) {
	n.UserID = n.UserID.Normalize()
	if err := n.UserID.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, "invalid userId", goerr.V("user_id", n.UserID))
	}
	if err := n.LayerID.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, "invalid layerId", goerr.V(LayerIDKey, int(n.LayerID)))
	}
	if n.ID == "" {
		n.ID = model.NewNotificationID()
	}
	if n.SentAt.IsZero() {
		n.SentAt = uc.now()
	}
	n.SentAt = n.SentAt.UTC()

	if err := uc.repo.Ledger().Record(ctx, n); err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to record notification",
			goerr.V("user_id", n.UserID), goerr.V("error", err.Error()))
	}
	return n, nil
}

// History returns the user's ledger rows, newest first
func (uc *NotificationUseCase) History(ctx context.Context, userID types.UserID) ([]*model.UserNotification, error) {
	userID = userID.Normalize()
	if err := userID.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, "invalid userId", goerr.V("user_id", userID))
	}
	rows, err := uc.repo.Ledger().ListByUser(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list notifications",
			goerr.V("user_id", userID), goerr.V("error", err.Error()))
	}
	return rows, nil
}
