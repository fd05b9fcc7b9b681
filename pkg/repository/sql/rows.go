package sql

import (
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type layerRow struct {
	ID          int    `gorm:"primaryKey;autoIncrement:false"`
	Name        string `gorm:"type:varchar(64);not null"`
	Description string `gorm:"type:text"`
}

func (layerRow) TableName() string { return "notification_layers" }

type cadenceRuleRow struct {
	Name         string `gorm:"primaryKey;type:varchar(128)"`
	ValueInHours int    `gorm:"not null"`
	ValueCount   int    `gorm:"not null;default:0"`
	IsActive     bool   `gorm:"not null;default:true"`
	UpdatedAt    time.Time
}

func (cadenceRuleRow) TableName() string { return "cadence_rules" }

func toCadenceRuleRow(r *model.CadenceRule, now time.Time) cadenceRuleRow {
	return cadenceRuleRow{
		Name:         r.Name,
		ValueInHours: r.ValueInHours,
		ValueCount:   r.ValueCount,
		IsActive:     r.IsActive,
		UpdatedAt:    now,
	}
}

func (r *cadenceRuleRow) toModel() *model.CadenceRule {
	return &model.CadenceRule{
		Name:         r.Name,
		ValueInHours: r.ValueInHours,
		ValueCount:   r.ValueCount,
		IsActive:     r.IsActive,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

type notificationRow struct {
	ID                  string    `gorm:"primaryKey;type:varchar(36)"`
	UserID              string    `gorm:"type:varchar(36);not null;index:idx_user_notifications_user_sent,priority:1"`
	LayerID             int       `gorm:"not null;index"`
	Layer               *layerRow `gorm:"foreignKey:LayerID;constraint:OnDelete:RESTRICT"`
	SentAt              time.Time `gorm:"not null;index:idx_user_notifications_user_sent,priority:2;index"`
	PushTitle           string    `gorm:"type:text"`
	PushBody            string    `gorm:"type:text"`
	AudienceDescription string    `gorm:"type:text"`
	DeepLink            string    `gorm:"type:text"`
}

func (notificationRow) TableName() string { return "user_notifications" }

func toNotificationRow(n *model.UserNotification) *notificationRow {
	id := n.ID
	if id == "" {
		id = model.NewNotificationID()
	}
	return &notificationRow{
		ID:                  id,
		UserID:              string(n.UserID),
		LayerID:             int(n.LayerID),
		SentAt:              n.SentAt.UTC(),
		PushTitle:           n.PushTitle,
		PushBody:            n.PushBody,
		AudienceDescription: n.AudienceDescription,
		DeepLink:            n.DeepLink,
	}
}

func (r *notificationRow) toModel() *model.UserNotification {
	return &model.UserNotification{
		ID:                  r.ID,
		UserID:              types.UserID(r.UserID),
		LayerID:             types.LayerID(r.LayerID),
		SentAt:              r.SentAt.UTC(),
		PushTitle:           r.PushTitle,
		PushBody:            r.PushBody,
		AudienceDescription: r.AudienceDescription,
		DeepLink:            r.DeepLink,
	}
}
