package sql

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type cadenceRuleRepository struct {
	db *gorm.DB
}

func (r *cadenceRuleRepository) List(ctx context.Context) ([]*model.CadenceRule, error) {
	var rows []cadenceRuleRow
	if err := r.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, goerr.Wrap(err, "failed to list cadence rules")
	}

	rules := make([]*model.CadenceRule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toModel())
	}
	return rules, nil
}

func (r *cadenceRuleRepository) Upsert(ctx context.Context, rules []*model.CadenceRule) error {
	if len(rules) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]cadenceRuleRow, 0, len(rules))
	for _, rule := range rules {
		rows = append(rows, toCadenceRuleRow(rule, now))
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_in_hours", "value_count", "is_active", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return goerr.Wrap(err, "failed to upsert cadence rules", goerr.V("count", len(rows)))
	}
	return nil
}
