package alert

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// Log writes alerts to the process log. Used when no Slack channel is configured.
type Log struct{}

func (Log) Alert(ctx context.Context, v *model.SafeguardViolation) error {
	logging.From(ctx).Error("safeguard alert",
		"violation_id", v.ID,
		"automation_id", v.AutomationID,
		"execution_id", v.ExecutionID,
		"type", v.Type,
		"severity", v.Severity,
		"message", v.Message,
	)
	return nil
}
