package delivery

import (
	"context"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// LogSink accepts every push and only logs it. For local runs without a provider.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) Deliver(ctx context.Context, msg *model.PushMessage) error {
	logging.From(ctx).Info("push delivered to log sink",
		"execution_id", msg.ExecutionID,
		"sequence_order", msg.SequenceOrder,
		"user_id", msg.UserID,
		"layer_id", int(msg.Layer),
		"title", msg.Title,
	)
	return nil
}
