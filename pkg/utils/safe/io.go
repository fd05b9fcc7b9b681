package safe

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// Close closes an io.Closer and logs any error. Nil closers are ignored.
func Close(ctx context.Context, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.From(ctx).Error("Failed to close", slog.Any("error", err))
	}
}

// RemoveAll removes a temporary path and logs any error.
func RemoveAll(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logging.From(ctx).Error("Failed to remove path", slog.Any("error", err), slog.String("path", path))
	}
}
