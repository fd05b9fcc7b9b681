package async

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// Dispatch runs handler in a new goroutine. The handler context keeps the values of ctx (logger,
// Sentry hub) but is not cancelled with it, so request-scoped callers can fire side effects such
// as alerts after the response has been written. Errors and panics are logged.
func Dispatch(ctx context.Context, handler func(ctx context.Context) error) {
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.From(bgCtx).Error("panic in async handler", "panic", r)
			}
		}()

		if err := handler(bgCtx); err != nil {
			attrs := []any{"error", err.Error()}
			if ge := goerr.Unwrap(err); ge != nil {
				attrs = append(attrs, "values", ge.Values())
			}
			logging.From(bgCtx).Error("async handler failed", attrs...)
		}
	}()
}
