package errutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// ErrorResponse is the JSON envelope returned for every failed request.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// Handle logs the error with a message and reports it to Sentry when a client is configured.
func Handle(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}

	log(ctx, msg, err, 0)
	capture(ctx, err)
	return err
}

// HandleHTTP logs the error and writes the JSON error envelope. Client errors list the goerr
// values attached to err as "key: value" entries. Server errors are reported to Sentry and
// their message is replaced with a generic one.
func HandleHTTP(ctx context.Context, w http.ResponseWriter, err error, statusCode int) {
	if err == nil {
		return
	}

	log(ctx, "HTTP error", err, statusCode)

	resp := ErrorResponse{
		Success: false,
		Message: err.Error(),
		Errors:  []string{},
	}
	if statusCode >= http.StatusInternalServerError {
		capture(ctx, err)
		resp.Message = "internal server error"
	} else {
		resp.Errors = details(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.From(ctx).Error("failed to write error response", "error", err.Error())
	}
}

func details(err error) []string {
	values := goerr.Values(err)
	out := make([]string, 0, len(values))
	for k, v := range values {
		out = append(out, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(out)
	return out
}

func log(ctx context.Context, msg string, err error, statusCode int) {
	logger := logging.From(ctx)
	attrs := []any{"error", err.Error()}
	if statusCode != 0 {
		attrs = append(attrs, "status", statusCode)
	}

	var ge *goerr.Error
	if errors.As(err, &ge) {
		attrs = append(attrs, "values", ge.Values(), "stack", ge.Stacks())
	}

	if statusCode != 0 && statusCode < http.StatusInternalServerError {
		logger.Warn(msg, attrs...)
		return
	}
	logger.Error(msg, attrs...)
}

func capture(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return
	}
	hub.CaptureException(err)
}
