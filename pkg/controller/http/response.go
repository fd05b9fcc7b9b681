package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/errutil"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

var errBadRequest = errors.New("bad request")

func badRequest(msg string, values ...goerr.Option) error {
	return goerr.Wrap(errBadRequest, msg, values...)
}

// statusOf maps use case errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, usecase.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrAutomationNotFound),
		errors.Is(err, usecase.ErrExecutionNotFound),
		errors.Is(err, usecase.ErrViolationNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrStatusConflict),
		errors.Is(err, usecase.ErrTooLateToCancel),
		errors.Is(err, usecase.ErrSafetyViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	errutil.HandleHTTP(r.Context(), w, err, statusOf(err))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.From(r.Context()).Error("failed to write response", "error", err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body", goerr.V("error", err.Error()))
	}
	return nil
}
