package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps a domain error onto a status code and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidArgument), errors.Is(err, queue.ErrInvalidContact):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, queue.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found"
	case errors.Is(err, queue.ErrLeaseLost):
		return http.StatusConflict, "lease_lost"
	case errors.Is(err, queue.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed"
	case errors.Is(err, queue.ErrExhausted):
		return http.StatusConflict, "exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("event", "http_error").
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
