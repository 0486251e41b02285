// Package handlers exposes the HTTP surface: chat (JSON and SSE), note
// CRUD, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"notemind/internal/contextutil"
	"notemind/internal/service"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service error kinds to status codes. Internal errors
// stay opaque to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := contextutil.LoggerFromContext(r.Context())

	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, service.ErrRateLimited):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "model provider rate limit, retry shortly"})
	case errors.Is(err, service.ErrUpstream):
		logger.ErrorContext(r.Context(), "upstream failure", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream service unavailable"})
	default:
		logger.ErrorContext(r.Context(), "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}
