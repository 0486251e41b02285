package handlers

import (
	"context"
	"net/http"
)

// Pinger is the readiness probe surface, satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	db         Pinger
	indexName  string
	embedStats func() any
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(db Pinger, indexName string) *HealthHandler {
	return &HealthHandler{db: db, indexName: indexName}
}

// WithEmbeddingStats surfaces embedding cache counters in the health
// payload. Nil (the default) omits the field.
func (h *HealthHandler) WithEmbeddingStats(fn func() any) *HealthHandler {
	h.embedStats = fn
	return h
}

// Handle reports service health. The document store is the only hard
// dependency; everything else degrades.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "document store unreachable",
		})
		return
	}
	payload := map[string]any{
		"status":      "ok",
		"vectorIndex": h.indexName,
	}
	if h.embedStats != nil {
		payload["embeddingCache"] = h.embedStats()
	}
	writeJSON(w, http.StatusOK, payload)
}
