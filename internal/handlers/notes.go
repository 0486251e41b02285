package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"notemind/internal/service"
	"notemind/internal/storage"
)

// NotesHandler serves the note CRUD surface. Writes drive the indexing
// pipeline so retrieval stays in sync.
type NotesHandler struct {
	notes *service.NoteService
}

// NewNotesHandler creates the notes handler.
func NewNotesHandler(notes *service.NoteService) *NotesHandler {
	return &NotesHandler{notes: notes}
}

// Create handles POST /api/notes.
func (h *NotesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, service.Validationf("invalid JSON body"))
		return
	}
	note, err := h.notes.Save(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// Update handles PUT /api/notes/{id}.
func (h *NotesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req service.NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, service.Validationf("invalid JSON body"))
		return
	}
	req.ID = chi.URLParam(r, "id")
	note, err := h.notes.Save(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Get handles GET /api/notes/{id}.
func (h *NotesHandler) Get(w http.ResponseWriter, r *http.Request) {
	note, err := h.notes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// List handles GET /api/notes.
func (h *NotesHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	notes, err := h.notes.List(r.Context(), r.URL.Query().Get("tenantId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []*storage.NoteRecord{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// Delete handles DELETE /api/notes/{id}.
func (h *NotesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.notes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
