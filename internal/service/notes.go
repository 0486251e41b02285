package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"notemind/internal/indexer"
	"notemind/internal/storage"
)

const maxNoteLen = 100000

// NoteRequest creates or replaces a note's text.
type NoteRequest struct {
	ID       string `json:"id,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Text     string `json:"text"`
}

// NoteService manages notes and keeps the retrieval index in sync.
type NoteService struct {
	notes    storage.NoteStore
	pipeline *indexer.Pipeline
}

// NewNoteService wires the note store and the indexing pipeline.
func NewNoteService(notes storage.NoteStore, pipeline *indexer.Pipeline) *NoteService {
	return &NoteService{notes: notes, pipeline: pipeline}
}

// Save upserts a note and reindexes it. A missing ID gets a generated
// UUID. Empty text is allowed and clears the note's chunks.
func (s *NoteService) Save(ctx context.Context, req NoteRequest) (*storage.NoteRecord, error) {
	if len(req.Text) > maxNoteLen {
		return nil, Validationf("note text exceeds %d characters", maxNoteLen)
	}
	if req.TenantID == "" {
		req.TenantID = defaultTenant
	}

	now := time.Now().UTC()
	note := &storage.NoteRecord{
		ID:        strings.TrimSpace(req.ID),
		TenantID:  req.TenantID,
		Text:      req.Text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	} else if existing, err := s.notes.GetByID(ctx, note.ID); err == nil {
		note.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load note: %w", err)
	}

	if err := s.notes.Upsert(ctx, note); err != nil {
		return nil, err
	}
	if err := s.pipeline.ProcessNote(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to index note: %w", err)
	}
	return note, nil
}

// Get returns one note.
func (s *NoteService) Get(ctx context.Context, id string) (*storage.NoteRecord, error) {
	note, err := s.notes.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: note %s", ErrNotFound, id)
	}
	return note, err
}

// List returns a tenant's notes, newest first.
func (s *NoteService) List(ctx context.Context, tenantID string, limit int) ([]*storage.NoteRecord, error) {
	if tenantID == "" {
		tenantID = defaultTenant
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.notes.ListByTenant(ctx, tenantID, limit)
}

// Delete removes a note, its chunks, and its vector datapoints.
func (s *NoteService) Delete(ctx context.Context, id string) error {
	if _, err := s.notes.GetByID(ctx, id); errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: note %s", ErrNotFound, id)
	} else if err != nil {
		return err
	}
	if err := s.pipeline.DeleteNote(ctx, id); err != nil {
		return err
	}
	return s.notes.Delete(ctx, id)
}
