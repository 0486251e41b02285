package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// NoteStore defines the interface for note storage operations.
type NoteStore interface {
	// Upsert inserts or replaces a note.
	Upsert(ctx context.Context, note *NoteRecord) error
	// GetByID gets a note by its ID. Returns ErrNotFound if not found.
	GetByID(ctx context.Context, id string) (*NoteRecord, error)
	// Delete removes a note. Chunks cascade via foreign key.
	Delete(ctx context.Context, id string) error
	// ListByTenant returns a tenant's notes ordered by updated_at descending.
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*NoteRecord, error)
}

// NoteRepo provides methods for note operations.
type NoteRepo struct {
	db *sql.DB
}

// NewNoteRepo creates a new NoteRepo.
func NewNoteRepo(db *sql.DB) *NoteRepo {
	return &NoteRepo{db: db}
}

// Upsert inserts or replaces a note.
func (r *NoteRepo) Upsert(ctx context.Context, note *NoteRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notes (id, tenant_id, text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		note.ID, note.TenantID, note.Text, note.CreatedAt, note.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}
	return nil
}

// GetByID gets a note by its ID. Returns ErrNotFound if not found.
func (r *NoteRepo) GetByID(ctx context.Context, id string) (*NoteRecord, error) {
	var note NoteRecord
	err := r.db.QueryRowContext(ctx,
		"SELECT id, tenant_id, text, created_at, updated_at FROM notes WHERE id = ?",
		id,
	).Scan(&note.ID, &note.TenantID, &note.Text, &note.CreatedAt, &note.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query note: %w", err)
	}
	return &note, nil
}

// Delete removes a note by ID. Deleting a missing note is not an error.
func (r *NoteRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's notes ordered by updated_at descending.
func (r *NoteRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*NoteRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, tenant_id, text, created_at, updated_at FROM notes WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ?",
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var notes []*NoteRecord
	for rows.Next() {
		var note NoteRecord
		if err := rows.Scan(&note.ID, &note.TenantID, &note.Text, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, &note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return notes, nil
}
