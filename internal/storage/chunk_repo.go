package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// insertBatchSize caps rows per insert transaction.
const insertBatchSize = 400

// ChunkStore defines the interface for chunk storage operations.
type ChunkStore interface {
	// ListByNote returns all chunks for a note ordered by position.
	ListByNote(ctx context.Context, noteID string) ([]*ChunkRecord, error)
	// InsertBatch writes chunks in transactions of at most 400 rows.
	InsertBatch(ctx context.Context, chunks []*ChunkRecord) error
	// DeleteByNote removes all chunks for a note.
	DeleteByNote(ctx context.Context, noteID string) error
	// UpdateEmbedding attaches an embedding to an existing chunk.
	UpdateEmbedding(ctx context.Context, id string, vec []float32, model string) error
	// GetByIDs batch-reads chunks by ID; absent IDs are simply missing
	// from the result map.
	GetByIDs(ctx context.Context, ids []string) (map[string]*ChunkRecord, error)
	// ListRecent returns the most recent chunks for a tenant.
	ListRecent(ctx context.Context, tenantID string, limit int) ([]*ChunkRecord, error)
	// ListByTerm returns chunks whose term list contains term.
	ListByTerm(ctx context.Context, tenantID, term string, limit int) ([]*ChunkRecord, error)
	// ListByAnyTerm returns chunks whose term list contains any of terms.
	ListByAnyTerm(ctx context.Context, tenantID string, terms []string, limit int) ([]*ChunkRecord, error)
	// ListEmbedded returns recent chunks carrying embeddings, for the
	// full-scan vector fallback.
	ListEmbedded(ctx context.Context, tenantID string, limit int) ([]*ChunkRecord, error)
	// CountByTenant returns the tenant's chunk count.
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

// ChunkRepo provides methods for chunk operations.
// It implements the ChunkStore interface.
type ChunkRepo struct {
	db *sql.DB
}

// NewChunkRepo creates a new ChunkRepo.
func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

const chunkColumns = `id, note_id, tenant_id, text, fingerprint, position, total_chunks,
	token_estimate, created_at, start_offset, end_offset, anchor, prev_context,
	next_context, terms, terms_version, embedding, embedding_model`

func scanChunk(scanner interface{ Scan(...any) error }) (*ChunkRecord, error) {
	var c ChunkRecord
	var termsJSON string
	var embedding []byte
	err := scanner.Scan(
		&c.ID, &c.NoteID, &c.TenantID, &c.Text, &c.Fingerprint, &c.Position,
		&c.TotalChunks, &c.TokenEstimate, &c.CreatedAt, &c.StartOffset,
		&c.EndOffset, &c.Anchor, &c.PrevContext, &c.NextContext, &termsJSON,
		&c.TermsVersion, &embedding, &c.EmbeddingModel,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(termsJSON), &c.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode chunk terms: %w", err)
	}
	c.Embedding = decodeVector(embedding)
	return &c, nil
}

func (r *ChunkRepo) queryChunks(ctx context.Context, query string, args ...any) ([]*ChunkRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chunks []*ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return chunks, nil
}

// ListByNote returns all chunks for a note ordered by position.
func (r *ChunkRepo) ListByNote(ctx context.Context, noteID string) ([]*ChunkRecord, error) {
	return r.queryChunks(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE note_id = ? ORDER BY position ASC",
		noteID,
	)
}

// InsertBatch writes chunks in transactions of at most 400 rows each.
// A failure aborts the current transaction; previously committed batches
// remain (the indexer deletes before writing, so a crash leaves the note
// re-processable).
func (r *ChunkRepo) InsertBatch(ctx context.Context, chunks []*ChunkRecord) error {
	for start := 0; start < len(chunks); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := r.insertTx(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChunkRepo) insertTx(ctx context.Context, chunks []*ChunkRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, c := range chunks {
		termsJSON, err := json.Marshal(c.Terms)
		if err != nil {
			return fmt.Errorf("failed to encode chunk terms: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			c.ID, c.NoteID, c.TenantID, c.Text, c.Fingerprint, c.Position,
			c.TotalChunks, c.TokenEstimate, c.CreatedAt, c.StartOffset,
			c.EndOffset, c.Anchor, c.PrevContext, c.NextContext, string(termsJSON),
			c.TermsVersion, encodeVector(c.Embedding), c.EmbeddingModel,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// DeleteByNote removes all chunks for a note.
func (r *ChunkRepo) DeleteByNote(ctx context.Context, noteID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM chunks WHERE note_id = ?", noteID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks by note: %w", err)
	}
	return nil
}

// UpdateEmbedding attaches an embedding to an existing chunk.
func (r *ChunkRepo) UpdateEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?",
		encodeVector(vec), model, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update chunk embedding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByIDs batch-reads chunks by ID. Missing IDs are absent from the map.
func (r *ChunkRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*ChunkRecord, error) {
	result := make(map[string]*ChunkRecord, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	// SQLite's parameter limit keeps IN lists bounded.
	const readBatch = 200
	for start := 0; start < len(ids); start += readBatch {
		end := start + readBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		chunks, err := r.queryChunks(ctx,
			"SELECT "+chunkColumns+" FROM chunks WHERE id IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			result[c.ID] = c
		}
	}
	return result, nil
}

// ListRecent returns the most recent chunks for a tenant by creation time.
func (r *ChunkRepo) ListRecent(ctx context.Context, tenantID string, limit int) ([]*ChunkRecord, error) {
	return r.queryChunks(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?",
		tenantID, limit,
	)
}

// ListByTerm returns chunks whose term list contains term, newest first.
func (r *ChunkRepo) ListByTerm(ctx context.Context, tenantID, term string, limit int) ([]*ChunkRecord, error) {
	return r.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE tenant_id = ?
		   AND EXISTS (SELECT 1 FROM json_each(chunks.terms) WHERE json_each.value = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		tenantID, term, limit,
	)
}

// ListByAnyTerm returns chunks whose term list contains any of terms.
func (r *ChunkRepo) ListByAnyTerm(ctx context.Context, tenantID string, terms []string, limit int) ([]*ChunkRecord, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(terms))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(terms)+2)
	args = append(args, tenantID)
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, limit)

	return r.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE tenant_id = ?
		   AND EXISTS (SELECT 1 FROM json_each(chunks.terms) WHERE json_each.value IN (`+placeholders+`))
		 ORDER BY created_at DESC LIMIT ?`,
		args...,
	)
}

// ListEmbedded returns recent chunks carrying embeddings.
func (r *ChunkRepo) ListEmbedded(ctx context.Context, tenantID string, limit int) ([]*ChunkRecord, error) {
	return r.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE tenant_id = ? AND embedding IS NOT NULL
		 ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit,
	)
}

// CountByTenant returns the tenant's chunk count.
func (r *ChunkRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE tenant_id = ?", tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}
