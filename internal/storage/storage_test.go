package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seedNote(t *testing.T, repo *NoteRepo, id, tenantID string, updated time.Time) *NoteRecord {
	t.Helper()
	note := &NoteRecord{
		ID:        id,
		TenantID:  tenantID,
		Text:      "text of " + id,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
	require.NoError(t, repo.Upsert(context.Background(), note))
	return note
}

func mkChunk(id, noteID, tenantID, text string, position int, createdAt time.Time, terms []string) *ChunkRecord {
	return &ChunkRecord{
		ID:            id,
		NoteID:        noteID,
		TenantID:      tenantID,
		Text:          text,
		Fingerprint:   "0011223344556677",
		Position:      position,
		TotalChunks:   1,
		TokenEstimate: len(text) / 4,
		CreatedAt:     createdAt,
		StartOffset:   0,
		EndOffset:     len(text),
		Anchor:        text[:min(len(text), 10)],
		Terms:         terms,
		TermsVersion:  1,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	assert.NoError(t, Migrate(db))
}

func TestNoteRepoCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewNoteRepo(testDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	seedNote(t, repo, "n1", "t1", now.Add(-2*time.Minute))
	seedNote(t, repo, "n2", "t1", now)
	seedNote(t, repo, "n3", "t2", now)

	got, err := repo.GetByID(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "text of n1", got.Text)
	assert.Equal(t, "t1", got.TenantID)

	// Upsert replaces text and keeps the row count stable.
	got.Text = "replaced"
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.Upsert(ctx, got))
	again, err := repo.GetByID(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "replaced", again.Text)

	listed, err := repo.ListByTenant(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "n1", listed[0].ID, "newest updated_at first")

	require.NoError(t, repo.Delete(ctx, "n1"))
	_, err = repo.GetByID(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkRepoRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	notes := NewNoteRepo(db)
	chunks := NewChunkRepo(db)
	now := time.Now().UTC().Truncate(time.Second)

	seedNote(t, notes, "n1", "t1", now)

	c0 := mkChunk("n1_000", "n1", "t1", "the database migration finished", 0, now, []string{"database", "migration", "finished"})
	c0.Embedding = []float32{0.25, -1, 3.5}
	c0.EmbeddingModel = "test-embed"
	c1 := mkChunk("n1_001", "n1", "t1", "second chunk about budgets", 1, now, []string{"second", "chunk", "budgets"})
	require.NoError(t, chunks.InsertBatch(ctx, []*ChunkRecord{c1, c0}))

	listed, err := chunks.ListByNote(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "n1_000", listed[0].ID, "ordered by position")
	assert.Equal(t, []string{"database", "migration", "finished"}, listed[0].Terms)
	assert.Equal(t, []float32{0.25, -1, 3.5}, listed[0].Embedding)
	assert.False(t, listed[1].HasEmbedding())

	got, err := chunks.GetByIDs(ctx, []string{"n1_001", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second chunk about budgets", got["n1_001"].Text)
}

func TestChunkRepoTermQueries(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	notes := NewNoteRepo(db)
	chunks := NewChunkRepo(db)
	now := time.Now().UTC().Truncate(time.Second)

	seedNote(t, notes, "n1", "t1", now)
	seedNote(t, notes, "n2", "t1", now)
	seedNote(t, notes, "n3", "t2", now)

	require.NoError(t, chunks.InsertBatch(ctx, []*ChunkRecord{
		mkChunk("n1_000", "n1", "t1", "budget planning for next quarter", 0, now.Add(-time.Minute), []string{"budget", "planning", "quarter"}),
		mkChunk("n2_000", "n2", "t1", "deadline moved to friday", 0, now, []string{"deadline", "moved", "friday"}),
		mkChunk("n3_000", "n3", "t2", "budget in another tenant", 0, now, []string{"budget", "another", "tenant"}),
	}))

	byTerm, err := chunks.ListByTerm(ctx, "t1", "budget", 10)
	require.NoError(t, err)
	require.Len(t, byTerm, 1)
	assert.Equal(t, "n1_000", byTerm[0].ID)

	any, err := chunks.ListByAnyTerm(ctx, "t1", []string{"budget", "deadline"}, 10)
	require.NoError(t, err)
	assert.Len(t, any, 2)
	assert.Equal(t, "n2_000", any[0].ID, "newest first")

	none, err := chunks.ListByAnyTerm(ctx, "t1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	recent, err := chunks.ListRecent(ctx, "t1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "n2_000", recent[0].ID)

	count, err := chunks.CountByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestChunkRepoEmbeddings(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	notes := NewNoteRepo(db)
	chunks := NewChunkRepo(db)
	now := time.Now().UTC().Truncate(time.Second)

	seedNote(t, notes, "n1", "t1", now)
	plain := mkChunk("n1_000", "n1", "t1", "starts without an embedding", 0, now, []string{"starts", "without", "embedding"})
	require.NoError(t, chunks.InsertBatch(ctx, []*ChunkRecord{plain}))

	embedded, err := chunks.ListEmbedded(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, embedded)

	require.NoError(t, chunks.UpdateEmbedding(ctx, "n1_000", []float32{1, 2, 3}, "test-embed"))
	embedded, err = chunks.ListEmbedded(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, embedded, 1)
	assert.Equal(t, []float32{1, 2, 3}, embedded[0].Embedding)
	assert.Equal(t, "test-embed", embedded[0].EmbeddingModel)

	assert.ErrorIs(t, chunks.UpdateEmbedding(ctx, "ghost", []float32{1}, "m"), ErrNotFound)
}

func TestChunkCascadeOnNoteDelete(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	notes := NewNoteRepo(db)
	chunks := NewChunkRepo(db)
	now := time.Now().UTC().Truncate(time.Second)

	seedNote(t, notes, "n1", "t1", now)
	require.NoError(t, chunks.InsertBatch(ctx, []*ChunkRecord{
		mkChunk("n1_000", "n1", "t1", "chunk that should cascade away", 0, now, []string{"cascade"}),
	}))

	require.NoError(t, notes.Delete(ctx, "n1"))
	left, err := chunks.ListByNote(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 3e6}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2}))
}
