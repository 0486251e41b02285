package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notemind/internal/contextutil"
	"notemind/internal/storage"
	"notemind/internal/vectorindex"
)

// Embedder generates one vector per input text.
type Embedder interface {
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline turns notes into chunk rows and vector-index datapoints.
// Document-store failures are fatal; embedding and vector-index failures
// are logged and swallowed so the note stays retrievable by lexical and
// recency means.
type Pipeline struct {
	chunks         storage.ChunkStore
	embedder       Embedder // nil disables embeddings
	index          vectorindex.Index
	embeddingModel string
	chunker        *Chunker

	wg sync.WaitGroup
}

// NewPipeline creates an indexing pipeline. embedder may be nil when no
// embedding endpoint is configured.
func NewPipeline(chunks storage.ChunkStore, embedder Embedder, index vectorindex.Index, embeddingModel string, chunker *Chunker) *Pipeline {
	return &Pipeline{
		chunks:         chunks,
		embedder:       embedder,
		index:          index,
		embeddingModel: embeddingModel,
		chunker:        chunker,
	}
}

// Wait blocks until outstanding best-effort index propagation finishes.
// Used at shutdown and by tests.
func (p *Pipeline) Wait() { p.wg.Wait() }

// ProcessNote re-chunks a note and reconciles the stored chunks with the
// new partition. It is idempotent: when every new chunk fingerprint matches
// the stored one at the same position, nothing is rewritten and only
// missing embeddings are backfilled.
func (p *Pipeline) ProcessNote(ctx context.Context, note *storage.NoteRecord) error {
	logger := contextutil.LoggerFromContext(ctx)
	started := time.Now()

	existing, err := p.chunks.ListByNote(ctx, note.ID)
	if err != nil {
		return fmt.Errorf("failed to list existing chunks: %w", err)
	}

	normalized := Normalize(note.Text)
	pieces := p.chunker.Split(normalized)

	if fingerprintsEqual(existing, pieces) {
		if err := p.backfillEmbeddings(ctx, existing); err != nil {
			logger.WarnContext(ctx, "embedding backfill failed", "note_id", note.ID, "error", err)
		}
		logger.DebugContext(ctx, "note unchanged", "note_id", note.ID, "chunks", len(existing))
		return nil
	}

	// Stale datapoints are removed best-effort; the document store is the
	// source of truth and drift detection covers the gap.
	staleIDs := make([]string, 0, len(existing))
	for _, c := range existing {
		staleIDs = append(staleIDs, vectorindex.DatapointID(c.ID, c.NoteID))
	}

	if len(existing) > 0 {
		if err := p.chunks.DeleteByNote(ctx, note.ID); err != nil {
			return fmt.Errorf("failed to delete stale chunks: %w", err)
		}
	}
	p.removeAsync(ctx, staleIDs)

	if len(pieces) == 0 {
		logger.InfoContext(ctx, "note indexed empty", "note_id", note.ID)
		return nil
	}

	records := p.buildRecords(note, pieces)
	p.attachEmbeddings(ctx, records)

	if err := p.chunks.InsertBatch(ctx, records); err != nil {
		return fmt.Errorf("failed to write chunks: %w", err)
	}
	p.upsertAsync(ctx, records)

	logger.InfoContext(ctx, "note indexed",
		"note_id", note.ID,
		"tenant", note.TenantID,
		"chunks", len(records),
		"replaced", len(existing),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// DeleteNote removes a note's chunks and their vector datapoints.
func (p *Pipeline) DeleteNote(ctx context.Context, noteID string) error {
	existing, err := p.chunks.ListByNote(ctx, noteID)
	if err != nil {
		return fmt.Errorf("failed to list chunks for delete: %w", err)
	}
	if err := p.chunks.DeleteByNote(ctx, noteID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	ids := make([]string, 0, len(existing))
	for _, c := range existing {
		ids = append(ids, vectorindex.DatapointID(c.ID, c.NoteID))
	}
	p.removeAsync(ctx, ids)
	return nil
}

// buildRecords materializes chunk rows, including the adjacent-context
// windows used for prompt display.
func (p *Pipeline) buildRecords(note *storage.NoteRecord, pieces []TextChunk) []*storage.ChunkRecord {
	records := make([]*storage.ChunkRecord, len(pieces))
	for i, piece := range pieces {
		rec := &storage.ChunkRecord{
			ID:            ChunkID(note.ID, i),
			NoteID:        note.ID,
			TenantID:      note.TenantID,
			Text:          piece.Text,
			Fingerprint:   Fingerprint(piece.Text),
			Position:      i,
			TotalChunks:   len(pieces),
			TokenEstimate: TokenEstimate(piece.Text),
			CreatedAt:     note.CreatedAt,
			StartOffset:   piece.StartOffset,
			EndOffset:     piece.EndOffset,
			Anchor:        piece.Anchor,
			Terms:         ExtractTerms(piece.Text),
			TermsVersion:  TermsVersion,
		}
		if i > 0 {
			rec.PrevContext = tailContext(pieces[i-1].Text)
		}
		if i < len(pieces)-1 {
			rec.NextContext = headContext(pieces[i+1].Text)
		}
		records[i] = rec
	}
	return records
}

// attachEmbeddings fills in vectors for the new records. Failure is not
// fatal: retrieval degrades to lexical + recency for these chunks.
func (p *Pipeline) attachEmbeddings(ctx context.Context, records []*storage.ChunkRecord) {
	if p.embedder == nil {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vectors, err := p.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		logger.WarnContext(ctx, "embedding generation failed; indexing without vectors", "error", err)
		return
	}
	for i, r := range records {
		if i < len(vectors) && len(vectors[i]) > 0 {
			r.Embedding = vectors[i]
			r.EmbeddingModel = p.embeddingModel
		}
	}
}

// backfillEmbeddings generates and stores vectors for unchanged chunks
// that are missing one.
func (p *Pipeline) backfillEmbeddings(ctx context.Context, existing []*storage.ChunkRecord) error {
	if p.embedder == nil {
		return nil
	}
	var missing []*storage.ChunkRecord
	for _, c := range existing {
		if !c.HasEmbedding() {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]vectorindex.Datapoint, 0, len(missing))
	for i, c := range missing {
		if err := p.chunks.UpdateEmbedding(ctx, c.ID, vectors[i], p.embeddingModel); err != nil {
			return err
		}
		c.Embedding = vectors[i]
		points = append(points, vectorindex.Datapoint{
			ID:       vectorindex.DatapointID(c.ID, c.NoteID),
			Vector:   vectors[i],
			TenantID: c.TenantID,
		})
	}
	p.upsertPointsAsync(ctx, points)
	return nil
}

func (p *Pipeline) upsertAsync(ctx context.Context, records []*storage.ChunkRecord) {
	points := make([]vectorindex.Datapoint, 0, len(records))
	for _, r := range records {
		if !r.HasEmbedding() {
			continue
		}
		points = append(points, vectorindex.Datapoint{
			ID:       vectorindex.DatapointID(r.ID, r.NoteID),
			Vector:   r.Embedding,
			TenantID: r.TenantID,
		})
	}
	p.upsertPointsAsync(ctx, points)
}

func (p *Pipeline) upsertPointsAsync(ctx context.Context, points []vectorindex.Datapoint) {
	if len(points) == 0 {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.index.Upsert(bg, points); err != nil {
			logger.WarnContext(bg, "vector index upsert failed", "count", len(points), "error", err)
		}
	}()
}

func (p *Pipeline) removeAsync(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.index.Remove(bg, ids); err != nil {
			logger.WarnContext(bg, "vector index removal failed", "count", len(ids), "error", err)
		}
	}()
}

// ChunkID derives the stable chunk identifier from the parent note and
// position, e.g. "note42_003".
func ChunkID(noteID string, position int) string {
	return fmt.Sprintf("%s_%03d", noteID, position)
}

func fingerprintsEqual(existing []*storage.ChunkRecord, pieces []TextChunk) bool {
	if len(existing) != len(pieces) || len(pieces) == 0 {
		return false
	}
	for i, piece := range pieces {
		if existing[i].Fingerprint != Fingerprint(piece.Text) {
			return false
		}
	}
	return true
}

func tailContext(text string) string {
	if len(text) <= contextWindowLen {
		return text
	}
	return text[len(text)-contextWindowLen:]
}

func headContext(text string) string {
	if len(text) <= contextWindowLen {
		return text
	}
	return text[:contextWindowLen]
}
