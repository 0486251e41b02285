package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemind/internal/config"
	"notemind/internal/contextutil"
	"notemind/internal/indexer"
	"notemind/internal/storage"
	"notemind/internal/vectorindex"
)

func testConfig() *config.Config {
	return &config.Config{
		RetrievalVectorTopK:      500,
		RetrievalLexicalTopK:     200,
		RetrievalLexicalMaxTerms: 15,
		RetrievalRecencyTopK:     75,
		RetrievalMMREnabled:      true,
		RetrievalMMRLambda:       0.65,
		RetrievalMinRelevance:    0.25,
		ScoreWeightVector:        0.40,
		ScoreWeightLexical:       0.40,
		ScoreWeightRecency:       0.10,
		LLMContextBudgetChars:    100000,
		LLMContextReserveChars:   4000,
	}
}

// memStore is a deterministic in-memory chunk store.
type memStore struct {
	chunks []*storage.ChunkRecord
}

func (m *memStore) add(c *storage.ChunkRecord) { m.chunks = append(m.chunks, c) }

func (m *memStore) byRecency(tenantID string, pred func(*storage.ChunkRecord) bool) []*storage.ChunkRecord {
	var out []*storage.ChunkRecord
	for _, c := range m.chunks {
		if c.TenantID == tenantID && (pred == nil || pred(c)) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) ListByNote(_ context.Context, noteID string) ([]*storage.ChunkRecord, error) {
	var out []*storage.ChunkRecord
	for _, c := range m.chunks {
		if c.NoteID == noteID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) InsertBatch(_ context.Context, chunks []*storage.ChunkRecord) error {
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memStore) DeleteByNote(_ context.Context, noteID string) error {
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.NoteID != noteID {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

func (m *memStore) UpdateEmbedding(_ context.Context, id string, vec []float32, model string) error {
	for _, c := range m.chunks {
		if c.ID == id {
			c.Embedding = vec
			c.EmbeddingModel = model
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) GetByIDs(_ context.Context, ids []string) (map[string]*storage.ChunkRecord, error) {
	out := make(map[string]*storage.ChunkRecord)
	for _, c := range m.chunks {
		for _, id := range ids {
			if c.ID == id {
				out[id] = c
			}
		}
	}
	return out, nil
}

func (m *memStore) ListRecent(_ context.Context, tenantID string, limit int) ([]*storage.ChunkRecord, error) {
	out := m.byRecency(tenantID, nil)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByTerm(_ context.Context, tenantID, term string, limit int) ([]*storage.ChunkRecord, error) {
	out := m.byRecency(tenantID, func(c *storage.ChunkRecord) bool {
		for _, t := range c.Terms {
			if t == term {
				return true
			}
		}
		return false
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByAnyTerm(ctx context.Context, tenantID string, terms []string, limit int) ([]*storage.ChunkRecord, error) {
	seen := make(map[string]struct{})
	var out []*storage.ChunkRecord
	for _, term := range terms {
		rows, _ := m.ListByTerm(ctx, tenantID, term, limit)
		for _, c := range rows {
			if _, dup := seen[c.ID]; !dup {
				seen[c.ID] = struct{}{}
				out = append(out, c)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListEmbedded(_ context.Context, tenantID string, limit int) ([]*storage.ChunkRecord, error) {
	out := m.byRecency(tenantID, (*storage.ChunkRecord).HasEmbedding)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountByTenant(_ context.Context, tenantID string) (int, error) {
	return len(m.byRecency(tenantID, nil)), nil
}

// fixedIndex returns a canned hit list.
type fixedIndex struct {
	hits []vectorindex.Result
}

func (f *fixedIndex) Search(context.Context, []float32, string, int) ([]vectorindex.Result, error) {
	return f.hits, nil
}
func (f *fixedIndex) Upsert(context.Context, []vectorindex.Datapoint) error { return nil }
func (f *fixedIndex) Remove(context.Context, []string) error                { return nil }
func (f *fixedIndex) Name() string                                          { return "fixed" }
func (f *fixedIndex) Configured() bool                                      { return true }

type fixedEmbedder struct{}

func (fixedEmbedder) GenerateQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func seedChunk(store *memStore, noteID, text string, age time.Duration) *storage.ChunkRecord {
	c := &storage.ChunkRecord{
		ID:          noteID + "_000",
		NoteID:      noteID,
		TenantID:    "t1",
		Text:        text,
		Fingerprint: indexer.Fingerprint(text),
		Position:    0,
		TotalChunks: 1,
		Terms:       indexer.ExtractTerms(text),
		CreatedAt:   time.Now().UTC().Add(-age),
	}
	store.add(c)
	return c
}

func lexicalEngine(store *memStore) *Engine {
	return NewEngine(testConfig(), store, nil, vectorindex.NewScanIndex(store, 2000))
}

func TestRetrieveNoCandidates(t *testing.T) {
	e := lexicalEngine(&memStore{})
	defer e.Stop()

	res, err := e.Retrieve(context.Background(), "anything at all", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.True(t, strings.HasSuffix(res.Strategy, "_no_candidates"), "strategy %q", res.Strategy)
}

func TestRetrieveDecisionIntent(t *testing.T) {
	store := &memStore{}
	seedChunk(store, "n1", "PROJECT_ALPHA revenue grew 25%", 3*24*time.Hour)
	best := seedChunk(store, "n2", "We chose PostgreSQL over MongoDB", 2*24*time.Hour)
	seedChunk(store, "n3", "Kickoff budget $200000", 24*time.Hour)

	e := lexicalEngine(store)
	defer e.Stop()

	res, err := e.Retrieve(context.Background(), "what did we decide about the database", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, IntentDecision, res.Analysis.Intent)
	assert.Equal(t, best.NoteID, res.Chunks[0].Chunk.NoteID)
	assert.Contains(t, res.Strategy, "_lexical")
}

func TestRetrieveTimeFilter(t *testing.T) {
	store := &memStore{}
	seedChunk(store, "old1", "Old notes about the launch plan", 20*24*time.Hour)
	seedChunk(store, "old2", "More old notes about staffing", 15*24*time.Hour)
	fresh := seedChunk(store, "new1", "Fresh notes about the sprint demo", 24*time.Hour)

	e := lexicalEngine(store)
	defer e.Stop()

	res, err := e.Retrieve(context.Background(), "summarize this week's notes", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	assert.Contains(t, res.Strategy, "_time_filtered(7d)")
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		assert.Equal(t, fresh.NoteID, c.Chunk.NoteID)
	}
}

func TestRetrieveRecencyFallback(t *testing.T) {
	store := &memStore{}
	seedChunk(store, "old1", "Stale notes about planning", 60*24*time.Hour)
	seedChunk(store, "old2", "Stale notes about budget", 45*24*time.Hour)

	e := lexicalEngine(store)
	defer e.Stop()

	res, err := e.Retrieve(context.Background(), "summarize this week's notes", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	assert.Contains(t, res.Strategy, "_recency_fallback")
}

func TestRetrieveUniqueIDBoost(t *testing.T) {
	store := &memStore{}
	seedChunk(store, "nA", "General meeting notes about the roadmap", 3*24*time.Hour)
	target := seedChunk(store, "nB", "CITE_TEST_002 was the reference run for the benchmark", 2*24*time.Hour)
	seedChunk(store, "nC", "Groceries list and errands for the weekend", 24*time.Hour)

	e := lexicalEngine(store)
	defer e.Stop()

	res, err := e.Retrieve(context.Background(), "what was CITE_TEST_002", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, target.ID, res.Chunks[0].Chunk.ID)
	assert.Contains(t, res.Strategy, "_uidboost")
}

func TestRetrieveCached(t *testing.T) {
	store := &memStore{}
	seedChunk(store, "n1", "Fresh notes about the sprint demo", 24*time.Hour)

	e := lexicalEngine(store)
	defer e.Stop()

	first, err := e.Retrieve(context.Background(), "notes about the sprint", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, first.Chunks)
	assert.NotContains(t, first.Strategy, "_cached")

	second, err := e.Retrieve(context.Background(), "notes about the sprint", Options{TenantID: "t1", TopK: 5})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(second.Strategy, "_cached"), "strategy %q", second.Strategy)
	assert.Equal(t, len(first.Chunks), len(second.Chunks))
}

func TestRetrieveDeterministic(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 12; i++ {
		seedChunk(store, fmt.Sprintf("n%02d", i),
			fmt.Sprintf("Entry %03d mentions keyword%03d and the sprint review.", i, i),
			time.Duration(i+1)*24*time.Hour)
	}

	run := func() []string {
		e := lexicalEngine(store)
		defer e.Stop()
		res, err := e.Retrieve(context.Background(), "what happened in the sprint review", Options{TenantID: "t1", TopK: 5})
		require.NoError(t, err)
		ids := make([]string, len(res.Chunks))
		for i, c := range res.Chunks {
			ids[i] = c.Chunk.ID
		}
		return ids
	}

	assert.Equal(t, run(), run())
}

func TestRetrieveHydrationDrift(t *testing.T) {
	store := &memStore{}
	index := &fixedIndex{}

	// The index knows 100 datapoints but the store only has 80: the
	// missing fifth must be skipped without failing the request.
	for i := 0; i < 100; i++ {
		noteID := fmt.Sprintf("d%02d", i)
		if i < 80 {
			seedChunk(store, noteID,
				fmt.Sprintf("Entry %03d mentions keyword%03d and keyword%03d uniquely.", i, i, i+100),
				time.Duration(i+1)*time.Hour)
		}
		index.hits = append(index.hits, vectorindex.Result{
			ChunkID: noteID + "_000",
			NoteID:  noteID,
			Score:   0.9,
		})
	}

	e := NewEngine(testConfig(), store, fixedEmbedder{}, index)
	defer e.Stop()

	var logs bytes.Buffer
	ctx := contextutil.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))

	res, err := e.Retrieve(ctx, "find the latest entries", Options{TenantID: "t1", TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, 80, res.CandidateCount)
	assert.Len(t, res.Chunks, 10)
	assert.Contains(t, res.Strategy, "_vector(fixed)")

	out := logs.String()
	assert.Contains(t, out, "driftDetected=true")
	assert.Contains(t, out, "missingRatio=20")
	for i := 80; i < 85; i++ {
		assert.Contains(t, out, fmt.Sprintf("d%02d_000:d%02d", i, i), "sample carries the first five orphans")
	}
	assert.NotContains(t, out, "d85_000", "sample is capped at five")
}

func TestAssembleContextBudget(t *testing.T) {
	var scored []ScoredChunk
	for i := 0; i < 10; i++ {
		scored = append(scored, ScoredChunk{
			Chunk: &storage.ChunkRecord{
				ID:     fmt.Sprintf("c%d", i),
				NoteID: fmt.Sprintf("n%d", i),
				Text:   strings.Repeat("x", 100),
			},
			Score: 1 - float64(i)*0.05,
		})
	}

	included, excluded, total := assembleContext(scored, 350, IntentSearch)
	assert.Len(t, included, 3)
	assert.Len(t, excluded, 7)
	assert.Equal(t, 300, total)
}

func TestAssembleContextPerNoteCap(t *testing.T) {
	var scored []ScoredChunk
	for i := 0; i < 8; i++ {
		scored = append(scored, ScoredChunk{
			Chunk: &storage.ChunkRecord{
				ID:     fmt.Sprintf("c%d", i),
				NoteID: "same-note",
				Text:   strings.Repeat("x", 10),
			},
			Score: 1 - float64(i)*0.05,
		})
	}

	// Budget 33 leaves the first pass at 30/33 chars, past the 90%
	// fill mark, so no backfill runs and the cap holds.
	included, excluded, _ := assembleContext(scored, 33, IntentSummarize)
	assert.Len(t, included, 3, "aggregation intents cap chunks per note at 3")
	assert.Len(t, excluded, 5)
}

func TestAssembleContextBackfillIgnoresNoteCap(t *testing.T) {
	var scored []ScoredChunk
	for i := 0; i < 8; i++ {
		scored = append(scored, ScoredChunk{
			Chunk: &storage.ChunkRecord{
				ID:     fmt.Sprintf("c%d", i),
				NoteID: "same-note",
				Text:   strings.Repeat("x", 10),
			},
			Score: 1 - float64(i)*0.05,
		})
	}

	// With the budget mostly idle the backfill pass re-admits the
	// chunks the per-note cap skipped; only the budget bounds it.
	included, excluded, total := assembleContext(scored, 100000, IntentSearch)
	assert.Len(t, included, 8)
	assert.Empty(t, excluded)
	assert.Equal(t, 80, total)
}
