package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"notemind/internal/contextutil"
	"notemind/internal/storage"
)

// scanWarnThreshold is the corpus size above which the fallback warns that
// an external ANN index should be configured.
const scanWarnThreshold = 1000

// ScanIndex is the fallback variant: a brute-force cosine scan over the
// most recent embedded chunks in the document store. Upsert and Remove are
// no-ops because the vectors already live on the chunk rows.
type ScanIndex struct {
	chunks  storage.ChunkStore
	scanMax int

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewScanIndex creates the full-scan fallback over the chunk store.
func NewScanIndex(chunks storage.ChunkStore, scanMax int) *ScanIndex {
	if scanMax <= 0 {
		scanMax = 2000
	}
	return &ScanIndex{
		chunks:  chunks,
		scanMax: scanMax,
		warned:  make(map[string]struct{}),
	}
}

// Name identifies the variant.
func (s *ScanIndex) Name() string { return "fallback_scan" }

// Configured always holds; the fallback needs only the document store.
func (s *ScanIndex) Configured() bool { return true }

// Upsert is a no-op: chunk rows already carry their embeddings.
func (s *ScanIndex) Upsert(ctx context.Context, points []Datapoint) error { return nil }

// Remove is a no-op: chunk deletion removes the vectors.
func (s *ScanIndex) Remove(ctx context.Context, ids []string) error { return nil }

// Search scans up to scanMax recent embedded chunks and returns the top k
// by cosine similarity, score descending.
func (s *ScanIndex) Search(ctx context.Context, vector []float32, tenantID string, k int) ([]Result, error) {
	logger := contextutil.LoggerFromContext(ctx)
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}

	chunks, err := s.chunks.ListEmbedded(ctx, tenantID, s.scanMax)
	if err != nil {
		return nil, fmt.Errorf("fallback scan failed: %w", err)
	}
	s.warnIfLarge(ctx, tenantID, len(chunks))

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		score := CosineSimilarity(vector, c.Embedding)
		if score < 0 {
			score = 0
		}
		results = append(results, Result{
			ChunkID: c.ID,
			NoteID:  c.NoteID,
			Score:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	logger.DebugContext(ctx, "fallback scan completed", "tenant", tenantID, "scanned", len(chunks), "returned", len(results))
	return results, nil
}

// warnIfLarge logs once per tenant when the scanned corpus approaches the
// scan cap.
func (s *ScanIndex) warnIfLarge(ctx context.Context, tenantID string, n int) {
	if n < scanWarnThreshold {
		return
	}
	s.mu.Lock()
	_, seen := s.warned[tenantID]
	if !seen {
		s.warned[tenantID] = struct{}{}
	}
	s.mu.Unlock()
	if !seen {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "large corpus on fallback vector scan; configure an ANN index",
			"tenant", tenantID, "chunks_scanned", n, "scan_limit", s.scanMax)
	}
}
