// Package retrieval implements hybrid multi-stage retrieval: three
// concurrent candidate streams (dense vector, lexical terms, recency)
// merged by set union, re-scored with weighted features, diversified,
// and assembled into a bounded context window.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"notemind/internal/cache"
	"notemind/internal/config"
	"notemind/internal/contextutil"
	"notemind/internal/storage"
	"notemind/internal/vectorindex"
)

const (
	entityExpandedDays  = 365
	entityExpandedLimit = 500
	batchHydrationMax   = 500
	driftWarnRatio      = 0.15
	driftSampleSize     = 5
	lexicalPerTermLimit = 75
	lexicalFanout       = 8
	cacheMinQueryLen    = 5
	defaultMaxAgeDays   = 90
	contextFillTarget   = 0.9
	aggregationMinRel   = 0.10
	precisionTop        = 0.70
	precisionSpread     = 0.25
	precisionThreshold  = 0.25
)

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	GenerateQuery(ctx context.Context, text string) ([]float32, error)
}

// QueryExpander produces up to two paraphrases of a query.
type QueryExpander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// Options selects tenant and shape for one retrieval call.
type Options struct {
	TenantID      string
	TopK          int
	RerankTo      int
	ContextBudget int // 0 uses the configured budget
	MaxAgeDays    int // 0 derives the window from the query
	Keywords      []string
}

// Result is the retrieval outcome handed to answer generation. Excluded
// holds chunks that survived reranking but did not fit the context pack.
type Result struct {
	Chunks         []ScoredChunk
	Excluded       []ScoredChunk
	Strategy       string
	CandidateCount int
	RerankCount    int
	TimeMs         int64
	TotalChars     int
	Analysis       *Analysis
}

// Engine runs the retrieval pipeline. Embedder, cross-encoder, LLM
// reranker, and query expander are optional; a nil hook skips its stage.
type Engine struct {
	cfg          *config.Config
	chunks       storage.ChunkStore
	embedder     QueryEmbedder
	index        vectorindex.Index
	crossEncoder CrossEncoder
	llmReranker  Reranker
	expander     QueryExpander

	chunkCache  *cache.TTL[*storage.ChunkRecord]
	resultCache *cache.TTL[*Result]
	crossCache  *cache.TTL[[]float64]
	expandCache *cache.TTL[[]string]

	now func() time.Time
}

// NewEngine wires the required dependencies. embedder may be nil when
// embeddings are disabled; retrieval then degrades to lexical + recency.
func NewEngine(cfg *config.Config, chunks storage.ChunkStore, embedder QueryEmbedder, index vectorindex.Index) *Engine {
	return &Engine{
		cfg:         cfg,
		chunks:      chunks,
		embedder:    embedder,
		index:       index,
		chunkCache:  cache.NewChunkCache[*storage.ChunkRecord](),
		resultCache: cache.NewRetrievalCache[*Result](),
		crossCache:  cache.New[[]float64](5*time.Minute, 100),
		expandCache: cache.New[[]string](5*time.Minute, 100),
		now:         time.Now,
	}
}

// WithCrossEncoder enables the cross-encoder rerank stage.
func (e *Engine) WithCrossEncoder(ce CrossEncoder) *Engine {
	e.crossEncoder = ce
	return e
}

// WithLLMReranker enables the generator-driven rerank stage.
func (e *Engine) WithLLMReranker(r Reranker) *Engine {
	e.llmReranker = r
	return e
}

// WithQueryExpander enables lexical query expansion.
func (e *Engine) WithQueryExpander(x QueryExpander) *Engine {
	e.expander = x
	return e
}

// Stop releases the engine's background cache sweepers.
func (e *Engine) Stop() {
	e.chunkCache.Stop()
	e.resultCache.Stop()
	e.crossCache.Stop()
	e.expandCache.Stop()
}

// streams is the fan-out result: per-stream candidate lists in stage
// order, used for merge and for the recency fallback. queryVec carries
// the query embedding out of the vector stream for scoring.
type streams struct {
	vector   []*candidate
	queryVec []float32
	lexical  []*storage.ChunkRecord
	recency  []*storage.ChunkRecord
}

// Retrieve runs the full pipeline for one query.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	logger := contextutil.LoggerFromContext(ctx)
	started := e.now()

	a := Analyze(query)
	for _, k := range opts.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			a.Keywords = appendUnique(a.Keywords, k)
		}
	}
	expanded := a.HasUniqueID() || a.AllTime

	timeWindowDays := opts.MaxAgeDays
	if timeWindowDays == 0 {
		timeWindowDays = a.TimeHintDays
	}
	halfLifeWindow := timeWindowDays
	if halfLifeWindow == 0 {
		if expanded {
			halfLifeWindow = entityExpandedDays
		} else {
			halfLifeWindow = defaultMaxAgeDays
		}
	}

	cacheKey := makeCacheKey(opts.TenantID, a.Normalized, timeWindowDays)
	cacheable := len(a.Normalized) >= cacheMinQueryLen
	if cacheable {
		if cached, ok := e.resultCache.Get(cacheKey); ok {
			hit := *cached
			hit.Strategy += "_cached"
			hit.TimeMs = time.Since(started).Milliseconds()
			logger.DebugContext(ctx, "retrieval cache hit", "tenant", opts.TenantID, "strategy", hit.Strategy)
			return &hit, nil
		}
	}

	st, err := e.generateCandidates(ctx, a, opts.TenantID, expanded)
	if err != nil {
		return nil, err
	}

	merged := mergeStreams(st)
	candidateCount := len(merged)

	var strategy strings.Builder
	strategy.WriteString("multistage")
	if len(st.vector) > 0 {
		fmt.Fprintf(&strategy, "_vector(%s)", e.index.Name())
	}
	if len(st.lexical) > 0 {
		strategy.WriteString("_lexical")
	}
	if len(st.recency) > 0 {
		strategy.WriteString("_recency")
	}

	// Aggregation intents with an explicit window drop anything older
	// than the cutoff; an empty survivor set falls back to raw recency.
	recencyFallback := false
	if a.Intent.IsAggregation() && a.TimeHintDays > 0 {
		cutoff := e.now().AddDate(0, 0, -a.TimeHintDays)
		filtered := merged[:0:0]
		for _, c := range merged {
			if !c.chunk.CreatedAt.Before(cutoff) {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			merged = candidatesFromChunks(st.recency, srcRecency)
			recencyFallback = true
		} else {
			merged = filtered
			fmt.Fprintf(&strategy, "_time_filtered(%dd)", a.TimeHintDays)
		}
	}

	if len(merged) == 0 {
		result := &Result{
			Strategy: strategy.String() + "_no_candidates",
			TimeMs:   time.Since(started).Milliseconds(),
			Analysis: a,
		}
		logger.InfoContext(ctx, "retrieval empty", "tenant", opts.TenantID, "strategy", result.Strategy)
		return result, nil
	}

	weights := [3]float64{e.cfg.ScoreWeightVector, e.cfg.ScoreWeightLexical, e.cfg.ScoreWeightRecency}
	scored := scoreCandidates(merged, a, st.queryVec, e.now(), halfLifeWindow, weights)
	sortByScore(scored)
	scored = filterByScore(scored, minCombinedScore)
	scored = precisionBoost(scored)

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	rerankTo := opts.RerankTo
	if rerankTo <= 0 {
		rerankTo = topK
	}

	if e.cfg.RetrievalMMREnabled && len(scored) > 1 {
		scored = mmrSelect(scored, max(topK, rerankTo)*2, e.cfg.RetrievalMMRLambda)
		strategy.WriteString("_mmr")
	}
	if applyUIDBoost(scored, a.UniqueIDs) {
		strategy.WriteString("_uidboost")
	}
	if reordered := coverageRerank(scored, a.Keywords, rerankTo); len(reordered) == len(scored) {
		scored = reordered
	}
	if e.cfg.CrossEncoderEnabled && e.crossEncoder != nil && len(scored) > 1 {
		scored = e.applyCrossEncoder(ctx, a.Normalized, scored)
		strategy.WriteString("_crossenc")
	}
	if e.llmReranker != nil && len(scored) > 1 {
		scored = e.applyLLMRerank(ctx, a.Normalized, scored)
		strategy.WriteString("_llmrerank")
	}
	if deduped := dedupByText(scored); len(deduped) < len(scored) {
		scored = deduped
		strategy.WriteString("_dedup")
	}
	if !a.Intent.IsAggregation() {
		scored = truncateAtScoreGap(scored)
	}

	minRel := e.cfg.RetrievalMinRelevance
	if a.Intent.IsAggregation() && minRel > aggregationMinRel {
		minRel = aggregationMinRel
	}
	scored = filterByScore(scored, minRel)
	if len(scored) > rerankTo {
		scored = scored[:rerankTo]
	}
	rerankCount := len(scored)

	budget := opts.ContextBudget
	if budget <= 0 {
		budget = e.cfg.ContextBudget()
	}
	scored, excluded, totalChars := assembleContext(scored, budget, a.Intent)

	if recencyFallback {
		strategy.WriteString("_recency_fallback")
	}
	if len(scored) == 0 {
		strategy.WriteString("_no_candidates")
	}

	result := &Result{
		Chunks:         scored,
		Excluded:       excluded,
		Strategy:       strategy.String(),
		CandidateCount: candidateCount,
		RerankCount:    rerankCount,
		TimeMs:         time.Since(started).Milliseconds(),
		TotalChars:     totalChars,
		Analysis:       a,
	}

	logger.InfoContext(ctx, "retrieval completed",
		"tenant", opts.TenantID,
		"intent", string(a.Intent),
		"vector_candidates", len(st.vector),
		"lexical_candidates", len(st.lexical),
		"recency_candidates", len(st.recency),
		"merged", candidateCount,
		"returned", len(scored),
		"strategy", result.Strategy,
		"elapsed_ms", result.TimeMs,
	)

	// Empty results stay uncached so a note indexed moments later is
	// visible on the next ask instead of after the cache TTL.
	if cacheable && len(scored) > 0 {
		e.resultCache.Set(cacheKey, result)
	}
	return result, nil
}

// generateCandidates launches the three candidate streams concurrently.
// Vector-side failures degrade; document-store failures are fatal.
func (e *Engine) generateCandidates(ctx context.Context, a *Analysis, tenantID string, expanded bool) (*streams, error) {
	st := &streams{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		st.vector, st.queryVec, err = e.vectorStream(gctx, a, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		st.lexical, err = e.lexicalStream(gctx, a, tenantID, expanded)
		return err
	})
	g.Go(func() error {
		var err error
		st.recency, err = e.chunks.ListRecent(gctx, tenantID, e.cfg.RetrievalRecencyTopK)
		if err != nil {
			return fmt.Errorf("recency stream failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}

// vectorStream embeds the query, searches the index, and hydrates the
// hits from the document store preserving the index rank. Embedder and
// index failures log and return nothing.
func (e *Engine) vectorStream(ctx context.Context, a *Analysis, tenantID string) ([]*candidate, []float32, error) {
	if e.embedder == nil || !e.index.Configured() {
		return nil, nil, nil
	}
	logger := contextutil.LoggerFromContext(ctx)

	vec, err := e.embedder.GenerateQuery(ctx, a.Normalized)
	if err != nil {
		logger.WarnContext(ctx, "query embedding failed; vector stream skipped", "error", err)
		return nil, nil, nil
	}

	hits, err := e.index.Search(ctx, vec, tenantID, e.cfg.RetrievalVectorTopK)
	if err != nil {
		logger.WarnContext(ctx, "vector search failed; vector stream skipped", "index", e.index.Name(), "error", err)
		return nil, vec, nil
	}
	if len(hits) > batchHydrationMax {
		hits = hits[:batchHydrationMax]
	}
	cands, err := e.hydrate(ctx, hits)
	return cands, vec, err
}

// hydrate resolves vector hits to chunk records via the chunk cache and
// a batch store read, detecting orphan index datapoints along the way.
func (e *Engine) hydrate(ctx context.Context, hits []vectorindex.Result) ([]*candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	logger := contextutil.LoggerFromContext(ctx)

	records := make(map[string]*storage.ChunkRecord, len(hits))
	var missing []string
	for _, h := range hits {
		if c, ok := e.chunkCache.Get(h.ChunkID); ok {
			records[h.ChunkID] = c
		} else {
			missing = append(missing, h.ChunkID)
		}
	}
	if len(missing) > 0 {
		fetched, err := e.chunks.GetByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("chunk hydration failed: %w", err)
		}
		e.chunkCache.SetMany(fetched)
		for id, c := range fetched {
			records[id] = c
		}
	}

	out := make([]*candidate, 0, len(hits))
	var orphans []string
	for _, h := range hits {
		c, ok := records[h.ChunkID]
		if !ok {
			orphans = append(orphans, h.ChunkID+":"+h.NoteID)
			continue
		}
		out = append(out, &candidate{chunk: c, vectorScore: float64(h.Score), sources: srcVector})
	}

	if ratio := float64(len(orphans)) / float64(len(hits)); ratio > driftWarnRatio {
		sample := orphans
		if len(sample) > driftSampleSize {
			sample = sample[:driftSampleSize]
		}
		logger.WarnContext(ctx, "vector index drift detected",
			"driftDetected", true,
			"requested", len(hits),
			"missing", len(orphans),
			"missingRatio", 100 * float64(len(orphans)) / float64(len(hits)),
			"sample", sample,
		)
	}
	return out, nil
}

// lexicalStream selects the rarest query terms and fans out per-term
// store queries, ranking the union by term-match count.
func (e *Engine) lexicalStream(ctx context.Context, a *Analysis, tenantID string, expandedWindow bool) ([]*storage.ChunkRecord, error) {
	terms := e.selectTerms(ctx, a)
	if len(terms) == 0 {
		return nil, nil
	}

	totalCap := e.cfg.RetrievalLexicalTopK
	if expandedWindow && totalCap < entityExpandedLimit {
		totalCap = entityExpandedLimit
	}

	if len(terms) == 1 {
		return e.chunks.ListByAnyTerm(ctx, tenantID, terms, totalCap)
	}

	perTerm := make([][]*storage.ChunkRecord, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lexicalFanout)
	for i, term := range terms {
		g.Go(func() error {
			rows, err := e.chunks.ListByTerm(gctx, tenantID, term, lexicalPerTermLimit)
			if err != nil {
				return fmt.Errorf("lexical stream failed for term %q: %w", term, err)
			}
			perTerm[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type hit struct {
		chunk   *storage.ChunkRecord
		matches int
		order   int
	}
	union := make(map[string]*hit)
	order := 0
	for _, rows := range perTerm {
		for _, c := range rows {
			if h, ok := union[c.ID]; ok {
				h.matches++
			} else {
				union[c.ID] = &hit{chunk: c, matches: 1, order: order}
				order++
			}
		}
	}
	hits := make([]*hit, 0, len(union))
	for _, h := range union {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].matches != hits[j].matches {
			return hits[i].matches > hits[j].matches
		}
		return hits[i].order < hits[j].order
	})
	if len(hits) > totalCap {
		hits = hits[:totalCap]
	}

	out := make([]*storage.ChunkRecord, len(hits))
	for i, h := range hits {
		out[i] = h.chunk
	}
	return out, nil
}

// selectTerms ranks extractable terms by a rarity heuristic and keeps
// the best few. The pool is the boost-term union so intent synonyms
// participate in lexical recall. Identifier-shaped tokens always make
// the cut.
func (e *Engine) selectTerms(ctx context.Context, a *Analysis) []string {
	terms := make([]string, 0, len(a.BoostTerms)+len(a.UniqueIDs))
	for _, id := range a.UniqueIDs {
		terms = appendUnique(terms, strings.ToLower(id))
	}

	type ranked struct {
		term  string
		score int
	}
	rest := make([]ranked, 0, len(a.BoostTerms))
	for _, k := range a.BoostTerms {
		if containsFold(terms, k) {
			continue
		}
		score := len(k)
		if strings.ContainsAny(k, "0123456789_") {
			score += 6
		}
		if strings.Contains(a.Normalized, strings.ToUpper(k[:1])+k[1:]) {
			score += 2
		}
		rest = append(rest, ranked{term: k, score: score})
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })

	maxTerms := e.cfg.RetrievalLexicalMaxTerms
	for _, r := range rest {
		if len(terms) >= maxTerms {
			break
		}
		terms = append(terms, r.term)
	}

	if e.cfg.QueryExpansionEnabled && e.expander != nil {
		terms = e.expandTerms(ctx, a.Normalized, terms, maxTerms)
	}
	return terms
}

// expandTerms unions paraphrase terms into the selected set, caching the
// paraphrases per normalized query. Expansion failure keeps the originals.
func (e *Engine) expandTerms(ctx context.Context, normalized string, terms []string, maxTerms int) []string {
	paraphrases, ok := e.expandCache.Get(normalized)
	if !ok {
		var err error
		paraphrases, err = e.expander.Expand(ctx, normalized)
		if err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "query expansion failed", "error", err)
			return terms
		}
		if len(paraphrases) > 2 {
			paraphrases = paraphrases[:2]
		}
		e.expandCache.Set(normalized, paraphrases)
	}
	for _, p := range paraphrases {
		for _, t := range Analyze(p).Keywords {
			if len(terms) >= maxTerms {
				return terms
			}
			terms = appendUnique(terms, t)
		}
	}
	return terms
}

// mergeStreams deduplicates by chunk ID, vector first so its rank and
// score survive, tracking source membership in a bitfield.
func mergeStreams(st *streams) []*candidate {
	byID := make(map[string]*candidate)
	var merged []*candidate

	add := func(c *storage.ChunkRecord, src uint8, vectorScore float64) {
		if existing, ok := byID[c.ID]; ok {
			existing.sources |= src
			return
		}
		cand := &candidate{chunk: c, vectorScore: vectorScore, sources: src, order: len(merged)}
		byID[c.ID] = cand
		merged = append(merged, cand)
	}

	for _, c := range st.vector {
		add(c.chunk, srcVector, c.vectorScore)
	}
	for _, c := range st.lexical {
		add(c, srcLexical, -1)
	}
	for _, c := range st.recency {
		add(c, srcRecency, -1)
	}
	return merged
}

func candidatesFromChunks(chunks []*storage.ChunkRecord, src uint8) []*candidate {
	out := make([]*candidate, len(chunks))
	for i, c := range chunks {
		out[i] = &candidate{chunk: c, vectorScore: -1, sources: src, order: i}
	}
	return out
}

// assembleContext packs scored chunks into the character budget with a
// per-note cap. When the budget is under 90% used the skipped chunks are
// backfilled by score, bounded by the budget alone; the cap applies to
// the first pass only. The second return value lists what stayed out.
func assembleContext(scored []ScoredChunk, budget int, intent Intent) ([]ScoredChunk, []ScoredChunk, int) {
	perNoteCap := 6
	if intent.IsAggregation() {
		perNoteCap = 3
	}

	included := make([]ScoredChunk, 0, len(scored))
	var skipped []ScoredChunk
	noteCounts := make(map[string]int)
	totalChars := 0

	for _, c := range scored {
		if totalChars+len(c.Chunk.Text) <= budget && noteCounts[c.Chunk.NoteID] < perNoteCap {
			included = append(included, c)
			noteCounts[c.Chunk.NoteID]++
			totalChars += len(c.Chunk.Text)
		} else {
			skipped = append(skipped, c)
		}
	}

	if float64(totalChars) < contextFillTarget*float64(budget) {
		remaining := skipped[:0:0]
		for _, c := range skipped {
			if totalChars+len(c.Chunk.Text) <= budget {
				included = append(included, c)
				totalChars += len(c.Chunk.Text)
			} else {
				remaining = append(remaining, c)
			}
		}
		skipped = remaining
	}

	sortByScore(included)
	return included, skipped, totalChars
}

func filterByScore(scored []ScoredChunk, min float64) []ScoredChunk {
	out := scored[:0:0]
	for _, c := range scored {
		if c.Score >= min {
			out = append(out, c)
		}
	}
	return out
}

// precisionBoost raises the score floor when the top results clearly
// separate from the field.
func precisionBoost(scored []ScoredChunk) []ScoredChunk {
	if len(scored) < 5 {
		return scored
	}
	if scored[0].Score >= precisionTop && scored[0].Score-scored[4].Score >= precisionSpread {
		return filterByScore(scored, precisionThreshold)
	}
	return scored
}

// makeCacheKey is case-insensitive and whitespace-collapsed through
// query normalization, and varies with tenant and time window.
func makeCacheKey(tenantID, normalizedQuery string, timeWindowDays int) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, strings.ToLower(normalizedQuery), timeWindowDays)
}

func appendUnique(list []string, v string) []string {
	if containsFold(list, v) {
		return list
	}
	return append(list, v)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
