package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"notemind/internal/contextutil"
	"notemind/internal/vectorindex"
)

const (
	mmrSameNoteSim    = 0.8
	mmrJaccardDup     = 0.85
	mmrEmbedFactor    = 0.6
	mmrCosineDup      = 0.92
	uidBoostPerMatch  = 0.5
	crossEncoderTopN  = 25
	crossEncoderBlend = 0.7
	llmRerankTopN     = 20
	scoreGapTop       = 0.60
	scoreGapThreshold = 0.35
)

// CrossEncoder scores query/text pairs with an auxiliary model. One
// float per input text, higher is more relevant.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Reranker asks the generator for a preferred ordering of numbered
// passages and returns its free-form response.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) (string, error)
}

// mmrSelect greedily picks up to topK chunks balancing relevance against
// similarity to the already-selected set. Near-duplicates detected along
// the way are dropped from the pool entirely.
func mmrSelect(scored []ScoredChunk, topK int, lambda float64) []ScoredChunk {
	if len(scored) <= 1 || topK <= 0 {
		return scored
	}

	pool := make([]ScoredChunk, len(scored))
	copy(pool, scored)
	selected := make([]ScoredChunk, 0, topK)

	for len(selected) < topK && len(pool) > 0 {
		bestIdx := -1
		bestVal := 0.0
		i := 0
		for i < len(pool) {
			sim, dup := maxSimToSelected(pool[i], selected)
			if dup {
				pool = append(pool[:i], pool[i+1:]...)
				continue
			}
			val := lambda*pool[i].Score - (1-lambda)*sim
			if bestIdx == -1 || val > bestVal {
				bestIdx = i
				bestVal = val
			}
			i++
		}
		if bestIdx == -1 {
			break
		}
		selected = append(selected, pool[bestIdx])
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	return selected
}

// maxSimToSelected approximates the candidate's similarity to the
// selected set. dup marks semantic or textual near-duplicates.
func maxSimToSelected(c ScoredChunk, selected []ScoredChunk) (sim float64, dup bool) {
	for _, s := range selected {
		if c.Chunk.NoteID == s.Chunk.NoteID {
			if mmrSameNoteSim > sim {
				sim = mmrSameNoteSim
			}
			continue
		}
		if textJaccard(c.Chunk.Text, s.Chunk.Text) > mmrJaccardDup {
			return 0, true
		}
		if c.Chunk.HasEmbedding() && s.Chunk.HasEmbedding() {
			cos := float64(vectorindex.CosineSimilarity(c.Chunk.Embedding, s.Chunk.Embedding))
			if cos >= mmrCosineDup {
				return 0, true
			}
			if v := mmrEmbedFactor * cos; v > sim {
				sim = v
			}
		}
	}
	return sim, false
}

// applyUIDBoost multiplies scores of chunks containing query identifiers
// and re-sorts. Returns whether any chunk was boosted.
func applyUIDBoost(scored []ScoredChunk, uniqueIDs []string) bool {
	if len(uniqueIDs) == 0 {
		return false
	}
	boosted := false
	for i := range scored {
		text := strings.ToLower(scored[i].Chunk.Text)
		matches := 0
		for _, id := range uniqueIDs {
			if strings.Contains(text, strings.ToLower(id)) {
				matches++
			}
		}
		if matches > 0 {
			scored[i].Score *= 1 + uidBoostPerMatch*float64(matches)
			boosted = true
		}
	}
	if boosted {
		sortByScore(scored)
	}
	return boosted
}

// coverageRerank front-loads one chunk per still-uncovered keyword, then
// fills the remainder by score. Applied only when the candidate list is
// longer than the slots it must fit.
func coverageRerank(scored []ScoredChunk, keywords []string, rerankTo int) []ScoredChunk {
	if len(scored) <= rerankTo || len(keywords) <= 1 {
		return scored
	}

	picked := make([]bool, len(scored))
	out := make([]ScoredChunk, 0, len(scored))

	for _, kw := range keywords {
		covered := false
		for j := range out {
			if strings.Contains(strings.ToLower(out[j].Chunk.Text), kw) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		for i := range scored {
			if picked[i] {
				continue
			}
			if strings.Contains(strings.ToLower(scored[i].Chunk.Text), kw) {
				picked[i] = true
				out = append(out, scored[i])
				break
			}
		}
	}
	for i := range scored {
		if !picked[i] {
			out = append(out, scored[i])
		}
	}
	return out
}

// applyCrossEncoder blends auxiliary-scorer scores into the top chunks.
// Failure leaves the ordering untouched.
func (e *Engine) applyCrossEncoder(ctx context.Context, query string, scored []ScoredChunk) []ScoredChunk {
	n := len(scored)
	if n > crossEncoderTopN {
		n = crossEncoderTopN
	}
	head := scored[:n]

	key := crossEncoderKey(query, head)
	cross, ok := e.crossCache.Get(key)
	if !ok {
		texts := make([]string, n)
		for i := range head {
			texts[i] = head[i].Chunk.Text
		}
		var err error
		cross, err = e.crossEncoder.Score(ctx, query, texts)
		if err != nil || len(cross) != n {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "cross-encoder rerank skipped", "error", err)
			return scored
		}
		e.crossCache.Set(key, cross)
	}

	for i := range head {
		head[i].Score = crossEncoderBlend*cross[i] + (1-crossEncoderBlend)*head[i].Score
	}
	sortByScore(head)
	return scored
}

func crossEncoderKey(query string, scored []ScoredChunk) string {
	ids := make([]string, len(scored))
	for i := range scored {
		ids[i] = scored[i].Chunk.ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(query + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:8])
}

// applyLLMRerank asks the generator for an ordering of the top chunks
// and applies the parsed permutation. Failure leaves the order untouched.
func (e *Engine) applyLLMRerank(ctx context.Context, query string, scored []ScoredChunk) []ScoredChunk {
	n := len(scored)
	if n > llmRerankTopN {
		n = llmRerankTopN
	}
	if n < 2 {
		return scored
	}
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = scored[i].Chunk.Text
	}
	resp, err := e.llmReranker.Rerank(ctx, query, texts)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "llm rerank skipped", "error", err)
		return scored
	}
	perm := parsePermutation(resp, n)

	head := make([]ScoredChunk, 0, n)
	for _, idx := range perm {
		head = append(head, scored[idx])
	}
	copy(scored[:n], head)
	return scored
}

var intRe = regexp.MustCompile(`\d+`)

// parsePermutation reads the first n distinct in-range 1-based integers
// from the response, then fills absent indices in original order.
func parsePermutation(response string, n int) []int {
	perm := make([]int, 0, n)
	seen := make(map[int]struct{}, n)
	for _, m := range intRe.FindAllString(response, -1) {
		v, err := strconv.Atoi(m)
		if err != nil || v < 1 || v > n {
			continue
		}
		idx := v - 1
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		perm = append(perm, idx)
		if len(perm) == n {
			break
		}
	}
	for i := 0; i < n; i++ {
		if _, ok := seen[i]; !ok {
			perm = append(perm, i)
		}
	}
	return perm
}

// dedupByText drops later chunks whose word-set Jaccard against an
// earlier chunk exceeds the duplicate threshold. Rerankers can reorder
// near-duplicates back together, so this runs after them.
func dedupByText(scored []ScoredChunk) []ScoredChunk {
	out := scored[:0:0]
	for _, c := range scored {
		dup := false
		for _, kept := range out {
			if textJaccard(c.Chunk.Text, kept.Chunk.Text) > mmrJaccardDup {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// truncateAtScoreGap cuts the tail after a steep score cliff. Skipped
// for aggregation intents, which want breadth.
func truncateAtScoreGap(scored []ScoredChunk) []ScoredChunk {
	if len(scored) < 4 || scored[0].Score < scoreGapTop {
		return scored
	}
	for i := 2; i < len(scored)-1; i++ {
		if scored[i].Score-scored[i+1].Score > scoreGapThreshold {
			return scored[:i+1]
		}
	}
	return scored
}

func sortByScore(scored []ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
}

var wordSplitRe = regexp.MustCompile(`[^a-z0-9]+`)

// textJaccard computes set overlap over lowercased words longer than two
// characters.
func textJaccard(a, b string) float64 {
	sa := wordSet(a)
	sb := wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordSplitRe.Split(strings.ToLower(text), -1) {
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}
