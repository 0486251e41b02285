package retrieval

import (
	"math"
	"math/bits"
	"strings"
	"time"

	"notemind/internal/storage"
	"notemind/internal/vectorindex"
)

// Candidate-source bitfield, materialized to a name set after scoring.
const (
	srcVector uint8 = 1 << iota
	srcLexical
	srcRecency
)

// BM25 shape parameters and score floors.
const (
	bm25K1           = 1.2
	bm25B            = 0.75
	uniqueIDBonus    = 3.0
	introBonusFactor = 0.3
	introWindow      = 50
	wordMatchFactor  = 0.4
	uidMissingFactor = 0.2
	minVectorScore   = 0.15
	minCombinedScore = 0.05
	sourceUnionBonus = 0.1
	positionBonusMax = 0.05
)

// Fallback weights when vector search produced no signal.
var lexicalOnlyWeights = [3]float64{0, 0.75, 0.25}

type candidate struct {
	chunk       *storage.ChunkRecord
	vectorScore float64 // ANN-reported similarity, -1 when absent
	lexMatches  int
	sources     uint8
	order       int
}

// ScoredChunk is one retrieval result with its score decomposition.
type ScoredChunk struct {
	Chunk        *storage.ChunkRecord
	Score        float64
	VectorScore  float64
	LexicalScore float64
	RecencyScore float64
	Sources      []string
}

var positionBonus = func() [10]float64 {
	var t [10]float64
	for i := range t {
		t[i] = positionBonusMax * math.Exp(-float64(i)*0.5)
	}
	return t
}()

func positionBonusFor(pos int) float64 {
	if pos < 0 || pos >= len(positionBonus) {
		return 0
	}
	return positionBonus[pos]
}

// scoreCandidates computes the weighted hybrid score for every merged
// candidate. The result preserves candidate insertion order; sorting is
// the caller's job.
func scoreCandidates(cands []*candidate, a *Analysis, queryVec []float32, now time.Time, maxAgeDays int, weights [3]float64) []ScoredChunk {
	if len(cands) == 0 {
		return nil
	}

	hasVector := false
	vecScores := make([]float64, len(cands))
	for i, c := range cands {
		v := c.vectorScore
		if len(queryVec) > 0 && c.chunk.HasEmbedding() {
			v = float64(vectorindex.CosineSimilarity(queryVec, c.chunk.Embedding))
		}
		if v < 0 {
			v = 0
		} else {
			hasVector = true
		}
		if v > 0 && v < minVectorScore {
			v = v / 2 // below-floor similarity counts at half weight
		}
		vecScores[i] = v
	}
	if !hasVector {
		weights = lexicalOnlyWeights
	}

	lexScores := lexicalScores(cands, a)

	halfLife := float64(maxAgeDays) / 3
	if halfLife <= 0 {
		halfLife = 30
	}

	scored := make([]ScoredChunk, len(cands))
	for i, c := range cands {
		ageDays := now.Sub(c.chunk.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-ageDays / halfLife)

		score := weights[0]*vecScores[i] +
			weights[1]*lexScores[i] +
			weights[2]*recency +
			positionBonusFor(c.chunk.Position) +
			sourceUnionBonus*float64(bits.OnesCount8(c.sources)-1)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}

		scored[i] = ScoredChunk{
			Chunk:        c.chunk,
			Score:        score,
			VectorScore:  vecScores[i],
			LexicalScore: lexScores[i],
			RecencyScore: recency,
			Sources:      sourceNames(c.sources),
		}
	}
	return scored
}

// lexicalScores computes a BM25-like score per candidate over the boost
// terms (keywords plus intent synonyms), min-max normalized across the
// candidate set.
func lexicalScores(cands []*candidate, a *Analysis) []float64 {
	scores := make([]float64, len(cands))
	keywords := a.BoostTerms
	uidSet := make(map[string]struct{}, len(a.UniqueIDs))
	for _, id := range a.UniqueIDs {
		uidSet[strings.ToLower(id)] = struct{}{}
	}

	regular := keywords[:0:0]
	for _, k := range keywords {
		if _, isUID := uidSet[k]; !isUID {
			regular = append(regular, k)
		}
	}
	if len(regular) == 0 && len(uidSet) == 0 {
		return scores
	}

	n := float64(len(cands))
	texts := make([]string, len(cands))
	var totalLen float64
	for i, c := range cands {
		texts[i] = strings.ToLower(c.chunk.Text)
		totalLen += float64(len(texts[i]))
	}
	avgLen := totalLen / n
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per regular keyword.
	df := make(map[string]float64, len(regular))
	for _, k := range regular {
		for _, t := range texts {
			if strings.Contains(t, k) {
				df[k]++
			}
		}
	}

	for i := range cands {
		text := texts[i]
		var score float64

		uidHits := 0
		for id := range uidSet {
			if strings.Contains(text, id) {
				uidHits++
			}
		}
		score += uniqueIDBonus * float64(uidHits)

		for _, k := range regular {
			tf := float64(strings.Count(text, k))
			if tf == 0 {
				continue
			}
			idf := math.Log((n-df[k]+0.5)/(df[k]+0.5) + 1)
			tfNorm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(len(text))/avgLen))
			score += idf * tfNorm

			if idx := strings.Index(text, k); idx >= 0 && idx < introWindow {
				score += idf * introBonusFactor
			}
			if wc := countWordMatches(text, k); wc > 0 {
				score += idf * wordMatchFactor * float64(wc)
			}
		}

		// Query names an identifier the chunk lacks: hard precision penalty.
		if len(uidSet) > 0 && uidHits == 0 {
			score *= uidMissingFactor
		}

		if kc := len(regular) + len(uidSet); kc > 0 {
			score /= float64(kc)
		}
		scores[i] = score
	}

	return minMaxNormalize(scores)
}

// countWordMatches counts occurrences of term in text bounded by
// non-word characters on both sides.
func countWordMatches(text, term string) int {
	count := 0
	for from := 0; ; {
		i := strings.Index(text[from:], term)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(term)
		leftOK := start == 0 || !isWordByte(text[start-1])
		rightOK := end == len(text) || !isWordByte(text[end])
		if leftOK && rightOK {
			count++
		}
		from = end
	}
	return count
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

func minMaxNormalize(scores []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi <= lo {
		return scores
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

func sourceNames(mask uint8) []string {
	names := make([]string, 0, 3)
	if mask&srcVector != 0 {
		names = append(names, "vector")
	}
	if mask&srcLexical != 0 {
		names = append(names, "lexical")
	}
	if mask&srcRecency != 0 {
		names = append(names, "recency")
	}
	return names
}
