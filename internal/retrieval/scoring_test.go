package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemind/internal/storage"
)

func cand(id, noteID, text string, vectorScore float64) *candidate {
	return &candidate{
		chunk:       &storage.ChunkRecord{ID: id, NoteID: noteID, Text: text, CreatedAt: time.Now().UTC()},
		vectorScore: vectorScore,
		sources:     srcRecency,
	}
}

func TestScoreCandidatesLexicalFallback(t *testing.T) {
	cands := []*candidate{
		cand("a", "n1", "the database migration finished on time", -1),
		cand("b", "n2", "grocery run and weekend errands", -1),
	}
	a := &Analysis{
		Normalized: "database migration status",
		Keywords:   []string{"database", "migration"},
		BoostTerms: []string{"database", "migration"},
	}

	// Vector weight is irrelevant without a vector signal; the lexical
	// fallback weights take over.
	scored := scoreCandidates(cands, a, nil, time.Now(), 90, [3]float64{1, 0, 0})
	require.Len(t, scored, 2)
	assert.Greater(t, scored[0].Score, scored[1].Score)
	assert.Equal(t, 1.0, scored[0].LexicalScore)
	assert.Equal(t, 0.0, scored[1].LexicalScore)
}

func TestScoreCandidatesVectorSignal(t *testing.T) {
	near := cand("a", "n1", "unrelated words entirely", -1)
	near.chunk.Embedding = []float32{1, 0}
	far := cand("b", "n2", "unrelated words entirely", -1)
	far.chunk.Embedding = []float32{0, 1}

	a := &Analysis{Normalized: "query"}
	scored := scoreCandidates([]*candidate{near, far}, a, []float32{1, 0}, time.Now(), 90, [3]float64{0.9, 0.05, 0.05})
	require.Len(t, scored, 2)
	assert.Greater(t, scored[0].Score, scored[1].Score)
	assert.InDelta(t, 1.0, scored[0].VectorScore, 1e-6)
	assert.InDelta(t, 0.0, scored[1].VectorScore, 1e-6)
}

func TestLexicalScoresUniqueIDPenalty(t *testing.T) {
	cands := []*candidate{
		cand("a", "n1", "run cite_test_002 completed with zero failures", -1),
		cand("b", "n2", "a note that talks about test runs generally", -1),
	}
	a := &Analysis{
		Normalized: "what was CITE_TEST_002",
		BoostTerms: []string{"cite_test_002"},
		UniqueIDs:  []string{"CITE_TEST_002"},
	}

	scores := lexicalScores(cands, a)
	assert.Equal(t, 1.0, scores[0])
	assert.Equal(t, 0.0, scores[1])
}

func TestMinMaxNormalize(t *testing.T) {
	got := minMaxNormalize([]float64{2, 4, 6})
	assert.Equal(t, []float64{0, 0.5, 1}, got)

	// Uniform inputs come back unchanged.
	flat := []float64{0.3, 0.3, 0.3}
	assert.Equal(t, flat, minMaxNormalize(flat))
}

func TestCountWordMatches(t *testing.T) {
	tests := []struct {
		text, term string
		want       int
	}{
		{"the database and the database again", "database", 2},
		{"databases are plural", "database", 0},
		{"database", "database", 1},
		{"a database.", "database", 1},
		{"nothing here", "database", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, countWordMatches(tt.text, tt.term), "text %q", tt.text)
	}
}

func TestPositionBonusDecays(t *testing.T) {
	assert.Equal(t, positionBonusMax, positionBonusFor(0))
	assert.Greater(t, positionBonusFor(0), positionBonusFor(1))
	assert.Greater(t, positionBonusFor(5), positionBonusFor(9))
	assert.Equal(t, 0.0, positionBonusFor(10))
	assert.Equal(t, 0.0, positionBonusFor(-1))
}

func TestSourceNames(t *testing.T) {
	assert.Equal(t, []string{"vector", "lexical", "recency"}, sourceNames(srcVector|srcLexical|srcRecency))
	assert.Equal(t, []string{"lexical"}, sourceNames(srcLexical))
	assert.Empty(t, sourceNames(0))
}
