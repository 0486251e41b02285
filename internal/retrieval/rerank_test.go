package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemind/internal/storage"
)

func sc(id, noteID, text string, score float64) ScoredChunk {
	return ScoredChunk{
		Chunk: &storage.ChunkRecord{ID: id, NoteID: noteID, Text: text},
		Score: score,
	}
}

func ids(scored []ScoredChunk) []string {
	out := make([]string, len(scored))
	for i, c := range scored {
		out[i] = c.Chunk.ID
	}
	return out
}

func TestMMRSelectPenalizesSameNote(t *testing.T) {
	scored := []ScoredChunk{
		sc("a", "n1", "alpha topic one discussion", 0.9),
		sc("b", "n1", "completely different words here", 0.85),
		sc("c", "n2", "another subject entirely separate", 0.8),
	}

	got := mmrSelect(scored, 2, 0.65)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestMMRSelectDiscardsTextDuplicates(t *testing.T) {
	scored := []ScoredChunk{
		sc("a", "n1", "alpha beta gamma delta", 0.9),
		sc("dup", "n3", "alpha beta gamma delta", 0.88),
		sc("c", "n2", "other words kept apart", 0.8),
	}

	got := mmrSelect(scored, 3, 0.65)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestApplyUIDBoost(t *testing.T) {
	scored := []ScoredChunk{
		sc("a", "n1", "general roadmap discussion", 0.6),
		sc("b", "n2", "run CITE_TEST_002 finished clean", 0.5),
	}

	boosted := applyUIDBoost(scored, []string{"CITE_TEST_002"})
	assert.True(t, boosted)
	assert.Equal(t, []string{"b", "a"}, ids(scored))
	assert.InDelta(t, 0.75, scored[0].Score, 1e-9)

	assert.False(t, applyUIDBoost(scored, nil))
}

func TestCoverageRerank(t *testing.T) {
	scored := []ScoredChunk{
		sc("a", "n1", "budget numbers for quarter one", 0.9),
		sc("b", "n2", "budget follow up meeting", 0.8),
		sc("c", "n3", "deadline moved to friday", 0.7),
	}

	got := coverageRerank(scored, []string{"budget", "deadline"}, 2)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "c", "b"}, ids(got))

	// Nothing to do when everything already fits.
	same := coverageRerank(scored, []string{"budget", "deadline"}, 5)
	assert.Equal(t, ids(scored), ids(same))
}

func TestParsePermutation(t *testing.T) {
	tests := []struct {
		name string
		resp string
		n    int
		want []int
	}{
		{"full ordering", "3, 1, 2", 3, []int{2, 0, 1}},
		{"partial fills remainder", "2", 3, []int{1, 0, 2}},
		{"no numbers is identity", "most relevant first", 3, []int{0, 1, 2}},
		{"out of range skipped", "9, 2", 3, []int{1, 0, 2}},
		{"duplicates skipped", "1, 1, 2", 3, []int{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePermutation(tt.resp, tt.n))
		})
	}
}

func TestDedupByText(t *testing.T) {
	scored := []ScoredChunk{
		sc("a", "n1", "meeting notes about the launch", 0.9),
		sc("b", "n2", "meeting notes about the launch", 0.8),
		sc("c", "n3", "unrelated grocery shopping list", 0.7),
	}

	got := dedupByText(scored)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestTruncateAtScoreGap(t *testing.T) {
	cliff := []ScoredChunk{
		sc("a", "n1", "t", 0.9),
		sc("b", "n2", "t", 0.85),
		sc("c", "n3", "t", 0.8),
		sc("d", "n4", "t", 0.4),
		sc("e", "n5", "t", 0.3),
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(truncateAtScoreGap(cliff)))

	// A weak head keeps the full tail.
	weak := []ScoredChunk{
		sc("a", "n1", "t", 0.5),
		sc("b", "n2", "t", 0.45),
		sc("c", "n3", "t", 0.4),
		sc("d", "n4", "t", 0.02),
	}
	assert.Len(t, truncateAtScoreGap(weak), 4)

	short := cliff[:3]
	assert.Len(t, truncateAtScoreGap(short), 3)
}

func TestTextJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, textJaccard("alpha beta gamma", "alpha beta gamma"), 1e-9)
	assert.InDelta(t, 0.0, textJaccard("alpha beta gamma", "delta epsilon zeta"), 1e-9)
	assert.Greater(t, textJaccard("alpha beta gamma delta", "alpha beta gamma other"), 0.5)
	assert.Equal(t, 0.0, textJaccard("", "alpha beta"))
}
