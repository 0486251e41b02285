package answer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notemind/internal/retrieval"
	"notemind/internal/storage"
)

func testPack(texts ...string) *SourcePack {
	chunks := make([]retrieval.ScoredChunk, len(texts))
	for i, text := range texts {
		chunks[i] = retrieval.ScoredChunk{
			Chunk: &storage.ChunkRecord{
				ID:        "c" + string(rune('1'+i)),
				NoteID:    "n" + string(rune('1'+i)),
				Text:      text,
				CreatedAt: time.Now().UTC().Add(-time.Duration(i) * time.Hour),
			},
			Score: 0.9 - float64(i)*0.1,
		}
	}
	return BuildSourcesPack(chunks, 200)
}

func TestValidateCitations(t *testing.T) {
	pack := testPack("alpha", "beta", "gamma")

	v := ValidateCitations("First [N1], also [2], bogus [N9], again [N1].", pack)
	assert.Equal(t, []string{"N1", "N2"}, v.Cited)
	assert.Equal(t, []string{"N9"}, v.Invalid)
	assert.InDelta(t, 2.0/3.0, v.Coverage, 1e-9)
}

func TestValidateCitationsEmptyPack(t *testing.T) {
	pack := testPack()
	v := ValidateCitations("Nothing to cite [N1].", pack)
	assert.Empty(t, v.Cited)
	assert.Equal(t, []string{"N1"}, v.Invalid)
	assert.Equal(t, 0.0, v.Coverage)
}

func TestStripInvalidTokens(t *testing.T) {
	pack := testPack("alpha", "beta")
	got := StripInvalidTokens("Keep [N1] drop [N7] keep [N2].", pack)
	assert.Equal(t, "Keep [N1] drop  keep [N2].", got)
}

func TestNormalizeTokens(t *testing.T) {
	assert.Equal(t, "See [1] and [2].", NormalizeTokens("See [N1] and [2]."))
}

func TestOrderedCitations(t *testing.T) {
	pack := testPack("alpha", "beta", "gamma")
	got := OrderedCitations("Later fact [N3], earlier fact [N1].", pack)
	require.Len(t, got, 2)
	assert.Equal(t, "N3", got[0].CID)
	assert.Equal(t, "N1", got[1].CID)
	assert.Equal(t, "c3", got[0].ChunkID)
}

func TestBuildSourcesPackTokens(t *testing.T) {
	pack := testPack("alpha", "beta")
	require.Len(t, pack.Sources, 2)
	assert.Equal(t, "N1", pack.Sources[0].Token)
	assert.Equal(t, "N2", pack.Sources[1].Token)
	assert.Contains(t, pack.Citations, "N2")
	assert.Equal(t, 0.9, pack.Citations["N1"].Score)
}

func TestExtractBestSnippet(t *testing.T) {
	short := "Fits as is."
	assert.Equal(t, short, ExtractBestSnippet(short, 50))

	two := "First sentence here. Second sentence that runs a bit longer than the first."
	got := ExtractBestSnippet(two, 30)
	assert.Equal(t, "First sentence here.", got)

	unbroken := strings.Repeat("word ", 40)
	got = ExtractBestSnippet(unbroken, 60)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len(got), 64)
}

func TestAnchorClaimsFlagsUnsupported(t *testing.T) {
	pack := testPack(
		"alpha beta gamma delta",
		"the project deadline moved to friday",
	)

	flags := AnchorClaims("The project deadline moved to friday [N1].", pack, 0.15)
	require.Len(t, flags, 1)
	assert.Equal(t, "N1", flags[0].Token)
	assert.Equal(t, "N2", flags[0].Suggested)
	assert.Less(t, flags[0].Overlap, 0.5*semanticMatchThreshold)
}

func TestAnchorClaimsModerateOverlapStillFlagged(t *testing.T) {
	pack := testPack("quarterly budget numbers reviewed during the planning meeting")

	// One shared term puts the overlap well under half the semantic
	// match level; the flag must not depend on the suggestion floor.
	flags := AnchorClaims("The budget covers travel and hardware [N1].", pack, 0.15)
	require.Len(t, flags, 1)
	assert.Equal(t, "N1", flags[0].Token)
	assert.Greater(t, flags[0].Overlap, 0.0)
	assert.Less(t, flags[0].Overlap, 0.5*semanticMatchThreshold)
}

func TestAnchorClaimsSkipsNonFactual(t *testing.T) {
	pack := testPack("alpha beta gamma delta")

	flags := AnchorClaims("I think the deadline moved to friday [N1].", pack, 0.15)
	assert.Empty(t, flags)
}

func TestAnchorClaimsAcceptsSupported(t *testing.T) {
	pack := testPack("the deadline moved to friday after the review")

	flags := AnchorClaims("The deadline moved to friday [N1].", pack, 0.15)
	assert.Empty(t, flags)
}

func TestDeriveFollowups(t *testing.T) {
	got := DeriveFollowups("what did we decide", retrieval.IntentDecision, nil)
	require.GreaterOrEqual(t, len(got), 2)
	assert.LessOrEqual(t, len(got), maxFollowups)
	assert.Contains(t, got, "What alternatives were considered?")

	stale := []Citation{{CID: "N1", CreatedAt: time.Now().Add(-90 * 24 * time.Hour)}}
	got = DeriveFollowups("old topic", retrieval.IntentQuestion, stale)
	assert.Contains(t, got, "Are there more recent notes on this?")
}
