// Package answer turns retrieval results into grounded, cited answers:
// it builds the source pack, assembles prompts, calls the generative
// model, and validates that every citation token resolves to a source.
package answer

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"notemind/internal/retrieval"
	"notemind/internal/storage"
)

// Citation is the client-facing record behind one citation token.
type Citation struct {
	CID       string    `json:"cid"`
	NoteID    string    `json:"noteId"`
	ChunkID   string    `json:"chunkId"`
	CreatedAt time.Time `json:"createdAt"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
}

// Source pairs a citation token with its full chunk for prompt assembly.
type Source struct {
	Token string
	Chunk *storage.ChunkRecord
	Score float64
}

// SourcePack maps citation tokens one-to-one onto retrieval results.
// Its size always equals the final chunk count, so the largest legal
// token is N<len(Sources)>.
type SourcePack struct {
	Sources   []Source
	Citations map[string]Citation
}

// Token returns the citation token for a zero-based source index.
func Token(i int) string { return fmt.Sprintf("N%d", i+1) }

// BuildSourcesPack assigns tokens N1..Nk in retrieval order. No
// filtering happens here.
func BuildSourcesPack(chunks []retrieval.ScoredChunk, snippetMax int) *SourcePack {
	pack := &SourcePack{
		Sources:   make([]Source, 0, len(chunks)),
		Citations: make(map[string]Citation, len(chunks)),
	}
	for i, sc := range chunks {
		token := Token(i)
		pack.Sources = append(pack.Sources, Source{
			Token: token,
			Chunk: sc.Chunk,
			Score: sc.Score,
		})
		pack.Citations[token] = Citation{
			CID:       token,
			NoteID:    sc.Chunk.NoteID,
			ChunkID:   sc.Chunk.ID,
			CreatedAt: sc.Chunk.CreatedAt,
			Snippet:   ExtractBestSnippet(sc.Chunk.Text, snippetMax),
			Score:     math.Round(sc.Score*100) / 100,
		}
	}
	return pack
}

var snippetSentenceRe = regexp.MustCompile(`[.!?]\s+`)

// ExtractBestSnippet returns the text verbatim when it fits, else whole
// sentences up to the limit, else a word-boundary truncation with an
// ellipsis.
func ExtractBestSnippet(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range snippetSentenceRe.FindAllStringIndex(text, -1) {
		sentence := text[last:m[1]]
		if b.Len()+len(sentence) > maxLen {
			break
		}
		b.WriteString(sentence)
		last = m[1]
	}
	if b.Len() > 0 {
		return strings.TrimSpace(b.String())
	}

	// No sentence fits: cut at the last word boundary past 70% of the
	// budget.
	cut := maxLen
	floor := int(0.7 * float64(maxLen))
	if i := strings.LastIndex(text[:maxLen], " "); i > floor {
		cut = i
	}
	return strings.TrimSpace(text[:cut]) + "…"
}
