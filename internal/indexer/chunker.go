package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// TermsVersion tags extracted term lists so a future change to the
// extraction algorithm invalidates stored terms.
const TermsVersion = 2

const (
	anchorLen        = 50
	offsetProbeLen   = 100
	boundarySlack    = 100
	contextWindowLen = 100
)

// TextChunk is one fragment of a note with its span in the normalized text.
// Text is always exactly the normalized source sliced at the offsets.
type TextChunk struct {
	Text        string
	StartOffset int
	EndOffset   int
	Anchor      string
}

// Chunker splits note text into overlapping chunks bounded by size limits.
type Chunker struct {
	targetSize int
	minSize    int
	maxSize    int
	overlap    int
}

// NewChunker creates a chunker with the given size policy.
func NewChunker(targetSize, minSize, maxSize, overlap int) *Chunker {
	return &Chunker{
		targetSize: targetSize,
		minSize:    minSize,
		maxSize:    maxSize,
		overlap:    overlap,
	}
}

var (
	paragraphSep = regexp.MustCompile(`\n[ \t]*\n+`)
	sentenceEnd  = regexp.MustCompile(`[.!?]+[\s]+`)
	clauseEnd    = regexp.MustCompile(`[,;:][\s]+`)
)

// Normalize canonicalizes note text: CRLF to LF, outer whitespace trimmed.
// Chunk offsets are relative to the normalized form.
func Normalize(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
}

// Split produces the ordered chunk list for normalized note text.
func (c *Chunker) Split(text string) []TextChunk {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxSize {
		return []TextChunk{makeChunk(text, 0, len(text))}
	}

	units := c.semanticUnits(text)
	var spans [][2]int

	curStart := units[0][0]
	curEnd := units[0][1]

	for _, unit := range units[1:] {
		if unit[1]-curStart <= c.maxSize {
			curEnd = unit[1]
			continue
		}

		if curEnd-curStart >= c.minSize {
			// Finalize and seed the next chunk with overlap context.
			spans = append(spans, [2]int{curStart, curEnd})
			next := c.overlapStart(text, curStart, curEnd)
			if next >= unit[0] {
				next = unit[0]
			}
			curStart = next
			curEnd = unit[1]
			continue
		}

		// Current chunk is still below minSize: force-add, then split at
		// the best boundary near the target.
		curEnd = unit[1]
		for curEnd-curStart > c.maxSize {
			split := c.bestBoundary(text, curStart, curEnd)
			spans = append(spans, [2]int{curStart, split})
			curStart = skipSpace(text, split, curEnd)
		}
	}

	// Trailing remainder: merge into the previous chunk when that stays
	// within maxSize, otherwise keep it as its own chunk.
	if curEnd > curStart {
		if curEnd-curStart < c.minSize && len(spans) > 0 && curEnd-spans[len(spans)-1][0] <= c.maxSize {
			spans[len(spans)-1][1] = curEnd
		} else {
			spans = append(spans, [2]int{curStart, curEnd})
		}
	}

	chunks := make([]TextChunk, 0, len(spans))
	for _, span := range spans {
		chunks = append(chunks, makeChunk(text[span[0]:span[1]], span[0], span[1]))
	}
	return chunks
}

// RecoverOffsets re-derives chunk offsets by locating each chunk's leading
// characters in the source, scanning forward from a cursor. Used to verify
// chunk/source consistency after reassembly; a failed probe falls back to
// advancing the cursor by the chunk length.
func RecoverOffsets(source string, texts []string) []TextChunk {
	chunks := make([]TextChunk, 0, len(texts))
	cursor := 0
	for _, t := range texts {
		probe := t
		if len(probe) > offsetProbeLen {
			probe = probe[:offsetProbeLen]
		}
		start := cursor
		if cursor <= len(source) {
			if i := strings.Index(source[cursor:], probe); i >= 0 {
				start = cursor + i
			}
		}
		end := start + len(t)
		chunks = append(chunks, makeChunk(t, start, end))
		// Advance only past the unshared half so the next chunk's
		// overlap prefix is still reachable.
		cursor = start + len(t)/2
	}
	return chunks
}

// semanticUnits returns contiguous [start,end) spans covering the text:
// paragraphs, with oversized paragraphs further split at sentence ends.
func (c *Chunker) semanticUnits(text string) [][2]int {
	var units [][2]int

	paraStart := 0
	seps := paragraphSep.FindAllStringIndex(text, -1)
	addPara := func(start, end int) {
		if end <= start {
			return
		}
		if end-start <= c.targetSize {
			units = append(units, [2]int{start, end})
			return
		}
		// Oversized paragraph: split after sentence terminators.
		last := start
		for _, m := range sentenceEnd.FindAllStringIndex(text[start:end], -1) {
			sEnd := start + m[1]
			units = append(units, [2]int{last, sEnd})
			last = sEnd
		}
		if last < end {
			units = append(units, [2]int{last, end})
		}
	}
	for _, sep := range seps {
		addPara(paraStart, sep[0])
		paraStart = sep[1]
	}
	addPara(paraStart, len(text))

	// Stretch each unit's end to the next unit's start so chunk spans
	// cover separators and slicing reproduces the source exactly.
	for i := 0; i < len(units)-1; i++ {
		units[i][1] = units[i+1][0]
	}
	return units
}

// overlapStart picks where the next chunk begins inside the just-finalized
// chunk: at most `overlap` characters back, snapped forward to a sentence
// boundary, then a word boundary.
func (c *Chunker) overlapStart(text string, chunkStart, chunkEnd int) int {
	limit := chunkEnd - c.overlap
	if limit < chunkStart {
		limit = chunkStart
	}
	window := text[limit:chunkEnd]
	if m := sentenceEnd.FindStringIndex(window); m != nil {
		return limit + m[1]
	}
	if i := strings.IndexFunc(window, unicode.IsSpace); i >= 0 {
		return skipSpace(text, limit+i, chunkEnd)
	}
	return limit
}

// bestBoundary finds a split point near start+targetSize: a sentence end,
// else a clause end, else the last space, each within +-100 characters of
// the target.
func (c *Chunker) bestBoundary(text string, start, end int) int {
	target := start + c.targetSize
	if target >= end {
		target = start + (end-start)/2
	}
	lo := target - boundarySlack
	if lo < start+1 {
		lo = start + 1
	}
	hi := target + boundarySlack
	if hi > end {
		hi = end
	}
	window := text[lo:hi]

	if ms := sentenceEnd.FindAllStringIndex(window, -1); len(ms) > 0 {
		return lo + ms[len(ms)-1][1]
	}
	if ms := clauseEnd.FindAllStringIndex(window, -1); len(ms) > 0 {
		return lo + ms[len(ms)-1][1]
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		return lo + i + 1
	}
	return target
}

func skipSpace(text string, i, end int) int {
	for i < end && (text[i] == ' ' || text[i] == '\n' || text[i] == '\t') {
		i++
	}
	return i
}

func makeChunk(text string, start, end int) TextChunk {
	anchor := text
	if len(anchor) > anchorLen {
		anchor = anchor[:anchorLen]
	}
	return TextChunk{
		Text:        text,
		StartOffset: start,
		EndOffset:   end,
		Anchor:      anchor,
	}
}

// Fingerprint returns the truncated 16-hex content hash used as the unit
// of chunk idempotence.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// TokenEstimate approximates the token count of a chunk.
func TokenEstimate(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"can": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "her": {}, "his": {}, "how": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "its": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {},
	"your": {},
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// ExtractTerms lowercases the text, strips non-word characters, and returns
// the deduplicated content words of length >= 3 in first-occurrence order.
func ExtractTerms(text string) []string {
	clean := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(clean)

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
