package answer

import (
	"regexp"
	"strconv"
	"strings"

	"notemind/internal/indexer"
)

// citationTokenRe matches both the wire form [N3] and the normalized
// client form [3].
var citationTokenRe = regexp.MustCompile(`\[N?(\d+)\]`)

// semanticMatchThreshold is the claim-anchoring match level; a cited
// sentence whose excerpt overlap falls under half of it is flagged.
const semanticMatchThreshold = 0.65

// Validation is the token-level citation check for one answer.
type Validation struct {
	// Cited holds valid tokens in order of first use, without repeats.
	Cited []string
	// Invalid holds tokens outside [N1..N<sourceCount>].
	Invalid []string
	// Coverage is |cited| / sourceCount, 0 for an empty pack.
	Coverage float64
}

// ValidateCitations extracts every citation token from the answer and
// checks it against the pack.
func ValidateCitations(answer string, pack *SourcePack) Validation {
	var v Validation
	seen := make(map[string]struct{})

	for _, m := range citationTokenRe.FindAllStringSubmatch(answer, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		token := "N" + m[1]
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		_, defined := pack.Citations[token]
		if idx < 1 || idx > len(pack.Sources) || !defined {
			v.Invalid = append(v.Invalid, token)
			continue
		}
		v.Cited = append(v.Cited, token)
	}

	if n := len(pack.Sources); n > 0 {
		v.Coverage = float64(len(v.Cited)) / float64(n)
	}
	return v
}

// StripInvalidTokens removes citation tokens that do not resolve to a
// pack entry. Applied after the repair attempt so the surfaced answer
// never carries an undefined citation.
func StripInvalidTokens(answer string, pack *SourcePack) string {
	return citationTokenRe.ReplaceAllStringFunc(answer, func(m string) string {
		sub := citationTokenRe.FindStringSubmatch(m)
		if _, ok := pack.Citations["N"+sub[1]]; ok {
			return m
		}
		return ""
	})
}

// NormalizeTokens rewrites [N<d>] to the client-facing [<d>] form.
func NormalizeTokens(text string) string {
	return citationTokenRe.ReplaceAllString(text, "[$1]")
}

// OrderedCitations returns the pack citations for the answer's valid
// tokens, in order of first use.
func OrderedCitations(answer string, pack *SourcePack) []Citation {
	v := ValidateCitations(answer, pack)
	out := make([]Citation, 0, len(v.Cited))
	for _, token := range v.Cited {
		out = append(out, pack.Citations[token])
	}
	return out
}

// ClaimFlag marks a cited sentence whose excerpt may not support it.
type ClaimFlag struct {
	Sentence  string
	Token     string
	Overlap   float64
	Suggested string
}

var claimSentenceRe = regexp.MustCompile(`[.!?]\s+`)

var (
	definitionalCues = []string{"is defined as", "means", "refers to"}
	proceduralCues   = []string{"first,", "then,", "step", "to do this"}
	opinionCues      = []string{"i think", "i believe", "probably", "seems"}
)

// AnchorClaims checks each cited sentence against the cited excerpt by
// non-stopword overlap. Only factual claims are flagged; definitional,
// procedural, and opinion sentences are left alone. minSuggestOverlap
// is the keyword-overlap floor below which no replacement citation is
// suggested.
func AnchorClaims(ans string, pack *SourcePack, minSuggestOverlap float64) []ClaimFlag {
	var flags []ClaimFlag
	floor := 0.5 * semanticMatchThreshold

	for _, sentence := range splitSentences(ans) {
		tokens := citationTokenRe.FindAllStringSubmatch(sentence, -1)
		if len(tokens) == 0 || !isFactualClaim(sentence) {
			continue
		}
		claimWords := termSet(citationTokenRe.ReplaceAllString(sentence, ""))
		if len(claimWords) == 0 {
			continue
		}

		for _, m := range tokens {
			token := "N" + m[1]
			cited, ok := pack.Citations[token]
			if !ok {
				continue
			}
			overlap := setJaccard(claimWords, termSet(cited.Snippet))
			if overlap >= floor {
				continue
			}
			flags = append(flags, ClaimFlag{
				Sentence:  strings.TrimSpace(sentence),
				Token:     token,
				Overlap:   overlap,
				Suggested: suggestReplacement(claimWords, pack, token, minSuggestOverlap),
			})
		}
	}
	return flags
}

// suggestReplacement picks the pack member that best combines keyword
// overlap with retrieval score. Members under minOverlap keyword
// overlap are not offered.
func suggestReplacement(claimWords map[string]struct{}, pack *SourcePack, exclude string, minOverlap float64) string {
	best := ""
	bestScore := 0.0
	for _, src := range pack.Sources {
		if src.Token == exclude {
			continue
		}
		overlap := setJaccard(claimWords, termSet(src.Chunk.Text))
		if overlap < minOverlap {
			continue
		}
		combined := 0.3*overlap + 0.7*src.Score
		if combined > bestScore {
			bestScore = combined
			best = src.Token
		}
	}
	return best
}

func isFactualClaim(sentence string) bool {
	s := strings.ToLower(sentence)
	for _, cues := range [][]string{definitionalCues, proceduralCues, opinionCues} {
		for _, cue := range cues {
			if strings.Contains(s, cue) {
				return false
			}
		}
	}
	return true
}

func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, m := range claimSentenceRe.FindAllStringIndex(text, -1) {
		out = append(out, text[last:m[1]])
		last = m[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range indexer.ExtractTerms(text) {
		set[t] = struct{}{}
	}
	return set
}

func setJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
