package retrieval

import (
	"regexp"
	"strings"

	"notemind/internal/indexer"
)

// Intent classifies what kind of answer the query wants. Aggregation
// intents get broader recall and stricter time filtering.
type Intent string

const (
	IntentSearch     Intent = "search"
	IntentQuestion   Intent = "question"
	IntentSummarize  Intent = "summarize"
	IntentDecision   Intent = "decision"
	IntentActionItem Intent = "action_item"
	IntentList       Intent = "list"
)

// IsAggregation reports whether the intent spans many notes.
func (i Intent) IsAggregation() bool {
	switch i {
	case IntentSummarize, IntentList, IntentDecision, IntentActionItem:
		return true
	}
	return false
}

const (
	maxQueryLen   = 500
	maxEntities   = 5
	maxBoostTerms = 20
)

// Analysis is the deterministic decomposition of a query. Computed once
// per request and passed through the pipeline.
type Analysis struct {
	Normalized   string
	Intent       Intent
	TimeHintDays int // 0 means no explicit time hint
	AllTime      bool
	Entities     []string
	Keywords     []string
	BoostTerms   []string
	UniqueIDs    []string
}

// Intent patterns are ordered: decision before the generic interrogative
// so "what did I decide" classifies as decision, not question.
var intentTable = []struct {
	re     *regexp.Regexp
	intent Intent
}{
	{regexp.MustCompile(`(?i)\b(summar(y|ize|ise)|overview|recap|digest)\b`), IntentSummarize},
	{regexp.MustCompile(`(?i)\b(decide(d)?|decision(s)?|chose|choose|chosen|picked|went with|settled on|conclusion)\b`), IntentDecision},
	{regexp.MustCompile(`(?i)\b(todo(s)?|to-do(s)?|action item(s)?|task(s)?|follow[- ]?up(s)?|next step(s)?)\b`), IntentActionItem},
	{regexp.MustCompile(`(?i)\b(list|enumerate|show (me )?(all|every)|what are (all|my))\b`), IntentList},
	{regexp.MustCompile(`(?i)^(who|what|when|where|why|how|which|did|do|does|is|are|was|were|can|could|should|would|have|has)\b`), IntentQuestion},
}

// Time hints resolve to a day count. Relative N-unit patterns parse the
// captured integer with validated upper bounds.
var timeTable = []struct {
	re      *regexp.Regexp
	resolve func(n int) int
}{
	{regexp.MustCompile(`(?i)\btoday\b`), func(int) int { return 1 }},
	{regexp.MustCompile(`(?i)\byesterday\b`), func(int) int { return 2 }},
	{regexp.MustCompile(`(?i)\bthis week\b`), func(int) int { return 7 }},
	{regexp.MustCompile(`(?i)\blast week\b`), func(int) int { return 14 }},
	{regexp.MustCompile(`(?i)\bthis month\b`), func(int) int { return 30 }},
	{regexp.MustCompile(`(?i)\blast month\b`), func(int) int { return 60 }},
	{regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d{1,3})\s+days?\b`), func(n int) int { return capDays(n, 365) }},
	{regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d{1,2})\s+weeks?\b`), func(n int) int { return capDays(n, 52) * 7 }},
	{regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d{1,2})\s+months?\b`), func(n int) int { return capDays(n, 12) * 30 }},
	{regexp.MustCompile(`(?i)\brecent(ly)?\b`), func(int) int { return 14 }},
}

var (
	allTimeRe = regexp.MustCompile(`(?i)\b(all|ever|history|first|oldest|earliest)\b`)

	// A token is a unique identifier when it mixes letters with digits or
	// underscores, e.g. CITE_TEST_002, proj_alpha, i18n.
	uniqueIDRe1 = regexp.MustCompile(`(?i)^[a-z][a-z0-9_]*[0-9_][a-z0-9_]*$`)
	uniqueIDRe2 = regexp.MustCompile(`(?i)^[a-z]+_[a-z0-9_]+$`)

	entityRe = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)+\b`)
	quotedRe = regexp.MustCompile(`"([^"]{2,80})"|'([^']{2,80})'`)

	exoticRe     = regexp.MustCompile("[^\\p{L}\\p{N}\\s.,!?;:'\"$%#@/_-]+")
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var interrogatives = map[string]struct{}{
	"what": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"which": {}, "did": {}, "do": {}, "does": {}, "show": {}, "tell": {},
}

var intentSynonyms = map[Intent][]string{
	IntentDecision:   {"decided", "chose", "decision", "rationale", "option"},
	IntentActionItem: {"todo", "task", "action", "followup", "deadline"},
	IntentSummarize:  {"note", "update", "progress"},
	IntentList:       {"item", "entry"},
}

// NormalizeQuery canonicalizes a query: trim, collapse internal
// whitespace, strip exotic punctuation, cap the length. Idempotent.
func NormalizeQuery(query string) string {
	s := exoticRe.ReplaceAllString(query, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxQueryLen {
		s = strings.TrimSpace(s[:maxQueryLen])
	}
	return s
}

// Analyze decomposes the query. Rule-based and deterministic.
func Analyze(query string) *Analysis {
	normalized := NormalizeQuery(query)

	a := &Analysis{
		Normalized: normalized,
		Intent:     IntentSearch,
		AllTime:    allTimeRe.MatchString(normalized),
	}

	for _, row := range intentTable {
		if row.re.MatchString(normalized) {
			a.Intent = row.intent
			break
		}
	}

	for _, row := range timeTable {
		m := row.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		n := 0
		if len(m) > 1 && m[1] != "" {
			n = atoiSafe(m[1])
		}
		if d := row.resolve(n); d > 0 {
			a.TimeHintDays = d
		}
		break
	}

	a.Entities = extractEntities(normalized)
	a.Keywords = indexer.ExtractTerms(normalized)
	a.UniqueIDs = extractUniqueIDs(normalized)
	a.BoostTerms = buildBoostTerms(a.Keywords, a.Intent)
	return a
}

// HasUniqueID reports whether the query carries any identifier-shaped
// token, which widens the retrieval window and candidate caps.
func (a *Analysis) HasUniqueID() bool { return len(a.UniqueIDs) > 0 }

func extractEntities(text string) []string {
	var entities []string
	seen := make(map[string]struct{})

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || len(entities) >= maxEntities {
			return
		}
		first := strings.ToLower(strings.Fields(s)[0])
		if _, skip := interrogatives[first]; skip {
			return
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, s)
	}

	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range entityRe.FindAllString(text, -1) {
		add(m)
	}
	return entities
}

func extractUniqueIDs(text string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, `.,!?;:'"()[]{}`)
		if len(tok) < 3 {
			continue
		}
		if !uniqueIDRe1.MatchString(tok) && !uniqueIDRe2.MatchString(tok) {
			continue
		}
		key := strings.ToLower(tok)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, tok)
	}
	return ids
}

func buildBoostTerms(keywords []string, intent Intent) []string {
	terms := make([]string, 0, maxBoostTerms)
	seen := make(map[string]struct{})
	add := func(t string) {
		if len(terms) >= maxBoostTerms {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, k := range keywords {
		add(k)
	}
	for _, s := range intentSynonyms[intent] {
		add(s)
	}
	return terms
}

func capDays(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
