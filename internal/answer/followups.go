package answer

import (
	"fmt"
	"strings"
	"time"

	"notemind/internal/retrieval"
)

const maxFollowups = 3

// DeriveFollowups suggests two or three next questions from the intent
// and the sources that actually got cited.
func DeriveFollowups(query string, intent retrieval.Intent, citations []Citation) []string {
	var out []string
	add := func(s string) {
		if len(out) < maxFollowups && !containsSuggestion(out, s) {
			out = append(out, s)
		}
	}

	switch intent {
	case retrieval.IntentDecision:
		add("What alternatives were considered?")
		add("Has anything changed since that decision?")
	case retrieval.IntentActionItem:
		add("Which of these are overdue?")
		add("What was completed recently?")
	case retrieval.IntentSummarize, retrieval.IntentList:
		add("What changed in the last week?")
	}

	if len(citations) > 0 {
		oldest := citations[0].CreatedAt
		for _, c := range citations[1:] {
			if c.CreatedAt.Before(oldest) {
				oldest = c.CreatedAt
			}
		}
		if time.Since(oldest) > 30*24*time.Hour {
			add("Are there more recent notes on this?")
		}
		add("Show me the full notes behind these sources.")
	}

	if q := strings.TrimSpace(query); q != "" && len(out) < 2 {
		add(fmt.Sprintf("What else do my notes say about %s?", trimQuestion(q)))
	}
	if len(out) < 2 {
		add("Summarize my recent notes.")
	}
	return out
}

func trimQuestion(q string) string {
	q = strings.TrimRight(q, "?.! ")
	words := strings.Fields(q)
	if len(words) > 6 {
		words = words[len(words)-6:]
	}
	return strings.ToLower(strings.Join(words, " "))
}

func containsSuggestion(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
