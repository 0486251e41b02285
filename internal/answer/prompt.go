package answer

import (
	"fmt"
	"strings"

	"notemind/internal/retrieval"
)

// formatGuidance maps intent to the answer shape asked of the model.
var formatGuidance = map[retrieval.Intent]string{
	retrieval.IntentQuestion:   "Answer the question directly in one or two short paragraphs.",
	retrieval.IntentSearch:     "Answer directly with the most relevant information.",
	retrieval.IntentSummarize:  "Write a concise narrative summary organized by theme.",
	retrieval.IntentList:       "Respond as a bulleted list, one item per line.",
	retrieval.IntentDecision:   "Write a short decision brief: what was decided, the alternatives considered, and the rationale.",
	retrieval.IntentActionItem: "Respond as an action plan: outstanding items first, each with any deadline mentioned.",
}

// BuildPrompt assembles the system and user messages. The user message
// iterates the citations map in token order, never the raw chunk list,
// so the prompt's source count always equals the pack size.
func BuildPrompt(pack *SourcePack, query string, intent retrieval.Intent) (system, user string) {
	n := len(pack.Sources)

	var sys strings.Builder
	sys.WriteString("You are an assistant that answers questions using only the user's personal notes.\n\n")
	sys.WriteString("Citation rules:\n")
	fmt.Fprintf(&sys, "- Cite sources inline using tokens [N1] through [N%d]. These are the only valid citations.\n", n)
	sys.WriteString("- Every factual statement must carry at least one citation token.\n")
	sys.WriteString("- Never invent a citation token outside the given range.\n\n")
	if g, ok := formatGuidance[intent]; ok {
		sys.WriteString(g)
		sys.WriteString("\n\n")
	}
	sys.WriteString("If the notes only partially cover the question, share what is relevant and say what is missing. ")
	sys.WriteString("If nothing in the notes answers the question, say so honestly. ")
	sys.WriteString("Keep a plain, direct tone.")

	var usr strings.Builder
	for i, src := range pack.Sources {
		c := pack.Citations[src.Token]
		fmt.Fprintf(&usr, "[%s] (%s): %s\n", src.Token, c.CreatedAt.Format("2006-01-02"), src.Chunk.Text)
		if i < n-1 {
			usr.WriteString("\n---\n\n")
		}
	}
	fmt.Fprintf(&usr, "\nQuestion: %s", query)

	return sys.String(), usr.String()
}

// BuildRepairPrompt asks for the same answer with missing citations
// added. Used once when citation coverage comes back too low.
func BuildRepairPrompt(answer string, n int) string {
	return fmt.Sprintf(
		"Your previous answer cited too few of its sources. Rewrite it with the same content, adding citation tokens [N1] through [N%d] to every statement they support. Previous answer:\n\n%s",
		n, answer)
}
