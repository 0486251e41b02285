package llm

import (
	"context"
	"fmt"
	"strings"
)

// Expander paraphrases queries via the chat model for lexical query
// expansion.
type Expander struct {
	client *Client
}

// NewExpander wraps a chat client.
func NewExpander(client *Client) *Expander { return &Expander{client: client} }

// Expand returns up to two paraphrases, one per response line.
func (e *Expander) Expand(ctx context.Context, query string) ([]string, error) {
	resp, err := e.client.Complete(ctx, []Message{
		{Role: "system", Content: "Rewrite the user's search query as up to two alternative phrasings, one per line. Output only the phrasings."},
		{Role: "user", Content: query},
	})
	if err != nil {
		return nil, fmt.Errorf("query expansion failed: %w", err)
	}

	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || strings.EqualFold(line, query) {
			continue
		}
		out = append(out, line)
		if len(out) == 2 {
			break
		}
	}
	return out, nil
}

// PassageReranker asks the chat model to order numbered passages by
// relevance and returns its free-form response for permutation parsing.
type PassageReranker struct {
	client *Client
}

// NewPassageReranker wraps a chat client.
func NewPassageReranker(client *Client) *PassageReranker {
	return &PassageReranker{client: client}
}

// Rerank numbers the passages 1..n and returns the model's ordering
// response verbatim.
func (r *PassageReranker) Rerank(ctx context.Context, query string, texts []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPassages:\n", query)
	for i, t := range texts {
		if len(t) > 300 {
			t = t[:300]
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	b.WriteString("\nList the passage numbers from most to least relevant, comma separated.")

	resp, err := r.client.Complete(ctx, []Message{
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", fmt.Errorf("rerank request failed: %w", err)
	}
	return resp, nil
}
