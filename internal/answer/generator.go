package answer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"notemind/internal/contextutil"
	"notemind/internal/llm"
	"notemind/internal/retrieval"
	"notemind/internal/sse"
)

const repairCoverageFloor = 0.5

// ChatClient is the generative model surface the generator needs.
type ChatClient interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	StreamComplete(ctx context.Context, messages []llm.Message, callback func(chunk string) error) error
}

// RetrievalMeta echoes how the sources were found.
type RetrievalMeta struct {
	K              int    `json:"k"`
	Strategy       string `json:"strategy"`
	CandidateCount int    `json:"candidateCount,omitempty"`
	RerankCount    int    `json:"rerankCount,omitempty"`
	TimeMs         int64  `json:"timeMs,omitempty"`
}

// Meta accompanies every answer.
type Meta struct {
	Model     string        `json:"model"`
	Retrieval RetrievalMeta `json:"retrieval"`
}

// Response is the non-streaming answer payload.
type Response struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Meta      Meta       `json:"meta"`
}

// Generator produces grounded answers from retrieval results.
type Generator struct {
	client        ChatClient
	model         string
	snippetMax    int
	minOverlap    float64
	repairEnabled bool
}

// NewGenerator wires the chat client. snippetMax bounds citation
// snippets; minOverlap is the keyword-overlap floor for replacement
// citation suggestions.
func NewGenerator(client ChatClient, model string, snippetMax int, minOverlap float64) *Generator {
	return &Generator{
		client:        client,
		model:         model,
		snippetMax:    snippetMax,
		minOverlap:    minOverlap,
		repairEnabled: true,
	}
}

// Generate runs the non-streaming path: prompt, single repair attempt on
// low citation coverage, token validation, response assembly.
func (g *Generator) Generate(ctx context.Context, query string, res *retrieval.Result) (*Response, error) {
	logger := contextutil.LoggerFromContext(ctx)

	pack := BuildSourcesPack(res.Chunks, g.snippetMax)
	if len(pack.Sources) == 0 {
		return &Response{
			Answer: "I could not find anything in your notes about that.",
			Meta:   g.meta(res),
		}, nil
	}

	system, user := BuildPrompt(pack, query, res.Analysis.Intent)
	raw, err := g.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	validation := ValidateCitations(raw, pack)
	if g.repairEnabled && validation.Coverage < repairCoverageFloor {
		repaired, rerr := g.client.Complete(ctx, []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
			{Role: "assistant", Content: raw},
			{Role: "user", Content: BuildRepairPrompt(raw, len(pack.Sources))},
		})
		if rerr == nil {
			if rv := ValidateCitations(repaired, pack); rv.Coverage > validation.Coverage {
				raw = repaired
				validation = rv
			}
		} else {
			logger.WarnContext(ctx, "citation repair attempt failed", "error", rerr)
		}
	}

	if len(validation.Invalid) > 0 {
		logger.WarnContext(ctx, "answer carried undefined citation tokens",
			"invalid", validation.Invalid, "citationCoverage", validation.Coverage)
		raw = StripInvalidTokens(raw, pack)
	}
	if flags := AnchorClaims(raw, pack, g.minOverlap); len(flags) > 0 {
		logger.DebugContext(ctx, "weakly supported claims", "count", len(flags))
	}

	return &Response{
		Answer:    raw,
		Citations: OrderedCitations(raw, pack),
		Meta:      g.meta(res),
	}, nil
}

type sourceEvent struct {
	Type    string       `json:"type"`
	Sources []sourceItem `json:"sources"`
}

type sourceItem struct {
	ID          string  `json:"id"`
	NoteID      string  `json:"noteId"`
	Preview     string  `json:"preview"`
	Date        string  `json:"date"`
	StartOffset int     `json:"startOffset,omitempty"`
	EndOffset   int     `json:"endOffset,omitempty"`
	Anchor      string  `json:"anchor,omitempty"`
	Relevance   float64 `json:"relevance,omitempty"`
}

type tokenEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type followupsEvent struct {
	Type        string   `json:"type"`
	Suggestions []string `json:"suggestions"`
}

type doneEvent struct {
	Type string   `json:"type"`
	Meta doneMeta `json:"meta"`
}

type doneMeta struct {
	Model              string `json:"model"`
	RequestID          string `json:"requestId,omitempty"`
	ResponseTimeMs     int64  `json:"responseTimeMs"`
	Confidence         string `json:"confidence"`
	SourceCount        int    `json:"sourceCount"`
	ContextSourceCount int    `json:"contextSourceCount,omitempty"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

const maxContextSources = 5

// GenerateStream runs the streaming path over an SSE writer. The event
// contract: sources, optional context_sources, tokens with normalized
// citations, periodic heartbeats, followups, then done or error. The
// heartbeat always stops and the stream always closes.
func (g *Generator) GenerateStream(ctx context.Context, query string, res *retrieval.Result, w *sse.Writer, requestID string) error {
	logger := contextutil.LoggerFromContext(ctx)
	started := time.Now()

	stopHeartbeat := w.StartHeartbeat(ctx, sse.HeartbeatInterval)
	defer func() {
		stopHeartbeat()
		w.Close()
	}()

	fail := func(err error) error {
		stopHeartbeat()
		_ = w.Send(errorEvent{Type: "error", Error: err.Error()})
		return err
	}

	pack := BuildSourcesPack(res.Chunks, g.snippetMax)

	items := make([]sourceItem, 0, len(pack.Sources))
	for _, src := range pack.Sources {
		c := pack.Citations[src.Token]
		items = append(items, sourceItem{
			ID:          src.Token,
			NoteID:      c.NoteID,
			Preview:     c.Snippet,
			Date:        c.CreatedAt.Format("2006-01-02"),
			StartOffset: src.Chunk.StartOffset,
			EndOffset:   src.Chunk.EndOffset,
			Anchor:      src.Chunk.Anchor,
		})
	}
	if err := w.Send(sourceEvent{Type: "sources", Sources: items}); err != nil {
		return err
	}

	contextCount := 0
	if len(res.Excluded) > 0 {
		extra := make([]sourceItem, 0, maxContextSources)
		for _, sc := range res.Excluded {
			if len(extra) == maxContextSources {
				break
			}
			extra = append(extra, sourceItem{
				NoteID:    sc.Chunk.NoteID,
				Preview:   ExtractBestSnippet(sc.Chunk.Text, g.snippetMax),
				Date:      sc.Chunk.CreatedAt.Format("2006-01-02"),
				Relevance: sc.Score,
			})
		}
		contextCount = len(extra)
		if err := w.Send(sourceEvent{Type: "context_sources", Sources: extra}); err != nil {
			return err
		}
	}

	if len(pack.Sources) == 0 {
		msg := "I could not find anything in your notes about that."
		if err := w.Send(tokenEvent{Type: "token", Content: msg}); err != nil {
			return err
		}
		return w.Send(doneEvent{Type: "done", Meta: doneMeta{
			Model:          g.model,
			RequestID:      requestID,
			ResponseTimeMs: time.Since(started).Milliseconds(),
			Confidence:     "none",
		}})
	}

	system, user := BuildPrompt(pack, query, res.Analysis.Intent)

	// The raw answer accumulates for validation; the client sees the
	// normalized [<d>] form.
	var raw strings.Builder
	norm := &streamNormalizer{}
	err := g.client.StreamComplete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, func(chunk string) error {
		raw.WriteString(chunk)
		if out := norm.push(chunk); out != "" {
			return w.Send(tokenEvent{Type: "token", Content: out})
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if tail := norm.flush(); tail != "" {
		if err := w.Send(tokenEvent{Type: "token", Content: tail}); err != nil {
			return err
		}
	}

	validation := ValidateCitations(raw.String(), pack)
	if len(validation.Invalid) > 0 {
		logger.WarnContext(ctx, "stream carried undefined citation tokens",
			"invalid", validation.Invalid, "citationCoverage", validation.Coverage)
	}

	citations := OrderedCitations(raw.String(), pack)
	if suggestions := DeriveFollowups(query, res.Analysis.Intent, citations); len(suggestions) > 0 {
		if err := w.Send(followupsEvent{Type: "followups", Suggestions: suggestions}); err != nil {
			return err
		}
	}

	return w.Send(doneEvent{Type: "done", Meta: doneMeta{
		Model:              g.model,
		RequestID:          requestID,
		ResponseTimeMs:     time.Since(started).Milliseconds(),
		Confidence:         confidence(len(citations)),
		SourceCount:        len(pack.Sources),
		ContextSourceCount: contextCount,
	}})
}

func (g *Generator) meta(res *retrieval.Result) Meta {
	return Meta{
		Model: g.model,
		Retrieval: RetrievalMeta{
			K:              len(res.Chunks),
			Strategy:       res.Strategy,
			CandidateCount: res.CandidateCount,
			RerankCount:    res.RerankCount,
			TimeMs:         res.TimeMs,
		},
	}
}

func confidence(cited int) string {
	switch {
	case cited >= 3:
		return "high"
	case cited >= 1:
		return "medium"
	default:
		return "low"
	}
}

// partialTokenRe matches a citation token cut off mid-stream, e.g. "[",
// "[N", "[N1".
var partialTokenRe = regexp.MustCompile(`\[N?\d*$`)

// streamNormalizer rewrites [N<d>] to [<d>] across chunk boundaries by
// holding back any suffix that could still become a citation token.
type streamNormalizer struct {
	pending string
}

func (n *streamNormalizer) push(chunk string) string {
	n.pending += chunk
	safe := n.pending
	if loc := partialTokenRe.FindStringIndex(safe); loc != nil {
		n.pending = safe[loc[0]:]
		safe = safe[:loc[0]]
	} else {
		n.pending = ""
	}
	return NormalizeTokens(safe)
}

func (n *streamNormalizer) flush() string {
	out := NormalizeTokens(n.pending)
	n.pending = ""
	return out
}
