package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const crossEncoderTimeout = 5 * time.Second

// CrossEncoderClient scores query/passage pairs against a TEI-style
// rerank endpoint.
type CrossEncoderClient struct {
	baseURL string
	client  *http.Client
}

// NewCrossEncoderClient creates the auxiliary scorer client.
func NewCrossEncoderClient(baseURL string) *CrossEncoderClient {
	return &CrossEncoderClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: crossEncoderTimeout},
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns one relevance score per text, in input order.
func (c *CrossEncoderClient) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{code: resp.StatusCode, body: string(data)}
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("rerank returned %d scores for %d texts", len(results), len(texts))
	}

	scores := make([]float64, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, fmt.Errorf("rerank returned out-of-range index %d", r.Index)
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
}
