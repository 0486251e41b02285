package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", "test-model", 0.1, 5*time.Second)
}

func completionReply(content string) string {
	resp := ChatResponse{Choices: []ChatChoice{{Message: Message{Role: "assistant", Content: content}}}}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestCompleteReturnsAnswer(t *testing.T) {
	var gotAuth string
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		fmt.Fprint(w, completionReply("the answer"))
	})

	got, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "the answer", got)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestCompleteRateLimitNoRetry(t *testing.T) {
	calls := 0
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "q"}})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, calls, "quota errors must not retry")
}

func TestCompleteNoRetryOnClientError(t *testing.T) {
	calls := 0
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "q"}})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestStreamComplete(t *testing.T) {
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hello "}}]}`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	})

	var b strings.Builder
	err := c.StreamComplete(context.Background(), []Message{{Role: "user", Content: "q"}}, func(chunk string) error {
		b.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", b.String())
}

func TestExpanderParsesLines(t *testing.T) {
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionReply("1. database choice notes\n- which database did we pick\n3. extra line beyond the cap"))
	})

	got, err := NewExpander(c).Expand(context.Background(), "what did we decide about the database")
	require.NoError(t, err)
	assert.Equal(t, []string{"database choice notes", "which database did we pick"}, got)
}

func TestPassageRerankerPrompt(t *testing.T) {
	var prompt string
	c := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt = req.Messages[0].Content
		fmt.Fprint(w, completionReply("2, 1"))
	})

	got, err := NewPassageReranker(c).Rerank(context.Background(), "budget", []string{"first passage", "second passage"})
	require.NoError(t, err)
	assert.Equal(t, "2, 1", got)
	assert.Contains(t, prompt, "1. first passage")
	assert.Contains(t, prompt, "2. second passage")
}

func TestCrossEncoderScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Out-of-order response exercises index mapping.
		fmt.Fprint(w, `[{"index":1,"score":0.9},{"index":0,"score":0.2}]`)
	}))
	t.Cleanup(srv.Close)

	scores, err := NewCrossEncoderClient(srv.URL).Score(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
}

func TestCrossEncoderScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"index":0,"score":0.5}]`)
	}))
	t.Cleanup(srv.Close)

	_, err := NewCrossEncoderClient(srv.URL).Score(context.Background(), "q", []string{"a", "b"})
	assert.ErrorContains(t, err, "1 scores for 2 texts")
}
