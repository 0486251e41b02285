package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const chatMaxAttempts = 3 // initial call plus two retries

// ErrRateLimited is returned when the upstream model reports quota
// exhaustion. Callers may retry with their own backoff.
var ErrRateLimited = errors.New("rate limited by model provider")

// statusError carries an upstream HTTP status for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bad status %d: %s", e.code, e.body)
}

// isRetryable reports whether an upstream failure is worth another attempt.
// Argument and permission errors are not; network failures and 5xx are.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusTooManyRequests {
			return false
		}
		return se.code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// sleepBackoff waits for an exponentially growing interval with jitter,
// or returns early when ctx is done.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

// Message represents a single message in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is a client for an OpenAI-compatible chat completions API.
type Client struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	client      *http.Client
}

// NewClient creates a new chat client. temperature is applied to every
// completion; timeout bounds each attempt.
func NewClient(baseURL, apiKey, model string, temperature float64, timeout time.Duration) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Temperature: temperature,
		Timeout:     timeout,
		client:      http.DefaultClient,
	}
}

// ChatRequest represents the request payload for chat completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatChoice represents a single choice in the chat response.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse represents the response from the chat completions API.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Choices []ChatChoice `json:"choices"`
}

// Complete sends the messages and returns the model's answer text.
// Transient failures are retried with exponential backoff; quota errors
// surface as ErrRateLimited without retrying.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < chatMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		answer, err := c.complete(attemptCtx, messages)
		cancel()
		if err == nil {
			return answer, nil
		}

		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %s", ErrRateLimited, se.body)
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("chat completion failed after %d attempts: %w", chatMaxAttempts, lastErr)
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	url := fmt.Sprintf("%s/v1/chat/completions", c.BaseURL)

	payload := ChatRequest{Model: c.Model, Messages: messages, Temperature: c.Temperature}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", &statusError{code: resp.StatusCode, body: string(raw)}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// StreamComplete sends the messages with streaming enabled and invokes
// callback for each content delta. It reads Server-Sent Events from the
// response until the stream finishes.
func (c *Client) StreamComplete(ctx context.Context, messages []Message, callback func(chunk string) error) error {
	url := fmt.Sprintf("%s/v1/chat/completions", c.BaseURL)

	payload := ChatRequest{Model: c.Model, Messages: messages, Temperature: c.Temperature, Stream: true}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", ErrRateLimited, string(raw))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	const dataPrefix = "data: "
	const doneMarker = "[DONE]"

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if data == doneMarker {
			break
		}

		var streamResp struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			// Skip malformed JSON chunks
			continue
		}

		if len(streamResp.Choices) > 0 {
			chunk := streamResp.Choices[0].Delta.Content
			if chunk != "" {
				if err := callback(chunk); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
			if streamResp.Choices[0].FinishReason != "" {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}
