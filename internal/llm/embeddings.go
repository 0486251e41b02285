package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	embedBatchSize    = 10
	embedMaxAttempts  = 3
	embedAttemptLimit = 15 * time.Second
	embedNormalizeCap = 8000
)

// EmbeddingsClient is a client for an OpenAI-compatible embeddings API.
// Vectors are cached by a content hash of the normalized input so a query
// that matches a stored chunk byte-for-byte reuses its vector.
type EmbeddingsClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	ExpectedSize int
	client       *http.Client

	mu           sync.Mutex
	cache        map[string]*cachedVector
	cacheMax     int
	hits, misses int64
}

type cachedVector struct {
	vec        []float32
	lastAccess time.Time
}

// CacheStats reports embedding cache counters.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewEmbeddingsClient creates a new embeddings client.
// expectedSize is the embedding dimension every returned vector is
// validated against.
func NewEmbeddingsClient(baseURL, apiKey, model string, expectedSize int) *EmbeddingsClient {
	return &EmbeddingsClient{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		ExpectedSize: expectedSize,
		client:       http.DefaultClient,
		cache:        make(map[string]*cachedVector),
		cacheMax:     2000,
	}
}

// EmbeddingsRequest represents the request payload for the embeddings API.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingData represents a single embedding in the response.
type EmbeddingData struct {
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse represents the response from the embeddings API.
type EmbeddingsResponse struct {
	Data []EmbeddingData `json:"data"`
}

// GenerateBatch returns one unit vector per input text, serving cached
// vectors where possible and fetching the rest in bounded batches.
func (c *EmbeddingsClient) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty input array")
	}

	result := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missIdx []int
	c.mu.Lock()
	now := time.Now()
	for i, t := range texts {
		keys[i] = contentKey(t)
		if e, ok := c.cache[keys[i]]; ok {
			e.lastAccess = now
			result[i] = e.vec
			c.hits++
			continue
		}
		c.misses++
		missIdx = append(missIdx, i)
	}
	c.mu.Unlock()

	for start := 0; start < len(missIdx); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]
		batchTexts := make([]string, len(batch))
		for j, i := range batch {
			batchTexts[j] = texts[i]
		}

		vectors, err := c.fetchWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		now = time.Now()
		for j, i := range batch {
			result[i] = vectors[j]
			c.storeLocked(keys[i], vectors[j], now)
		}
		c.mu.Unlock()
	}

	return result, nil
}

// GenerateQuery embeds a single query string with the same normalization as
// GenerateBatch, so identical text always maps to the same cached vector.
func (c *EmbeddingsClient) GenerateQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.GenerateBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Stats returns a snapshot of the cache counters.
func (c *EmbeddingsClient) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{Size: len(c.cache), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// storeLocked inserts a vector, evicting the oldest 20% by last access
// when the cache is full.
func (c *EmbeddingsClient) storeLocked(key string, vec []float32, now time.Time) {
	if len(c.cache) >= c.cacheMax {
		type aged struct {
			key string
			at  time.Time
		}
		entries := make([]aged, 0, len(c.cache))
		for k, e := range c.cache {
			entries = append(entries, aged{k, e.lastAccess})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
		evict := len(entries) / 5
		if evict < 1 {
			evict = 1
		}
		for _, e := range entries[:evict] {
			delete(c.cache, e.key)
		}
	}
	c.cache[key] = &cachedVector{vec: vec, lastAccess: now}
}

func (c *EmbeddingsClient) fetchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, embedAttemptLimit)
		vectors, err := c.fetch(attemptCtx, texts)
		cancel()
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embeddings failed after %d attempts: %w", embedMaxAttempts, lastErr)
}

func (c *EmbeddingsClient) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/v1/embeddings", c.BaseURL)

	payload := EmbeddingsRequest{Model: c.Model, Input: texts}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &statusError{code: resp.StatusCode, body: string(raw)}
	}

	var embeddingsResp EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingsResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embeddingsResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embeddingsResp.Data))
	}

	result := make([][]float32, len(embeddingsResp.Data))
	for i, data := range embeddingsResp.Data {
		if len(data.Embedding) != c.ExpectedSize {
			return nil, fmt.Errorf("embedding %d has size %d, expected %d", i, len(data.Embedding), c.ExpectedSize)
		}
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		normalize(vec)
		result[i] = vec
	}
	return result, nil
}

// contentKey hashes the normalized text: lowercased, whitespace collapsed,
// truncated to 8000 characters.
func contentKey(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if len(norm) > embedNormalizeCap {
		norm = norm[:embedNormalizeCap]
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
