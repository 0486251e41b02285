// Package cache provides a process-local TTL cache with hybrid
// LFU + LRU eviction, used for chunk hydration and retrieval results.
package cache

import (
	"math"
	"strings"
	"sync"
	"time"
)

const sweepInterval = 60 * time.Second

// Stats reports cache effectiveness counters.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value       V
	expiresAt   time.Time
	storedAt    time.Time
	lastAccess  time.Time
	accessCount int64
}

// TTL is a bounded key/value cache with per-entry expiry.
// Eviction blends access frequency and recency: victims are the entries
// with the lowest 0.6*log2(hits+1) + 0.4*recency score.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64
	stop    chan struct{}
	once    sync.Once
}

// New creates a TTL cache with the given default entry lifetime and capacity.
// A background sweeper removes expired entries every minute until Stop is
// called.
func New[V any](ttl time.Duration, maxSize int) *TTL[V] {
	c := &TTL[V]{
		entries: make(map[string]*entry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// NewChunkCache returns the cache used by the chunk hydrator.
func NewChunkCache[V any]() *TTL[V] { return New[V](2*time.Minute, 500) }

// NewRetrievalCache returns the cache used for retrieval results.
func NewRetrievalCache[V any]() *TTL[V] { return New[V](3*time.Minute, 200) }

// Get returns the value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	e.accessCount++
	e.lastAccess = now
	c.hits++
	return e.value, true
}

// Has reports whether key is present and unexpired without counting a hit.
func (c *TTL[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Set stores value under key with the cache's default TTL.
// An existing key is updated in place; otherwise capacity is enforced first.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// SetMany stores all entries in one critical section.
func (c *TTL[V]) SetMany(values map[string]V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.setLocked(k, v)
	}
}

// GetMany returns the present, unexpired subset of keys.
func (c *TTL[V]) GetMany(keys []string) map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			c.misses++
			continue
		}
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.misses++
			continue
		}
		e.accessCount++
		e.lastAccess = now
		c.hits++
		out[k] = e.value
	}
	return out
}

// Delete removes key if present.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteByPrefix removes all keys beginning with prefix and returns the count.
func (c *TTL[V]) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Len returns the current entry count.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns a snapshot of the counters.
func (c *TTL[V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Stop terminates the background sweeper. Safe to call more than once.
func (c *TTL[V]) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *TTL[V]) setLocked(key string, value V) {
	now := time.Now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = now.Add(c.ttl)
		e.lastAccess = now
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}

	c.entries[key] = &entry[V]{
		value:      value,
		expiresAt:  now.Add(c.ttl),
		storedAt:   now,
		lastAccess: now,
	}
}

// evictLocked frees room for at least one new entry. Expired entries go
// first; if none expired, the lowest-scoring survivors are removed.
func (c *TTL[V]) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	// Partial selection: find the n worst entries without a full sort.
	n := c.maxSize / 10
	if n < 1 {
		n = 1
	}
	type victim struct {
		key   string
		score float64
	}
	worst := make([]victim, 0, n)
	for k, e := range c.entries {
		age := now.Sub(e.storedAt)
		recency := 1 - age.Seconds()/c.ttl.Seconds()
		if recency < 0 {
			recency = 0
		}
		score := 0.6*math.Log2(float64(e.accessCount)+1) + 0.4*recency

		if len(worst) < n {
			worst = append(worst, victim{k, score})
			continue
		}
		// Replace the best-scoring member of the victim set if this
		// entry scores lower.
		maxIdx := 0
		for i := 1; i < len(worst); i++ {
			if worst[i].score > worst[maxIdx].score {
				maxIdx = i
			}
		}
		if score < worst[maxIdx].score {
			worst[maxIdx] = victim{k, score}
		}
	}
	for _, v := range worst {
		delete(c.entries, v.key)
	}
}

func (c *TTL[V]) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
