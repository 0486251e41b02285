// Package vectorindex abstracts the approximate-nearest-neighbor index.
// Two variants exist: an external Qdrant index and a full-scan fallback
// over the document store. Configuration picks one at startup.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Datapoint is one vector entry. The ID has the shape {chunkID}:{noteID}.
type Datapoint struct {
	ID       string
	Vector   []float32
	TenantID string
}

// Result is one search hit, score descending within a result list.
type Result struct {
	ChunkID string
	NoteID  string
	Score   float32
}

// Index is the capability set both variants implement.
type Index interface {
	// Search returns up to k results for the tenant, score descending.
	Search(ctx context.Context, vector []float32, tenantID string, k int) ([]Result, error)
	// Upsert writes datapoints. Best-effort for callers; errors are
	// logged and swallowed by the indexer.
	Upsert(ctx context.Context, points []Datapoint) error
	// Remove deletes datapoints by ID.
	Remove(ctx context.Context, ids []string) error
	// Name identifies the variant for logs and strategy strings.
	Name() string
	// Configured reports whether the variant can serve requests.
	Configured() bool
}

// DatapointID builds the index identifier for a chunk.
func DatapointID(chunkID, noteID string) string {
	return chunkID + ":" + noteID
}

// SplitDatapointID recovers chunk and note IDs from a datapoint identifier.
func SplitDatapointID(id string) (chunkID, noteID string, err error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed datapoint id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// Similarity converts a service-reported distance to a similarity in [0,1].
// Cosine and dot-product distances convert as 1-d; squared L2 as 1/(1+d).
func Similarity(metric string, distance float32) float32 {
	switch metric {
	case "SQUARED_L2":
		if distance < 0 {
			distance = 0
		}
		return 1 / (1 + distance)
	default: // COSINE, DOT_PRODUCT
		s := 1 - distance
		if s < 0 {
			return 0
		}
		if s > 1 {
			return 1
		}
		return s
	}
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 when dimensions differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
