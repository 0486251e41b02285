package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"notemind/internal/contextutil"
)

// QdrantIndex implements Index against a Qdrant deployment.
// Point IDs are deterministic UUIDs derived from the datapoint identifier
// so removal needs no lookup; the raw identifier travels in the payload.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	metric     string
	configured bool
}

// NewQdrantIndex creates the external ANN variant.
// urlStr is "http://host:port"; the gRPC port is derived from the HTTP port.
// An empty urlStr yields an unconfigured index so startup selection can
// fall back to the full scan.
func NewQdrantIndex(urlStr, collection, metric string) (*QdrantIndex, error) {
	if urlStr == "" || collection == "" {
		return &QdrantIndex{collection: collection, metric: metric}, nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if parsedURL.Port() != "" {
		if httpPort, err := strconv.Atoi(parsedURL.Port()); err == nil {
			// gRPC port is typically HTTP port + 1
			port = httpPort + 1
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantIndex{
		client:     client,
		collection: collection,
		metric:     metric,
		configured: true,
	}, nil
}

// EnsureCollection creates the collection when absent.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, vectorSize int) error {
	if !s.configured {
		return fmt.Errorf("qdrant index not configured")
	}
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	distance := qdrant.Distance_Cosine
	switch s.metric {
	case "DOT_PRODUCT":
		distance = qdrant.Distance_Dot
	case "SQUARED_L2":
		distance = qdrant.Distance_Euclid
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Name identifies the variant.
func (s *QdrantIndex) Name() string { return "qdrant" }

// Configured reports whether the endpoint and collection are set.
func (s *QdrantIndex) Configured() bool { return s.configured }

// Upsert writes datapoints with a tenant restrict in the payload.
func (s *QdrantIndex) Upsert(ctx context.Context, points []Datapoint) error {
	logger := contextutil.LoggerFromContext(ctx)
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		chunkID, noteID, err := SplitDatapointID(point.ID)
		if err != nil {
			return err
		}
		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(point.ID)),
			Vectors: qdrant.NewVectors(point.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"datapoint_id": point.ID,
				"chunk_id":     chunkID,
				"note_id":      noteID,
				"tenant_id":    point.TenantID,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         qdrantPoints,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", s.collection, "count", len(points), "error", err)
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	logger.DebugContext(ctx, "upserted points", "collection", s.collection, "count", len(points))
	return nil
}

// Search returns up to k tenant-scoped results preserving service rank.
func (s *QdrantIndex) Search(ctx context.Context, vector []float32, tenantID string, k int) ([]Result, error) {
	logger := contextutil.LoggerFromContext(ctx)
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}

	limit := uint64(k)
	scoredPoints, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID),
			},
		},
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to search points", "collection", s.collection, "k", k, "error", err)
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]Result, 0, len(scoredPoints))
	for _, point := range scoredPoints {
		var chunkID, noteID string
		if point.Payload != nil {
			if v, ok := point.Payload["chunk_id"]; ok {
				chunkID = v.GetStringValue()
			}
			if v, ok := point.Payload["note_id"]; ok {
				noteID = v.GetStringValue()
			}
		}
		if chunkID == "" {
			continue
		}
		results = append(results, Result{
			ChunkID: chunkID,
			NoteID:  noteID,
			Score:   s.scoreToSimilarity(point.Score),
		})
	}

	logger.DebugContext(ctx, "vector search completed", "collection", s.collection, "k", k, "results", len(results))
	return results, nil
}

// Remove deletes datapoints by their identifiers.
func (s *QdrantIndex) Remove(ctx context.Context, ids []string) error {
	logger := contextutil.LoggerFromContext(ctx)
	if len(ids) == 0 {
		return nil
	}

	qdrantIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		qdrantIDs = append(qdrantIDs, qdrant.NewID(pointUUID(id)))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(qdrantIDs...),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", s.collection, "count", len(ids), "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}
	logger.DebugContext(ctx, "deleted points", "collection", s.collection, "count", len(ids))
	return nil
}

// scoreToSimilarity maps Qdrant's score to [0,1]. For cosine and dot the
// score is already a similarity (distance d = 1-score); for Euclid the
// score is a distance.
func (s *QdrantIndex) scoreToSimilarity(score float32) float32 {
	switch s.metric {
	case "SQUARED_L2":
		return Similarity(s.metric, score)
	default:
		return Similarity(s.metric, 1-score)
	}
}

// pointUUID derives a stable UUID from a datapoint identifier, since
// Qdrant point IDs must be UUIDs or integers.
func pointUUID(datapointID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(datapointID)).String()
}
