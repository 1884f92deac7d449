package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures a QdrantIndex.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantIndex is the networked Index backend, for deployments that need
// a shared index across multiple finagent processes rather than the
// single-process ChromemIndex.
type QdrantIndex struct {
	client *qdrant.Client
}

// NewQdrantIndex dials a Qdrant instance over gRPC.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: dial qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantIndex{client: client}, nil
}

func (idx *QdrantIndex) ensureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := idx.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("embeddings: check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("embeddings: create collection: %w", err)
	}
	return nil
}

func (idx *QdrantIndex) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	if err := idx.ensureCollection(ctx, collection, len(vector)); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return fmt.Errorf("embeddings: convert metadata %q: %w", k, err)
		}
		payload[k] = val
	}

	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("embeddings: upsert point: %w", err)
	}
	return nil
}

func (idx *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	limit := uint64(topK)
	points, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: search: %w", err)
	}

	out := make([]Result, len(points))
	for i, p := range points {
		out[i] = Result{ID: idToString(p.Id), Score: p.Score}
	}
	return out, nil
}

func idToString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if s, ok := id.PointIdOptions.(*qdrant.PointId_Uuid); ok {
		return s.Uuid
	}
	if n, ok := id.PointIdOptions.(*qdrant.PointId_Num); ok {
		return fmt.Sprintf("%d", n.Num)
	}
	return ""
}

var _ Index = (*QdrantIndex)(nil)
