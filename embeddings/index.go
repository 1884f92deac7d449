package embeddings

import "context"

// Result is one hit from an Index search, ordered by descending score.
type Result struct {
	ID    string
	Score float32
}

// Index is a persistent, searchable store of vectors. ChromemIndex and
// QdrantIndex both satisfy this. It has the same method shape as
// history.VectorIndex, but Search returns []Result rather than
// []history.VectorResult, so an Index does not satisfy history.VectorIndex
// directly; cmd/finagent's vectorIndexAdapter translates between them.
type Index interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
}
