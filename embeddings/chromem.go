package embeddings

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is the zero-config, in-process Index backend: no external
// service, optional uncompressed gob file persistence. The recommended
// default for single-process deployments.
type ChromemIndex struct {
	db          *chromem.DB
	persistPath string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// ChromemConfig configures a ChromemIndex.
type ChromemConfig struct {
	// PersistPath, if set, persists the index to <PersistPath>/vectors.gob
	// on every write. Empty means in-memory only.
	PersistPath string
}

// NewChromemIndex builds a ChromemIndex. Vectors handed to it are always
// pre-computed by an embeddings.Client — chromem-go's own embedding
// function is never invoked.
func NewChromemIndex(cfg ChromemConfig) (*ChromemIndex, error) {
	if cfg.PersistPath == "" {
		return &ChromemIndex{db: chromem.NewDB(), collections: make(map[string]*chromem.Collection)}, nil
	}

	if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
		return nil, fmt.Errorf("embeddings: create persist dir: %w", err)
	}

	dbPath := cfg.PersistPath + "/vectors.gob"
	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("embeddings: open persistent db: %w", err)
	}
	return &ChromemIndex{db: db, persistPath: cfg.PersistPath, collections: make(map[string]*chromem.Collection)}, nil
}

func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings: chromem embedding function invoked, vectors must be pre-computed")
}

func (idx *ChromemIndex) getCollection(name string) (*chromem.Collection, error) {
	idx.mu.RLock()
	if col, ok := idx.collections[name]; ok {
		idx.mu.RUnlock()
		return col, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if col, ok := idx.collections[name]; ok {
		return col, nil
	}
	col, err := idx.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("embeddings: get/create collection %q: %w", name, err)
	}
	idx.collections[name] = col
	return col, nil
}

func (idx *ChromemIndex) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := idx.getCollection(collection)
	if err != nil {
		return err
	}

	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	doc := chromem.Document{ID: id, Metadata: strMetadata, Embedding: vector}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("embeddings: upsert: %w", err)
	}
	return idx.persist()
}

func (idx *ChromemIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := idx.getCollection(collection)
	if err != nil {
		return nil, err
	}
	if col.Count() == 0 {
		return nil, nil
	}
	if topK > col.Count() {
		topK = col.Count()
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("embeddings: search: %w", err)
	}

	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = Result{ID: r.ID, Score: r.Similarity}
	}
	return out, nil
}

func (idx *ChromemIndex) persist() error {
	if idx.persistPath == "" {
		return nil
	}
	//nolint:staticcheck // chromem-go's documented persistence path
	if err := idx.db.Export(idx.persistPath+"/vectors.gob", false, ""); err != nil {
		return fmt.Errorf("embeddings: persist: %w", err)
	}
	return nil
}

var _ Index = (*ChromemIndex)(nil)
