package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
)

// llmIDSelection is the structured-output shape the LLM strategy asks
// for: the ids (not indices — history ids are already stable and
// meaningful across turns) of relevant prior messages.
type llmIDSelection struct {
	MessageIDs []int `json:"message_ids"`
}

// IDSelectionSchema is the JSON Schema for the LLM-judged relevance
// call.
func IDSelectionSchema() map[string]any { return schema.Of(&llmIDSelection{}) }

// llmStrategy presents id/query/summary tuples to a small model and
// asks which are relevant to the current query. This is the default
// strategy when turn summaries are available.
type llmStrategy struct {
	client llm.Client
}

// NewLLMStrategy builds the default, model-judged relevance strategy.
func NewLLMStrategy(client llm.Client) Strategy { return &llmStrategy{client: client} }

func (s *llmStrategy) Select(ctx context.Context, query string, messages []Message) ([]Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current query: %s\n\nPrior turns:\n", query)
	for _, m := range messages {
		fmt.Fprintf(&b, "[%d] User: %s | Summary: %s\n", m.ID, m.Query, m.Summary)
	}

	var out llmIDSelection
	err := s.client.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "You select which prior conversation turns are relevant context for answering a new query. Return only the ids that matter; an empty list means none are relevant."},
		{Role: "user", Content: b.String()},
	}, IDSelectionSchema(), &out)
	if err != nil {
		return nil, &HistoryError{Operation: "SelectRelevant", Message: "llm selection failed", Err: err}
	}

	byID := make(map[int]Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}
	selected := make([]Message, 0, len(out.MessageIDs))
	for _, id := range out.MessageIDs {
		if m, ok := byID[id]; ok {
			selected = append(selected, m)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	return selected, nil
}

// recencyStrategy returns the last N messages, a bounded window used
// both as the configured fallback and directly when summarization is
// disabled entirely.
type recencyStrategy struct {
	window int
}

// NewRecencyStrategy builds the recency-window fallback strategy.
// window <= 0 defaults to 10 (spec.md §6 max_context_messages default).
func NewRecencyStrategy(window int) Strategy {
	if window <= 0 {
		window = 10
	}
	return &recencyStrategy{window: window}
}

func (s *recencyStrategy) Select(ctx context.Context, query string, messages []Message) ([]Message, error) {
	if len(messages) <= s.window {
		return messages, nil
	}
	return messages[len(messages)-s.window:], nil
}

// FallbackStrategy wraps a primary strategy and falls back to recency
// when the primary fails, so a transient model error never surfaces as
// a hard failure of Plan/Answer — it simply degrades the context window.
type FallbackStrategy struct {
	Primary  Strategy
	Fallback Strategy
}

func (s *FallbackStrategy) Select(ctx context.Context, query string, messages []Message) ([]Message, error) {
	selected, err := s.Primary.Select(ctx, query, messages)
	if err != nil {
		return s.Fallback.Select(ctx, query, messages)
	}
	return selected, nil
}

// Embedder embeds text into a fixed-width vector. Implementations live
// in package embeddings (chromem-go, qdrant).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embeddingStrategy embeds the current query and every prior turn's
// summary, returning the top-K by cosine similarity. Optional per
// spec.md §4.2, enabled via use_embeddings_for_selection.
type embeddingStrategy struct {
	embedder Embedder
	topK     int
}

// NewEmbeddingStrategy builds the embedding-similarity strategy. topK
// <= 0 defaults to 10.
func NewEmbeddingStrategy(embedder Embedder, topK int) Strategy {
	if topK <= 0 {
		topK = 10
	}
	return &embeddingStrategy{embedder: embedder, topK: topK}
}

func (s *embeddingStrategy) Select(ctx context.Context, query string, messages []Message) ([]Message, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &HistoryError{Operation: "SelectRelevant", Message: "embed query", Err: err}
	}

	type scored struct {
		msg   Message
		score float32
	}
	scoredMsgs := make([]scored, 0, len(messages))
	for _, m := range messages {
		vec, err := s.embedder.Embed(ctx, m.Summary)
		if err != nil {
			continue // tolerate a single embedding failure, skip that turn
		}
		scoredMsgs = append(scoredMsgs, scored{msg: m, score: cosineSimilarity(queryVec, vec)})
	}

	sort.Slice(scoredMsgs, func(i, j int) bool { return scoredMsgs[i].score > scoredMsgs[j].score })
	if len(scoredMsgs) > s.topK {
		scoredMsgs = scoredMsgs[:s.topK]
	}

	out := make([]Message, len(scoredMsgs))
	for i, sm := range scoredMsgs {
		out[i] = sm.msg
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VectorIndex is a persistent, searchable store of vectors, implemented
// by package embeddings over chromem-go (in-process) or Qdrant
// (networked). Distinct from Embedder: the index stores and searches
// vectors it is handed, it does not itself turn text into vectors.
type VectorIndex interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]VectorResult, error)
}

// VectorResult is one hit from a VectorIndex search.
type VectorResult struct {
	ID    string
	Score float32
}

// indexedEmbeddingStrategy is the persistent-index variant of
// embedding-similarity selection: turn summaries are upserted into a
// VectorIndex as they are added (see NewEmbeddingIndexer), and Select
// performs a single nearest-neighbour search instead of re-embedding
// every prior turn on every call.
type indexedEmbeddingStrategy struct {
	embedder   Embedder
	index      VectorIndex
	collection string
	topK       int
}

// NewIndexedEmbeddingStrategy builds the embedding-similarity strategy
// backed by a persistent VectorIndex. Pair it with a MessageHistory
// built via history.New(..., history.WithIndexer(NewEmbeddingIndexer(...)))
// so the index stays current as turns are added.
func NewIndexedEmbeddingStrategy(embedder Embedder, index VectorIndex, collection string, topK int) Strategy {
	if topK <= 0 {
		topK = 10
	}
	return &indexedEmbeddingStrategy{embedder: embedder, index: index, collection: collection, topK: topK}
}

func (s *indexedEmbeddingStrategy) Select(ctx context.Context, query string, messages []Message) ([]Message, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &HistoryError{Operation: "SelectRelevant", Message: "embed query", Err: err}
	}

	results, err := s.index.Search(ctx, s.collection, queryVec, s.topK)
	if err != nil {
		return nil, &HistoryError{Operation: "SelectRelevant", Message: "vector index search", Err: err}
	}

	byID := make(map[string]Message, len(messages))
	for _, m := range messages {
		byID[fmt.Sprintf("%d", m.ID)] = m
	}
	selected := make([]Message, 0, len(results))
	for _, r := range results {
		if m, ok := byID[r.ID]; ok {
			selected = append(selected, m)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	return selected, nil
}

// embeddingIndexer implements Indexer by embedding a turn's summary and
// upserting it into a VectorIndex, keyed by the turn's id.
type embeddingIndexer struct {
	embedder   Embedder
	index      VectorIndex
	collection string
}

// NewEmbeddingIndexer builds the Indexer paired with
// NewIndexedEmbeddingStrategy.
func NewEmbeddingIndexer(embedder Embedder, index VectorIndex, collection string) Indexer {
	return &embeddingIndexer{embedder: embedder, index: index, collection: collection}
}

func (i *embeddingIndexer) Index(ctx context.Context, msg Message) error {
	vec, err := i.embedder.Embed(ctx, msg.Summary)
	if err != nil {
		return err
	}
	return i.index.Upsert(ctx, i.collection, fmt.Sprintf("%d", msg.ID), vec, map[string]any{"query": msg.Query})
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}
