// Package history implements the Message History (spec.md §4.2): an
// ordered, per-session log of completed turns, pluggable relevance
// selection over that log, and the two prompt-ready renderings consumed
// by the Orchestrator's Plan and Answer phases.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Message is one completed (query, answer, summary) turn.
type Message struct {
	ID        int       `json:"id"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryError is the component-local error type for Message History
// operations.
type HistoryError struct {
	Operation string
	Message   string
	Err       error
}

func (e *HistoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("history:%s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("history:%s: %s", e.Operation, e.Message)
}

func (e *HistoryError) Unwrap() error { return e.Err }

// Strategy selects, from a full history, the subset relevant to a
// current query. Implementations: llmStrategy (default), recencyStrategy
// (fallback), embeddingStrategy (optional).
type Strategy interface {
	Select(ctx context.Context, query string, messages []Message) ([]Message, error)
}

// Summarizer produces a one- to two-sentence summary of a completed
// turn. On failure, MessageHistory falls back to a deterministic preview
// so a Message's Summary is never empty.
type Summarizer interface {
	Summarize(ctx context.Context, query, answer string) (string, error)
}

// MessageHistory is the ordered per-session turn log. Zero value is not
// usable; construct with New.
type MessageHistory struct {
	mu       sync.RWMutex
	messages []Message
	nextID   int

	strategy   Strategy
	summarizer Summarizer
	indexer    Indexer

	cacheMu sync.Mutex
	cache   map[string][]Message
}

// Indexer is notified of every new turn so an embedding-backed Strategy
// can keep its vector index current without MessageHistory knowing
// anything about vectors itself. AddTurn discards indexing errors; they
// never fail AddTurn.
type Indexer interface {
	Index(ctx context.Context, msg Message) error
}

// Option configures optional MessageHistory behaviour.
type Option func(*MessageHistory)

// WithIndexer attaches an Indexer invoked after every successful AddTurn.
func WithIndexer(indexer Indexer) Option {
	return func(h *MessageHistory) { h.indexer = indexer }
}

// New builds a MessageHistory. strategy selects the relevance algorithm
// (see NewLLMStrategy/NewRecencyStrategy/NewEmbeddingStrategy); summarizer
// may be nil, in which case every turn gets the deterministic preview.
func New(strategy Strategy, summarizer Summarizer, opts ...Option) *MessageHistory {
	h := &MessageHistory{
		strategy:   strategy,
		summarizer: summarizer,
		cache:      make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddTurn validates query/answer are non-empty, generates a summary if
// one was not supplied, assigns the next monotonic id, invalidates the
// relevance cache, and appends the turn.
func (h *MessageHistory) AddTurn(ctx context.Context, query, answer, summary string) (Message, error) {
	if query == "" {
		return Message{}, &HistoryError{Operation: "AddTurn", Message: "query must not be empty"}
	}
	if answer == "" {
		return Message{}, &HistoryError{Operation: "AddTurn", Message: "answer must not be empty"}
	}

	if summary == "" {
		summary = h.generateSummary(ctx, query, answer)
	}

	h.mu.Lock()
	msg := Message{ID: h.nextID, Query: query, Answer: answer, Summary: summary, Timestamp: time.Now()}
	h.nextID++
	h.messages = append(h.messages, msg)
	h.mu.Unlock()

	h.invalidateCache()

	if h.indexer != nil {
		// Best-effort: a failed upsert only degrades the embedding
		// strategy's recall for this turn, it never fails the turn itself.
		_ = h.indexer.Index(ctx, msg)
	}

	return msg, nil
}

func (h *MessageHistory) generateSummary(ctx context.Context, query, answer string) string {
	if h.summarizer != nil {
		if s, err := h.summarizer.Summarize(ctx, query, answer); err == nil && s != "" {
			return s
		}
	}
	return deterministicPreview(query, answer)
}

func deterministicPreview(query, answer string) string {
	return fmt.Sprintf("%s -> %s", truncate(query, 60), truncate(answer, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// HasMessages reports whether any turn has been recorded.
func (h *MessageHistory) HasMessages() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages) > 0
}

// Len returns the number of recorded turns.
func (h *MessageHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Messages returns a snapshot of all turns in insertion order.
func (h *MessageHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// GetByID returns the turn with the given id, if present.
func (h *MessageHistory) GetByID(id int) (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Clear empties the log and resets the id counter; the next AddTurn
// after Clear produces id 0.
func (h *MessageHistory) Clear() {
	h.mu.Lock()
	h.messages = nil
	h.nextID = 0
	h.mu.Unlock()
	h.invalidateCache()
}

func (h *MessageHistory) invalidateCache() {
	h.cacheMu.Lock()
	h.cache = make(map[string][]Message)
	h.cacheMu.Unlock()
}

// SelectRelevant returns the subset of the history relevant to
// currentQuery, using the configured Strategy. Results are cached by a
// short hash of currentQuery until the next AddTurn or Clear.
func (h *MessageHistory) SelectRelevant(ctx context.Context, currentQuery string) ([]Message, error) {
	key := queryCacheKey(currentQuery)

	h.cacheMu.Lock()
	if cached, ok := h.cache[key]; ok {
		h.cacheMu.Unlock()
		return cached, nil
	}
	h.cacheMu.Unlock()

	all := h.Messages()
	if len(all) == 0 {
		return nil, nil
	}

	selected, err := h.strategy.Select(ctx, currentQuery, all)
	if err != nil {
		return nil, err
	}

	h.cacheMu.Lock()
	h.cache[key] = selected
	h.cacheMu.Unlock()
	return selected, nil
}

func queryCacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}
