// Package contextstore implements the Context Store (spec.md §4.1): a
// content-addressed on-disk store of tool-call results, a lightweight
// in-memory pointer index per query, and LLM-assisted relevance
// selection over that index.
package contextstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
)

// ContextPointer is an in-memory handle to a ContextRecord on disk,
// scoped by query_id.
type ContextPointer struct {
	Filepath        string         `json:"filepath"`
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description"`
	Args            map[string]any `json:"args"`
	QueryID         string         `json:"query_id"`
	SourceURLs      []string       `json:"source_urls,omitempty"`
	TaskID          string         `json:"task_id,omitempty"`
}

// ContextRecord is the full JSON document persisted per tool invocation.
type ContextRecord struct {
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description"`
	Args            map[string]any `json:"args"`
	Timestamp       time.Time      `json:"timestamp"`
	TaskID          string         `json:"task_id,omitempty"`
	QueryID         string         `json:"query_id,omitempty"`
	SourceURLs      []string       `json:"source_urls,omitempty"`
	Result          any            `json:"result"`
}

// StoreError is the component-local error type for the Context Store,
// following the {Component,Operation,Message,Err} shape used throughout
// the codebase so callers can errors.As against a specific operation.
type StoreError struct {
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contextstore:%s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("contextstore:%s: %s", e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RelevanceSelector asks an LLM which pointers, out of a larger set, are
// relevant to a query. It is the seam between Store and the
// llm.Client-backed selector that New builds.
type RelevanceSelector interface {
	SelectIndices(ctx context.Context, query string, candidates []candidateSummary) ([]int, error)
}

// Store is the Context Store. One instance is shared by the Orchestrator,
// Task Executor and Tool Executor across sessions (it outlives a single
// query — pointers are scoped by query_id, not by Store instance).
type Store struct {
	root     string
	selector RelevanceSelector

	mu       sync.Mutex
	pointers map[string][]ContextPointer // query_id -> pointers, insertion order
}

// New creates a Store rooted at dir, which is created if it does not
// already exist. client may be nil; SelectRelevant then always falls
// back to "all pointers" (spec.md §7: context-selection failure).
func New(dir string, client llm.Client) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StoreError{Operation: "New", Message: "create context root", Err: err}
	}
	var sel RelevanceSelector
	if client != nil {
		sel = &llmRelevanceSelector{client: client}
	}
	return &Store{root: dir, selector: sel, pointers: make(map[string][]ContextPointer)}, nil
}

// envelope is the optional wrapper a tool's result may return:
// {data, source_urls}. Save unwraps it so source_urls can be promoted to
// the pointer for citation; anything else is stored as the raw result.
type envelope struct {
	Data       any      `json:"data"`
	SourceURLs []string `json:"source_urls"`
}

func unwrapEnvelope(result any) (data any, sourceURLs []string) {
	m, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}
	rawData, hasData := m["data"]
	if !hasData {
		return result, nil
	}
	var urls []string
	if raw, ok := m["source_urls"]; ok {
		if list, ok := raw.([]any); ok {
			for _, u := range list {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
		} else if list, ok := raw.([]string); ok {
			urls = list
		}
	}
	return rawData, urls
}

// Save persists one tool invocation's result, deriving a deterministic,
// content-addressed filename from (tool_name, canonical(args)). Calling
// Save twice with equal (tool_name, args) overwrites the same file and
// leaves exactly one pointer per query_id (invariant 4/round-trip law,
// spec.md §8).
func (s *Store) Save(ctx context.Context, toolName string, args map[string]any, result any, queryID, taskID string) (*ContextPointer, error) {
	data, sourceURLs := unwrapEnvelope(result)

	fname, err := Filename(toolName, args)
	if err != nil {
		return nil, &StoreError{Operation: "Save", Message: "derive filename", Err: err}
	}
	path := filepath.Join(s.root, fname)

	record := ContextRecord{
		ToolName:        toolName,
		ToolDescription: Describe(toolName, args),
		Args:            args,
		Timestamp:       time.Now(),
		TaskID:          taskID,
		QueryID:         queryID,
		SourceURLs:      sourceURLs,
		Result:          data,
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, &StoreError{Operation: "Save", Message: "encode record", Err: err}
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		// Disk write failure is fatal for the task that produced it.
		return nil, &StoreError{Operation: "Save", Message: "write record", Err: err}
	}

	pointer := ContextPointer{
		Filepath:        path,
		ToolName:        toolName,
		ToolDescription: record.ToolDescription,
		Args:            args,
		QueryID:         queryID,
		SourceURLs:      sourceURLs,
		TaskID:          taskID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.pointers[queryID]
	for i, p := range existing {
		if p.Filepath == path {
			existing[i] = pointer
			s.pointers[queryID] = existing
			return &pointer, nil
		}
	}
	s.pointers[queryID] = append(existing, pointer)
	return &pointer, nil
}

// PointersFor returns the pointers recorded for a query_id, in insertion
// order. The returned slice is a copy; callers may not mutate the store.
func (s *Store) PointersFor(queryID string) []ContextPointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.pointers[queryID]
	out := make([]ContextPointer, len(src))
	copy(out, src)
	return out
}

// Load reads the ContextRecords for a set of pointer filepaths. A single
// file's read/decode failure is skipped (with the error collected, not
// returned) so the agent tolerates a partially available context, per
// spec.md §4.1 failure policy.
func (s *Store) Load(filepaths []string) ([]ContextRecord, []error) {
	records := make([]ContextRecord, 0, len(filepaths))
	var warnings []error
	for _, path := range filepaths {
		data, err := os.ReadFile(path)
		if err != nil {
			warnings = append(warnings, &StoreError{Operation: "Load", Message: path, Err: err})
			continue
		}
		var record ContextRecord
		if err := json.Unmarshal(data, &record); err != nil {
			warnings = append(warnings, &StoreError{Operation: "Load", Message: path, Err: err})
			continue
		}
		records = append(records, record)
	}
	return records, warnings
}

// Describe synthesises a deterministic, human-readable one-line summary
// of a tool invocation, used both as the pointer's ToolDescription and as
// the candidate text shown to SelectRelevant.
func Describe(toolName string, args map[string]any) string {
	var b strings.Builder
	if ticker, ok := stringArg(args, "ticker", "symbol"); ok {
		b.WriteString(strings.ToUpper(ticker))
		b.WriteString(" ")
	}
	b.WriteString(strings.ReplaceAll(toolName, "_", " "))

	var extras []string
	if period, ok := stringArg(args, "period", "interval"); ok {
		extras = append(extras, period)
	}
	if limit, ok := args["limit"]; ok {
		extras = append(extras, fmt.Sprintf("%v periods", limit))
	}
	if len(extras) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(extras, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func stringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// Filename derives the deterministic, content-addressed filename for a
// tool invocation: an optional ticker prefix, the tool name, and a
// 12-hex-character hash over the canonicalised (sorted-key) arguments.
// Equal (tool_name, args) pairs always produce equal filenames
// (invariant 4, spec.md §8).
func Filename(toolName string, args map[string]any) (string, error) {
	canon, err := canonicalize(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(toolName + "|" + canon))
	hash := hex.EncodeToString(sum[:])[:12]

	var prefix string
	if ticker, ok := stringArg(args, "ticker", "symbol"); ok {
		prefix = strings.ToUpper(sanitize(ticker)) + "_"
	}
	return fmt.Sprintf("%s%s_%s.json", prefix, sanitize(toolName), hash), nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// canonicalize produces a stable JSON encoding of args with all object
// keys sorted, so the same logical arguments always hash identically
// regardless of map iteration order.
func canonicalize(v any) (string, error) {
	ordered, err := orderedValue(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func orderedValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			ov, err := orderedValue(val[k])
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, k, ov)
		}
		return pairs, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			ov, err := orderedValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = ov
		}
		return out, nil
	default:
		return val, nil
	}
}

type candidateSummary struct {
	Index       int            `json:"index"`
	ToolName    string         `json:"tool_name"`
	Description string         `json:"tool_description"`
	Args        map[string]any `json:"args"`
}

type relevanceResponse struct {
	Indices []int `json:"indices"`
}

// RelevanceSchema is the JSON Schema for the Context Store's structured
// relevance-selection LLM call (history uses its own IDSelectionSchema).
func RelevanceSchema() map[string]any { return schema.Of(&relevanceResponse{}) }

type llmRelevanceSelector struct {
	client llm.Client
}

func (s *llmRelevanceSelector) SelectIndices(ctx context.Context, query string, candidates []candidateSummary) ([]int, error) {
	prompt := buildRelevancePrompt(query, candidates)
	var resp relevanceResponse
	if err := s.client.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "You select which prior tool results are relevant to a user's query. Return only the indices that matter; return an empty list if none do."},
		{Role: "user", Content: prompt},
	}, RelevanceSchema(), &resp); err != nil {
		return nil, err
	}
	return resp.Indices, nil
}

func buildRelevancePrompt(query string, candidates []candidateSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for _, c := range candidates {
		args, _ := json.Marshal(c.Args)
		fmt.Fprintf(&b, "[%d] %s (%s) args=%s\n", c.Index, c.ToolName, c.Description, string(args))
	}
	return b.String()
}

// SelectRelevant asks the LLM, given the query and a candidate set of
// pointers, which ones are relevant, and returns their filepaths. On any
// selection failure it falls back to "all pointers" rather than treating
// the failure as "none", so a failure never silently drops data; an
// honest empty selection from the model is respected.
func (s *Store) SelectRelevant(ctx context.Context, query string, pointers []ContextPointer) []string {
	if s.selector == nil || len(pointers) == 0 {
		return allFilepaths(pointers)
	}

	candidates := make([]candidateSummary, len(pointers))
	for i, p := range pointers {
		candidates[i] = candidateSummary{Index: i, ToolName: p.ToolName, Description: p.ToolDescription, Args: p.Args}
	}

	indices, err := s.selector.SelectIndices(ctx, query, candidates)
	if err != nil {
		return allFilepaths(pointers)
	}

	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(pointers) {
			out = append(out, pointers[idx].Filepath)
		}
	}
	return out
}

func allFilepaths(pointers []ContextPointer) []string {
	out := make([]string, len(pointers))
	for i, p := range pointers {
		out[i] = p.Filepath
	}
	return out
}
