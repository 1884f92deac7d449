package llm

import "context"

// Client is the seam the rest of the core depends on for all LLM calls:
// understanding, planning, reflection, tool selection, relevance
// judgement, summarisation, and the final answer stream. How the model
// is hosted, authenticated or billed is deliberately not this package's
// concern — Client is the only contract callers see.
type Client interface {
	// Generate produces a single response, optionally offering tools for
	// the model to call. Returns the text (empty if the model only made
	// tool calls), any tool calls requested, and a token count.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (text string, calls []ToolCall, tokens int, err error)

	// GenerateStreaming is like Generate but streams text chunks to out
	// as they arrive; out is never closed by the callee.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, out chan<- string) (calls []ToolCall, tokens int, err error)

	// GenerateStructured asks the model to produce output conforming to
	// schema (a JSON Schema document) and unmarshals it into v. A model
	// that cannot honour the schema is a phase-fatal error for the caller.
	GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, v any) error

	// Name identifies the underlying model, for logging/metrics labels.
	Name() string
}

// FastClient marks a Client chosen for latency over quality — the small
// model the Tool Executor and relevance-selection strategies use. It is
// the same interface; the distinction is purely at the wiring layer.
type FastClient = Client
