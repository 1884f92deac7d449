package history

import (
	"context"
	"fmt"

	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
)

type summaryResponse struct {
	Summary string `json:"summary"`
}

// SummarySchema is the JSON Schema for the turn-summarization call.
func SummarySchema() map[string]any { return schema.Of(&summaryResponse{}) }

// llmSummarizer produces one- to two-sentence turn summaries via a
// small model. Enabled by the summarize_via_llm configuration option;
// MessageHistory falls back to a deterministic preview whenever this
// returns an error.
type llmSummarizer struct {
	client llm.Client
}

// NewLLMSummarizer builds the optional LLM-backed summarizer.
func NewLLMSummarizer(client llm.Client) Summarizer { return &llmSummarizer{client: client} }

func (s *llmSummarizer) Summarize(ctx context.Context, query, answer string) (string, error) {
	var out summaryResponse
	err := s.client.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "Summarize this conversation turn in one to two sentences, from the assistant's point of view."},
		{Role: "user", Content: fmt.Sprintf("User asked: %s\n\nAssistant answered: %s", query, answer)},
	}, SummarySchema(), &out)
	if err != nil {
		return "", &HistoryError{Operation: "Summarize", Message: "llm summarization failed", Err: err}
	}
	if out.Summary == "" {
		return "", &HistoryError{Operation: "Summarize", Message: "llm returned empty summary"}
	}
	return out.Summary, nil
}
