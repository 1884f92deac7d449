package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
)

type understandingResponse struct {
	Intent   string   `json:"intent"`
	Entities []Entity `json:"entities"`
}

// UnderstandingSchema is the structured-output schema for the Understand
// phase, exported so the session API's Explain surface and tests can
// reference it directly.
func UnderstandingSchema() map[string]any { return schema.Of(&understandingResponse{}) }

// understand runs the Understand phase: extract {intent, entities} from
// the query, normalising company names to tickers where possible, using
// whatever conversation context the relevant prior turns provide.
func (o *Orchestrator) understand(ctx context.Context, query string, messages []history.Message) (Understanding, error) {
	var conversationContext string
	if len(messages) > 0 {
		conversationContext = history.FormatForPlanning(messages)
	}

	var resp understandingResponse
	err := o.understandClient.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "Extract the user's intent and named entities from the query. Tag each entity with its type: ticker, date, metric, company, period, or other. Normalise company names to their stock ticker where you can and use the ticker type for it."},
		{Role: "user", Content: buildUnderstandPrompt(query, conversationContext)},
	}, UnderstandingSchema(), &resp)
	if err != nil {
		return Understanding{}, &OrchestratorError{Phase: "Understand", Message: "structured output failed", Err: err}
	}

	return Understanding{Intent: resp.Intent, Entities: resp.Entities}, nil
}

func buildUnderstandPrompt(query, conversationContext string) string {
	var b strings.Builder
	if conversationContext != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", conversationContext)
	}
	fmt.Fprintf(&b, "Query: %s", query)
	return b.String()
}
