package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/scheduler"
)

// answer composes the final prompt and streams the LLM's response token
// by token through out (never closed by this function), returning the
// accumulated full answer once the stream completes.
func (o *Orchestrator) answer(ctx context.Context, query, queryID string, messages []history.Message, completedPlans []scheduler.Plan, taskResults map[string]scheduler.TaskResult, out chan<- string) (string, error) {
	prompt := o.buildAnswerPrompt(query, queryID, messages, completedPlans, taskResults)

	internal := make(chan string)
	var full strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range internal {
			full.WriteString(chunk)
			if out != nil {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	_, _, err := o.answerClient.GenerateStreaming(ctx, []llm.Message{
		{Role: "system", Content: "Answer the user's query using only the gathered data and sources below. Cite sources where relevant."},
		{Role: "user", Content: prompt},
	}, nil, internal)
	close(internal)
	<-done

	if err != nil {
		return "", &OrchestratorError{Phase: "Answer", Message: "stream failed", Err: err}
	}
	return full.String(), nil
}

func (o *Orchestrator) buildAnswerPrompt(query, queryID string, messages []history.Message, completedPlans []scheduler.Plan, taskResults map[string]scheduler.TaskResult) string {
	var b strings.Builder

	if len(messages) > 0 {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", history.FormatForPlanning(messages))
	}

	ids := make([]string, 0, len(taskResults))
	for id := range taskResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		b.WriteString("Gathered data:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "Task: %s Output: %s\n", id, taskResults[id].Output)
		}
		b.WriteString("\n")
	}

	if sources := o.sourcesAppendix(queryID); sources != "" {
		b.WriteString(sources)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Query: %s", query)
	return b.String()
}

// sourcesAppendix collects source_urls from every Context Store pointer
// saved for queryID, grouped by tool description so the same source
// reported by two calls to the same tool is listed once under one
// heading rather than once per call.
func (o *Orchestrator) sourcesAppendix(queryID string) string {
	if o.store == nil {
		return ""
	}
	pointers := o.store.PointersFor(queryID)
	if len(pointers) == 0 {
		return ""
	}

	byDescription := map[string][]string{}
	order := []string{}
	seen := map[string]bool{}
	for _, p := range pointers {
		if len(p.SourceURLs) == 0 {
			continue
		}
		if _, ok := byDescription[p.ToolDescription]; !ok {
			order = append(order, p.ToolDescription)
		}
		for _, u := range p.SourceURLs {
			key := p.ToolDescription + "|" + u
			if seen[key] {
				continue
			}
			seen[key] = true
			byDescription[p.ToolDescription] = append(byDescription[p.ToolDescription], u)
		}
	}
	if len(order) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, desc := range order {
		fmt.Fprintf(&b, "%s: %s\n", desc, strings.Join(byDescription[desc], ", "))
	}
	return b.String()
}
