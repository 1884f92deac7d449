package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
	"github.com/finagent-ai/finagent/scheduler"
)

const maxIterationsReachedReasoning = "reached maximum iterations"

type reflectionResponse struct {
	IsComplete         bool     `json:"is_complete"`
	Reasoning          string   `json:"reasoning"`
	MissingInfo        []string `json:"missing_info"`
	SuggestedNextSteps []string `json:"suggested_next_steps"`
}

// ReflectionSchema is the structured-output schema for the Reflect phase.
func ReflectionSchema() map[string]any { return schema.Of(&reflectionResponse{}) }

// reflect judges whether the turn's work so far answers the query. With
// iteration >= o.maxIterations it short-circuits without any LLM call —
// spec.md §8 invariant 7.
func (o *Orchestrator) reflect(ctx context.Context, query string, iteration int, completedPlans []scheduler.Plan, taskResults map[string]scheduler.TaskResult) (Reflection, error) {
	if iteration >= o.maxIterations {
		return Reflection{IsComplete: true, Reasoning: maxIterationsReachedReasoning}, nil
	}

	var resp reflectionResponse
	err := o.reflectClient.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "Judge whether the work so far fully answers the query. If not, explain what is missing and suggest concrete next steps for another planning pass."},
		{Role: "user", Content: buildReflectPrompt(query, completedPlans, taskResults)},
	}, ReflectionSchema(), &resp)
	if err != nil {
		return Reflection{}, &OrchestratorError{Phase: "Reflect", Message: "structured output failed", Err: err}
	}

	return Reflection{
		IsComplete:         resp.IsComplete,
		Reasoning:          resp.Reasoning,
		MissingInfo:        resp.MissingInfo,
		SuggestedNextSteps: resp.SuggestedNextSteps,
	}, nil
}

func buildReflectPrompt(query string, completedPlans []scheduler.Plan, taskResults map[string]scheduler.TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nWork so far:\n", query)
	for _, p := range completedPlans {
		for _, t := range p.Tasks {
			result := taskResults[t.ID]
			fmt.Fprintf(&b, "Task: %s Output: %s\n", t.ID, result.Output)
		}
	}
	return b.String()
}

// guidance composes the string fed back into the next Plan iteration
// when reflection judges the work incomplete.
func guidance(r Reflection) string {
	var b strings.Builder
	b.WriteString(r.Reasoning)
	if len(r.MissingInfo) > 0 {
		fmt.Fprintf(&b, " Missing: %s.", strings.Join(r.MissingInfo, "; "))
	}
	if len(r.SuggestedNextSteps) > 0 {
		fmt.Fprintf(&b, " Next steps: %s.", strings.Join(r.SuggestedNextSteps, "; "))
	}
	return b.String()
}
