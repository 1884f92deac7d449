package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/schema"
	"github.com/finagent-ai/finagent/scheduler"
)

// planTaskInput is the shape the planner LLM emits — a subset of
// scheduler.Task's fields; status and tool_calls are not meaningful
// before scheduling and selection have run.
type planTaskInput struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	TaskType    string   `json:"task_type"`
	DependsOn   []string `json:"depends_on"`
}

type planResponse struct {
	Summary string          `json:"summary"`
	Tasks   []planTaskInput `json:"tasks"`
}

// PlanSchema is the structured-output schema for the Plan phase.
func PlanSchema() map[string]any { return schema.Of(&planResponse{}) }

// planInput bundles everything the Plan phase's prompt needs beyond the
// query itself.
type planInput struct {
	understanding  Understanding
	messages       []history.Message
	completedPlans []scheduler.Plan
	taskResults    map[string]scheduler.TaskResult
	guidance       string
	iteration      int
}

// plan runs one Plan iteration and returns the resulting Plan with every
// task id (and depends_on reference) prefixed "iter<iteration>_" so ids
// never collide across iterations within the same turn.
func (o *Orchestrator) plan(ctx context.Context, query string, in planInput) (scheduler.Plan, error) {
	var resp planResponse
	err := o.planClient.GenerateStructured(ctx, []llm.Message{
		{Role: "system", Content: "Produce 2-5 tasks (description at most 10 words each) that gather data or reason over it to answer the query. Each task is typed use_tools or reason, with explicit depends_on ids within this plan only."},
		{Role: "user", Content: buildPlanPrompt(query, in)},
	}, PlanSchema(), &resp)
	if err != nil {
		return scheduler.Plan{}, &OrchestratorError{Phase: "Plan", Message: "structured output failed", Err: err}
	}

	tasks := make([]scheduler.Task, len(resp.Tasks))
	for i, t := range resp.Tasks {
		tasks[i] = scheduler.Task{
			ID:          t.ID,
			Description: t.Description,
			TaskType:    scheduler.TaskType(t.TaskType),
			DependsOn:   t.DependsOn,
			Status:      scheduler.TaskPending,
		}
	}

	return scheduler.PrefixPlan(scheduler.Plan{Summary: resp.Summary, Tasks: tasks}, in.iteration), nil
}

func buildPlanPrompt(query string, in planInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	fmt.Fprintf(&b, "Intent: %s\n", in.understanding.Intent)
	if len(in.understanding.Entities) > 0 {
		entities := make([]string, len(in.understanding.Entities))
		for i, e := range in.understanding.Entities {
			entities[i] = fmt.Sprintf("%s:%s", e.Type, e.Value)
		}
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(entities, ", "))
	}

	if len(in.messages) > 0 {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", history.FormatForPlanning(in.messages))
	}

	if len(in.completedPlans) > 0 {
		b.WriteString("\nWork so far:\n")
		for _, p := range in.completedPlans {
			for _, t := range p.Tasks {
				result := in.taskResults[t.ID]
				fmt.Fprintf(&b, "Task: %s Output: %s\n", t.ID, result.Output)
			}
		}
	}

	if in.guidance != "" {
		fmt.Fprintf(&b, "\nReflection guidance: %s\n", in.guidance)
	}

	return b.String()
}
