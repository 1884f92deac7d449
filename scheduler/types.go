// Package scheduler implements the Task Executor (spec.md §4.4): given a
// Plan's task DAG, run tasks respecting depends_on with maximum safe
// parallelism, dispatching use_tools tasks to the Tool Executor and
// reason tasks to the reasoning LLM.
package scheduler

import "fmt"

// TaskType distinguishes the two kinds of work a Task can carry out.
type TaskType string

const (
	TaskUseTools TaskType = "use_tools"
	TaskReason   TaskType = "reason"
)

// TaskStatus is a Task's externally visible lifecycle state. It is
// monotonic: pending -> in_progress -> completed|failed.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// CallStatus mirrors a ToolCall's lifecycle.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// ToolCall is one concrete tool invocation recorded on a use_tools Task
// after selection.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Status   CallStatus     `json:"status"`
	Error    string         `json:"error,omitempty"`
}

// Task is one node of a Plan's dependency graph.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	TaskType    TaskType   `json:"task_type"`
	DependsOn   []string   `json:"depends_on"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
}

// Plan is one planning iteration's output: a short summary and the set
// of tasks it proposes.
type Plan struct {
	Summary string `json:"summary"`
	Tasks   []Task `json:"tasks"`
}

// TaskResult is the single output a Task contributes to a turn's shared
// task_results map.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Output string `json:"output"`
}

// PrefixPlan rewrites every task id and depends_on reference in plan
// with "iter<iteration>_" so that ids never collide across planning
// iterations within the same turn (spec.md §3's Plan invariant).
func PrefixPlan(plan Plan, iteration int) Plan {
	prefix := fmt.Sprintf("iter%d_", iteration)
	out := Plan{Summary: plan.Summary, Tasks: make([]Task, len(plan.Tasks))}
	for i, t := range plan.Tasks {
		nt := t
		nt.ID = prefix + t.ID
		if len(t.DependsOn) > 0 {
			nt.DependsOn = make([]string, len(t.DependsOn))
			for j, dep := range t.DependsOn {
				nt.DependsOn[j] = prefix + dep
			}
		}
		out.Tasks[i] = nt
	}
	return out
}
