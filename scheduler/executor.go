package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/toolexec"
	"golang.org/x/sync/errgroup"
)

// reasoningContextTokenBudget bounds how much of the Context Store's
// accumulated records a reason task sees, per spec.md §4.5.
const reasoningContextTokenBudget = 6000

// schedStatus is the scheduler's own bookkeeping state for a node,
// distinct from the externally visible Task.Status: a failed task is
// schedStatusCompleted here (scheduling may proceed past it) while its
// Task.Status is reported as TaskFailed.
type schedStatus string

const (
	schedPending   schedStatus = "pending"
	schedRunning   schedStatus = "running"
	schedCompleted schedStatus = "completed"
)

// Reasoner is the narrow interface the scheduler needs from a reasoning
// LLM for "reason" tasks.
type Reasoner interface {
	Reason(ctx context.Context, description, contextData string) (string, error)
}

// llmReasoner adapts an llm.Client into a Reasoner using a single
// non-streaming Generate call.
type llmReasoner struct {
	client llm.Client
}

// NewLLMReasoner builds a Reasoner backed by client.
func NewLLMReasoner(client llm.Client) Reasoner {
	return &llmReasoner{client: client}
}

func (r *llmReasoner) Reason(ctx context.Context, description, contextData string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: "You are completing one task of a larger research plan. Use only the context data given; if it is insufficient, say so explicitly rather than guessing."},
		{Role: "user", Content: fmt.Sprintf("Task: %s\n\nContext data:\n%s", description, contextData)},
	}
	text, _, _, err := r.client.Generate(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Hooks observes task-level transitions and the tool_calls a use_tools
// task selected, before execution starts.
type Hooks interface {
	OnInitialToolCalls(taskID string, calls []ToolCall)
	OnTaskTransition(taskID string, status TaskStatus)
}

// NoopHooks is the default, silent Hooks implementation.
type NoopHooks struct{}

func (NoopHooks) OnInitialToolCalls(taskID string, calls []ToolCall) {}
func (NoopHooks) OnTaskTransition(taskID string, status TaskStatus)  {}

// SchedulerError is the component-local error type for Task Executor
// operations.
type SchedulerError struct {
	Operation string
	Message   string
	Err       error
}

func (e *SchedulerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduler:%s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("scheduler:%s: %s", e.Operation, e.Message)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// Executor is the Task Executor (C5): it runs one Plan's task DAG to
// completion, respecting depends_on with maximum safe parallelism.
type Executor struct {
	tools    *toolexec.Executor
	reasoner Reasoner
	store    *contextstore.Store
	hooks    Hooks
}

// New builds an Executor. hooks may be nil, in which case NoopHooks is
// used.
func New(tools *toolexec.Executor, reasoner Reasoner, store *contextstore.Store, hooks Hooks) *Executor {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Executor{tools: tools, reasoner: reasoner, store: store, hooks: hooks}
}

type node struct {
	task   Task
	status schedStatus
}

// Run executes plan's tasks to completion. priorResults carries
// task_results accumulated by earlier planning iterations of the same
// turn so reason tasks can reference them; it is never mutated. Run
// returns the merged map — priorResults plus every entry this plan
// produced — and the plan's tasks with their final Status/ToolCalls set.
//
// A depends_on cycle (or any pending task whose dependencies can never
// all complete) terminates the loop once the ready set comes up empty
// while non-terminal nodes remain; those nodes are returned still
// pending, observable by the caller as tasks that never ran.
//
// tickers and periods carry the turn's normalised entities (from
// Understand) into every use_tools task's tool-selection prompt, per
// spec.md §4.3.
func (e *Executor) Run(ctx context.Context, queryID string, plan Plan, priorResults map[string]TaskResult, tickers, periods []string) (Plan, map[string]TaskResult, error) {
	nodes := make(map[string]*node, len(plan.Tasks))
	order := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		t.Status = TaskPending
		nodes[t.ID] = &node{task: t, status: schedPending}
		order = append(order, t.ID)
	}

	results := make(map[string]TaskResult, len(priorResults)+len(plan.Tasks))
	for k, v := range priorResults {
		results[k] = v
	}
	var mu sync.Mutex

	for {
		var ready []*node
		anyNonTerminal := false
		for _, id := range order {
			n := nodes[id]
			if n.status == schedCompleted {
				continue
			}
			anyNonTerminal = true
			if n.status == schedPending && dependenciesSatisfied(n.task.DependsOn, nodes) {
				ready = append(ready, n)
			}
		}
		if !anyNonTerminal {
			break
		}
		if len(ready) == 0 {
			break // cycle or unmet external dependency: remaining nodes stay pending
		}

		for _, n := range ready {
			n.status = schedRunning
		}

		group, gctx := errgroup.WithContext(ctx)
		for _, n := range ready {
			n := n
			group.Go(func() error {
				e.hooks.OnTaskTransition(n.task.ID, TaskInProgress)

				var output string
				var failed bool
				switch n.task.TaskType {
				case TaskUseTools:
					output, failed = e.runUseTools(gctx, n, queryID, tickers, periods)
				default:
					output, failed = e.runReason(gctx, n, queryID, results, &mu)
				}

				mu.Lock()
				results[n.task.ID] = TaskResult{TaskID: n.task.ID, Output: output}
				mu.Unlock()

				n.status = schedCompleted
				if failed {
					n.task.Status = TaskFailed
					e.hooks.OnTaskTransition(n.task.ID, TaskFailed)
				} else {
					n.task.Status = TaskCompleted
					e.hooks.OnTaskTransition(n.task.ID, TaskCompleted)
				}
				return nil
			})
		}
		_ = group.Wait() // member goroutines never return a non-nil error; failures are recorded per-node
	}

	finalTasks := make([]Task, len(order))
	for i, id := range order {
		finalTasks[i] = nodes[id].task
	}
	return Plan{Summary: plan.Summary, Tasks: finalTasks}, results, nil
}

func dependenciesSatisfied(dependsOn []string, nodes map[string]*node) bool {
	for _, dep := range dependsOn {
		depNode, ok := nodes[dep]
		if !ok || depNode.status != schedCompleted {
			return false
		}
	}
	return true
}

// runUseTools drives one use_tools task: select calls, record them on
// the node before executing (the "initial tool calls" event), execute
// them, and summarise the outcome.
func (e *Executor) runUseTools(ctx context.Context, n *node, queryID string, tickers, periods []string) (output string, failed bool) {
	calls, err := e.tools.Select(ctx, toolexec.TaskContext{
		TaskDescription: n.task.Description,
		Tickers:         tickers,
		Periods:         periods,
	})
	if err != nil {
		n.task.ToolCalls = nil
		return fmt.Sprintf("Data gathered: none (tool selection failed: %v)", err), false
	}

	toolCalls := make([]ToolCall, len(calls))
	for i, c := range calls {
		toolCalls[i] = ToolCall{ToolName: c.Name, Args: c.Args, Status: CallPending}
	}
	n.task.ToolCalls = toolCalls
	e.hooks.OnInitialToolCalls(n.task.ID, toolCalls)

	if len(calls) == 0 {
		return "Data gathered: none (no tools selected)", false
	}

	allSucceeded, outcomes, err := e.tools.Execute(ctx, n.task.ID, queryID, calls)
	if err != nil {
		return fmt.Sprintf("tool execution failed: %v", err), true
	}

	var names, failedNames []string
	for i, o := range outcomes {
		n.task.ToolCalls[i].Status = toCallStatus(o.Status)
		n.task.ToolCalls[i].Error = o.Error
		if o.Status == toolexec.CallCompleted {
			names = append(names, o.ToolName)
		} else {
			failedNames = append(failedNames, o.ToolName)
		}
	}

	if allSucceeded {
		return fmt.Sprintf("Data gathered: %s", strings.Join(names, ", ")), false
	}
	return fmt.Sprintf("Data gathered: %s; failed: %s", strings.Join(names, ", "), strings.Join(failedNames, ", ")), true
}

func toCallStatus(s toolexec.CallStatus) CallStatus {
	switch s {
	case toolexec.CallCompleted:
		return CallCompleted
	case toolexec.CallFailed:
		return CallFailed
	case toolexec.CallRunning:
		return CallRunning
	default:
		return CallPending
	}
}

// runReason drives one reason task: assemble the context data string
// from prior task outputs and the Context Store, then invoke the
// reasoning LLM.
func (e *Executor) runReason(ctx context.Context, n *node, queryID string, results map[string]TaskResult, mu *sync.Mutex) (output string, failed bool) {
	mu.Lock()
	contextData := e.assembleContext(results, queryID)
	mu.Unlock()

	text, err := e.reasoner.Reason(ctx, n.task.Description, contextData)
	if err != nil {
		return fmt.Sprintf("reasoning failed: %v", err), true
	}
	return text, false
}

// assembleContext builds the "context data" string of spec.md §4.5:
// previously completed tasks' outputs followed by the full set of
// ContextRecords loaded for every pointer saved under queryID.
func (e *Executor) assembleContext(results map[string]TaskResult, queryID string) string {
	var b strings.Builder

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := results[id]
		fmt.Fprintf(&b, "Task: %s Output: %s\n", id, r.Output)
	}

	if e.store != nil {
		pointers := e.store.PointersFor(queryID)
		filepaths := make([]string, len(pointers))
		for i, p := range pointers {
			filepaths[i] = p.Filepath
		}
		records, _ := e.store.Load(filepaths) // per-file load errors are warnings, not fatal to reasoning
		if len(records) > 0 {
			b.WriteString(contextstore.RenderForReasoning(records, reasoningContextTokenBudget))
		}
	}

	return b.String()
}
