// Package toolexec implements the Tool Executor (spec.md §4.3): given a
// task and the turn's Understanding, a small fast model picks a set of
// concrete tool calls, which are then invoked concurrently and persisted
// to the Context Store.
package toolexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/tools"
	"golang.org/x/sync/errgroup"
)

// CallStatus mirrors the ToolCall.status enum of spec.md §3.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// CallOutcome is one tool call's final state, returned to the Task
// Executor so it can report which tools succeeded/failed per task.
type CallOutcome struct {
	ToolName string
	Args     map[string]any
	Status   CallStatus
	Error    string
}

// TaskContext is the normalized input handed to Select: the task
// description plus the subset of the turn's Understanding (tickers,
// periods) that lets the selector avoid re-guessing the subjects.
type TaskContext struct {
	TaskDescription string
	Tickers         []string
	Periods         []string
}

// Hooks observes per-call status transitions and failures. All methods
// are optional — embed NoopHooks to satisfy the interface without
// implementing every method.
type Hooks interface {
	OnCallTransition(taskID, toolName string, args map[string]any, status CallStatus)
	OnCallError(taskID, toolName string, args map[string]any, message string)
}

// NoopHooks is the default, silent Hooks implementation.
type NoopHooks struct{}

func (NoopHooks) OnCallTransition(taskID, toolName string, args map[string]any, status CallStatus) {}
func (NoopHooks) OnCallError(taskID, toolName string, args map[string]any, message string)         {}

// ExecutorError is the component-local error type for Tool Executor
// operations.
type ExecutorError struct {
	Operation string
	Message   string
	Err       error
}

func (e *ExecutorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolexec:%s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("toolexec:%s: %s", e.Operation, e.Message)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// Executor is the Tool Executor. One instance is typically shared across
// a turn's tasks.
type Executor struct {
	registry *tools.ToolRegistry
	selector llm.Client // the small, fast model
	store    *contextstore.Store
	hooks    Hooks
}

// New builds an Executor. hooks may be nil, in which case NoopHooks is
// used.
func New(registry *tools.ToolRegistry, selector llm.Client, store *contextstore.Store, hooks Hooks) *Executor {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Executor{registry: registry, selector: selector, store: store, hooks: hooks}
}

// Run selects tool calls for a task and executes them concurrently,
// persisting each result into the Context Store under queryID. Returns
// whether every selected call succeeded (an empty selection vacuously
// succeeds) and the per-call outcomes for the task's result summary.
func (e *Executor) Run(ctx context.Context, taskID, queryID string, taskCtx TaskContext) (bool, []CallOutcome, error) {
	calls, err := e.Select(ctx, taskCtx)
	if err != nil {
		return false, nil, &ExecutorError{Operation: "Run", Message: "tool selection failed", Err: err}
	}
	return e.Execute(ctx, taskID, queryID, calls)
}

// Execute runs an already-selected set of calls concurrently, persisting
// each successful result into the Context Store under queryID. Separated
// from Run so a caller that needs the selection's own result — e.g. the
// Task Executor, to record tool_calls on its node before execution
// starts — can call Select and Execute independently.
func (e *Executor) Execute(ctx context.Context, taskID, queryID string, calls []llm.ToolCall) (bool, []CallOutcome, error) {
	if len(calls) == 0 {
		return true, nil, nil
	}

	outcomes := make([]CallOutcome, len(calls))
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		i, call := i, call
		outcomes[i] = CallOutcome{ToolName: call.Name, Args: call.Args, Status: CallPending}
		group.Go(func() error {
			e.hooks.OnCallTransition(taskID, call.Name, call.Args, CallRunning)
			mu.Lock()
			outcomes[i].Status = CallRunning
			mu.Unlock()

			result, invokeErr := e.registry.Invoke(gctx, call.Name, call.Args)

			mu.Lock()
			defer mu.Unlock()
			if invokeErr != nil {
				outcomes[i].Status = CallFailed
				outcomes[i].Error = invokeErr.Error()
				e.hooks.OnCallTransition(taskID, call.Name, call.Args, CallFailed)
				e.hooks.OnCallError(taskID, call.Name, call.Args, invokeErr.Error())
				return nil // a single failed call never aborts its siblings
			}

			if _, err := e.store.Save(gctx, call.Name, call.Args, result, queryID, taskID); err != nil {
				outcomes[i].Status = CallFailed
				outcomes[i].Error = err.Error()
				e.hooks.OnCallTransition(taskID, call.Name, call.Args, CallFailed)
				e.hooks.OnCallError(taskID, call.Name, call.Args, err.Error())
				return nil
			}

			outcomes[i].Status = CallCompleted
			e.hooks.OnCallTransition(taskID, call.Name, call.Args, CallCompleted)
			return nil
		})
	}

	_ = group.Wait() // member goroutines never return a non-nil error; failures are recorded per-outcome

	allSucceeded := true
	for _, o := range outcomes {
		if o.Status != CallCompleted {
			allSucceeded = false
			break
		}
	}
	return allSucceeded, outcomes, nil
}

// Select asks the small model which tool calls to make for taskCtx. An
// empty result is valid and marks the task as vacuously satisfied.
func (e *Executor) Select(ctx context.Context, taskCtx TaskContext) ([]llm.ToolCall, error) {
	descriptors := e.registry.ListTools()
	toolDefs := make([]llm.ToolDefinition, len(descriptors))
	for i, d := range descriptors {
		toolDefs[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.ArgsSchema}
	}

	_, calls, _, err := e.selector.Generate(ctx, []llm.Message{
		{Role: "system", Content: "You pick zero or more tools to call to satisfy the task below. Call only tools that are necessary; returning no calls is valid when the task needs no data gathering."},
		{Role: "user", Content: buildSelectionPrompt(taskCtx)},
	}, toolDefs)
	if err != nil {
		return nil, err
	}
	return calls, nil
}

func buildSelectionPrompt(taskCtx TaskContext) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(taskCtx.TaskDescription)

	tickers := append([]string(nil), taskCtx.Tickers...)
	sort.Strings(tickers)
	if len(tickers) > 0 {
		fmt.Fprintf(&b, "\nTickers: %s", strings.Join(tickers, ", "))
	}
	periods := append([]string(nil), taskCtx.Periods...)
	sort.Strings(periods)
	if len(periods) > 0 {
		fmt.Fprintf(&b, "\nPeriods: %s", strings.Join(periods, ", "))
	}
	return b.String()
}
