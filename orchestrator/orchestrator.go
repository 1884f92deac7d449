package orchestrator

import (
	"context"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/scheduler"
	"github.com/google/uuid"
)

// defaultMaxIterations is spec.md §9's resolved default for
// max_iterations.
const defaultMaxIterations = 5

// Orchestrator owns the five-phase pipeline (Understand, Plan, Execute,
// Reflect, Answer) and the reflection loop that may re-enter
// Plan/Execute up to maxIterations times within a single turn.
type Orchestrator struct {
	understandClient llm.Client
	planClient       llm.Client
	reflectClient    llm.Client
	answerClient     llm.Client

	taskExecutor *scheduler.Executor
	store        *contextstore.Store
	sessions     SessionStore
	newHistory   HistoryFactory

	maxIterations int
	hooks         Hooks
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithMaxIterations overrides the default iteration cap.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithHooks installs a non-default Hooks sink.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// New builds an Orchestrator. llmClient is used for every phase unless
// narrower clients are supplied via the With*Client options — most
// deployments use one capable model for Understand/Plan/Reflect/Answer
// and a separate small/fast model only for the Tool Executor's
// selection, which lives inside scheduler/toolexec and is wired there.
func New(llmClient llm.Client, sched *scheduler.Executor, store *contextstore.Store, sessions SessionStore, newHistory HistoryFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		understandClient: llmClient,
		planClient:       llmClient,
		reflectClient:    llmClient,
		answerClient:     llmClient,
		taskExecutor:     sched,
		store:            store,
		sessions:         sessions,
		newHistory:       newHistory,
		maxIterations:    defaultMaxIterations,
		hooks:            NoopHooks{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithUnderstandClient overrides the Understand phase's model.
func WithUnderstandClient(c llm.Client) Option { return func(o *Orchestrator) { o.understandClient = c } }

// WithPlanClient overrides the Plan phase's model.
func WithPlanClient(c llm.Client) Option { return func(o *Orchestrator) { o.planClient = c } }

// WithReflectClient overrides the Reflect phase's model.
func WithReflectClient(c llm.Client) Option { return func(o *Orchestrator) { o.reflectClient = c } }

// WithAnswerClient overrides the Answer phase's (streaming) model.
func WithAnswerClient(c llm.Client) Option { return func(o *Orchestrator) { o.answerClient = c } }

func (o *Orchestrator) emit(fn func()) {
	defer func() { recover() }() //nolint:errcheck
	fn()
}

func (o *Orchestrator) loadHistory(sessionID string) (*history.MessageHistory, error) {
	h, ok, err := o.sessions.Get(sessionID)
	if err != nil {
		return o.newHistory(), &OrchestratorError{Phase: "LoadSession", Message: "session load failed, using empty history", Err: err}
	}
	if !ok {
		return o.newHistory(), nil
	}
	return h, nil
}

// Run executes one full turn for sessionID: Understand once, then
// Plan/Execute/Reflect up to o.maxIterations times, then Answer,
// streaming tokens to out (which is never closed by Run). The returned
// string is the full answer, available once the stream completes.
//
// A phase-fatal error aborts the turn without writing it to history, per
// spec.md §7; cancelling ctx has the same effect, since the next
// suspension point inside whichever phase is running returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, sessionID, query string, out chan<- string) (string, error) {
	queryID := uuid.NewString()

	h, loadErr := o.loadHistory(sessionID)
	_ = loadErr // a session-load failure is not reported; the turn degrades to an empty history

	var messages []history.Message
	if h.HasMessages() {
		selected, err := h.SelectRelevant(ctx, query)
		if err == nil {
			messages = selected
		}
	}

	o.emit(func() { o.hooks.OnPhaseStart("understand") })
	understanding, err := o.understand(ctx, query, messages)
	if err != nil {
		return "", err
	}
	o.emit(func() { o.hooks.OnUnderstandingComplete(understanding) })
	o.emit(func() { o.hooks.OnPhaseComplete("understand") })

	var completedPlans []scheduler.Plan
	taskResults := map[string]scheduler.TaskResult{}
	var nextGuidance string
	iteration := 0

	for {
		iteration++
		o.emit(func() { o.hooks.OnIterationStart(iteration) })

		o.emit(func() { o.hooks.OnPhaseStart("plan") })
		currentPlan, err := o.plan(ctx, query, planInput{
			understanding:  understanding,
			messages:       messages,
			completedPlans: completedPlans,
			taskResults:    taskResults,
			guidance:       nextGuidance,
			iteration:      iteration,
		})
		if err != nil {
			return "", err
		}
		o.emit(func() { o.hooks.OnPlanCreated(currentPlan) })
		o.emit(func() { o.hooks.OnPhaseComplete("plan") })

		o.emit(func() { o.hooks.OnPhaseStart("execute") })
		finishedPlan, merged, err := o.execute(ctx, queryID, currentPlan, taskResults, understanding)
		if err != nil {
			return "", err
		}
		completedPlans = append(completedPlans, finishedPlan)
		taskResults = merged
		o.emit(func() { o.hooks.OnPhaseComplete("execute") })

		o.emit(func() { o.hooks.OnPhaseStart("reflect") })
		reflection, err := o.reflect(ctx, query, iteration, completedPlans, taskResults)
		if err != nil {
			return "", err
		}
		o.emit(func() { o.hooks.OnReflectionComplete(reflection) })
		o.emit(func() { o.hooks.OnPhaseComplete("reflect") })

		if reflection.IsComplete {
			break
		}
		nextGuidance = guidance(reflection)
	}

	o.emit(func() { o.hooks.OnPhaseStart("answer") })
	o.emit(func() { o.hooks.OnAnswerStart() })
	o.emit(func() { o.hooks.OnAnswerStreamReady() })
	fullAnswer, err := o.answer(ctx, query, queryID, messages, completedPlans, taskResults, out)
	if err != nil {
		return "", err
	}
	o.emit(func() { o.hooks.OnPhaseComplete("answer") })

	if _, err := h.AddTurn(ctx, query, fullAnswer, ""); err != nil {
		return fullAnswer, &OrchestratorError{Phase: "AddTurn", Message: "failed to record turn", Err: err}
	}
	if err := o.sessions.Set(sessionID, h); err != nil {
		return fullAnswer, &OrchestratorError{Phase: "SaveSession", Message: "failed to persist session", Err: err}
	}

	return fullAnswer, nil
}

// Explain runs Understand and Plan only, for one iteration, and returns
// the resulting Plan without executing it — useful for operators and for
// tests asserting the id-uniqueness/depends_on invariants without a live
// tool registry (SPEC_FULL.md §3).
func (o *Orchestrator) Explain(ctx context.Context, sessionID, query string) (scheduler.Plan, error) {
	h, loadErr := o.loadHistory(sessionID)
	_ = loadErr

	var messages []history.Message
	if h.HasMessages() {
		selected, err := h.SelectRelevant(ctx, query)
		if err == nil {
			messages = selected
		}
	}

	understanding, err := o.understand(ctx, query, messages)
	if err != nil {
		return scheduler.Plan{}, err
	}

	return o.plan(ctx, query, planInput{understanding: understanding, messages: messages, iteration: 1})
}
