// Package orchestrator implements the Orchestrator (spec.md §4.5): the
// five-phase pipeline (Understand, Plan, Execute, Reflect, Answer) and
// the reflection loop that may re-enter Plan up to a configured maximum
// number of iterations.
package orchestrator

import (
	"fmt"

	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/scheduler"
)

// Entity is a single named entity extracted from a query, typed per
// spec.md §3's entities shape: {type, value}.
type Entity struct {
	Type  string `json:"type" jsonschema:"enum=ticker,enum=date,enum=metric,enum=company,enum=period,enum=other"`
	Value string `json:"value"`
}

// Understanding is the Understand phase's structured output.
type Understanding struct {
	Intent   string   `json:"intent"`
	Entities []Entity `json:"entities"`
}

// entitiesByType returns the values of every entity of the given type,
// e.g. "ticker" or "period", in extraction order.
func (u Understanding) entitiesByType(typ string) []string {
	var out []string
	for _, e := range u.Entities {
		if e.Type == typ {
			out = append(out, e.Value)
		}
	}
	return out
}

// Tickers returns the normalised ticker entities extracted by Understand.
func (u Understanding) Tickers() []string { return u.entitiesByType("ticker") }

// Periods returns the period entities extracted by Understand.
func (u Understanding) Periods() []string { return u.entitiesByType("period") }

// Reflection is the Reflect phase's structured output.
type Reflection struct {
	IsComplete         bool     `json:"is_complete"`
	Reasoning          string   `json:"reasoning"`
	MissingInfo        []string `json:"missing_info"`
	SuggestedNextSteps []string `json:"suggested_next_steps"`
}

// OrchestratorError is the component-local error type. Only this error
// (wrapping a phase-fatal cause) ever propagates out of Run — local
// recoverable failures are absorbed by the phase that hit them.
type OrchestratorError struct {
	Phase   string
	Message string
	Err     error
}

func (e *OrchestratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestrator:%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("orchestrator:%s: %s", e.Phase, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// Hooks observes phase-level and iteration-level events. Task- and
// tool-call-level events are observed separately through
// scheduler.Hooks/toolexec.Hooks, installed on those executors
// independently of this interface. A panicking hook never aborts the turn —
// Run recovers around every call.
type Hooks interface {
	OnPhaseStart(phase string)
	OnPhaseComplete(phase string)
	OnUnderstandingComplete(u Understanding)
	OnPlanCreated(plan scheduler.Plan)
	OnReflectionComplete(r Reflection)
	OnIterationStart(iteration int)
	OnAnswerStart()
	OnAnswerStreamReady()
}

// NoopHooks is the default, silent Hooks implementation.
type NoopHooks struct{}

func (NoopHooks) OnPhaseStart(phase string)                {}
func (NoopHooks) OnPhaseComplete(phase string)              {}
func (NoopHooks) OnUnderstandingComplete(u Understanding)   {}
func (NoopHooks) OnPlanCreated(plan scheduler.Plan)         {}
func (NoopHooks) OnReflectionComplete(r Reflection)         {}
func (NoopHooks) OnIterationStart(iteration int)            {}
func (NoopHooks) OnAnswerStart()                            {}
func (NoopHooks) OnAnswerStreamReady()                      {}

// SessionStore is the external Session Store contract of spec.md §4.6.
// A missing session is not an error — the orchestrator treats it as an
// empty new history.
type SessionStore interface {
	Get(sessionID string) (*history.MessageHistory, bool, error)
	Set(sessionID string, h *history.MessageHistory) error
	Delete(sessionID string) error
	Exists(sessionID string) (bool, error)
}

// HistoryFactory builds a fresh, empty MessageHistory for a session the
// store doesn't yet have — the strategy/summarizer wiring lives with
// whoever constructs the Orchestrator, not with the session store.
type HistoryFactory func() *history.MessageHistory
