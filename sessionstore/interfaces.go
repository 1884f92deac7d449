// Package sessionstore provides the Orchestrator's Session Store
// (spec.md §4.6): pluggable per-session persistence for
// history.MessageHistory, keyed by session id. Every implementation
// here satisfies orchestrator.SessionStore without importing it, so
// the orchestrator package stays the single source of truth for the
// interface shape it consumes.
package sessionstore

import (
	"fmt"

	"github.com/finagent-ai/finagent/history"
)

// Store is the contract every backend in this package implements. A
// missing session is not an error: Get returns ok=false and callers
// fall back to a fresh history.
type Store interface {
	Get(sessionID string) (*history.MessageHistory, bool, error)
	Set(sessionID string, h *history.MessageHistory) error
	Delete(sessionID string) error
	Exists(sessionID string) (bool, error)
}

// HistoryFactory builds the empty MessageHistory a backend reconstructs
// stored turns into. Backends that only hold an opaque blob (memory)
// don't need it; backends that persist individual turns and replay them
// through AddTurn (sql, etcd) do.
type HistoryFactory func() *history.MessageHistory

// StoreError is the component-local error type for every backend in
// this package.
type StoreError struct {
	Backend   string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sessionstore:%s:%s: %s: %v", e.Backend, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("sessionstore:%s:%s: %s", e.Backend, e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }
