package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/observability"
	"github.com/finagent-ai/finagent/orchestrator"
	"github.com/finagent-ai/finagent/sessionstore"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type handlers struct {
	orch       *orchestrator.Orchestrator
	sessions   sessionstore.Store
	newHistory sessionstore.HistoryFactory
	metrics    *observability.Metrics
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// createSession implements spec.md §6's "Create session → {session_id}".
// The new session is also set as a client cookie so a browser client
// doesn't need to thread it through manually.
func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	if err := h.sessions.Set(sessionID, h.newHistory()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create session: %w", err))
		return
	}
	h.metrics.RecordSessionCreated(backendName(h.sessions))

	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sessionID})
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// sseFrame matches spec.md §6's token-frame wire format exactly:
// {token, role?, request_id?}.
type sseFrame struct {
	Token     string `json:"token"`
	Role      string `json:"role,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// streamQuery implements spec.md §6's streaming Query endpoint: the
// Orchestrator's token channel is relayed as server-sent events, one
// "message" event per token, followed by one terminal "done" event on
// stream close.
func (h *handlers) streamQuery(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.SessionID != "" {
		sessionID = req.SessionID
	}
	if sessionID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id and query are required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	requestID := uuid.NewString()
	tokens := make(chan string, 16)
	done := make(chan error, 1)

	go func() {
		_, err := h.orch.Run(r.Context(), sessionID, req.Query, tokens)
		close(tokens)
		done <- err
	}()

	for token := range tokens {
		writeSSEFrame(w, "message", sseFrame{Token: token, Role: "assistant", RequestID: requestID})
		flusher.Flush()
	}

	if err := <-done; err != nil {
		slog.Error("turn failed", "session_id", sessionID, "request_id", requestID, "error", err)
		writeSSEFrame(w, "error", sseFrame{Token: err.Error(), RequestID: requestID})
	}
	writeSSEFrame(w, "done", sseFrame{RequestID: requestID})
	flusher.Flush()
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Turns     int           `json:"turns"`
	Messages  []historyTurn `json:"messages"`
}

type historyTurn struct {
	ID      int    `json:"id"`
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Summary string `json:"summary"`
}

// getHistory implements spec.md §6's History endpoint.
func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	hist, ok, err := h.sessions.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load session: %w", err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q not found", sessionID))
		return
	}

	messages := hist.Messages()
	turns := make([]historyTurn, len(messages))
	for i, m := range messages {
		turns[i] = toHistoryTurn(m)
	}

	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: sessionID,
		Turns:     hist.Len(),
		Messages:  turns,
	})
}

func toHistoryTurn(m history.Message) historyTurn {
	return historyTurn{ID: m.ID, Query: m.Query, Answer: m.Answer, Summary: m.Summary}
}

// clearHistory implements spec.md §6's "Clear history → delete the
// session's MessageHistory".
func (h *handlers) clearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	exists, err := h.sessions.Exists(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("check session: %w", err))
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %q not found", sessionID))
		return
	}
	if err := h.sessions.Delete(sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("clear session: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSSEFrame(w http.ResponseWriter, event string, frame sseFrame) {
	data, _ := json.Marshal(frame)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// backendName reports the session store's backend label for metrics,
// falling back to "unknown" for implementations that don't advertise one.
func backendName(s sessionstore.Store) string {
	if named, ok := s.(interface{ BackendName() string }); ok {
		return named.BackendName()
	}
	return "unknown"
}
