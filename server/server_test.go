package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/orchestrator"
	"github.com/finagent-ai/finagent/scheduler"
	"github.com/finagent-ai/finagent/sessionstore"
	"github.com/finagent-ai/finagent/toolexec"
	"github.com/finagent-ai/finagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryFactory() sessionstore.HistoryFactory {
	return func() *history.MessageHistory {
		return history.New(history.NewRecencyStrategy(10), nil)
	}
}

func newTestOrchestrator(t *testing.T, sessions sessionstore.Store) *orchestrator.Orchestrator {
	t.Helper()

	repo := tools.NewLocalRepository("market-data")
	require.NoError(t, repo.Register("get_quote", "get a quote", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"data": map[string]any{"price": 1}}, nil
	}))
	reg := tools.NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)

	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	toolSelector := &llm.MockClient{
		GenerateResponses: []llm.GenerateResponse{
			{Calls: []llm.ToolCall{{ID: "1", Name: "get_quote"}}},
		},
	}
	toolsExec := toolexec.New(reg, toolSelector, store, nil)
	sched := scheduler.New(toolsExec, scheduler.NewLLMReasoner(&llm.MockClient{}), store, nil)

	mainClient := &llm.MockClient{
		GenerateStructuredResponses: []any{
			map[string]any{"intent": "get quote", "entities": []string{"AAPL"}},
			map[string]any{
				"summary": "gather and report",
				"tasks": []map[string]any{
					{"id": "task_1", "description": "gather data", "task_type": "use_tools"},
				},
			},
			map[string]any{"is_complete": true, "reasoning": "done"},
		},
		StreamChunks: [][]string{{"The ", "price ", "is ", "1."}},
	}

	return orchestrator.New(mainClient, sched, store, sessions, newHistoryFactory())
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sessions := sessionstore.NewMemoryStore()
	s, err := New(Options{
		Addr:         ":0",
		Orchestrator: newTestOrchestrator(t, sessions),
		Sessions:     sessions,
		NewHistory:   newHistoryFactory(),
	})
	require.NoError(t, err)
	return s
}

func TestCreateSessionReturnsIDAndSetsCookie(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sessions/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, resp.SessionID, cookies[0].Value)
}

func TestHistoryNotFoundForUnknownSession(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist/history", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearHistoryRemovesSession(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/sessions/", nil)
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)
	var created createSessionResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	delReq := httptest.NewRequest(http.MethodDelete, "/sessions/"+created.SessionID+"/history", nil)
	delRec := httptest.NewRecorder()
	s.router.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID+"/history", nil)
	getRec := httptest.NewRecorder()
	s.router.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestStreamQueryEmitsTokenFramesAndDoneEvent(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"query": "What is AAPL trading at?", "session_id": "session-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/session-1/query", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events, messageFrames int
	sawDone := false
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events++
			if strings.TrimPrefix(line, "event: ") == "done" {
				sawDone = true
			}
			if strings.TrimPrefix(line, "event: ") == "message" {
				messageFrames++
			}
		}
	}
	require.NoError(t, scanner.Err())
	assert.True(t, sawDone, "expected a terminal done event")
	assert.Equal(t, 4, messageFrames, "expected one message event per streamed token")

	histReq := httptest.NewRequest(http.MethodGet, "/sessions/session-1/history", nil)
	histRec := httptest.NewRecorder()
	s.router.ServeHTTP(histRec, histReq)
	require.Equal(t, http.StatusOK, histRec.Code)

	var hist historyResponse
	require.NoError(t, json.Unmarshal(histRec.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "The price is 1.", hist.Messages[0].Answer)
}
