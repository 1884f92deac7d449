package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/history"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/scheduler"
	"github.com/finagent-ai/finagent/toolexec"
	"github.com/finagent-ai/finagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySessions is a minimal in-memory SessionStore for tests.
type memorySessions struct {
	sessions map[string]*history.MessageHistory
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]*history.MessageHistory{}}
}

func (s *memorySessions) Get(sessionID string) (*history.MessageHistory, bool, error) {
	h, ok := s.sessions[sessionID]
	return h, ok, nil
}
func (s *memorySessions) Set(sessionID string, h *history.MessageHistory) error {
	s.sessions[sessionID] = h
	return nil
}
func (s *memorySessions) Delete(sessionID string) error { delete(s.sessions, sessionID); return nil }
func (s *memorySessions) Exists(sessionID string) (bool, error) {
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func newHistoryFactory() HistoryFactory {
	return func() *history.MessageHistory {
		return history.New(history.NewRecencyStrategy(10), nil)
	}
}

func newTestScheduler(t *testing.T, toolSucceeds bool) *scheduler.Executor {
	t.Helper()
	repo := tools.NewLocalRepository("market-data")
	if toolSucceeds {
		require.NoError(t, repo.Register("get_quote", "get a quote", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"data": map[string]any{"price": 1}}, nil
		}))
	} else {
		require.NoError(t, repo.Register("get_quote", "get a quote", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("unavailable")
		}))
	}
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
	// tool selection is consumed once per use_tools task; queue enough
	// responses for a multi-task plan.
	for i := 0; i < 8; i++ {
		toolSelector.GenerateResponses = append(toolSelector.GenerateResponses, llm.GenerateResponse{
			Calls: []llm.ToolCall{{ID: "1", Name: "get_quote"}},
		})
	}
	toolsExec := toolexec.New(reg, toolSelector, store, nil)
	return scheduler.New(toolsExec, scheduler.NewLLMReasoner(&llm.MockClient{}), store, nil)
}

func samplePlanResponse() planResponse {
	return planResponse{
		Summary: "gather and report",
		Tasks: []planTaskInput{
			{ID: "task_1", Description: "gather data", TaskType: "use_tools"},
		},
	}
}

func TestRunProducesAnswerAndRecordsTurn(t *testing.T) {
	sched := newTestScheduler(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sessions := newMemorySessions()

	mainClient := &llm.MockClient{
		GenerateStructuredResponses: []any{
			understandingResponse{Intent: "get quote", Entities: []Entity{{Type: "ticker", Value: "AAPL"}}},
			samplePlanResponse(),
			reflectionResponse{IsComplete: true, Reasoning: "done"},
		},
		StreamChunks: [][]string{{"The ", "price ", "is ", "1."}},
	}

	orch := New(mainClient, sched, store, sessions, newHistoryFactory())

	out := make(chan string, 16)
	answer, err := orch.Run(context.Background(), "session-1", "What is AAPL trading at?", out)
	require.NoError(t, err)
	assert.Equal(t, "The price is 1.", answer)

	h, ok, err := sessions.Get("session-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, h.Len())
	msgs := h.Messages()
	assert.Equal(t, "What is AAPL trading at?", msgs[0].Query)
	assert.Equal(t, answer, msgs[0].Answer)
}

func TestRunShortCircuitsReflectionAtMaxIterations(t *testing.T) {
	sched := newTestScheduler(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sessions := newMemorySessions()

	mainClient := &llm.MockClient{
		GenerateStructuredResponses: []any{
			understandingResponse{Intent: "get quote", Entities: []Entity{{Type: "ticker", Value: "AAPL"}}},
			samplePlanResponse(), // iteration 1 plan
			reflectionResponse{IsComplete: false, Reasoning: "need more"},
			samplePlanResponse(), // iteration 2 plan
			// no reflection response queued for iteration 2: the cap must
			// short-circuit without calling GenerateStructured again.
		},
		StreamChunks: [][]string{{"done"}},
	}

	orch := New(mainClient, sched, store, sessions, newHistoryFactory(), WithMaxIterations(2))

	out := make(chan string, 16)
	answer, err := orch.Run(context.Background(), "session-2", "query", out)
	require.NoError(t, err)
	assert.Equal(t, "done", answer)
}

func TestRunFailsWithoutRecordingTurnOnStructuredOutputError(t *testing.T) {
	sched := newTestScheduler(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sessions := newMemorySessions()

	mainClient := &llm.MockClient{
		GenerateStructuredResponses: []any{errors.New("model refused")},
	}

	orch := New(mainClient, sched, store, sessions, newHistoryFactory())

	out := make(chan string, 4)
	_, err = orch.Run(context.Background(), "session-3", "query", out)
	require.Error(t, err)

	_, ok, _ := sessions.Get("session-3")
	assert.False(t, ok)
}

func TestExplainRunsUnderstandAndPlanOnlyWithPrefixedIDs(t *testing.T) {
	sched := newTestScheduler(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	sessions := newMemorySessions()

	mainClient := &llm.MockClient{
		GenerateStructuredResponses: []any{
			understandingResponse{Intent: "get quote", Entities: []Entity{{Type: "ticker", Value: "AAPL"}}},
			planResponse{
				Summary: "plan",
				Tasks: []planTaskInput{
					{ID: "task_1", Description: "a", TaskType: "use_tools"},
					{ID: "task_2", Description: "b", TaskType: "reason", DependsOn: []string{"task_1"}},
				},
			},
		},
	}

	orch := New(mainClient, sched, store, sessions, newHistoryFactory())
	plan, err := orch.Explain(context.Background(), "session-4", "query")
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "iter1_task_1", plan.Tasks[0].ID)
	assert.Equal(t, "iter1_task_2", plan.Tasks[1].ID)
	assert.Equal(t, []string{"iter1_task_1"}, plan.Tasks[1].DependsOn)
}
