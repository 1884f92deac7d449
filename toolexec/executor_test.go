package toolexec

import (
	"context"
	"errors"
	"testing"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *tools.ToolRegistry {
	t.Helper()
	repo := tools.NewLocalRepository("market-data")
	require.NoError(t, repo.Register("get_quote", "get a live quote", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"data": map[string]any{"price": 231.5}}, nil
		}))
	require.NoError(t, repo.Register("broken_tool", "always fails", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("upstream unavailable")
		}))

	reg := tools.NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)
	return reg
}

func TestRunExecutesSelectedCallsAndPersists(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	selector := &llm.MockClient{
		GenerateResponses: []llm.GenerateResponse{
			{Calls: []llm.ToolCall{{ID: "1", Name: "get_quote", Args: map[string]any{"ticker": "AAPL"}}}},
		},
	}
	exec := New(reg, selector, store, nil)

	allOK, outcomes, err := exec.Run(context.Background(), "t1", "q1", TaskContext{TaskDescription: "get AAPL quote", Tickers: []string{"AAPL"}})
	require.NoError(t, err)
	assert.True(t, allOK)
	require.Len(t, outcomes, 1)
	assert.Equal(t, CallCompleted, outcomes[0].Status)

	assert.Len(t, store.PointersFor("q1"), 1)
}

func TestRunReportsFailedCallWithoutAbortingSiblings(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	selector := &llm.MockClient{
		GenerateResponses: []llm.GenerateResponse{
			{Calls: []llm.ToolCall{
				{ID: "1", Name: "broken_tool", Args: nil},
				{ID: "2", Name: "get_quote", Args: map[string]any{"ticker": "MSFT"}},
			}},
		},
	}
	exec := New(reg, selector, store, nil)

	allOK, outcomes, err := exec.Run(context.Background(), "t1", "q1", TaskContext{TaskDescription: "get quotes"})
	require.NoError(t, err)
	assert.False(t, allOK)
	require.Len(t, outcomes, 2)

	byTool := map[string]CallOutcome{}
	for _, o := range outcomes {
		byTool[o.ToolName] = o
	}
	assert.Equal(t, CallFailed, byTool["broken_tool"].Status)
	assert.NotEmpty(t, byTool["broken_tool"].Error)
	assert.Equal(t, CallCompleted, byTool["get_quote"].Status)
}

func TestRunWithEmptySelectionIsVacuouslySatisfied(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	selector := &llm.MockClient{GenerateResponses: []llm.GenerateResponse{{Calls: nil}}}
	exec := New(reg, selector, store, nil)

	allOK, outcomes, err := exec.Run(context.Background(), "t1", "q1", TaskContext{TaskDescription: "no-op task"})
	require.NoError(t, err)
	assert.True(t, allOK)
	assert.Empty(t, outcomes)
}

func TestRunFailsWhenSelectionErrors(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	selector := &llm.MockClient{} // no responses queued -> Generate errors
	exec := New(reg, selector, store, nil)

	_, _, err = exec.Run(context.Background(), "t1", "q1", TaskContext{TaskDescription: "anything"})
	assert.Error(t, err)
}

type recordingHooks struct {
	transitions []string
	errors      []string
}

func (h *recordingHooks) OnCallTransition(taskID, toolName string, args map[string]any, status CallStatus) {
	h.transitions = append(h.transitions, toolName+":"+string(status))
}
func (h *recordingHooks) OnCallError(taskID, toolName string, args map[string]any, message string) {
	h.errors = append(h.errors, toolName)
}

func TestHooksObserveTransitionsAndErrors(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	selector := &llm.MockClient{
		GenerateResponses: []llm.GenerateResponse{{Calls: []llm.ToolCall{{ID: "1", Name: "broken_tool"}}}},
	}
	hooks := &recordingHooks{}
	exec := New(reg, selector, store, hooks)

	_, _, err = exec.Run(context.Background(), "t1", "q1", TaskContext{TaskDescription: "x"})
	require.NoError(t, err)

	assert.Contains(t, hooks.transitions, "broken_tool:running")
	assert.Contains(t, hooks.transitions, "broken_tool:failed")
	assert.Equal(t, []string{"broken_tool"}, hooks.errors)
}
