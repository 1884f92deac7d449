package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/finagent-ai/finagent/contextstore"
	"github.com/finagent-ai/finagent/llm"
	"github.com/finagent-ai/finagent/toolexec"
	"github.com/finagent-ai/finagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolsExecutor(t *testing.T, succeed bool) *toolexec.Executor {
	t.Helper()
	repo := tools.NewLocalRepository("market-data")
	name := "get_quote"
	if succeed {
		require.NoError(t, repo.Register(name, "get a quote", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"data": map[string]any{"price": 100}}, nil
		}))
	} else {
		require.NoError(t, repo.Register(name, "get a quote", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("unavailable")
		}))
	}

	reg := tools.NewToolRegistry()
	_, err := reg.RegisterRepository(context.Background(), repo)
	require.NoError(t, err)

	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	// One selection per use_tools task in the plans below.
	selector := &llm.MockClient{
		GenerateResponses: []llm.GenerateResponse{
			{Calls: []llm.ToolCall{{ID: "1", Name: name}}},
			{Calls: []llm.ToolCall{{ID: "2", Name: name}}},
		},
	}
	return toolexec.New(reg, selector, store, nil)
}

type fakeReasoner struct {
	seenContext []string
}

func (f *fakeReasoner) Reason(ctx context.Context, description, contextData string) (string, error) {
	f.seenContext = append(f.seenContext, contextData)
	return "reasoned: " + description, nil
}

func TestDependencyWaitDispatchesDependentAfterBothParents(t *testing.T) {
	toolsOK := newToolsExecutor(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reasoner := &fakeReasoner{}

	exec := New(toolsOK, reasoner, store, nil)

	plan := Plan{
		Tasks: []Task{
			{ID: "A", TaskType: TaskUseTools, Description: "gather A"},
			{ID: "B", TaskType: TaskUseTools, Description: "gather B"},
			{ID: "C", TaskType: TaskReason, Description: "combine", DependsOn: []string{"A", "B"}},
		},
	}

	finalPlan, results, err := exec.Run(context.Background(), "q1", plan, nil, nil, nil)
	require.NoError(t, err)

	for _, task := range finalPlan.Tasks {
		assert.Equal(t, TaskCompleted, task.Status)
	}
	assert.Contains(t, results["C"].Output, "combine")
	require.Len(t, reasoner.seenContext, 1)
	assert.Contains(t, reasoner.seenContext[0], "Task: A")
	assert.Contains(t, reasoner.seenContext[0], "Task: B")
}

func TestFailedDependencyStillCountsAsCompletedForScheduling(t *testing.T) {
	toolsFailing := newToolsExecutor(t, false)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reasoner := &fakeReasoner{}

	exec := New(toolsFailing, reasoner, store, nil)

	plan := Plan{
		Tasks: []Task{
			{ID: "A", TaskType: TaskUseTools, Description: "gather A"},
			{ID: "B", TaskType: TaskUseTools, Description: "gather B"},
			{ID: "C", TaskType: TaskReason, Description: "combine", DependsOn: []string{"A", "B"}},
		},
	}

	finalPlan, results, err := exec.Run(context.Background(), "q1", plan, nil, nil, nil)
	require.NoError(t, err)

	byID := map[string]Task{}
	for _, task := range finalPlan.Tasks {
		byID[task.ID] = task
	}
	assert.Equal(t, TaskFailed, byID["A"].Status)
	assert.Equal(t, TaskFailed, byID["B"].Status)
	assert.Equal(t, TaskCompleted, byID["C"].Status) // dependent still ran
	assert.Contains(t, results["C"].Output, "combine")
}

func TestCyclicDependencyTerminatesWithoutRunningCycle(t *testing.T) {
	toolsOK := newToolsExecutor(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	reasoner := &fakeReasoner{}

	exec := New(toolsOK, reasoner, store, nil)

	plan := Plan{
		Tasks: []Task{
			{ID: "A", TaskType: TaskReason, Description: "a", DependsOn: []string{"B"}},
			{ID: "B", TaskType: TaskReason, Description: "b", DependsOn: []string{"A"}},
		},
	}

	finalPlan, results, err := exec.Run(context.Background(), "q1", plan, nil, nil, nil)
	require.NoError(t, err)

	for _, task := range finalPlan.Tasks {
		assert.Equal(t, TaskPending, task.Status)
	}
	assert.Empty(t, results)
}

func TestPrefixPlanAvoidsIDCollisionsAcrossIterations(t *testing.T) {
	plan := Plan{Tasks: []Task{
		{ID: "task_1"},
		{ID: "task_2", DependsOn: []string{"task_1"}},
	}}
	iter1 := PrefixPlan(plan, 1)
	assert.Equal(t, "iter1_task_1", iter1.Tasks[0].ID)
	assert.Equal(t, "iter1_task_2", iter1.Tasks[1].ID)
	assert.Equal(t, []string{"iter1_task_1"}, iter1.Tasks[1].DependsOn)

	iter2 := PrefixPlan(Plan{Tasks: []Task{{ID: "task_1"}}}, 2)
	assert.Equal(t, "iter2_task_1", iter2.Tasks[0].ID)
}

func TestUnknownToolSelectionIsVacuouslySatisfied(t *testing.T) {
	toolsOK := newToolsExecutor(t, true)
	store, err := contextstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	emptyRegistry := tools.NewToolRegistry()
	selectorNone := toolexec.New(emptyRegistry, &llm.MockClient{GenerateResponses: []llm.GenerateResponse{{Calls: nil}}}, store, nil)
	_ = toolsOK

	exec := New(selectorNone, &fakeReasoner{}, store, nil)
	plan := Plan{Tasks: []Task{{ID: "A", TaskType: TaskUseTools, Description: "no-op"}}}

	finalPlan, results, err := exec.Run(context.Background(), "q1", plan, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, finalPlan.Tasks[0].Status)
	assert.Contains(t, results["A"].Output, "none")
}
