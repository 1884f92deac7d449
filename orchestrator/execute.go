package orchestrator

import (
	"context"

	"github.com/finagent-ai/finagent/scheduler"
)

// execute hands plan to the Task Executor and merges its results into
// taskResults. It never returns an error of its own — a malformed or
// partially stuck plan surfaces as tasks left pending/failed, which
// Reflect is responsible for noticing.
func (o *Orchestrator) execute(ctx context.Context, queryID string, plan scheduler.Plan, taskResults map[string]scheduler.TaskResult, understanding Understanding) (scheduler.Plan, map[string]scheduler.TaskResult, error) {
	finalPlan, merged, err := o.taskExecutor.Run(ctx, queryID, plan, taskResults, understanding.Tickers(), understanding.Periods())
	if err != nil {
		return plan, taskResults, &OrchestratorError{Phase: "Execute", Message: "task executor failed", Err: err}
	}
	return finalPlan, merged, nil
}
