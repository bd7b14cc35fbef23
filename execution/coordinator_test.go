package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

func TestCoordinator_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCompleted, final.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, final.Progress.CompletedSteps)
	assert.Empty(t, final.Progress.FailedSteps)
	assert.Empty(t, final.Progress.ActiveSteps)
	assert.Equal(t, 1.0, final.Progress.Percentage)
	assert.Equal(t, 3, final.Progress.CurrentStep)

	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(*final.StartedAt))

	// One result per step, final result mirrors the last step's output.
	assert.Len(t, final.Results.StepResults, 3)
	assert.Equal(t, "out-s3", final.Results.FinalResult.Str)
	assert.Len(t, final.Results.IntermediateOutputs, 3)

	assert.Equal(t, int64(30), final.Performance.TotalTokensUsed)
	assert.InDelta(t, 0.03, final.Performance.TotalCostIncurred, 1e-9)

	// One ledger record per resolved step.
	usage, err := env.store.ListUsage(ctx, store.UsageFilter{ExecutionID: e.ID})
	require.NoError(t, err)
	assert.Len(t, usage, 3)

	// Terminal propagation reached both aggregates exactly once.
	proj, err := env.store.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), proj.Statistics.TotalExecutions)
	assert.Equal(t, int64(1), proj.Statistics.SuccessfulExecutions)
	assert.Equal(t, int64(30), proj.Statistics.TotalTokensUsed)

	agent, err := env.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.Performance.SuccessfulExecutions)
}

func TestCoordinator_FailFastStopsAtFirstError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s2", 1)

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionFailed, final.Status)
	assert.Equal(t, []string{"s1"}, final.Progress.CompletedSteps)
	assert.Equal(t, []string{"s2"}, final.Progress.FailedSteps)
	require.NotNil(t, final.Error)
	assert.Equal(t, "s2", final.Error.StepID)
	assert.Equal(t, "StepExecutionError", final.Error.Name)

	assert.Zero(t, env.executor.callCount("s3"), "fail-fast must not reach later steps")

	proj, _ := env.store.GetProject(ctx, "proj-1")
	assert.Equal(t, int64(1), proj.Statistics.FailedExecutions)
}

func TestCoordinator_ContinuePolicyDrivesRemainingSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s2", 1)

	req := threeStepRequest()
	req.Configuration = &ConfigOverrides{ErrorHandling: ptr(types.ErrorHandlingContinue)}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCompleted, final.Status)
	assert.Equal(t, []string{"s1", "s3"}, final.Progress.CompletedSteps)
	assert.Equal(t, []string{"s2"}, final.Progress.FailedSteps)
	assert.Equal(t, "out-s3", final.Results.FinalResult.Str)
}

func TestCoordinator_ContinuePolicyFailsWhenEverythingFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s1", 1)
	env.executor.failTimes("s2", 1)
	env.executor.failTimes("s3", 1)

	req := threeStepRequest()
	req.Configuration = &ConfigOverrides{ErrorHandling: ptr(types.ErrorHandlingContinue)}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionFailed, final.Status)
	assert.Len(t, final.Progress.FailedSteps, 3)
	require.NotNil(t, final.Error)
}

func TestCoordinator_ConditionSkipsStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s1", 1)

	req := threeStepRequest()
	req.Workflow.Steps[1].Condition = "s1" // s2 needs s1 completed
	req.Configuration = &ConfigOverrides{ErrorHandling: ptr(types.ErrorHandlingContinue)}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCompleted, final.Status)
	assert.Equal(t, []string{"s3"}, final.Progress.CompletedSteps)
	assert.Equal(t, []string{"s1"}, final.Progress.FailedSteps)
	assert.Zero(t, env.executor.callCount("s2"), "unmet condition must skip the step")
	// Skipped steps never fail the execution and leave no result.
	_, hasResult := final.Results.StepResults["s2"]
	assert.False(t, hasResult)
}

func TestCoordinator_PerStepRetryEventuallySucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s2", 2)

	req := threeStepRequest()
	req.Workflow.Steps[1].Retry = &types.StepRetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCompleted, final.Status)
	assert.Equal(t, 3, env.executor.callCount("s2"))
}

func TestCoordinator_PerStepRetryExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s2", 5)

	req := threeStepRequest()
	req.Workflow.Steps[1].Retry = &types.StepRetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionFailed, final.Status)
	assert.Equal(t, 2, env.executor.callCount("s2"))
}

func TestCoordinator_CooperativeCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.delay = 30 * time.Millisecond

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	// Wait until the coordinator is inside the workflow, then cancel.
	require.Eventually(t, func() bool {
		return env.executor.callCount("s1") > 0
	}, time.Second, time.Millisecond)
	_, err = env.svc.Cancel(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCancelled, final.Status)
	assert.Zero(t, env.executor.callCount("s3"),
		"the cancellation checkpoint must stop the loop before the last step")
}

func TestCoordinator_TimeoutSettlesExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.delay = 40 * time.Millisecond

	req := threeStepRequest()
	req.Configuration = &ConfigOverrides{Timeout: ptr(60 * time.Millisecond)}
	e, err := env.svc.Create(ctx, testOwner, req)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionTimeout, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.Error, "timeout is not a step failure")

	// Timeouts count toward the total only.
	proj, err := env.store.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), proj.Statistics.TotalExecutions)
	assert.Zero(t, proj.Statistics.SuccessfulExecutions)
	assert.Zero(t, proj.Statistics.FailedExecutions)
}

func TestCoordinator_EventsStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	events, cancel := env.svc.Hub().Subscribe(e.ID)
	defer cancel()

	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)
	env.waitTerminal(t, e.ID)

	var seen []EventType
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
			if ev.Type == EventStatusChanged && ev.Status == types.ExecutionCompleted {
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	assert.Contains(t, seen, EventStepStarted)
	assert.Contains(t, seen, EventStepCompleted)
	assert.Contains(t, seen, EventStatusChanged)
}
