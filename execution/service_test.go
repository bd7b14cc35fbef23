package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/access"
	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/stats"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

const (
	testOwner    = "user-owner"
	testStranger = "user-stranger"
)

// scriptedExecutor fails a step a configured number of times before
// succeeding, with an optional per-call delay.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	delay    time.Duration
	calls    map[string]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (x *scriptedExecutor) failTimes(stepID string, n int) { x.failures[stepID] = n }

func (x *scriptedExecutor) callCount(stepID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[stepID]
}

func (x *scriptedExecutor) ExecuteStep(ctx context.Context, step types.WorkflowStep, sc StepContext) (*StepResult, error) {
	x.mu.Lock()
	x.calls[step.ID]++
	remaining := x.failures[step.ID]
	if remaining > 0 {
		x.failures[step.ID] = remaining - 1
	}
	delay := x.delay
	x.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &StepError{StepID: step.ID, Cause: ctx.Err()}
		}
	}
	if remaining > 0 {
		return nil, &StepError{StepID: step.ID, Cause: fmt.Errorf("scripted failure")}
	}
	return &StepResult{
		Output:     types.StringValue("out-" + step.ID),
		TokensUsed: 10,
		Cost:       0.01,
		Timestamp:  time.Now().UTC(),
	}, nil
}

type testEnv struct {
	svc      *Service
	store    store.Store
	executor *scriptedExecutor
	project  *types.Project
	agent    *types.Agent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	logger := zap.NewNop()

	now := time.Now().UTC()
	project := &types.Project{
		ID: "proj-1", Name: "demo", OwnerID: testOwner,
		Collaborators: []string{"user-collab"},
		Status:        types.ProjectActive,
		CreatedAt:     now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertProject(ctx, project))
	agent := &types.Agent{
		ID: "agent-1", ProjectID: "proj-1", Name: "researcher",
		Status: types.AgentActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertAgent(ctx, agent))

	executor := newScriptedExecutor()
	svc := NewService(
		st,
		access.NewStoreGuard(st, st, logger),
		executor,
		stats.NewPropagator(st, nil, logger),
		config.EngineConfig{
			DefaultTimeout:        time.Minute,
			DefaultMaxConcurrency: 1,
			DefaultErrorHandling:  types.ErrorHandlingFailFast,
			SaveIntermediate:      true,
		},
		logger,
	)
	return &testEnv{svc: svc, store: st, executor: executor, project: project, agent: agent}
}

func threeStepRequest() CreateRequest {
	return CreateRequest{
		ProjectID: "proj-1",
		AgentID:   "agent-1",
		Workflow: types.WorkflowDefinition{
			Name: "triage",
			Steps: []types.WorkflowStep{
				{ID: "s1", Name: "gather"},
				{ID: "s2", Name: "analyze"},
				{ID: "s3", Name: "report"},
			},
		},
		Input: types.StringValue("hello"),
	}
}

func (env *testEnv) waitTerminal(t *testing.T, id string) *types.Execution {
	t.Helper()
	var e *types.Execution
	require.Eventually(t, func() bool {
		var err error
		e, err = env.store.GetExecution(context.Background(), id)
		return err == nil && e.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env.svc.Shutdown(context.Background()))
	return e
}

func TestCreate_InjectsDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPending, e.Status)
	assert.Equal(t, time.Minute, e.Configuration.Timeout)
	assert.Equal(t, 1, e.Configuration.MaxConcurrency)
	assert.Equal(t, types.ErrorHandlingFailFast, e.Configuration.ErrorHandling)
	assert.True(t, e.Configuration.SaveIntermediateResults)
	assert.Equal(t, types.PriorityNormal, e.Priority)
	assert.Equal(t, types.PatternSequential, e.Workflow.Pattern)
	assert.Equal(t, 3, e.Progress.TotalSteps)
	assert.Nil(t, e.StartedAt)

	stored, err := env.store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, stored.Status)
}

func TestCreate_OverridesWin(t *testing.T) {
	env := newTestEnv(t)

	req := threeStepRequest()
	req.Configuration = &ConfigOverrides{
		Timeout:       ptr(10 * time.Second),
		ErrorHandling: ptr(types.ErrorHandlingContinue),
	}
	req.Priority = types.PriorityHigh

	e, err := env.svc.Create(context.Background(), testOwner, req)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, e.Configuration.Timeout)
	assert.Equal(t, types.ErrorHandlingContinue, e.Configuration.ErrorHandling)
	assert.Equal(t, 1, e.Configuration.MaxConcurrency, "unset override keeps default")
	assert.Equal(t, types.PriorityHigh, e.Priority)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing project", func(r *CreateRequest) { r.ProjectID = "" }},
		{"empty workflow", func(r *CreateRequest) { r.Workflow.Steps = nil }},
		{"duplicate step id", func(r *CreateRequest) { r.Workflow.Steps[1].ID = "s1" }},
		{"blank step id", func(r *CreateRequest) { r.Workflow.Steps[0].ID = "" }},
		{"forward condition", func(r *CreateRequest) { r.Workflow.Steps[0].Condition = "s3" }},
		{"unknown condition", func(r *CreateRequest) { r.Workflow.Steps[2].Condition = "nope" }},
		{"bad priority", func(r *CreateRequest) { r.Priority = "urgent" }},
		{"zero retry attempts", func(r *CreateRequest) {
			r.Workflow.Steps[0].Retry = &types.StepRetryPolicy{MaxAttempts: 0}
		}},
		{"negative timeout", func(r *CreateRequest) {
			r.Configuration = &ConfigOverrides{Timeout: ptr(-time.Second)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := threeStepRequest()
			tt.mutate(&req)
			_, err := env.svc.Create(ctx, testOwner, req)
			require.Error(t, err)
			assert.True(t, types.IsValidation(err), "got %v", err)
		})
	}
}

func TestCreate_AccessAndArchival(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testStranger, threeStepRequest())
	assert.True(t, types.IsUnauthorized(err))

	_, err = env.svc.Create(ctx, "", threeStepRequest())
	assert.True(t, types.IsUnauthorized(err))

	req := threeStepRequest()
	req.ProjectID = "proj-missing"
	_, err = env.svc.Create(ctx, testOwner, req)
	assert.True(t, types.IsNotFound(err))

	env.project.Status = types.ProjectArchived
	require.NoError(t, env.store.UpdateProject(ctx, env.project))
	_, err = env.svc.Create(ctx, testOwner, threeStepRequest())
	assert.True(t, types.IsBusinessLogic(err))
}

func TestCreate_AgentMustBelongToProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &types.Project{
		ID: "proj-2", Name: "other", OwnerID: testOwner,
		Status: types.ProjectActive, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, env.store.InsertProject(ctx, other))

	req := threeStepRequest()
	req.ProjectID = "proj-2"
	_, err := env.svc.Create(ctx, testOwner, req)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestGetAndList_Guarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, "user-collab", e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = env.svc.Get(ctx, testStranger, e.ID)
	assert.True(t, types.IsUnauthorized(err))

	page, next, err := env.svc.List(ctx, testOwner, store.ExecutionFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, next)

	_, _, err = env.svc.List(ctx, testOwner, store.ExecutionFilter{})
	assert.True(t, types.IsValidation(err))

	_, _, err = env.svc.List(ctx, testStranger, store.ExecutionFilter{ProjectID: "proj-1"})
	assert.True(t, types.IsUnauthorized(err))
}

func TestUpdateStatus_TerminalPropagatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	_, err = env.svc.UpdateStatus(ctx, testOwner, e.ID, StatusUpdate{Status: types.ExecutionRunning})
	require.NoError(t, err)

	tokens := int64(42)
	updated, err := env.svc.UpdateStatus(ctx, testOwner, e.ID, StatusUpdate{
		Status:      types.ExecutionCompleted,
		Performance: &PerformanceUpdate{TotalTokensUsed: &tokens},
	})
	require.NoError(t, err)
	assert.True(t, updated.StatsPropagated)

	proj, err := env.store.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), proj.Statistics.TotalExecutions)
	assert.Equal(t, int64(1), proj.Statistics.SuccessfulExecutions)
	assert.Equal(t, int64(42), proj.Statistics.TotalTokensUsed)

	agent, err := env.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.Performance.TotalExecutions)

	// A second terminal transition is rejected, so aggregates stay put.
	_, err = env.svc.UpdateStatus(ctx, testOwner, e.ID, StatusUpdate{Status: types.ExecutionCancelled})
	require.Error(t, err)
	assert.True(t, types.IsBusinessLogic(err))
	proj, _ = env.store.GetProject(ctx, "proj-1")
	assert.Equal(t, int64(1), proj.Statistics.TotalExecutions)
}

func TestCancel_PendingAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, testOwner, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.StartedAt)

	// Cancelled executions count toward the total only.
	proj, err := env.store.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), proj.Statistics.TotalExecutions)
	assert.Zero(t, proj.Statistics.SuccessfulExecutions)
	assert.Zero(t, proj.Statistics.FailedExecutions)

	_, err = env.svc.Cancel(ctx, testOwner, e.ID)
	assert.True(t, types.IsBusinessLogic(err))
}

func TestStart_OnlyPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)

	_, err = env.svc.Start(ctx, testStranger, e.ID)
	assert.True(t, types.IsUnauthorized(err))

	_, err = env.svc.Start(ctx, testOwner, e.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, e.ID)
	assert.Equal(t, types.ExecutionCompleted, final.Status)

	_, err = env.svc.Start(ctx, testOwner, e.ID)
	assert.True(t, types.IsBusinessLogic(err))
}

func TestRetry_OnlyFailedAndChainsMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.failTimes("s2", 1)

	parent, err := env.svc.Create(ctx, testOwner, threeStepRequest())
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, testOwner, parent.ID)
	require.NoError(t, err)
	failedParent := env.waitTerminal(t, parent.ID)
	require.Equal(t, types.ExecutionFailed, failedParent.Status)

	child, err := env.svc.Retry(ctx, testOwner, parent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.Workflow.Name, child.Workflow.Name)
	retryOf, ok := child.Metadata[types.MetaRetryOf]
	require.True(t, ok)
	assert.Equal(t, parent.ID, retryOf.Str)
	assert.Equal(t, 1, child.RetryDepth())

	finalChild := env.waitTerminal(t, child.ID)
	assert.Equal(t, types.ExecutionCompleted, finalChild.Status, "scripted failure was consumed by the parent")

	// Chain depth keeps growing across generations.
	_, err = env.svc.Retry(ctx, testOwner, child.ID)
	assert.True(t, types.IsBusinessLogic(err), "completed executions are not retryable")

	// The parent record is untouched.
	parentAfter, err := env.store.GetExecution(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, parentAfter.Status)
}

func TestQueue_Counts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for range 3 {
		_, err := env.svc.Create(ctx, testOwner, threeStepRequest())
		require.NoError(t, err)
	}

	q, err := env.svc.Queue(ctx, testOwner, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Pending)
	assert.Zero(t, q.Running)

	_, err = env.svc.Queue(ctx, testStranger, "proj-1")
	assert.True(t, types.IsUnauthorized(err))
}
