package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/execflow/types"
)

func newExec(status types.ExecutionStatus) *types.Execution {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &types.Execution{
		ID:        "exec-1",
		ProjectID: "proj-1",
		Status:    status,
		Progress:  types.Progress{TotalSteps: 4},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status != types.ExecutionPending {
		t := now.Add(time.Second)
		e.StartedAt = &t
	}
	return e
}

func TestCanTransition(t *testing.T) {
	all := []types.ExecutionStatus{
		types.ExecutionPending, types.ExecutionRunning, types.ExecutionCompleted,
		types.ExecutionFailed, types.ExecutionCancelled, types.ExecutionTimeout,
	}
	allowed := map[types.ExecutionStatus][]types.ExecutionStatus{
		types.ExecutionPending: {types.ExecutionRunning, types.ExecutionCancelled},
		types.ExecutionRunning: {
			types.ExecutionRunning, types.ExecutionCompleted, types.ExecutionFailed,
			types.ExecutionCancelled, types.ExecutionTimeout,
		},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApply_PendingToRunning_SetsStartedAt(t *testing.T) {
	e := newExec(types.ExecutionPending)
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, Apply(e, StatusUpdate{Status: types.ExecutionRunning}, now))

	assert.Equal(t, types.ExecutionRunning, e.Status)
	require.NotNil(t, e.StartedAt)
	assert.Equal(t, now, *e.StartedAt)
	assert.Nil(t, e.CompletedAt)
	assert.Equal(t, now, e.UpdatedAt)
}

func TestApply_RunningReentrant_DoesNotTouchStartedAt(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	started := *e.StartedAt

	require.NoError(t, Apply(e, StatusUpdate{Status: types.ExecutionRunning}, time.Now()))

	assert.Equal(t, started, *e.StartedAt)
}

func TestApply_TerminalEntry_SetsCompletedAtAndExecutionTime(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	now := e.StartedAt.Add(90 * time.Second)

	require.NoError(t, Apply(e, StatusUpdate{Status: types.ExecutionCompleted}, now))

	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, now, *e.CompletedAt)
	assert.Equal(t, 90*time.Second, e.Performance.ExecutionTime)
}

func TestApply_CallerExecutionTimeOverrideWins(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	now := e.StartedAt.Add(time.Minute)
	override := 5 * time.Second

	require.NoError(t, Apply(e, StatusUpdate{
		Status:      types.ExecutionCompleted,
		Performance: &PerformanceUpdate{ExecutionTime: &override},
	}, now))

	assert.Equal(t, override, e.Performance.ExecutionTime)
}

func TestApply_RejectsTerminalExit(t *testing.T) {
	for _, from := range []types.ExecutionStatus{
		types.ExecutionCompleted, types.ExecutionFailed,
		types.ExecutionCancelled, types.ExecutionTimeout,
	} {
		e := newExec(from)
		err := Apply(e, StatusUpdate{Status: types.ExecutionRunning}, time.Now())
		require.Error(t, err, "from %s", from)
		assert.True(t, types.IsBusinessLogic(err))
		assert.Equal(t, from, e.Status, "record must be untouched")
	}
}

func TestApply_RejectsPendingTarget(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	err := Apply(e, StatusUpdate{Status: types.ExecutionPending}, time.Now())
	require.Error(t, err)
	assert.True(t, types.IsBusinessLogic(err))
}

func TestApply_ErrorOnlyOnFailed(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	err := Apply(e, StatusUpdate{
		Status: types.ExecutionCompleted,
		Error:  &types.ExecutionError{Name: "x", Message: "boom"},
	}, time.Now())
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	require.NoError(t, Apply(e, StatusUpdate{
		Status: types.ExecutionFailed,
		Error:  &types.ExecutionError{Name: "StepExecutionError", Message: "boom", StepID: "s2"},
	}, time.Now()))
	require.NotNil(t, e.Error)
	assert.Equal(t, "s2", e.Error.StepID)
}

func TestApply_ProgressMerge(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	e.Progress.CurrentStep = 1
	e.Progress.Percentage = 0.25
	e.Progress.CompletedSteps = []string{"s1"}
	e.Progress.ActiveSteps = []string{"s2"}

	// Only the sets are supplied; scalars must survive.
	require.NoError(t, Apply(e, StatusUpdate{
		Status: types.ExecutionRunning,
		Progress: &ProgressUpdate{
			CompletedSteps: []string{"s1", "s2"},
			ActiveSteps:    []string{},
		},
	}, time.Now()))

	assert.Equal(t, 1, e.Progress.CurrentStep)
	assert.Equal(t, 0.25, e.Progress.Percentage)
	assert.Equal(t, []string{"s1", "s2"}, e.Progress.CompletedSteps)
	assert.Empty(t, e.Progress.ActiveSteps)
	assert.Equal(t, 4, e.Progress.TotalSteps, "total steps is immutable")
}

func TestApply_ProgressRejectsOverlapAndBadPercentage(t *testing.T) {
	e := newExec(types.ExecutionRunning)

	err := Apply(e, StatusUpdate{
		Status: types.ExecutionRunning,
		Progress: &ProgressUpdate{
			CompletedSteps: []string{"s1", "s2"},
			FailedSteps:    []string{"s2"},
		},
	}, time.Now())
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Empty(t, e.Progress.CompletedSteps, "rejected update must not leak")

	err = Apply(e, StatusUpdate{
		Status:   types.ExecutionRunning,
		Progress: &ProgressUpdate{Percentage: ptr(1.5)},
	}, time.Now())
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestApply_ResultsMerge(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	e.Results.StepResults = map[string]types.Value{
		"s1": types.StringValue("one"),
	}
	e.Results.IntermediateOutputs = []types.IntermediateOutput{{StepID: "s1"}}

	require.NoError(t, Apply(e, StatusUpdate{
		Status: types.ExecutionRunning,
		Results: &ResultsUpdate{
			StepResults: map[string]types.Value{
				"s1": types.StringValue("one-amended"),
				"s2": types.StringValue("two"),
			},
			IntermediateOutputs: []types.IntermediateOutput{{StepID: "s1"}, {StepID: "s2"}},
		},
	}, time.Now()))

	// One-level deep merge: existing keys overwritten, new keys added.
	assert.Equal(t, "one-amended", e.Results.StepResults["s1"].Str)
	assert.Equal(t, "two", e.Results.StepResults["s2"].Str)
	// The output log replaces wholesale.
	assert.Len(t, e.Results.IntermediateOutputs, 2)
}

func TestApply_FinalResultReplacesWholesale(t *testing.T) {
	e := newExec(types.ExecutionRunning)
	e.Results.FinalResult = types.StringValue("old")

	fr := types.StringValue("new")
	require.NoError(t, Apply(e, StatusUpdate{
		Status:  types.ExecutionCompleted,
		Results: &ResultsUpdate{FinalResult: &fr},
	}, time.Now()))

	assert.True(t, e.Results.FinalResult.Equal(fr))
}

func TestApply_MergeIdempotentForIdenticalInput(t *testing.T) {
	upd := StatusUpdate{
		Status: types.ExecutionRunning,
		Progress: &ProgressUpdate{
			CurrentStep:    ptr(2),
			Percentage:     ptr(0.5),
			CompletedSteps: []string{"s1", "s2"},
			ActiveSteps:    []string{},
		},
		Results: &ResultsUpdate{
			StepResults: map[string]types.Value{"s2": types.StringValue("two")},
		},
	}
	now := time.Now().UTC()

	once := newExec(types.ExecutionRunning)
	require.NoError(t, Apply(once, upd, now))

	twice := newExec(types.ExecutionRunning)
	require.NoError(t, Apply(twice, upd, now))
	require.NoError(t, Apply(twice, upd, now))

	assert.Equal(t, once.Progress, twice.Progress)
	assert.Equal(t, once.Results, twice.Results)
}
