package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/execflow/types"
)

func newTestExecution(id, projectID string, createdAt time.Time) *types.Execution {
	return &types.Execution{
		ID:        id,
		ProjectID: projectID,
		Status:    types.ExecutionPending,
		Workflow: types.WorkflowDefinition{
			Name:    "wf",
			Pattern: types.PatternSequential,
			Steps:   []types.WorkflowStep{{ID: "s1", Name: "step one"}},
		},
		Progress:  types.Progress{TotalSteps: 1, CompletedSteps: []string{}, FailedSteps: []string{}, ActiveSteps: []string{}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryStore_ExecutionCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	e := newTestExecution("exec-1", "proj-1", now)
	require.NoError(t, s.InsertExecution(ctx, e))

	// Duplicate insert is rejected.
	err := s.InsertExecution(ctx, e)
	assert.True(t, types.IsValidation(err))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got.ProjectID)

	// Stored record is isolated from caller mutation.
	got.Status = types.ExecutionRunning
	again, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, again.Status)

	got.ID = "exec-1"
	require.NoError(t, s.UpdateExecution(ctx, got))
	updated, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, updated.Status)

	require.NoError(t, s.DeleteExecution(ctx, "exec-1"))
	_, err = s.GetExecution(ctx, "exec-1")
	assert.True(t, types.IsNotFound(err))
}

func TestMemoryStore_ListOrderingAndCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := newTestExecution(fmt.Sprintf("exec-%d", i), "proj-1", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.InsertExecution(ctx, e))
	}

	page, err := s.ListExecutions(ctx, ExecutionFilter{ProjectID: "proj-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, "exec-4", page[0].ID)
	assert.Equal(t, "exec-3", page[1].ID)

	cursor := &Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	next, err := s.ListExecutions(ctx, ExecutionFilter{ProjectID: "proj-1", Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "exec-2", next[0].ID)
	assert.Equal(t, "exec-1", next[1].ID)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	running := newTestExecution("exec-a", "proj-1", base)
	running.Status = types.ExecutionRunning
	running.AgentID = "agent-1"
	require.NoError(t, s.InsertExecution(ctx, running))

	done := newTestExecution("exec-b", "proj-1", base.Add(time.Hour))
	done.Status = types.ExecutionCompleted
	require.NoError(t, s.InsertExecution(ctx, done))

	other := newTestExecution("exec-c", "proj-2", base)
	require.NoError(t, s.InsertExecution(ctx, other))

	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{ProjectID: "proj-1", Status: types.ExecutionRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "exec-a", byStatus[0].ID)

	byAgent, err := s.ListExecutions(ctx, ExecutionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	cutoff := base.Add(30 * time.Minute)
	windowed, err := s.ListExecutions(ctx, ExecutionFilter{ProjectID: "proj-1", CreatedAfter: &cutoff})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "exec-b", windowed[0].ID)

	n, err := s.CountExecutions(ctx, ExecutionFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_PageSizeClamp(t *testing.T) {
	f := ExecutionFilter{Limit: 1000}
	assert.Equal(t, MaxPageSize, f.EffectiveLimit())

	f = ExecutionFilter{}
	assert.Equal(t, DefaultPageSize, f.EffectiveLimit())
}

func TestMemoryStore_MarkStatsPropagated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := newTestExecution("exec-1", "proj-1", time.Now().UTC())
	require.NoError(t, s.InsertExecution(ctx, e))

	first, err := s.MarkStatsPropagated(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkStatsPropagated(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, second)

	_, err = s.MarkStatsPropagated(ctx, "exec-missing")
	assert.True(t, types.IsNotFound(err))
}

func TestMemoryStore_UsageLedger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		u := &types.TokenUsage{
			ID:          fmt.Sprintf("usage-%d", i),
			ProjectID:   "proj-1",
			AgentID:     "agent-1",
			ExecutionID: "exec-1",
			Tokens:      int64(100 * (i + 1)),
			Cost:        0.01,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.AppendUsage(ctx, u))
	}

	all, err := s.ListUsage(ctx, UsageFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cutoff := base.Add(90 * time.Minute)
	recent, err := s.ListUsage(ctx, UsageFilter{ProjectID: "proj-1", After: &cutoff})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, int64(300), recent[0].Tokens)
}
