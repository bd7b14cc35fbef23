package store

import (
	"context"
	"time"

	"github.com/BaSui01/execflow/types"
)

// MaxPageSize caps every list operation. Filters asking for more are clamped.
const MaxPageSize = 100

// DefaultPageSize is used when a filter leaves Limit unset.
const DefaultPageSize = 20

// Cursor marks a position in a createdAt-descending listing. The next page
// contains records strictly older than (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// ExecutionFilter selects executions for List. Zero fields are ignored.
type ExecutionFilter struct {
	ProjectID     string
	AgentID       string
	Status        types.ExecutionStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Cursor        *Cursor
	Limit         int
}

// EffectiveLimit returns the clamped page size for the filter.
func (f ExecutionFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// UsageFilter selects token-usage records. Zero fields are ignored.
type UsageFilter struct {
	ProjectID   string
	AgentID     string
	ExecutionID string
	After       *time.Time
	Before      *time.Time
}

// ExecutionStore is the entity-store adapter for executions: typed CRUD plus
// the indexed queries the engine needs (projectId, agentId, status, createdAt
// range; createdAt-descending order with cursor pagination).
type ExecutionStore interface {
	InsertExecution(ctx context.Context, e *types.Execution) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	// UpdateExecution replaces the stored record. The engine runs a single
	// logical coordinator per execution, so replace semantics are safe here.
	UpdateExecution(ctx context.Context, e *types.Execution) error
	DeleteExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error)
	CountExecutions(ctx context.Context, f ExecutionFilter) (int64, error)
	// MarkStatsPropagated flips the propagation guard exactly once. It
	// returns true only for the call that performed the flip.
	MarkStatsPropagated(ctx context.Context, id string) (bool, error)
}

// ProjectFilter selects projects for List. Zero fields are ignored.
type ProjectFilter struct {
	Status        types.ProjectStatus
	UpdatedBefore *time.Time
	Limit         int
}

// ProjectStore is the entity-store adapter for projects.
type ProjectStore interface {
	InsertProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	UpdateProject(ctx context.Context, p *types.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, f ProjectFilter) ([]*types.Project, error)
}

// AgentStore is the entity-store adapter for agents.
type AgentStore interface {
	InsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	UpdateAgent(ctx context.Context, a *types.Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// TokenUsageStore is the append-only token-usage ledger.
type TokenUsageStore interface {
	AppendUsage(ctx context.Context, u *types.TokenUsage) error
	ListUsage(ctx context.Context, f UsageFilter) ([]*types.TokenUsage, error)
}

// Store bundles every adapter the engine depends on.
type Store interface {
	ExecutionStore
	ProjectStore
	AgentStore
	TokenUsageStore
}
