// Package access implements the access guard: it resolves a caller identity
// to permission on a project or agent. Every mutating operation checks the
// guard before touching the entity store.
package access

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// Guard resolves caller identity to entity visibility. Implementations must
// return UNAUTHORIZED for callers without access and ENTITY_NOT_FOUND for
// absent entities.
type Guard interface {
	// CheckProjectAccess returns the project when the caller may act on it.
	CheckProjectAccess(ctx context.Context, projectID, callerID string) (*types.Project, error)
	// CheckAgentAccess returns the agent and its owning project when the
	// caller may act on them.
	CheckAgentAccess(ctx context.Context, agentID, callerID string) (*types.Agent, *types.Project, error)
}

// StoreGuard checks ownership against the entity store: a caller sees a
// project when it is the owner or a collaborator, and sees an agent through
// its owning project.
type StoreGuard struct {
	projects store.ProjectStore
	agents   store.AgentStore
	logger   *zap.Logger
}

// NewStoreGuard creates a store-backed Guard.
func NewStoreGuard(projects store.ProjectStore, agents store.AgentStore, logger *zap.Logger) *StoreGuard {
	return &StoreGuard{
		projects: projects,
		agents:   agents,
		logger:   logger.With(zap.String("component", "access")),
	}
}

var _ Guard = (*StoreGuard)(nil)

func (g *StoreGuard) CheckProjectAccess(ctx context.Context, projectID, callerID string) (*types.Project, error) {
	if callerID == "" {
		return nil, types.UnauthorizedError("project", projectID)
	}
	p, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.VisibleTo(callerID) {
		g.logger.Debug("project access denied",
			zap.String("project_id", projectID),
			zap.String("caller_id", callerID),
		)
		return nil, types.UnauthorizedError("project", projectID)
	}
	return p, nil
}

func (g *StoreGuard) CheckAgentAccess(ctx context.Context, agentID, callerID string) (*types.Agent, *types.Project, error) {
	if callerID == "" {
		return nil, nil, types.UnauthorizedError("agent", agentID)
	}
	a, err := g.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	p, err := g.projects.GetProject(ctx, a.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if !p.VisibleTo(callerID) {
		g.logger.Debug("agent access denied",
			zap.String("agent_id", agentID),
			zap.String("caller_id", callerID),
		)
		return nil, nil, types.UnauthorizedError("agent", agentID)
	}
	return a, p, nil
}
