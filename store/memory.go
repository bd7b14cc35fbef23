package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/execflow/types"
)

// MemoryStore is an in-process Store used by tests and by the dev-mode
// server. It applies the same filtering, ordering, and pagination rules as
// the Mongo backend.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*types.Execution
	projects   map[string]*types.Project
	agents     map[string]*types.Agent
	usage      []*types.TokenUsage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*types.Execution),
		projects:   make(map[string]*types.Project),
		agents:     make(map[string]*types.Agent),
	}
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Executions
// =============================================================================

func (s *MemoryStore) InsertExecution(ctx context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return types.ValidationError("execution %q already exists", e.ID)
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, types.NotFoundError("execution", id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, e *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return types.NotFoundError("execution", e.ID)
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return types.NotFoundError("execution", id)
	}
	delete(s.executions, id)
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*types.Execution, 0)
	for _, e := range s.executions {
		if !matchesExecution(e, f) {
			continue
		}
		matched = append(matched, e)
	}

	// createdAt descending, id descending as tiebreaker, matching the
	// compound index ordering of the Mongo backend.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if f.Cursor != nil {
		cut := sort.Search(len(matched), func(i int) bool {
			return beforeCursor(matched[i], f.Cursor)
		})
		matched = matched[cut:]
	}

	limit := f.EffectiveLimit()
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*types.Execution, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *MemoryStore) CountExecutions(ctx context.Context, f ExecutionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.executions {
		if matchesExecution(e, f) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkStatsPropagated(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, types.NotFoundError("execution", id)
	}
	if e.StatsPropagated {
		return false, nil
	}
	e.StatsPropagated = true
	return true, nil
}

func matchesExecution(e *types.Execution, f ExecutionFilter) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !e.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// beforeCursor reports whether e sorts strictly after the cursor position in
// the descending listing, i.e. belongs to the next page.
func beforeCursor(e *types.Execution, c *Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

// =============================================================================
// Projects
// =============================================================================

func (s *MemoryStore) InsertProject(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return types.ValidationError("project %q already exists", p.ID)
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, types.NotFoundError("project", id)
	}
	cp := *p
	cp.Collaborators = append([]string(nil), p.Collaborators...)
	return &cp, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return types.NotFoundError("project", p.ID)
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return types.NotFoundError("project", id)
	}
	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, f ProjectFilter) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Project, 0)
	for _, p := range s.projects {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.UpdatedBefore != nil && !p.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		cp := *p
		cp.Collaborators = append([]string(nil), p.Collaborators...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Agents
// =============================================================================

func (s *MemoryStore) InsertAgent(ctx context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return types.ValidationError("agent %q already exists", a.ID)
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, types.NotFoundError("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return types.NotFoundError("agent", a.ID)
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return types.NotFoundError("agent", id)
	}
	delete(s.agents, id)
	return nil
}

// =============================================================================
// Token usage ledger
// =============================================================================

func (s *MemoryStore) AppendUsage(ctx context.Context, u *types.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.usage = append(s.usage, &cp)
	return nil
}

func (s *MemoryStore) ListUsage(ctx context.Context, f UsageFilter) ([]*types.TokenUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TokenUsage, 0)
	for _, u := range s.usage {
		if !matchesUsage(u, f) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func matchesUsage(u *types.TokenUsage, f UsageFilter) bool {
	if f.ProjectID != "" && u.ProjectID != f.ProjectID {
		return false
	}
	if f.AgentID != "" && u.AgentID != f.AgentID {
		return false
	}
	if f.ExecutionID != "" && u.ExecutionID != f.ExecutionID {
		return false
	}
	if f.After != nil && u.Timestamp.Before(*f.After) {
		return false
	}
	if f.Before != nil && !u.Timestamp.Before(*f.Before) {
		return false
	}
	return true
}
