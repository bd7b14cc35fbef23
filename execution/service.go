// Package execution implements the execution lifecycle engine: creation with
// server-side defaulting, the status state machine, the sequential workflow
// coordinator, and retry-as-new-execution.
package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/access"
	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/stats"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// ConfigOverrides carries the caller-supplied parts of an execution
// configuration. Nil fields fall back to the engine defaults, so two
// identical create calls always produce identical effective configuration.
type ConfigOverrides struct {
	Timeout                 *time.Duration             `json:"timeout,omitempty"`
	MaxConcurrency          *int                       `json:"max_concurrency,omitempty"`
	ErrorHandling           *types.ErrorHandlingPolicy `json:"error_handling,omitempty"`
	SaveIntermediateResults *bool                      `json:"save_intermediate_results,omitempty"`
}

// CreateRequest is the input of Service.Create.
type CreateRequest struct {
	ProjectID     string                   `json:"project_id"`
	AgentID       string                   `json:"agent_id,omitempty"`
	Workflow      types.WorkflowDefinition `json:"workflow"`
	Input         types.Value              `json:"input,omitempty"`
	Configuration *ConfigOverrides         `json:"configuration,omitempty"`
	Priority      types.ExecutionPriority  `json:"priority,omitempty"`
	Metadata      map[string]types.Value   `json:"metadata,omitempty"`
}

// QueueStatus summarizes in-flight work for a project.
type QueueStatus struct {
	Pending            int64 `json:"pending"`
	Running            int64 `json:"running"`
	ActiveCoordinators int64 `json:"active_coordinators"`
}

// Service exposes every execution lifecycle operation. One Service instance
// runs per process; it owns the coordinator goroutines it spawns.
type Service struct {
	store      store.Store
	guard      access.Guard
	executor   StepExecutor
	propagator *stats.Propagator
	metrics    *metrics.Collector
	hub        *EventHub
	logger     *zap.Logger
	defaults   config.EngineConfig
	now        func() time.Time

	// execMu serializes updates per execution id: the coordinator and
	// external updateStatus/cancel calls race on the same record.
	mu     sync.Mutex
	execMu map[string]*sync.Mutex

	// launched prevents two coordinators for the same execution in this
	// process. Entries are removed when the coordinator exits.
	launched sync.Map

	inflight atomic.Int64
	wg       sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches the Prometheus collector.
func WithMetrics(c *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = c }
}

// NewService wires the execution engine together.
func NewService(
	st store.Store,
	guard access.Guard,
	executor StepExecutor,
	propagator *stats.Propagator,
	defaults config.EngineConfig,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		store:      st,
		guard:      guard,
		executor:   executor,
		propagator: propagator,
		hub:        NewEventHub(),
		logger:     logger.With(zap.String("component", "execution")),
		defaults:   defaults,
		now:        func() time.Time { return time.Now().UTC() },
		execMu:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the execution event hub for streaming consumers.
func (s *Service) Hub() *EventHub { return s.hub }

// Create validates the request, snapshots the workflow definition, injects
// configuration defaults, and persists a pending execution. It never starts
// the coordinator; Start does that explicitly.
func (s *Service) Create(ctx context.Context, callerID string, req CreateRequest) (*types.Execution, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	project, err := s.guard.CheckProjectAccess(ctx, req.ProjectID, callerID)
	if err != nil {
		return nil, err
	}
	if project.Status == types.ProjectArchived {
		return nil, types.BusinessLogicError(
			"project %q is archived and accepts no new executions", project.ID,
		).WithEntityID(project.ID)
	}
	if req.AgentID != "" {
		agent, _, err := s.guard.CheckAgentAccess(ctx, req.AgentID, callerID)
		if err != nil {
			return nil, err
		}
		if agent.ProjectID != req.ProjectID {
			return nil, types.ValidationError(
				"agent %q belongs to project %q, not %q", agent.ID, agent.ProjectID, req.ProjectID,
			)
		}
	}

	now := s.now()
	e := &types.Execution{
		ID:            types.NewExecutionID(),
		ProjectID:     req.ProjectID,
		AgentID:       req.AgentID,
		Workflow:      req.Workflow,
		Input:         req.Input,
		Configuration: s.effectiveConfig(req.Configuration),
		Priority:      effectivePriority(req.Priority),
		Status:        types.ExecutionPending,
		Progress: types.Progress{
			TotalSteps:     len(req.Workflow.Steps),
			CompletedSteps: []string{},
			FailedSteps:    []string{},
			ActiveSteps:    []string{},
		},
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.Workflow.Pattern == "" {
		e.Workflow.Pattern = types.PatternSequential
	}

	if err := s.store.InsertExecution(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("execution created",
		zap.String("execution_id", e.ID),
		zap.String("project_id", e.ProjectID),
		zap.Int("total_steps", e.Progress.TotalSteps),
	)
	return e, nil
}

// Get returns one execution after a project visibility check.
func (s *Service) Get(ctx context.Context, callerID, id string) (*types.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.CheckProjectAccess(ctx, e.ProjectID, callerID); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns a page of the project's executions, newest first, and the
// cursor for the next page (nil when the listing is exhausted).
func (s *Service) List(ctx context.Context, callerID string, f store.ExecutionFilter) ([]*types.Execution, *store.Cursor, error) {
	if f.ProjectID == "" {
		return nil, nil, types.ValidationError("project_id is required for listing executions")
	}
	if _, err := s.guard.CheckProjectAccess(ctx, f.ProjectID, callerID); err != nil {
		return nil, nil, err
	}
	page, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	var next *store.Cursor
	if len(page) == f.EffectiveLimit() {
		last := page[len(page)-1]
		next = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, next, nil
}

// UpdateStatus applies one status update through the state machine and
// persists the result. Terminal entries trigger statistics propagation.
func (s *Service) UpdateStatus(ctx context.Context, callerID, id string, upd StatusUpdate) (*types.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.CheckProjectAccess(ctx, e.ProjectID, callerID); err != nil {
		return nil, err
	}
	return s.applyUpdate(ctx, id, upd)
}

// Cancel moves a pending or running execution to cancelled.
func (s *Service) Cancel(ctx context.Context, callerID, id string) (*types.Execution, error) {
	return s.UpdateStatus(ctx, callerID, id, StatusUpdate{Status: types.ExecutionCancelled})
}

// Start launches the coordinator for a pending execution. The coordinator
// outlives the request: it runs on a context detached from the caller's
// cancellation but keeps its values.
func (s *Service) Start(ctx context.Context, callerID, id string) (*types.Execution, error) {
	e, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if e.Status != types.ExecutionPending {
		return nil, types.BusinessLogicError(
			"execution %q is %s, only pending executions can be started", e.ID, e.Status,
		).WithEntityID(e.ID)
	}
	if _, loaded := s.launched.LoadOrStore(e.ID, struct{}{}); loaded {
		return nil, types.BusinessLogicError(
			"execution %q already has a coordinator", e.ID,
		).WithEntityID(e.ID)
	}

	s.launch(context.WithoutCancel(ctx), e.ID)
	return e, nil
}

// Queue reports pending and running counts for a project plus the process's
// in-flight coordinator count.
func (s *Service) Queue(ctx context.Context, callerID, projectID string) (*QueueStatus, error) {
	if _, err := s.guard.CheckProjectAccess(ctx, projectID, callerID); err != nil {
		return nil, err
	}
	pending, err := s.store.CountExecutions(ctx, store.ExecutionFilter{
		ProjectID: projectID, Status: types.ExecutionPending,
	})
	if err != nil {
		return nil, err
	}
	running, err := s.store.CountExecutions(ctx, store.ExecutionFilter{
		ProjectID: projectID, Status: types.ExecutionRunning,
	})
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Pending:            pending,
		Running:            running,
		ActiveCoordinators: s.inflight.Load(),
	}, nil
}

// Shutdown waits for in-flight coordinators to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) launch(ctx context.Context, id string) {
	s.wg.Add(1)
	s.inflight.Add(1)
	if s.metrics != nil {
		s.metrics.CoordinatorStarted()
	}
	go func() {
		defer func() {
			s.launched.Delete(id)
			s.inflight.Add(-1)
			if s.metrics != nil {
				s.metrics.CoordinatorFinished()
			}
			s.wg.Done()
		}()
		s.run(ctx, id)
	}()
}

// applyUpdate is the single write path for status updates: it re-reads the
// record under the per-execution lock, runs the state machine, persists, and
// fans out events, metrics, and terminal propagation.
func (s *Service) applyUpdate(ctx context.Context, id string, upd StatusUpdate) (*types.Execution, error) {
	unlock := s.lockExecution(id)
	defer unlock()

	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	from := e.Status
	if err := Apply(e, upd, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateExecution(ctx, e); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordTransition(string(from), string(e.Status))
		if e.Status.IsTerminal() {
			s.metrics.RecordExecutionTerminal(string(e.Status), e.Performance.ExecutionTime)
		}
	}
	if from != e.Status {
		s.hub.Publish(Event{
			Type:        EventStatusChanged,
			ExecutionID: e.ID,
			Status:      e.Status,
		})
	}

	if e.Status.IsTerminal() {
		if err := s.propagator.Propagate(ctx, e); err != nil {
			// Propagation failures never reverse a terminal transition.
			s.logger.Error("statistics propagation incomplete",
				zap.String("execution_id", e.ID),
				zap.Error(err),
			)
		}
	}
	return e, nil
}

func (s *Service) lockExecution(id string) func() {
	s.mu.Lock()
	m, ok := s.execMu[id]
	if !ok {
		m = &sync.Mutex{}
		s.execMu[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) effectiveConfig(o *ConfigOverrides) types.ExecutionConfiguration {
	cfg := types.ExecutionConfiguration{
		Timeout:                 s.defaults.DefaultTimeout,
		MaxConcurrency:          s.defaults.DefaultMaxConcurrency,
		ErrorHandling:           s.defaults.DefaultErrorHandling,
		SaveIntermediateResults: s.defaults.SaveIntermediate,
	}
	if o == nil {
		return cfg
	}
	if o.Timeout != nil {
		cfg.Timeout = *o.Timeout
	}
	if o.MaxConcurrency != nil {
		cfg.MaxConcurrency = *o.MaxConcurrency
	}
	if o.ErrorHandling != nil {
		cfg.ErrorHandling = *o.ErrorHandling
	}
	if o.SaveIntermediateResults != nil {
		cfg.SaveIntermediateResults = *o.SaveIntermediateResults
	}
	return cfg
}

func effectivePriority(p types.ExecutionPriority) types.ExecutionPriority {
	if p == "" {
		return types.PriorityNormal
	}
	return p
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.ProjectID == "" {
		return types.ValidationError("project_id is required")
	}
	if len(req.Workflow.Steps) == 0 {
		return types.ValidationError("workflow must declare at least one step")
	}
	seen := make(map[string]struct{}, len(req.Workflow.Steps))
	for i, step := range req.Workflow.Steps {
		if step.ID == "" {
			return types.ValidationError("workflow step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return types.ValidationError("duplicate workflow step id %q", step.ID)
		}
		if step.Condition != "" {
			if _, declared := seen[step.Condition]; !declared {
				return types.ValidationError(
					"step %q condition references %q, which is not an earlier step", step.ID, step.Condition,
				)
			}
		}
		if step.Retry != nil {
			if step.Retry.MaxAttempts < 1 {
				return types.ValidationError("step %q retry max_attempts must be at least 1", step.ID)
			}
			if step.Retry.Backoff < 0 {
				return types.ValidationError("step %q retry backoff cannot be negative", step.ID)
			}
		}
		if err := step.Input.Validate(); err != nil {
			return types.ValidationError("step %q input: %v", step.ID, err)
		}
		seen[step.ID] = struct{}{}
	}
	if err := req.Input.Validate(); err != nil {
		return types.ValidationError("execution input: %v", err)
	}
	switch req.Priority {
	case "", types.PriorityLow, types.PriorityNormal, types.PriorityHigh:
	default:
		return types.ValidationError("unknown priority %q", req.Priority)
	}
	if o := req.Configuration; o != nil {
		if o.Timeout != nil && *o.Timeout <= 0 {
			return types.ValidationError("configuration timeout must be positive")
		}
		if o.MaxConcurrency != nil && *o.MaxConcurrency < 1 {
			return types.ValidationError("configuration max_concurrency must be at least 1")
		}
		if o.ErrorHandling != nil {
			switch *o.ErrorHandling {
			case types.ErrorHandlingFailFast, types.ErrorHandlingContinue, types.ErrorHandlingRetryAll:
			default:
				return types.ValidationError("unknown error handling policy %q", *o.ErrorHandling)
			}
		}
	}
	for k, v := range req.Metadata {
		if err := v.Validate(); err != nil {
			return types.ValidationError("metadata %q: %v", k, err)
		}
	}
	return nil
}
