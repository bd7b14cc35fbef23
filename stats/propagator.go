// Package stats propagates terminal execution outcomes into the derived
// aggregates on projects and agents. Propagation is one-way: executions are
// the source of truth, aggregates are recomputable projections.
package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// Delta is the signed aggregate contribution of one terminal execution.
// Cancelled and timed-out executions count toward the total only.
type Delta struct {
	Total         int64
	Successful    int64
	Failed        int64
	ExecutionTime time.Duration
	Tokens        int64
	Cost          float64
}

// DeltaFor derives the aggregate delta from a terminal execution.
func DeltaFor(e *types.Execution) Delta {
	d := Delta{
		Total:         1,
		ExecutionTime: e.Performance.ExecutionTime,
		Tokens:        e.Performance.TotalTokensUsed,
		Cost:          e.Performance.TotalCostIncurred,
	}
	switch e.Status {
	case types.ExecutionCompleted:
		d.Successful = 1
	case types.ExecutionFailed:
		d.Failed = 1
	}
	return d
}

// Propagator applies terminal deltas to project and agent aggregates.
// Exactly-once per execution is enforced by the store's propagation guard;
// per-entity ordering by a keyed mutex, since the read-modify-write here
// spans two store calls.
type Propagator struct {
	store   store.Store
	metrics *metrics.Collector
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPropagator creates a Propagator. metrics may be nil.
func NewPropagator(st store.Store, collector *metrics.Collector, logger *zap.Logger) *Propagator {
	return &Propagator{
		store:   st,
		metrics: collector,
		logger:  logger.With(zap.String("component", "stats_propagator")),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Propagate applies the execution's delta to its project and agent. The two
// targets are independent: a failure on one does not roll back the other, and
// neither failure reverses the execution's terminal status. The first call
// for an execution wins; repeats are no-ops.
func (p *Propagator) Propagate(ctx context.Context, e *types.Execution) error {
	if !e.Status.IsTerminal() {
		return types.BusinessLogicError(
			"cannot propagate statistics for non-terminal execution %q", e.ID,
		).WithEntityID(e.ID)
	}

	flipped, err := p.store.MarkStatsPropagated(ctx, e.ID)
	if err != nil {
		return err
	}
	if !flipped {
		p.logger.Debug("statistics already propagated", zap.String("execution_id", e.ID))
		return nil
	}

	delta := DeltaFor(e)
	var errs []error

	if err := p.applyToProject(ctx, e.ProjectID, delta); err != nil {
		p.record("project", true)
		p.logger.Error("project statistics propagation failed",
			zap.String("execution_id", e.ID),
			zap.String("project_id", e.ProjectID),
			zap.Error(err),
		)
		errs = append(errs, err)
	} else {
		p.record("project", false)
	}

	if e.AgentID != "" {
		if err := p.applyToAgent(ctx, e.AgentID, delta); err != nil {
			p.record("agent", true)
			p.logger.Error("agent performance propagation failed",
				zap.String("execution_id", e.ID),
				zap.String("agent_id", e.AgentID),
				zap.Error(err),
			)
			errs = append(errs, err)
		} else {
			p.record("agent", false)
		}
	}

	return errors.Join(errs...)
}

func (p *Propagator) applyToProject(ctx context.Context, projectID string, d Delta) error {
	unlock := p.lock("project/" + projectID)
	defer unlock()

	proj, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	s := &proj.Statistics
	s.AverageExecutionTime = nextAverage(s.AverageExecutionTime, s.TotalExecutions, d.ExecutionTime)
	s.TotalExecutions += d.Total
	s.SuccessfulExecutions += d.Successful
	s.FailedExecutions += d.Failed
	s.TotalTokensUsed += d.Tokens
	s.TotalCostIncurred += d.Cost
	proj.UpdatedAt = time.Now().UTC()
	return p.store.UpdateProject(ctx, proj)
}

func (p *Propagator) applyToAgent(ctx context.Context, agentID string, d Delta) error {
	unlock := p.lock("agent/" + agentID)
	defer unlock()

	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	perf := &agent.Performance
	perf.AverageExecutionTime = nextAverage(perf.AverageExecutionTime, perf.TotalExecutions, d.ExecutionTime)
	perf.TotalExecutions += d.Total
	perf.SuccessfulExecutions += d.Successful
	perf.FailedExecutions += d.Failed
	perf.TotalTokensUsed += d.Tokens
	perf.TotalCostIncurred += d.Cost
	agent.UpdatedAt = time.Now().UTC()
	return p.store.UpdateAgent(ctx, agent)
}

// nextAverage folds one sample into a running mean without keeping the
// sample history: newAvg = (oldAvg*oldCount + sample) / (oldCount+1).
func nextAverage(oldAvg time.Duration, oldCount int64, sample time.Duration) time.Duration {
	newCount := oldCount + 1
	return time.Duration((int64(oldAvg)*oldCount + int64(sample)) / newCount)
}

// lock serializes aggregate updates per entity key.
func (p *Propagator) lock(key string) func() {
	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (p *Propagator) record(target string, failed bool) {
	if p.metrics != nil {
		p.metrics.RecordPropagation(target, failed)
	}
}
