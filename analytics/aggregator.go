// Package analytics computes windowed execution rollups on demand. Reports
// are derived from execution and token-usage records at query time, so they
// never drift from the source of truth; a read-through cache bounds the cost
// of repeated queries at the price of TTL-deep staleness.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/access"
	"github.com/BaSui01/execflow/internal/cache"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// EntityKind selects the rollup scope.
type EntityKind string

const (
	KindProject   EntityKind = "project"
	KindAgent     EntityKind = "agent"
	KindExecution EntityKind = "execution"
)

// Window bounds a rollup by creation time. Nil edges are open.
type Window struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Report is one computed rollup. SuccessRate is completed over all terminal
// executions in scope; per-execution rates normalize by the scoped execution
// count. Durations are averaged over executions that both started and
// finished.
type Report struct {
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	Window     Window     `json:"window"`

	TotalExecutions      int64                           `json:"total_executions"`
	CountsByStatus       map[types.ExecutionStatus]int64 `json:"counts_by_status"`
	SuccessRate          float64                         `json:"success_rate"`
	AverageExecutionTime time.Duration                   `json:"average_execution_time"`

	TotalTokens        int64   `json:"total_tokens"`
	TotalCost          float64 `json:"total_cost"`
	TokensPerExecution float64 `json:"tokens_per_execution"`
	CostPerExecution   float64 `json:"cost_per_execution"`

	ComputedAt time.Time `json:"computed_at"`
}

// Aggregator serves rollup reports through the cache.
type Aggregator struct {
	store   store.Store
	guard   access.Guard
	cache   cache.Cache
	metrics *metrics.Collector
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
}

// NewAggregator creates an Aggregator. metrics may be nil.
func NewAggregator(
	st store.Store,
	guard access.Guard,
	c cache.Cache,
	collector *metrics.Collector,
	ttl time.Duration,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		store:   st,
		guard:   guard,
		cache:   c,
		metrics: collector,
		logger:  logger.With(zap.String("component", "analytics")),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Aggregate returns the rollup for one entity and window, serving from cache
// when a report computed within the TTL exists for the exact same key.
func (a *Aggregator) Aggregate(ctx context.Context, callerID string, kind EntityKind, entityID string, window Window) (*Report, error) {
	if entityID == "" {
		return nil, types.ValidationError("entity id is required")
	}
	if window.From != nil && window.To != nil && window.To.Before(*window.From) {
		return nil, types.ValidationError("window end precedes window start")
	}
	if err := a.authorize(ctx, callerID, kind, entityID); err != nil {
		return nil, err
	}

	key := cacheKey(kind, entityID, window)
	computed := false
	raw, err := a.cache.GetOrCompute(ctx, key, a.ttl, func(ctx context.Context) ([]byte, error) {
		computed = true
		report, err := a.compute(ctx, kind, entityID, window)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	})
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		if computed {
			a.metrics.RecordCacheMiss("rollup")
		} else {
			a.metrics.RecordCacheHit("rollup")
		}
	}

	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode cached report: %w", err)
	}
	return &report, nil
}

func (a *Aggregator) authorize(ctx context.Context, callerID string, kind EntityKind, entityID string) error {
	switch kind {
	case KindProject:
		_, err := a.guard.CheckProjectAccess(ctx, entityID, callerID)
		return err
	case KindAgent:
		_, _, err := a.guard.CheckAgentAccess(ctx, entityID, callerID)
		return err
	case KindExecution:
		e, err := a.store.GetExecution(ctx, entityID)
		if err != nil {
			return err
		}
		_, err = a.guard.CheckProjectAccess(ctx, e.ProjectID, callerID)
		return err
	default:
		return types.ValidationError("unknown entity kind %q", kind)
	}
}

// compute builds a report from scratch by scanning the matching execution
// records page by page and summing the token ledger for the same scope.
func (a *Aggregator) compute(ctx context.Context, kind EntityKind, entityID string, window Window) (*Report, error) {
	report := &Report{
		EntityKind:     kind,
		EntityID:       entityID,
		Window:         window,
		CountsByStatus: make(map[types.ExecutionStatus]int64),
		ComputedAt:     a.now(),
	}

	var (
		terminal     int64
		completed    int64
		durationSum  time.Duration
		durationSeen int64
	)
	fold := func(e *types.Execution) {
		report.TotalExecutions++
		report.CountsByStatus[e.Status]++
		if e.Status.IsTerminal() {
			terminal++
			if e.Status == types.ExecutionCompleted {
				completed++
			}
		}
		if e.StartedAt != nil && e.CompletedAt != nil {
			durationSum += e.CompletedAt.Sub(*e.StartedAt)
			durationSeen++
		}
	}

	if kind == KindExecution {
		e, err := a.store.GetExecution(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if inWindow(e.CreatedAt, window) {
			fold(e)
		}
	} else {
		filter := store.ExecutionFilter{
			CreatedAfter:  window.From,
			CreatedBefore: window.To,
			Limit:         store.MaxPageSize,
		}
		if kind == KindProject {
			filter.ProjectID = entityID
		} else {
			filter.AgentID = entityID
		}
		for {
			page, err := a.store.ListExecutions(ctx, filter)
			if err != nil {
				return nil, err
			}
			for _, e := range page {
				fold(e)
			}
			if len(page) < store.MaxPageSize {
				break
			}
			last := page[len(page)-1]
			filter.Cursor = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}

	if terminal > 0 {
		report.SuccessRate = float64(completed) / float64(terminal)
	}
	if durationSeen > 0 {
		report.AverageExecutionTime = time.Duration(int64(durationSum) / durationSeen)
	}

	usageFilter := store.UsageFilter{After: window.From, Before: window.To}
	switch kind {
	case KindProject:
		usageFilter.ProjectID = entityID
	case KindAgent:
		usageFilter.AgentID = entityID
	case KindExecution:
		usageFilter.ExecutionID = entityID
	}
	usage, err := a.store.ListUsage(ctx, usageFilter)
	if err != nil {
		return nil, err
	}
	for _, u := range usage {
		report.TotalTokens += u.Tokens
		report.TotalCost += u.Cost
	}
	if report.TotalExecutions > 0 {
		report.TokensPerExecution = float64(report.TotalTokens) / float64(report.TotalExecutions)
		report.CostPerExecution = report.TotalCost / float64(report.TotalExecutions)
	}

	a.logger.Debug("rollup computed",
		zap.String("entity_kind", string(kind)),
		zap.String("entity_id", entityID),
		zap.Int64("total_executions", report.TotalExecutions),
	)
	return report, nil
}

func inWindow(t time.Time, w Window) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

// cacheKey identifies a rollup by scope and window. Two callers asking for
// the same scope share one cached report.
func cacheKey(kind EntityKind, entityID string, w Window) string {
	from, to := "-", "-"
	if w.From != nil {
		from = w.From.UTC().Format(time.RFC3339Nano)
	}
	if w.To != nil {
		to = w.To.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("rollup:%s:%s:%s:%s", kind, entityID, from, to)
}
