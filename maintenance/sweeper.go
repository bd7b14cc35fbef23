// Package maintenance runs the background retention sweeper: it deletes
// executions older than the retention window and archives projects with no
// recent activity. The sweeper never touches pending or running executions
// and never deletes projects.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// protected lists the statuses retention must never remove: an in-flight
// execution always outlives the window.
var protected = map[types.ExecutionStatus]struct{}{
	types.ExecutionPending: {},
	types.ExecutionRunning: {},
}

// Sweeper is the retention daemon.
type Sweeper struct {
	store   store.Store
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     config.RetentionConfig
	limiter *rate.Limiter
	now     func() time.Time
}

// NewSweeper creates a Sweeper. metrics may be nil.
func NewSweeper(st store.Store, collector *metrics.Collector, cfg config.RetentionConfig, logger *zap.Logger) *Sweeper {
	rps := cfg.DeletesPerSec
	if rps <= 0 {
		rps = 10
	}
	return &Sweeper{
		store:   st,
		metrics: collector,
		logger:  logger.With(zap.String("component", "maintenance")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("retention disabled, sweeper idle")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if deleted, archived, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		} else if deleted > 0 || archived > 0 {
			s.logger.Info("sweep finished",
				zap.Int("deleted_executions", deleted),
				zap.Int("archived_projects", archived),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce performs a single retention pass and reports how many executions
// it deleted and projects it archived.
func (s *Sweeper) SweepOnce(ctx context.Context) (deleted, archived int, err error) {
	deleted, err = s.sweepExecutions(ctx)
	if err != nil {
		return deleted, 0, err
	}
	if s.cfg.ArchiveAfter > 0 {
		archived, err = s.archiveProjects(ctx)
	}
	return deleted, archived, err
}

// sweepExecutions deletes settled executions created before the retention
// cutoff, pacing deletes so the store is never saturated by maintenance.
func (s *Sweeper) sweepExecutions(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Window)
	deleted := 0

	for {
		page, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
			CreatedBefore: &cutoff,
			Limit:         store.MaxPageSize,
		})
		if err != nil {
			return deleted, err
		}
		progress := false
		for _, e := range page {
			if _, keep := protected[e.Status]; keep {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
			if err := s.store.DeleteExecution(ctx, e.ID); err != nil {
				if types.IsNotFound(err) {
					continue
				}
				return deleted, err
			}
			deleted++
			progress = true
			if s.metrics != nil {
				s.metrics.RecordRetentionDelete()
			}
			s.logger.Debug("execution expired",
				zap.String("execution_id", e.ID),
				zap.Time("created_at", e.CreatedAt),
			)
		}
		// Stop when the page was the tail or held only protected records;
		// re-listing would loop on them forever.
		if len(page) < store.MaxPageSize || !progress {
			return deleted, nil
		}
	}
}

// archiveProjects marks projects untouched for the archival window. Archived
// projects reject new executions but keep their history.
func (s *Sweeper) archiveProjects(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ArchiveAfter)
	archived := 0

	for {
		page, err := s.store.ListProjects(ctx, store.ProjectFilter{
			Status:        types.ProjectActive,
			UpdatedBefore: &cutoff,
			Limit:         store.MaxPageSize,
		})
		if err != nil {
			return archived, err
		}
		if len(page) == 0 {
			return archived, nil
		}
		for _, p := range page {
			if err := s.limiter.Wait(ctx); err != nil {
				return archived, err
			}
			p.Status = types.ProjectArchived
			p.UpdatedAt = s.now()
			if err := s.store.UpdateProject(ctx, p); err != nil {
				if types.IsNotFound(err) {
					continue
				}
				return archived, err
			}
			archived++
			s.logger.Info("project archived", zap.String("project_id", p.ID))
		}
		if len(page) < store.MaxPageSize {
			return archived, nil
		}
	}
}
