package execution

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/internal/telemetry"
	"github.com/BaSui01/execflow/types"
)

// run is the coordinator loop: it drives the workflow's steps strictly in
// declaration order, checking for cooperative cancellation and the execution
// deadline before each step. Every state change goes through applyUpdate, so
// an external cancel always wins the race at the next checkpoint.
func (s *Service) run(ctx context.Context, id string) {
	ctx, span := telemetry.Tracer().Start(ctx, "execution.run",
		trace.WithAttributes(attribute.String("execution.id", id)),
	)
	defer span.End()

	log := s.logger.With(zap.String("execution_id", id))

	e, err := s.applyUpdate(ctx, id, StatusUpdate{Status: types.ExecutionRunning})
	if err != nil {
		// A cancel that landed between Start and here is not a failure.
		if types.IsBusinessLogic(err) {
			log.Info("coordinator stopped before first step", zap.Error(err))
			return
		}
		log.Error("coordinator could not start execution", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return
	}

	deadline := e.CreatedAt.Add(e.Configuration.Timeout)
	if e.StartedAt != nil {
		deadline = e.StartedAt.Add(e.Configuration.Timeout)
	}

	cfg := e.Configuration
	total := len(e.Workflow.Steps)
	completed := slices.Clone(e.Progress.CompletedSteps)
	failed := slices.Clone(e.Progress.FailedSteps)
	tokens := e.Performance.TotalTokensUsed
	cost := e.Performance.TotalCostIncurred

	var intermediates []types.IntermediateOutput
	var lastOutput *types.Value
	var lastStepErr error

	for i, step := range e.Workflow.Steps {
		fresh, err := s.store.GetExecution(ctx, id)
		if err != nil {
			log.Error("coordinator lost the execution record", zap.Error(err))
			span.SetStatus(codes.Error, err.Error())
			return
		}
		if fresh.Status.IsTerminal() {
			log.Info("coordinator stopping, execution settled externally",
				zap.String("status", string(fresh.Status)))
			return
		}
		if s.now().After(deadline) {
			s.finishTimeout(ctx, id, i, total, tokens, cost, log)
			return
		}

		if step.Condition != "" && !slices.Contains(completed, step.Condition) {
			s.hub.Publish(Event{
				Type:        EventStepSkipped,
				ExecutionID: id,
				StepID:      step.ID,
				Message:     "condition " + step.Condition + " not completed",
			})
			if s.metrics != nil {
				s.metrics.RecordStep("skipped", 0)
			}
			if _, err := s.applyUpdate(ctx, id, StatusUpdate{
				Status:   types.ExecutionRunning,
				Progress: s.progressAfter(i+1, total, completed, failed),
			}); err != nil {
				log.Info("coordinator stopping", zap.Error(err))
				return
			}
			continue
		}

		if _, err := s.applyUpdate(ctx, id, StatusUpdate{
			Status: types.ExecutionRunning,
			Progress: &ProgressUpdate{
				CurrentStep: ptr(i + 1),
				ActiveSteps: []string{step.ID},
			},
		}); err != nil {
			log.Info("coordinator stopping", zap.Error(err))
			return
		}
		s.hub.Publish(Event{Type: EventStepStarted, ExecutionID: id, StepID: step.ID})

		sc := StepContext{
			ExecutionID: id,
			ProjectID:   e.ProjectID,
			AgentID:     e.AgentID,
			Input:       e.Input,
			StepResults: resultsSnapshot(fresh),
		}
		res, stepErr := s.executeWithRetry(ctx, step, sc, deadline, log)

		if stepErr != nil {
			lastStepErr = stepErr
			failed = append(failed, step.ID)
			s.hub.Publish(Event{
				Type:        EventStepFailed,
				ExecutionID: id,
				StepID:      step.ID,
				Message:     stepErr.Error(),
			})

			if s.now().After(deadline) || errors.Is(stepErr, context.DeadlineExceeded) {
				s.finishTimeout(ctx, id, i+1, total, tokens, cost, log)
				return
			}
			if cfg.ErrorHandling == types.ErrorHandlingContinue {
				if _, err := s.applyUpdate(ctx, id, StatusUpdate{
					Status:      types.ExecutionRunning,
					Progress:    s.progressAfter(i+1, total, completed, failed),
					Performance: &PerformanceUpdate{TotalTokensUsed: &tokens, TotalCostIncurred: &cost},
				}); err != nil {
					log.Info("coordinator stopping", zap.Error(err))
					return
				}
				continue
			}
			s.finishFailed(ctx, id, step.ID, stepErr, i+1, total, completed, failed, tokens, cost, log)
			span.SetStatus(codes.Error, stepErr.Error())
			return
		}

		completed = append(completed, step.ID)
		tokens += res.TokensUsed
		cost += res.Cost
		lastOutput = &res.Output

		s.recordUsage(ctx, e, step.ID, res, log)
		if cfg.SaveIntermediateResults {
			intermediates = append(intermediates, types.IntermediateOutput{
				StepID:    step.ID,
				Timestamp: res.Timestamp,
				Output:    res.Output,
			})
		}

		upd := StatusUpdate{
			Status:   types.ExecutionRunning,
			Progress: s.progressAfter(i+1, total, completed, failed),
			Results: &ResultsUpdate{
				StepResults: map[string]types.Value{step.ID: res.Output},
			},
			Performance: &PerformanceUpdate{TotalTokensUsed: &tokens, TotalCostIncurred: &cost},
		}
		if cfg.SaveIntermediateResults {
			upd.Results.IntermediateOutputs = intermediates
		}
		if _, err := s.applyUpdate(ctx, id, upd); err != nil {
			log.Info("coordinator stopping", zap.Error(err))
			return
		}
		s.hub.Publish(Event{Type: EventStepCompleted, ExecutionID: id, StepID: step.ID})
	}

	// Under the continue policy the execution fails only when nothing
	// completed at all.
	if len(completed) == 0 {
		stepErr := lastStepErr
		if stepErr == nil {
			stepErr = errors.New("no step completed")
		}
		s.finishFailed(ctx, id, "", stepErr, total, total, completed, failed, tokens, cost, log)
		span.SetStatus(codes.Error, stepErr.Error())
		return
	}

	upd := StatusUpdate{
		Status:      types.ExecutionCompleted,
		Progress:    s.progressAfter(total, total, completed, failed),
		Performance: &PerformanceUpdate{TotalTokensUsed: &tokens, TotalCostIncurred: &cost},
	}
	if lastOutput != nil {
		upd.Results = &ResultsUpdate{FinalResult: lastOutput}
	}
	if _, err := s.applyUpdate(ctx, id, upd); err != nil {
		log.Info("coordinator stopping", zap.Error(err))
		return
	}
	log.Info("execution completed",
		zap.Int("completed_steps", len(completed)),
		zap.Int("failed_steps", len(failed)),
		zap.Int64("tokens", tokens),
	)
}

// executeWithRetry resolves one step, honoring its retry policy and the
// execution deadline.
func (s *Service) executeWithRetry(
	ctx context.Context,
	step types.WorkflowStep,
	sc StepContext,
	deadline time.Time,
	log *zap.Logger,
) (*StepResult, error) {
	attempts := 1
	backoff := time.Duration(0)
	if step.Retry != nil {
		attempts = step.Retry.MaxAttempts
		backoff = step.Retry.Backoff
	}

	stepCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, span := telemetry.Tracer().Start(stepCtx, "execution.step",
			trace.WithAttributes(
				attribute.String("step.id", step.ID),
				attribute.Int("step.attempt", attempt),
			),
		)
		start := s.now()
		res, err := s.executor.ExecuteStep(stepCtx, step, sc)
		dur := s.now().Sub(start)
		if err == nil {
			span.End()
			if s.metrics != nil {
				s.metrics.RecordStep("completed", dur)
			}
			return res, nil
		}
		span.SetStatus(codes.Error, err.Error())
		span.End()
		lastErr = err
		log.Warn("step attempt failed",
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			break
		}
		if attempt < attempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-stepCtx.Done():
				if s.metrics != nil {
					s.metrics.RecordStep("failed", dur)
				}
				return nil, lastErr
			}
		}
	}
	if s.metrics != nil {
		s.metrics.RecordStep("failed", 0)
	}
	return nil, lastErr
}

// recordUsage appends one ledger record per resolved step. Ledger failures
// are logged, not fatal: the execution record stays the source of truth.
func (s *Service) recordUsage(ctx context.Context, e *types.Execution, stepID string, res *StepResult, log *zap.Logger) {
	u := &types.TokenUsage{
		ID:          types.NewTokenUsageID(),
		ProjectID:   e.ProjectID,
		AgentID:     e.AgentID,
		ExecutionID: e.ID,
		StepID:      stepID,
		Tokens:      res.TokensUsed,
		Cost:        res.Cost,
		Timestamp:   res.Timestamp,
	}
	if err := s.store.AppendUsage(ctx, u); err != nil {
		log.Error("token usage append failed", zap.String("step_id", stepID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordUsage(e.ProjectID, res.TokensUsed, res.Cost)
	}
}

func (s *Service) finishTimeout(ctx context.Context, id string, resolved, total int, tokens int64, cost float64, log *zap.Logger) {
	if _, err := s.applyUpdate(ctx, id, StatusUpdate{
		Status: types.ExecutionTimeout,
		Progress: &ProgressUpdate{
			CurrentStep: ptr(resolved),
			Percentage:  ptr(fraction(resolved, total)),
			ActiveSteps: []string{},
		},
		Performance: &PerformanceUpdate{TotalTokensUsed: &tokens, TotalCostIncurred: &cost},
	}); err != nil {
		log.Info("coordinator stopping", zap.Error(err))
		return
	}
	log.Warn("execution timed out", zap.Int("resolved_steps", resolved), zap.Int("total_steps", total))
}

func (s *Service) finishFailed(
	ctx context.Context,
	id, stepID string,
	cause error,
	resolved, total int,
	completed, failed []string,
	tokens int64,
	cost float64,
	log *zap.Logger,
) {
	execErr := &types.ExecutionError{
		Name:    "StepExecutionError",
		Message: cause.Error(),
		Code:    string(types.ErrInternalError),
		StepID:  stepID,
	}
	if stepID == "" {
		execErr.Name = "WorkflowError"
	}
	upd := StatusUpdate{
		Status:      types.ExecutionFailed,
		Progress:    s.progressAfter(resolved, total, completed, failed),
		Performance: &PerformanceUpdate{TotalTokensUsed: &tokens, TotalCostIncurred: &cost},
		Error:       execErr,
	}
	if _, err := s.applyUpdate(ctx, id, upd); err != nil {
		log.Info("coordinator stopping", zap.Error(err))
		return
	}
	log.Warn("execution failed",
		zap.String("step_id", stepID),
		zap.Error(cause),
	)
}

// progressAfter builds the progress patch once the step at 1-based index
// resolved has been settled (completed, failed, or skipped).
func (s *Service) progressAfter(resolved, total int, completed, failed []string) *ProgressUpdate {
	return &ProgressUpdate{
		CurrentStep:    ptr(resolved),
		Percentage:     ptr(fraction(resolved, total)),
		CompletedSteps: slices.Clone(completed),
		FailedSteps:    slices.Clone(failed),
		ActiveSteps:    []string{},
	}
}

func resultsSnapshot(e *types.Execution) map[string]types.Value {
	if e.Results.StepResults == nil {
		return map[string]types.Value{}
	}
	out := make(map[string]types.Value, len(e.Results.StepResults))
	for k, v := range e.Results.StepResults {
		out[k] = v
	}
	return out
}

func fraction(n, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(n) / float64(total)
}

func ptr[T any](v T) *T { return &v }
