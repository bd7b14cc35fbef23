package execution

import (
	"time"

	"github.com/BaSui01/execflow/types"
)

// ProgressUpdate is a shallow merge onto the stored progress: nil fields are
// preserved, non-nil scalars are set, and the three step-id sets replace
// wholesale (callers pass the full updated set, never a delta). TotalSteps is
// fixed at creation and not updatable.
type ProgressUpdate struct {
	CurrentStep    *int     `json:"current_step,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
	FailedSteps    []string `json:"failed_steps,omitempty"`
	ActiveSteps    []string `json:"active_steps,omitempty"`
}

// ResultsUpdate merges step results one level deep (existing keys preserved,
// supplied keys added or overwritten); IntermediateOutputs and FinalResult
// replace wholesale per call.
type ResultsUpdate struct {
	StepResults         map[string]types.Value     `json:"step_results,omitempty"`
	IntermediateOutputs []types.IntermediateOutput `json:"intermediate_outputs,omitempty"`
	FinalResult         *types.Value               `json:"final_result,omitempty"`
}

// PerformanceUpdate sets the supplied fields; caller-supplied values win on
// conflict. ExecutionTime is computed on terminal entry unless the caller
// explicitly overrides it here.
type PerformanceUpdate struct {
	TotalTokensUsed   *int64         `json:"total_tokens_used,omitempty"`
	TotalCostIncurred *float64       `json:"total_cost_incurred,omitempty"`
	ExecutionTime     *time.Duration `json:"execution_time,omitempty"`
	MemoryPeak        *int64         `json:"memory_peak,omitempty"`
}

// StatusUpdate is the sole mutation primitive for in-flight executions.
type StatusUpdate struct {
	Status      types.ExecutionStatus `json:"status"`
	Progress    *ProgressUpdate       `json:"progress,omitempty"`
	Results     *ResultsUpdate        `json:"results,omitempty"`
	Performance *PerformanceUpdate    `json:"performance,omitempty"`
	Error       *types.ExecutionError `json:"error,omitempty"`
}

// CanTransition reports whether the status transition is legal. Pending may
// move to running or cancelled; running may re-enter running or settle into
// any terminal status. No transition ever enters pending after creation, and
// no transition leaves a terminal state.
func CanTransition(from, to types.ExecutionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.ExecutionPending {
		return false
	}
	switch from {
	case types.ExecutionPending:
		return to == types.ExecutionRunning || to == types.ExecutionCancelled
	case types.ExecutionRunning:
		switch to {
		case types.ExecutionRunning, types.ExecutionCompleted, types.ExecutionFailed,
			types.ExecutionCancelled, types.ExecutionTimeout:
			return true
		}
	}
	return false
}

// Apply mutates e in place according to the state machine contract:
// transition guards, timestamp bookkeeping, and the merge rules for
// progress, results, and performance. It is idempotent for identical
// inputs while the execution stays non-terminal.
func Apply(e *types.Execution, upd StatusUpdate, now time.Time) error {
	if !upd.Status.Valid() {
		return types.ValidationError("unknown execution status %q", upd.Status)
	}
	if !CanTransition(e.Status, upd.Status) {
		return types.BusinessLogicError(
			"invalid transition %s -> %s for execution %q", e.Status, upd.Status, e.ID,
		).WithEntityID(e.ID)
	}
	if upd.Error != nil && upd.Status != types.ExecutionFailed {
		return types.ValidationError("error may only be set on a failed transition")
	}

	if err := mergeProgress(&e.Progress, upd.Progress); err != nil {
		return err
	}
	mergeResults(&e.Results, upd.Results)
	mergePerformance(&e.Performance, upd.Performance)

	from := e.Status
	e.Status = upd.Status

	// startedAt is set exactly once, on pending -> running.
	if from == types.ExecutionPending && upd.Status == types.ExecutionRunning && e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}

	// completedAt is set exactly once, on entry into any terminal state.
	if upd.Status.IsTerminal() && e.CompletedAt == nil {
		t := now
		e.CompletedAt = &t
		// The computed wall-clock time is authoritative unless the caller
		// explicitly supplied an execution time.
		if upd.Performance == nil || upd.Performance.ExecutionTime == nil {
			if e.StartedAt != nil {
				e.Performance.ExecutionTime = e.CompletedAt.Sub(*e.StartedAt)
			}
		}
	}

	if upd.Error != nil {
		errCopy := *upd.Error
		e.Error = &errCopy
	}

	e.UpdatedAt = now
	return nil
}

func mergeProgress(p *types.Progress, upd *ProgressUpdate) error {
	if upd == nil {
		return nil
	}
	next := *p
	if upd.CurrentStep != nil {
		next.CurrentStep = *upd.CurrentStep
	}
	if upd.Percentage != nil {
		if *upd.Percentage < 0 || *upd.Percentage > 1 {
			return types.ValidationError("progress percentage %v outside [0,1]", *upd.Percentage)
		}
		next.Percentage = *upd.Percentage
	}
	if upd.CompletedSteps != nil {
		next.CompletedSteps = append([]string(nil), upd.CompletedSteps...)
	}
	if upd.FailedSteps != nil {
		next.FailedSteps = append([]string(nil), upd.FailedSteps...)
	}
	if upd.ActiveSteps != nil {
		next.ActiveSteps = append([]string(nil), upd.ActiveSteps...)
	}
	if id, overlap := intersects(next.CompletedSteps, next.FailedSteps); overlap {
		return types.ValidationError("step %q cannot be both completed and failed", id)
	}
	*p = next
	return nil
}

func mergeResults(r *types.Results, upd *ResultsUpdate) {
	if upd == nil {
		return
	}
	if upd.StepResults != nil {
		if r.StepResults == nil {
			r.StepResults = make(map[string]types.Value, len(upd.StepResults))
		}
		for k, v := range upd.StepResults {
			r.StepResults[k] = v
		}
	}
	if upd.IntermediateOutputs != nil {
		r.IntermediateOutputs = append([]types.IntermediateOutput(nil), upd.IntermediateOutputs...)
	}
	if upd.FinalResult != nil {
		r.FinalResult = *upd.FinalResult
	}
}

func mergePerformance(p *types.Performance, upd *PerformanceUpdate) {
	if upd == nil {
		return
	}
	if upd.TotalTokensUsed != nil {
		p.TotalTokensUsed = *upd.TotalTokensUsed
	}
	if upd.TotalCostIncurred != nil {
		p.TotalCostIncurred = *upd.TotalCostIncurred
	}
	if upd.ExecutionTime != nil {
		p.ExecutionTime = *upd.ExecutionTime
	}
	if upd.MemoryPeak != nil {
		p.MemoryPeak = *upd.MemoryPeak
	}
}

func intersects(a, b []string) (string, bool) {
	if len(a) == 0 || len(b) == 0 {
		return "", false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return id, true
		}
	}
	return "", false
}
