package types

import (
	"time"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	// ExecutionPending is the initial status of every execution.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates the coordinator is driving workflow steps.
	// Running is re-entrant: the coordinator patches a running execution
	// once per step while it stays running.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted is the terminal success status.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed is the terminal failure status.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled is the terminal status for cooperative cancellation.
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionTimeout is the terminal status when the configured timeout
	// elapses before the workflow finishes.
	ExecutionTimeout ExecutionStatus = "timeout"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted,
		ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// ExecutionPriority orders executions for scheduling and display.
type ExecutionPriority string

const (
	PriorityLow    ExecutionPriority = "low"
	PriorityNormal ExecutionPriority = "normal"
	PriorityHigh   ExecutionPriority = "high"
)

// ErrorHandlingPolicy controls how the coordinator reacts to step errors.
type ErrorHandlingPolicy string

const (
	// ErrorHandlingFailFast fails the whole execution on the first step error.
	ErrorHandlingFailFast ErrorHandlingPolicy = "fail-fast"
	// ErrorHandlingContinue keeps driving remaining steps; the execution only
	// fails if every step failed.
	ErrorHandlingContinue ErrorHandlingPolicy = "continue"
	// ErrorHandlingRetryAll is configuration metadata consumed by the retry
	// coordinator; the per-execution loop treats it like fail-fast.
	ErrorHandlingRetryAll ErrorHandlingPolicy = "retry-all"
)

// WorkflowPattern labels the multi-agent topology of a workflow definition.
// The coordinator executes all patterns sequentially; the label is carried
// for clients and future executors, not dispatched on.
type WorkflowPattern string

const (
	PatternSequential         WorkflowPattern = "sequential"
	PatternParallel           WorkflowPattern = "parallel"
	PatternRouting            WorkflowPattern = "routing"
	PatternOrchestratorWorker WorkflowPattern = "orchestrator-worker"
	PatternEvaluatorOptimizer WorkflowPattern = "evaluator-optimizer"
	PatternMultiStepTool      WorkflowPattern = "multi-step-tool"
)

// StepRetryPolicy configures per-step retries inside the coordinator loop.
type StepRetryPolicy struct {
	MaxAttempts int           `bson:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `bson:"backoff" json:"backoff"`
}

// WorkflowStep is one ordered step of a workflow definition.
type WorkflowStep struct {
	ID      string `bson:"id" json:"id"`
	Name    string `bson:"name" json:"name"`
	AgentID string `bson:"agent_id,omitempty" json:"agent_id,omitempty"`
	Input   Value  `bson:"input,omitempty" json:"input,omitempty"`
	// Condition names a prior step that must have completed for this step
	// to run; when unmet the step is skipped.
	Condition string           `bson:"condition,omitempty" json:"condition,omitempty"`
	Retry     *StepRetryPolicy `bson:"retry,omitempty" json:"retry,omitempty"`
}

// AgentRole describes an agent assignment inside a workflow definition.
type AgentRole struct {
	AgentID   string   `bson:"agent_id" json:"agent_id"`
	Role      string   `bson:"role" json:"role"`
	Config    Value    `bson:"config,omitempty" json:"config,omitempty"`
	DependsOn []string `bson:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// WorkflowDefinition is the immutable snapshot captured at execution
// creation. Retries and audits replay against this exact definition,
// never against a possibly-mutated live workflow.
type WorkflowDefinition struct {
	Name    string          `bson:"name" json:"name"`
	Pattern WorkflowPattern `bson:"pattern" json:"pattern"`
	Steps   []WorkflowStep  `bson:"steps" json:"steps"`
	Agents  []AgentRole     `bson:"agents,omitempty" json:"agents,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (w *WorkflowDefinition) StepByID(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// ExecutionConfiguration is the effective, fully-populated configuration of
// an execution. Defaults are injected server-side at create time so two
// identical create calls always yield identical effective configuration.
type ExecutionConfiguration struct {
	Timeout                 time.Duration       `bson:"timeout" json:"timeout"`
	MaxConcurrency          int                 `bson:"max_concurrency" json:"max_concurrency"`
	ErrorHandling           ErrorHandlingPolicy `bson:"error_handling" json:"error_handling"`
	SaveIntermediateResults bool                `bson:"save_intermediate_results" json:"save_intermediate_results"`
}

// Progress tracks step-level advancement of an execution.
// Invariant: CompletedSteps and FailedSteps are disjoint. ActiveSteps is
// transient and cleared once a step resolves.
type Progress struct {
	CurrentStep    int      `bson:"current_step" json:"current_step"`
	TotalSteps     int      `bson:"total_steps" json:"total_steps"`
	Percentage     float64  `bson:"percentage" json:"percentage"`
	CompletedSteps []string `bson:"completed_steps" json:"completed_steps"`
	FailedSteps    []string `bson:"failed_steps" json:"failed_steps"`
	ActiveSteps    []string `bson:"active_steps" json:"active_steps"`
}

// IntermediateOutput is one entry of the append-only intermediate output log.
type IntermediateOutput struct {
	StepID    string    `bson:"step_id" json:"step_id"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Output    Value     `bson:"output" json:"output"`
	Metadata  Value     `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// Results accumulates step outputs for an execution.
type Results struct {
	StepResults         map[string]Value     `bson:"step_results,omitempty" json:"step_results,omitempty"`
	IntermediateOutputs []IntermediateOutput `bson:"intermediate_outputs,omitempty" json:"intermediate_outputs,omitempty"`
	// FinalResult is set only when the execution completes successfully.
	FinalResult Value `bson:"final_result,omitempty" json:"final_result,omitempty"`
}

// Performance holds cumulative resource usage for an execution.
type Performance struct {
	TotalTokensUsed   int64         `bson:"total_tokens_used" json:"total_tokens_used"`
	TotalCostIncurred float64       `bson:"total_cost_incurred" json:"total_cost_incurred"`
	ExecutionTime     time.Duration `bson:"execution_time" json:"execution_time"`
	MemoryPeak        int64         `bson:"memory_peak" json:"memory_peak"`
}

// ExecutionError captures the failure that moved an execution to failed.
type ExecutionError struct {
	Name    string `bson:"name" json:"name"`
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
	Code    string `bson:"code,omitempty" json:"code,omitempty"`
	StepID  string `bson:"step_id,omitempty" json:"step_id,omitempty"`
}

// Metadata keys written by the retry coordinator.
const (
	MetaRetryOf        = "retry_of"
	MetaRetryTimestamp = "retry_timestamp"
	MetaRetryDepth     = "retry_depth"
)

// Execution is one runtime instance of a workflow definition against a
// project and (optionally) an agent. It is owned by its project; agent and
// project aggregates are derived from executions, never the reverse.
type Execution struct {
	ID        string `bson:"_id" json:"id"`
	ProjectID string `bson:"project_id" json:"project_id"`
	AgentID   string `bson:"agent_id,omitempty" json:"agent_id,omitempty"`

	Workflow      WorkflowDefinition     `bson:"workflow" json:"workflow"`
	Input         Value                  `bson:"input,omitempty" json:"input,omitempty"`
	Configuration ExecutionConfiguration `bson:"configuration" json:"configuration"`
	Priority      ExecutionPriority      `bson:"priority" json:"priority"`

	Status      ExecutionStatus  `bson:"status" json:"status"`
	Progress    Progress         `bson:"progress" json:"progress"`
	Results     Results          `bson:"results" json:"results"`
	Performance Performance      `bson:"performance" json:"performance"`
	Error       *ExecutionError  `bson:"error,omitempty" json:"error,omitempty"`
	Metadata    map[string]Value `bson:"metadata,omitempty" json:"metadata,omitempty"`

	// StatsPropagated guards terminal statistics propagation: it is flipped
	// exactly once per execution via a store-level compare-and-set.
	StatsPropagated bool `bson:"stats_propagated" json:"stats_propagated"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// RetryDepth returns the retry chain depth recorded in metadata (0 for an
// execution that is not a retry).
func (e *Execution) RetryDepth() int {
	if e.Metadata == nil {
		return 0
	}
	v, ok := e.Metadata[MetaRetryDepth]
	if !ok || v.Kind != KindNumber {
		return 0
	}
	return int(v.Number)
}

// Clone returns a deep-enough copy of the execution for safe hand-off across
// goroutines: slices, maps, and pointers are copied; Values are immutable by
// convention and shared.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Progress.CompletedSteps = append([]string(nil), e.Progress.CompletedSteps...)
	c.Progress.FailedSteps = append([]string(nil), e.Progress.FailedSteps...)
	c.Progress.ActiveSteps = append([]string(nil), e.Progress.ActiveSteps...)
	if e.Results.StepResults != nil {
		c.Results.StepResults = make(map[string]Value, len(e.Results.StepResults))
		for k, v := range e.Results.StepResults {
			c.Results.StepResults[k] = v
		}
	}
	c.Results.IntermediateOutputs = append([]IntermediateOutput(nil), e.Results.IntermediateOutputs...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]Value, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		c.Error = &errCopy
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.Workflow.Steps = append([]WorkflowStep(nil), e.Workflow.Steps...)
	c.Workflow.Agents = append([]AgentRole(nil), e.Workflow.Agents...)
	return &c
}
