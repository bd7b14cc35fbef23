package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/types"
)

// StepContext carries everything a step executor may consult: the frozen
// execution input plus the outputs of previously completed steps.
type StepContext struct {
	ExecutionID string
	ProjectID   string
	AgentID     string
	Input       types.Value
	StepResults map[string]types.Value
}

// StepResult is the outcome of one successful step execution.
type StepResult struct {
	Output     types.Value
	TokensUsed int64
	Cost       float64
	Timestamp  time.Time
}

// StepError wraps a step failure with the step that produced it.
type StepError struct {
	StepID string
	Cause  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// StepExecutor resolves a single workflow step. Implementations must honor
// ctx cancellation; the coordinator wraps calls with the execution deadline.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step types.WorkflowStep, sc StepContext) (*StepResult, error)
}

const (
	simulatedEncoding = "cl100k_base"
	// simulateErrorKey in a step's input map forces the step to fail. Used by
	// clients to exercise failure handling without a real agent backend.
	simulateErrorKey = "simulate_error"
)

// SimulatedExecutor resolves steps without calling a real agent backend: it
// echoes the step input, meters tokens with a real tokenizer, and prices them
// at a flat per-1k rate. Structured-value validation happens here, at the
// boundary where step payloads enter the engine.
type SimulatedExecutor struct {
	encoder   *tiktoken.Tiktoken
	costPer1K float64
	latency   time.Duration
	logger    *zap.Logger
}

// SimulatedOption configures a SimulatedExecutor.
type SimulatedOption func(*SimulatedExecutor)

// WithCostPer1K sets the simulated USD cost per thousand tokens.
func WithCostPer1K(cost float64) SimulatedOption {
	return func(s *SimulatedExecutor) { s.costPer1K = cost }
}

// WithLatency adds a fixed delay per step, useful for exercising timeouts.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *SimulatedExecutor) { s.latency = d }
}

// NewSimulatedExecutor builds the default executor. Tokenizer setup needs the
// encoding tables; if they are unavailable the executor falls back to a
// length heuristic rather than failing startup.
func NewSimulatedExecutor(logger *zap.Logger, opts ...SimulatedOption) *SimulatedExecutor {
	s := &SimulatedExecutor{
		costPer1K: 0.002,
		logger:    logger.With(zap.String("component", "simulated_executor")),
	}
	enc, err := tiktoken.GetEncoding(simulatedEncoding)
	if err != nil {
		s.logger.Warn("tokenizer unavailable, falling back to length heuristic", zap.Error(err))
	} else {
		s.encoder = enc
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteStep validates the step input, simulates the agent call, and returns
// a deterministic echo output with metered token usage.
func (s *SimulatedExecutor) ExecuteStep(ctx context.Context, step types.WorkflowStep, sc StepContext) (*StepResult, error) {
	if err := step.Input.Validate(); err != nil {
		return nil, &StepError{StepID: step.ID, Cause: err}
	}
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, &StepError{StepID: step.ID, Cause: ctx.Err()}
		}
	}
	if v, ok := step.Input.Get(simulateErrorKey); ok && v.Truthy() {
		return nil, &StepError{
			StepID: step.ID,
			Cause:  fmt.Errorf("simulated failure requested by step input"),
		}
	}

	rendered := step.Name + "\n" + step.Input.String() + "\n" + sc.Input.String()
	tokens := s.countTokens(rendered)

	output := types.MapValue(map[string]types.Value{
		"step_id":   types.StringValue(step.ID),
		"step_name": types.StringValue(step.Name),
		"agent_id":  types.StringValue(step.AgentID),
		"input":     step.Input,
		"tokens":    types.IntValue(int(tokens)),
	})

	return &StepResult{
		Output:     output,
		TokensUsed: tokens,
		Cost:       float64(tokens) / 1000 * s.costPer1K,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (s *SimulatedExecutor) countTokens(text string) int64 {
	if s.encoder != nil {
		return int64(len(s.encoder.Encode(text, nil, nil)))
	}
	// Rough GPT-family average of four characters per token.
	return int64(len(text)/4) + 1
}
