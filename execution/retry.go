package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/types"
)

// Retry creates a fresh execution from a failed one and starts it. The clone
// replays the parent's frozen workflow snapshot, input, configuration, and
// priority; only failed executions are retryable. The parent is untouched,
// so retries form a chain of records linked through metadata.
func (s *Service) Retry(ctx context.Context, callerID, id string) (*types.Execution, error) {
	parent, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	if parent.Status != types.ExecutionFailed {
		return nil, types.BusinessLogicError(
			"execution %q is %s, only failed executions can be retried", parent.ID, parent.Status,
		).WithEntityID(parent.ID)
	}

	metadata := make(map[string]types.Value, len(parent.Metadata)+3)
	for k, v := range parent.Metadata {
		metadata[k] = v
	}
	metadata[types.MetaRetryOf] = types.StringValue(parent.ID)
	metadata[types.MetaRetryTimestamp] = types.StringValue(s.now().Format(time.RFC3339Nano))
	metadata[types.MetaRetryDepth] = types.IntValue(parent.RetryDepth() + 1)

	child, err := s.Create(ctx, callerID, CreateRequest{
		ProjectID: parent.ProjectID,
		AgentID:   parent.AgentID,
		Workflow:  parent.Workflow,
		Input:     parent.Input,
		Configuration: &ConfigOverrides{
			Timeout:                 &parent.Configuration.Timeout,
			MaxConcurrency:          &parent.Configuration.MaxConcurrency,
			ErrorHandling:           &parent.Configuration.ErrorHandling,
			SaveIntermediateResults: &parent.Configuration.SaveIntermediateResults,
		},
		Priority: parent.Priority,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("execution retried",
		zap.String("parent_id", parent.ID),
		zap.String("execution_id", child.ID),
		zap.Int("retry_depth", child.RetryDepth()),
	)

	// A retry starts immediately; the pending stop is only a persistence
	// checkpoint.
	return s.Start(ctx, callerID, child.ID)
}
