package types

import "time"

// TokenUsage is one entry of the append-only token-usage ledger. The
// coordinator writes a record per resolved workflow step; the metrics
// aggregator sums the ledger by project, agent, or execution.
type TokenUsage struct {
	ID          string    `bson:"_id" json:"id"`
	ProjectID   string    `bson:"project_id" json:"project_id"`
	AgentID     string    `bson:"agent_id,omitempty" json:"agent_id,omitempty"`
	ExecutionID string    `bson:"execution_id" json:"execution_id"`
	StepID      string    `bson:"step_id,omitempty" json:"step_id,omitempty"`
	Tokens      int64     `bson:"tokens" json:"tokens"`
	Cost        float64   `bson:"cost" json:"cost"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
}
