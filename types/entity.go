package types

import "time"

// ProjectStatus represents the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// ProjectStatistics is the project's monotonically-accumulating execution
// aggregate. It is derived state: updated only via signed deltas on terminal
// execution transitions, and reconstructable by replaying execution and
// token-usage records.
type ProjectStatistics struct {
	TotalExecutions      int64         `bson:"total_executions" json:"total_executions"`
	SuccessfulExecutions int64         `bson:"successful_executions" json:"successful_executions"`
	FailedExecutions     int64         `bson:"failed_executions" json:"failed_executions"`
	TotalTokensUsed      int64         `bson:"total_tokens_used" json:"total_tokens_used"`
	TotalCostIncurred    float64       `bson:"total_cost_incurred" json:"total_cost_incurred"`
	AverageExecutionTime time.Duration `bson:"average_execution_time" json:"average_execution_time"`
}

// Project owns executions and agents. Callers see a project when they are
// its owner or one of its collaborators.
type Project struct {
	ID            string            `bson:"_id" json:"id"`
	Name          string            `bson:"name" json:"name"`
	Description   string            `bson:"description,omitempty" json:"description,omitempty"`
	OwnerID       string            `bson:"owner_id" json:"owner_id"`
	Collaborators []string          `bson:"collaborators,omitempty" json:"collaborators,omitempty"`
	Status        ProjectStatus     `bson:"status" json:"status"`
	Statistics    ProjectStatistics `bson:"statistics" json:"statistics"`
	CreatedAt     time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at" json:"updated_at"`
}

// VisibleTo reports whether the caller may read or mutate the project.
func (p *Project) VisibleTo(callerID string) bool {
	if p.OwnerID == callerID {
		return true
	}
	for _, c := range p.Collaborators {
		if c == callerID {
			return true
		}
	}
	return false
}

// AgentStatus represents the lifecycle status of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDisabled AgentStatus = "disabled"
)

// AgentPerformance mirrors ProjectStatistics at agent granularity.
type AgentPerformance struct {
	TotalExecutions      int64         `bson:"total_executions" json:"total_executions"`
	SuccessfulExecutions int64         `bson:"successful_executions" json:"successful_executions"`
	FailedExecutions     int64         `bson:"failed_executions" json:"failed_executions"`
	TotalTokensUsed      int64         `bson:"total_tokens_used" json:"total_tokens_used"`
	TotalCostIncurred    float64       `bson:"total_cost_incurred" json:"total_cost_incurred"`
	AverageExecutionTime time.Duration `bson:"average_execution_time" json:"average_execution_time"`
}

// Agent is an AI agent registered under a project. Its Performance block is
// a derived aggregate, never a source of truth.
type Agent struct {
	ID          string           `bson:"_id" json:"id"`
	ProjectID   string           `bson:"project_id" json:"project_id"`
	Name        string           `bson:"name" json:"name"`
	Role        string           `bson:"role,omitempty" json:"role,omitempty"`
	Config      Value            `bson:"config,omitempty" json:"config,omitempty"`
	Status      AgentStatus      `bson:"status" json:"status"`
	Performance AgentPerformance `bson:"performance" json:"performance"`
	CreatedAt   time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at" json:"updated_at"`
}
