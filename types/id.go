package types

import "github.com/google/uuid"

// NewExecutionID returns a fresh execution id.
func NewExecutionID() string { return "exec-" + uuid.NewString() }

// NewProjectID returns a fresh project id.
func NewProjectID() string { return "proj-" + uuid.NewString() }

// NewAgentID returns a fresh agent id.
func NewAgentID() string { return "agent-" + uuid.NewString() }

// NewTokenUsageID returns a fresh token-usage ledger id.
func NewTokenUsageID() string { return "usage-" + uuid.NewString() }
