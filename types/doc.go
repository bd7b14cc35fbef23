// Package types defines the shared entity types of the execution engine:
// executions and their workflow snapshots, projects, agents, the token-usage
// ledger, the tagged Value union used at the step-executor boundary, and the
// structured error type every operation surfaces.
//
// The package has no dependencies on other execflow packages and may be
// imported from anywhere.
package types
