// Package store is the entity-store adapter: typed CRUD and indexed queries
// over executions, projects, agents, and the token-usage ledger.
//
// Two backends implement the same Store interface: MongoStore (production,
// document store with secondary indexes) and MemoryStore (tests and dev
// mode). List queries are createdAt-descending with cursor pagination; page
// size is capped at MaxPageSize.
package store
