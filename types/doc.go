// Package types defines the shared data model of the stepflow engine:
// the execution state envelope with its merge semantics, the persisted
// run record, the execution context threaded through node executors, and
// the structured error taxonomy.
package types
