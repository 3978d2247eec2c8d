// Package engine drives compiled workflow graphs. The Service owns the
// run lifecycle state machine (pending, running, paused, terminal states),
// the NodeRunner executes one node at a time against the run's state
// envelope, and the Hub fans execution events out to observers.
//
// Within a run, nodes step strictly one at a time in routing order; runs
// are independent of each other and may execute concurrently. Suspension
// is modeled as a durable paused status plus an explicit resume entry
// point, so a paused run survives a process restart.
package engine
