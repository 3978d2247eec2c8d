// Package graph contains the declarative workflow graph model: the
// author-facing GraphSpec with its normalizer, the node executor registry
// and catalog, and the compiler that validates a spec and lowers it into
// an immutable intermediate representation (GraphIR) consumed by the
// execution engine.
package graph
