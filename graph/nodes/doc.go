// Package nodes provides the builtin node executors: start, end,
// transform, conditional, llm, tool, human_input, approval, and parallel.
// Each implements the graph.NodeExecutor capability; the engine never
// depends on a concrete variant.
package nodes
