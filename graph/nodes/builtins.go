package nodes

import (
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/graph"
)

// BuiltinDeps carries the external collaborators the builtin executors
// need. Any of them may be nil; the corresponding executor then fails at
// execution time rather than registration time, so graphs still compile.
type BuiltinDeps struct {
	Provider Provider
	Invoker  Invoker
	Tokens   TokenProvider
	ToolOpts []ToolOption
}

// RegisterBuiltins registers every builtin node type on the registry.
// Call once at process startup, before any compile or execute.
func RegisterBuiltins(reg *graph.Registry, deps BuiltinDeps) {
	reg.Register(graph.NodeTypeStart, func(l *zap.Logger) graph.NodeExecutor {
		return NewStartExecutor(l)
	}, StartCatalogEntry())

	reg.Register(graph.NodeTypeEnd, func(l *zap.Logger) graph.NodeExecutor {
		return NewEndExecutor(l)
	}, EndCatalogEntry())

	reg.Register(graph.NodeTypeTransform, func(l *zap.Logger) graph.NodeExecutor {
		return NewTransformExecutor(l)
	}, TransformCatalogEntry())

	reg.Register(graph.NodeTypeConditional, func(l *zap.Logger) graph.NodeExecutor {
		return NewConditionalExecutor(l)
	}, ConditionalCatalogEntry())

	reg.Register(graph.NodeTypeParallel, func(l *zap.Logger) graph.NodeExecutor {
		return NewParallelExecutor(l)
	}, ParallelCatalogEntry())

	reg.Register(graph.NodeTypeHumanInput, func(l *zap.Logger) graph.NodeExecutor {
		return NewHumanInputExecutor(l)
	}, HumanInputCatalogEntry())

	reg.Register(graph.NodeTypeApproval, func(l *zap.Logger) graph.NodeExecutor {
		return NewApprovalExecutor(l)
	}, ApprovalCatalogEntry())

	reg.Register(graph.NodeTypeLLM, func(l *zap.Logger) graph.NodeExecutor {
		return NewLLMExecutor(deps.Provider, l)
	}, LLMCatalogEntry())

	reg.Register(graph.NodeTypeTool, func(l *zap.Logger) graph.NodeExecutor {
		return NewToolExecutor(deps.Invoker, deps.Tokens, l, deps.ToolOpts...)
	}, ToolCatalogEntry())
}
