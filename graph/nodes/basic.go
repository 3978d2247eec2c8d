package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/types"
)

// StartExecutor marks the entry of a graph. It seeds the run context from
// its optional "context" config and otherwise passes through.
type StartExecutor struct {
	logger *zap.Logger
}

// NewStartExecutor creates a start executor.
func NewStartExecutor(logger *zap.Logger) *StartExecutor {
	return &StartExecutor{logger: logger}
}

func (e *StartExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *StartExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	update := map[string]any{}
	if seed := configMap(config, "context"); len(seed) > 0 {
		update[types.KeyContext] = seed
	}
	return update, nil
}

func (e *StartExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	if _, ok := config["context"]; ok && configMap(config, "context") == nil {
		return graph.InvalidConfig("context must be a mapping")
	}
	return graph.ValidConfig()
}

// StartCatalogEntry describes the start node type.
func StartCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Start",
		Description: "Entry point of the workflow.",
		Writes:      []string{types.KeyContext},
	}
}

// EndExecutor terminates a path through the graph and records the final
// output message configured on the node.
type EndExecutor struct {
	logger *zap.Logger
}

// NewEndExecutor creates an end executor.
func NewEndExecutor(logger *zap.Logger) *EndExecutor {
	return &EndExecutor{logger: logger}
}

func (e *EndExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *EndExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	return map[string]any{
		KeyFinalOutput: configString(config, "message", ""),
	}, nil
}

func (e *EndExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	return graph.ValidConfig()
}

// EndCatalogEntry describes the end node type.
func EndCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "End",
		Description: "Exit point of the workflow.",
		Writes:      []string{KeyFinalOutput},
	}
}

// TransformExecutor writes its configured "output" map into the run
// context. It is the minimal building block for shaping state.
type TransformExecutor struct {
	logger *zap.Logger
}

// NewTransformExecutor creates a transform executor.
func NewTransformExecutor(logger *zap.Logger) *TransformExecutor {
	return &TransformExecutor{logger: logger}
}

func (e *TransformExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *TransformExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	out := configMap(config, "output")
	if out == nil {
		out = map[string]any{}
	}
	return map[string]any{
		types.KeyContext:   out,
		KeyTransformOutput: out,
	}, nil
}

func (e *TransformExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	if _, ok := config["output"]; ok && configMap(config, "output") == nil {
		return graph.InvalidConfig("output must be a mapping")
	}
	return graph.ValidConfig()
}

// TransformCatalogEntry describes the transform node type.
func TransformCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Transform",
		Description: "Writes configured values into the run context.",
		Writes:      []string{types.KeyContext, KeyTransformOutput},
	}
}

// ParallelExecutor is a structural no-op. Within one run nodes execute
// strictly one at a time; concurrency, if any, is expressed as independent
// branches re-joining later, not as engine-level parallel dispatch.
type ParallelExecutor struct {
	logger *zap.Logger
}

// NewParallelExecutor creates a parallel executor.
func NewParallelExecutor(logger *zap.Logger) *ParallelExecutor {
	return &ParallelExecutor{logger: logger}
}

func (e *ParallelExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *ParallelExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (e *ParallelExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	return graph.ValidConfig()
}

// ParallelCatalogEntry describes the parallel node type.
func ParallelCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Parallel",
		Description: "Structural fan-out marker; executes as a pass-through.",
	}
}

// ConditionalExecutor reads a state key and routes by its value. The
// optional "routes" map translates values to branch handles; "default"
// names the fallback branch.
type ConditionalExecutor struct {
	logger *zap.Logger
}

// NewConditionalExecutor creates a conditional executor.
func NewConditionalExecutor(logger *zap.Logger) *ConditionalExecutor {
	return &ConditionalExecutor{logger: logger}
}

func (e *ConditionalExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *ConditionalExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	key := configString(config, "key", "")
	value, _ := state.Lookup(key)

	branch := fmt.Sprintf("%v", value)
	if value == nil {
		branch = ""
	}
	if routes := configMap(config, "routes"); routes != nil {
		if mapped, ok := routes[branch].(string); ok {
			branch = mapped
		}
	}
	if branch == "" {
		branch = configString(config, "default", "")
	}

	return map[string]any{
		KeyBranch: branch,
		KeyConditionOutput: map[string]any{
			"key":    key,
			"value":  value,
			"branch": branch,
		},
	}, nil
}

func (e *ConditionalExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	if configString(config, "key", "") == "" {
		return graph.InvalidConfig("key is required")
	}
	return graph.ValidConfig()
}

// ConditionalCatalogEntry describes the conditional node type.
func ConditionalCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Conditional",
		Description: "Routes to a branch handle based on a state value.",
		Reads:       []string{types.KeyContext},
		Writes:      []string{KeyBranch, KeyConditionOutput},
	}
}
