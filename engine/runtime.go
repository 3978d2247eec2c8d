package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/types"
)

// StepResult is the outcome of running a single node.
type StepResult struct {
	// Update is the partial state update the executor returned. Nil when
	// the run suspended.
	Update map[string]any

	// Suspend is set when the node's gate declined: the run must pause at
	// this node with no state change. Distinct from an error.
	Suspend bool
}

// NodeRunner assembles the per-node execution context, drives the
// executor's gating and execution hooks, and records outputs into state.
type NodeRunner struct {
	registry *graph.Registry
	logger   *zap.Logger
}

// NewNodeRunner creates a node runtime wrapper over a registry.
func NewNodeRunner(registry *graph.Registry, logger *zap.Logger) *NodeRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeRunner{
		registry: registry,
		logger:   logger.With(zap.String("component", "node_runner")),
	}
}

// Run executes one node against the authoritative state. On success the
// partial update is recorded under _node_outputs and merged into state.
// A declined gate yields Suspend without touching state. Executor errors
// are wrapped with node identity and re-raised, never swallowed.
func (r *NodeRunner) Run(ctx context.Context, node graph.Node, state *types.ExecutionState, runMeta, override types.ExecContext) (*StepResult, error) {
	ec := types.ResolveExecContext(state.Identity, runMeta, override)

	factory, ok := r.registry.Executor(node.Type)
	if !ok {
		// A missing registration keeps the run alive: the compiler already
		// rejected unregistered types, so this only happens when the
		// registry diverged between compile and execute.
		r.logger.Error("no executor registered for node type",
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
			zap.String("run_id", ec.RunID),
		)
		empty := map[string]any{}
		state.RecordNodeOutput(node.ID, empty)
		return &StepResult{Update: empty}, nil
	}

	executor := factory(r.logger)
	config := r.resolveConfig(node, state)

	snapshot := state.Clone()
	ctx = types.WithRunID(types.WithNodeID(ctx, node.ID), ec.RunID)

	pass, err := executor.CanExecute(ctx, snapshot, config, ec)
	if err != nil {
		return nil, types.NewError(types.ErrNodeExecution, "gate check failed").
			WithNode(node.ID, node.Type).WithRun(ec.RunID).WithCause(err)
	}
	if !pass {
		r.logger.Info("node gate declined, suspending run",
			zap.String("node_id", node.ID),
			zap.String("run_id", ec.RunID),
		)
		return &StepResult{Suspend: true}, nil
	}

	update, err := executor.Execute(ctx, snapshot, config, ec)
	if err != nil {
		if types.IsCode(err, types.ErrAuthorization) {
			return nil, err
		}
		return nil, types.NewError(types.ErrNodeExecution, "node execution failed").
			WithNode(node.ID, node.Type).WithRun(ec.RunID).WithCause(err)
	}

	state.RecordNodeOutput(node.ID, update)
	state.Apply(update)

	return &StepResult{Update: update}, nil
}

// resolveConfig merges the node's static config with its input mappings.
// A mapping "param: nodeID.key" injects a previous node's recorded output
// value into the config under param.
func (r *NodeRunner) resolveConfig(node graph.Node, state *types.ExecutionState) map[string]any {
	config := make(map[string]any, len(node.Config)+len(node.InputMappings))
	for k, v := range node.Config {
		config[k] = v
	}
	for param, ref := range node.InputMappings {
		if value, ok := resolveOutputRef(state, ref); ok {
			config[param] = value
		} else {
			r.logger.Debug("input mapping did not resolve",
				zap.String("node_id", node.ID),
				zap.String("param", param),
				zap.String("ref", ref),
			)
		}
	}
	return config
}

// resolveOutputRef resolves "nodeID.key[.subkey...]" against recorded node
// outputs.
func resolveOutputRef(state *types.ExecutionState, ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return nil, false
	}
	out, ok := state.NodeOutputs[parts[0]]
	if !ok {
		return nil, false
	}
	var current any = out
	for _, part := range parts[1:] {
		m, mOK := current.(map[string]any)
		if !mOK {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// summarize builds the node_end event payload from an update without
// leaking full state into the event stream.
func summarize(update map[string]any) map[string]any {
	if len(update) == 0 {
		return nil
	}
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	summary := map[string]any{"keys": keys}
	if branch, ok := update["branch"].(string); ok {
		summary["branch"] = branch
	}
	return summary
}
