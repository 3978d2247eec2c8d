package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/types"
)

// HumanInputExecutor suspends the run until an external payload appears in
// state under the configured input key. The gate re-check on resume is what
// makes suspension restart-safe: no goroutine blocks while waiting.
type HumanInputExecutor struct {
	logger *zap.Logger
}

// NewHumanInputExecutor creates a human-input executor.
func NewHumanInputExecutor(logger *zap.Logger) *HumanInputExecutor {
	return &HumanInputExecutor{logger: logger}
}

func (e *HumanInputExecutor) inputKey(config map[string]any) string {
	return configString(config, "input_key", "human_input")
}

func (e *HumanInputExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	_, present := state.Lookup(e.inputKey(config))
	return present, nil
}

func (e *HumanInputExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	key := e.inputKey(config)
	value, _ := state.Lookup(key)
	return map[string]any{
		types.KeyContext: map[string]any{key: value},
		KeyHumanOutput:   map[string]any{key: value},
	}, nil
}

func (e *HumanInputExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	return graph.ValidConfig()
}

// HumanInputCatalogEntry describes the human_input node type.
func HumanInputCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:        "Human Input",
		Description: "Suspends until external input is provided.",
		Writes:      []string{types.KeyContext, KeyHumanOutput},
		Interactive: true,
	}
}

// ApprovalExecutor suspends the run until an approval decision appears in
// state, then routes to the approve or reject branch.
type ApprovalExecutor struct {
	logger *zap.Logger
}

// NewApprovalExecutor creates an approval executor.
func NewApprovalExecutor(logger *zap.Logger) *ApprovalExecutor {
	return &ApprovalExecutor{logger: logger}
}

func (e *ApprovalExecutor) approvalKey(config map[string]any) string {
	return configString(config, "approval_key", "approval")
}

func (e *ApprovalExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	_, present := state.Lookup(e.approvalKey(config))
	return present, nil
}

func (e *ApprovalExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	key := e.approvalKey(config)
	value, _ := state.Lookup(key)

	decision, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("approval value under %q must be a string, got %T", key, value)
	}

	if e.logger != nil {
		e.logger.Info("approval decision",
			zap.String("decision", decision),
			zap.String("principal_id", ec.Principal),
		)
	}

	return map[string]any{
		KeyBranch: decision,
		KeyApprovalOutput: map[string]any{
			"decision":     decision,
			"principal_id": ec.Principal,
		},
	}, nil
}

func (e *ApprovalExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	return graph.ValidConfig()
}

// ApprovalCatalogEntry describes the approval node type. Its branch handles
// are fixed: edges from an approval node must use approve or reject, and
// both must be wired.
func ApprovalCatalogEntry() graph.CatalogEntry {
	return graph.CatalogEntry{
		Name:            "Approval",
		Description:     "Suspends for a human approve/reject decision.",
		Writes:          []string{KeyBranch, KeyApprovalOutput},
		AllowedHandles:  []string{HandleApprove, HandleReject},
		RequiredHandles: []string{HandleApprove, HandleReject},
		Interactive:     true,
	}
}
