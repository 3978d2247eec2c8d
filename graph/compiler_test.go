package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/types"
)

// stubExecutor is a minimal executor for compiler tests.
type stubExecutor struct {
	configErrs []string
}

func (e *stubExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *stubExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	return map[string]any{}, nil
}

func (e *stubExecutor) ValidateConfig(config map[string]any) ConfigValidation {
	if len(e.configErrs) > 0 {
		return InvalidConfig(e.configErrs...)
	}
	return ValidConfig()
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	stub := func(*zap.Logger) NodeExecutor { return &stubExecutor{} }

	reg.Register(NodeTypeStart, stub, CatalogEntry{Type: NodeTypeStart})
	reg.Register(NodeTypeEnd, stub, CatalogEntry{Type: NodeTypeEnd})
	reg.Register(NodeTypeTransform, stub, CatalogEntry{Type: NodeTypeTransform})
	reg.Register(NodeTypeConditional, stub, CatalogEntry{Type: NodeTypeConditional})
	reg.Register(NodeTypeApproval, stub, CatalogEntry{
		Type:            NodeTypeApproval,
		AllowedHandles:  []string{"approve", "reject"},
		RequiredHandles: []string{"approve", "reject"},
		Interactive:     true,
	})
	return reg
}

func approvalSpec(t *testing.T) *GraphSpec {
	t.Helper()
	spec, err := Normalize(approvalDoc())
	require.NoError(t, err)
	return spec
}

func issueCodes(issues []ValidationIssue) []string {
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, i.Code)
	}
	return codes
}

func TestCompiler_Validate(t *testing.T) {
	compiler := NewCompiler(testRegistry(t), zap.NewNop())

	t.Run("valid approval graph has no issues", func(t *testing.T) {
		assert.Empty(t, compiler.Validate(approvalSpec(t)))
	})

	t.Run("missing start node", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = spec.Nodes[1:]
		spec.Edges = spec.Edges[1:]
		issues := compiler.Validate(spec)
		assert.Contains(t, issueCodes(issues), IssueMissingStart)
	})

	t.Run("multiple start nodes", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "start2", Type: NodeTypeStart})
		issues := compiler.Validate(spec)
		assert.Contains(t, issueCodes(issues), IssueMultipleStart)
	})

	t.Run("unknown node type", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "mystery", Type: "mystery"})
		issues := compiler.Validate(spec)
		assert.Contains(t, issueCodes(issues), IssueUnknownNodeType)
	})

	t.Run("invalid node config surfaces each message", func(t *testing.T) {
		reg := testRegistry(t)
		reg.Register("broken", func(*zap.Logger) NodeExecutor {
			return &stubExecutor{configErrs: []string{"first", "second"}}
		}, CatalogEntry{Type: "broken"})

		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "b", Type: "broken"})

		issues := NewCompiler(reg, zap.NewNop()).Validate(spec)
		count := 0
		for _, issue := range issues {
			if issue.Code == IssueInvalidNodeConfig {
				count++
			}
		}
		assert.Equal(t, 2, count)
	})

	t.Run("multi-edge node requires handles on every edge", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Edges[1].SourceHandle = ""
		issues := compiler.Validate(spec)

		found := false
		for _, issue := range issues {
			if issue.Code == IssueMissingHandle {
				found = true
				assert.Contains(t, issue.Message, "conditional edge missing source_handle")
			}
		}
		assert.True(t, found)
	})

	t.Run("duplicate handle", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Edges[2].SourceHandle = "approve"
		issues := compiler.Validate(spec)

		found := false
		for _, issue := range issues {
			if issue.Code == IssueDuplicateHandle {
				found = true
				assert.Contains(t, issue.Message, `duplicate branch handle "approve"`)
			}
		}
		assert.True(t, found)
	})

	t.Run("handle outside the allowed set", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Edges[2].SourceHandle = "maybe"
		issues := compiler.Validate(spec)

		found := false
		for _, issue := range issues {
			if issue.Code == IssueInvalidHandle {
				found = true
				assert.Contains(t, issue.Message, `invalid branch handle "maybe"`)
			}
		}
		assert.True(t, found)
	})

	t.Run("missing required branch edge", func(t *testing.T) {
		// Drop the reject edge: the approval node still demands both
		// handles.
		spec := approvalSpec(t)
		spec.Edges = spec.Edges[:2]

		issues := compiler.Validate(spec)
		found := false
		for _, issue := range issues {
			if issue.Code == IssueMissingBranchEdges {
				found = true
				assert.Contains(t, issue.Message, "Missing branch edges for handles: reject")
			}
		}
		assert.True(t, found)
	})

	t.Run("unreachable node warns without failing compile", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "island", Type: NodeTypeTransform})

		issues := compiler.Validate(spec)
		require.NotEmpty(t, issues)
		for _, issue := range issues {
			assert.Equal(t, SeverityWarning, issue.Severity)
		}

		_, err := compiler.Compile("a", 1, spec, CompileOptions{})
		assert.NoError(t, err, "warnings alone must not abort compilation")
	})

	t.Run("issues are collected, never returned one at a time", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "mystery", Type: "mystery"})
		spec.Edges = spec.Edges[:2]

		issues := compiler.Validate(spec)
		codes := issueCodes(issues)
		assert.Contains(t, codes, IssueUnknownNodeType)
		assert.Contains(t, codes, IssueMissingBranchEdges)
	})

	t.Run("issue order is deterministic", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Nodes = append(spec.Nodes, Node{ID: "mystery", Type: "mystery"})
		spec.Edges = spec.Edges[:2]

		first := compiler.Validate(spec)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, compiler.Validate(spec))
		}
	})
}

func TestCompiler_Compile(t *testing.T) {
	compiler := NewCompiler(testRegistry(t), zap.NewNop())

	t.Run("builds routing structures", func(t *testing.T) {
		ir, err := compiler.Compile("approval-flow", 3, approvalSpec(t), CompileOptions{})
		require.NoError(t, err)

		assert.Equal(t, "approval-flow", ir.AgentID())
		assert.Equal(t, 3, ir.Version())
		assert.Equal(t, "start", ir.EntryPoint())
		assert.Equal(t, DefaultMaxSteps, ir.MaxSteps())

		assert.True(t, ir.IsExit("end_yes"))
		assert.True(t, ir.IsExit("end_no"))
		assert.False(t, ir.IsExit("gate"))

		assert.True(t, ir.InterruptsBefore("gate"))
		assert.Equal(t, []string{"gate"}, ir.InterruptNodes())

		rm, ok := ir.RoutingMap("gate")
		require.True(t, ok)
		assert.Equal(t, []string{"approve", "reject"}, rm.Handles())
		target, ok := rm.Target("approve")
		require.True(t, ok)
		assert.Equal(t, "end_yes", target)
		_, ok = rm.Target("maybe")
		assert.False(t, ok)

		_, ok = ir.RoutingMap("start")
		assert.False(t, ok, "single unlabeled edge needs no routing map")
	})

	t.Run("aborts with the full issue list", func(t *testing.T) {
		spec := approvalSpec(t)
		spec.Edges = spec.Edges[:2]
		spec.Nodes = append(spec.Nodes, Node{ID: "mystery", Type: "mystery"})

		_, err := compiler.Compile("a", 1, spec, CompileOptions{})
		require.Error(t, err)

		var compileErr *CompileError
		require.ErrorAs(t, err, &compileErr)
		codes := issueCodes(compileErr.Issues)
		assert.Contains(t, codes, IssueUnknownNodeType)
		assert.Contains(t, codes, IssueMissingBranchEdges)
	})

	t.Run("carries compile options into the IR", func(t *testing.T) {
		ir, err := compiler.Compile("a", 1, approvalSpec(t), CompileOptions{
			MaxSteps:     7,
			MemoryConfig: map[string]any{"window": 10},
		})
		require.NoError(t, err)
		assert.Equal(t, 7, ir.MaxSteps())
		assert.Equal(t, map[string]any{"window": 10}, ir.MemoryConfig())
	})
}
