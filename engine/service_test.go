package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/engine/store"
	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/graph/nodes"
	"github.com/stepflow-ai/stepflow/types"
)

func newTestService(t *testing.T) (*Service, *graph.Registry) {
	t.Helper()
	registry := graph.NewRegistry(zap.NewNop())
	nodes.RegisterBuiltins(registry, nodes.BuiltinDeps{})
	return NewService(registry, store.NewMemoryStore(), zap.NewNop()), registry
}

func mustNormalize(t *testing.T, doc map[string]any) *graph.GraphSpec {
	t.Helper()
	spec, err := graph.Normalize(doc)
	require.NoError(t, err)
	return spec
}

func approvalGraph(t *testing.T) *graph.GraphSpec {
	return mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "gate", "type": "approval"},
			map[string]any{"id": "end_yes", "type": "end", "config": map[string]any{"message": "approved"}},
			map[string]any{"id": "end_no", "type": "end", "config": map[string]any{"message": "rejected"}},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "gate"},
			map[string]any{"source": "gate", "target": "end_yes", "source_handle": "approve"},
			map[string]any{"source": "gate", "target": "end_no", "source_handle": "reject"},
		},
	})
}

func transformGraph(t *testing.T) *graph.GraphSpec {
	return mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "transform", "type": "transform",
				"config": map[string]any{"output": map[string]any{"status": "ok"}}},
			map[string]any{"id": "end", "type": "end", "config": map[string]any{"message": "bye"}},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "transform"},
			map[string]any{"source": "transform", "target": "end"},
		},
	})
}

func finalState(t *testing.T, run *types.AgentRun) *types.ExecutionState {
	t.Helper()
	require.NotNil(t, run.OutputResult)
	return types.StateFromMap(run.OutputResult)
}

func TestService_ApprovalSuspendResume(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "approval-flow", Version: 1, Spec: approvalGraph(t)}))

	runID, err := s.StartRun(ctx, "approval-flow", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPaused, run.Status, "gate with no approval key must suspend")
	assert.Equal(t, "gate", run.CurrentNode)
	assert.Empty(t, run.ErrorMessage, "paused is not an error state")

	require.NoError(t, s.ResumeRun(ctx, runID, map[string]any{"approval": "approve"}))

	run, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)

	state := finalState(t, run)
	assert.Equal(t, []string{"start", "gate", "end_yes"}, state.NodeOrder(),
		"approve decision must route to end_yes")
	assert.Equal(t, "approved", state.NodeOutputs["end_yes"]["final_output"])
	assert.NotContains(t, state.NodeOutputs, "end_no")
}

func TestService_ResumeIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "approval-flow", Version: 1, Spec: approvalGraph(t)}))
	runID, err := s.StartRun(ctx, "approval-flow", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	input := map[string]any{"approval": "reject"}
	require.NoError(t, s.ResumeRun(ctx, runID, input))

	first, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusCompleted, first.Status)

	// A second resume with the same input is a no-op on a terminal run.
	require.NoError(t, s.ResumeRun(ctx, runID, input))

	second, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)

	state := finalState(t, second)
	assert.Equal(t, []string{"start", "gate", "end_no"}, state.NodeOrder(),
		"no _node_outputs entry may be duplicated")
	assert.Equal(t, "rejected", state.NodeOutputs["end_no"]["final_output"])
}

func TestService_ResumeNonPausedRunIsInvalid(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "flow", Version: 1, Spec: transformGraph(t)}))
	runID, err := s.StartRun(ctx, "flow", nil, StartOptions{Mode: ModeDeferred})
	require.NoError(t, err)

	err = s.ResumeRun(ctx, runID, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestService_TransformPipeline(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "flow", Version: 1, Spec: transformGraph(t)}))
	runID, err := s.StartRun(ctx, "flow", map[string]any{"seed": "value"}, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)

	state := finalState(t, run)
	transformOut, ok := state.NodeOutputs["transform"]["transform_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", transformOut["status"])
	assert.Equal(t, "ok", state.Context["status"], "transform output merges into context")
	assert.Equal(t, "bye", state.NodeOutputs["end"]["final_output"])
}

func TestService_NodeFailureKeepsPartialOutputs(t *testing.T) {
	registry := graph.NewRegistry(zap.NewNop())
	nodes.RegisterBuiltins(registry, nodes.BuiltinDeps{})
	registry.Register("boom", func(*zap.Logger) graph.NodeExecutor {
		return &scriptedExecutor{gate: true, executeErr: errors.New("executor blew up")}
	}, graph.CatalogEntry{Type: "boom"})

	s := NewService(registry, store.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	spec := mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "broken", "type": "boom"},
			map[string]any{"id": "end", "type": "end"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "broken"},
			map[string]any{"source": "broken", "target": "end"},
		},
	})
	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "failing", Version: 1, Spec: spec}))

	runID, err := s.StartRun(ctx, "failing", nil, StartOptions{Mode: ModeSync})
	require.Error(t, err, "sync mode surfaces the node failure")
	assert.Equal(t, types.ErrNodeExecution, types.GetErrorCode(err))

	run, loadErr := s.GetRun(ctx, runID)
	require.NoError(t, loadErr)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "broken", "error message names the failing node")

	state := finalState(t, run)
	assert.Contains(t, state.NodeOutputs, "start",
		"outputs recorded before the failure survive")
	assert.NotContains(t, state.NodeOutputs, "broken")
	assert.NotContains(t, state.NodeOutputs, "end")
}

func TestService_InvalidRoutingDecision(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	spec := mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "route", "type": "conditional", "config": map[string]any{"key": "tier"}},
			map[string]any{"id": "end_a", "type": "end"},
			map[string]any{"id": "end_b", "type": "end"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "route"},
			map[string]any{"source": "route", "target": "end_a", "source_handle": "gold"},
			map[string]any{"source": "route", "target": "end_b", "source_handle": "silver"},
		},
	})
	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "routed", Version: 1, Spec: spec}))

	runID, err := s.StartRun(ctx, "routed", map[string]any{"tier": "bronze"}, StartOptions{Mode: ModeSync})
	require.Error(t, err)
	assert.Equal(t, types.ErrEngineInvariant, types.GetErrorCode(err),
		"a decision outside the compiled handles is a contract violation")

	run, loadErr := s.GetRun(ctx, runID)
	require.NoError(t, loadErr)
	assert.Equal(t, types.RunStatusFailed, run.Status)
}

func TestService_MaxStepsGuard(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	// a and b cycle forever; without the step bound this would never stop.
	spec := mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "a", "type": "transform"},
			map[string]any{"id": "b", "type": "transform"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "a"},
			map[string]any{"source": "a", "target": "b"},
			map[string]any{"source": "b", "target": "a"},
		},
	})
	require.NoError(t, s.RegisterAgent(AgentDefinition{
		ID: "loop", Version: 1, Spec: spec,
		Options: graph.CompileOptions{MaxSteps: 10},
	}))

	runID, err := s.StartRun(ctx, "loop", nil, StartOptions{Mode: ModeSync})
	require.Error(t, err)
	assert.Equal(t, types.ErrEngineInvariant, types.GetErrorCode(err))

	run, loadErr := s.GetRun(ctx, runID)
	require.NoError(t, loadErr)
	assert.Equal(t, types.RunStatusFailed, run.Status)
}

func TestService_CompileFailureListsAllIssues(t *testing.T) {
	s, _ := newTestService(t)

	// Approval node missing its reject edge.
	spec := mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "gate", "type": "approval"},
			map[string]any{"id": "end_yes", "type": "end"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "gate"},
			map[string]any{"source": "gate", "target": "end_yes", "source_handle": "approve"},
		},
	})
	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "incomplete", Version: 1, Spec: spec}))

	_, err := s.CompileAgent("incomplete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing branch edges for handles")

	// Starting a run against the broken agent fails the same way.
	_, err = s.StartRun(context.Background(), "incomplete", nil, StartOptions{Mode: ModeSync})
	var compileErr *graph.CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestService_CancelPausedRun(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "approval-flow", Version: 1, Spec: approvalGraph(t)}))
	runID, err := s.StartRun(ctx, "approval-flow", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	require.NoError(t, s.CancelRun(ctx, runID))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, run.Status)
	require.NotNil(t, run.CompletedAt)

	// Cancelling again is a no-op; resuming is too.
	assert.NoError(t, s.CancelRun(ctx, runID))
	assert.NoError(t, s.ResumeRun(ctx, runID, map[string]any{"approval": "approve"}))
	run, _ = s.GetRun(ctx, runID)
	assert.Equal(t, types.RunStatusCancelled, run.Status)
}

// cancellingExecutor requests cancellation of its own run mid-flight, so
// the loop's between-steps check can be exercised deterministically.
type cancellingExecutor struct {
	svc *Service
}

func (e *cancellingExecutor) CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error) {
	return true, nil
}

func (e *cancellingExecutor) Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error) {
	if err := e.svc.CancelRun(ctx, ec.RunID); err != nil {
		return nil, err
	}
	return map[string]any{"requested_cancel": true}, nil
}

func (e *cancellingExecutor) ValidateConfig(config map[string]any) graph.ConfigValidation {
	return graph.ValidConfig()
}

func TestService_CancelBetweenSteps(t *testing.T) {
	registry := graph.NewRegistry(zap.NewNop())
	nodes.RegisterBuiltins(registry, nodes.BuiltinDeps{})
	s := NewService(registry, store.NewMemoryStore(), zap.NewNop())
	registry.Register("selfcancel", func(*zap.Logger) graph.NodeExecutor {
		return &cancellingExecutor{svc: s}
	}, graph.CatalogEntry{Type: "selfcancel"})

	spec := mustNormalize(t, map[string]any{
		"spec_version": "1.0",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "stopper", "type": "selfcancel"},
			map[string]any{"id": "after", "type": "transform"},
			map[string]any{"id": "end", "type": "end"},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "stopper"},
			map[string]any{"source": "stopper", "target": "after"},
			map[string]any{"source": "after", "target": "end"},
		},
	})
	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "cancelling", Version: 1, Spec: spec}))

	ctx := context.Background()
	runID, err := s.StartRun(ctx, "cancelling", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, run.Status)

	state := finalState(t, run)
	assert.Contains(t, state.NodeOutputs, "stopper",
		"the in-flight node finishes before cancellation takes effect")
	assert.NotContains(t, state.NodeOutputs, "after",
		"no further node starts after cancellation")
}

func TestService_RunAndStreamEventOrdering(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "flow", Version: 1, Spec: transformGraph(t)}))
	runID, err := s.StartRun(ctx, "flow", nil, StartOptions{Mode: ModeDeferred})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status, "deferred mode leaves the run pending")

	events, err := s.RunAndStream(ctx, runID)
	require.NoError(t, err)

	var collected []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				goto done
			}
			collected = append(collected, event)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
done:
	require.NotEmpty(t, collected)
	assert.Equal(t, EventRunStatus, collected[0].Type)
	assert.Equal(t, types.RunStatusRunning, collected[0].Status)

	var starts []string
	for _, event := range collected {
		if event.Type == EventNodeStart {
			starts = append(starts, event.NodeID)
		}
	}
	assert.Equal(t, []string{"start", "transform", "end"}, starts,
		"node_start events follow the compiled routing order")

	last := collected[len(collected)-1]
	assert.Equal(t, EventRunStatus, last.Type)
	assert.Equal(t, types.RunStatusCompleted, last.Status)
}

func TestService_RunAndStreamOnFinishedRun(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "flow", Version: 1, Spec: transformGraph(t)}))
	runID, err := s.StartRun(ctx, "flow", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	events, err := s.RunAndStream(ctx, runID)
	require.NoError(t, err)

	event, ok := <-events
	require.True(t, ok)
	assert.Equal(t, EventRunStatus, event.Type)
	assert.Equal(t, types.RunStatusCompleted, event.Status)

	_, ok = <-events
	assert.False(t, ok, "a finished run yields one snapshot and closes")
}

func TestService_MemoryConfigSeedsContext(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{
		ID: "flow", Version: 1, Spec: transformGraph(t),
		Options: graph.CompileOptions{MemoryConfig: map[string]any{"window": "short"}},
	}))
	runID, err := s.StartRun(ctx, "flow", nil, StartOptions{Mode: ModeSync})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	state := finalState(t, run)
	assert.Equal(t, "short", state.Context["window"])
}

func TestService_ContextPropagation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "approval-flow", Version: 1, Spec: approvalGraph(t)}))
	runID, err := s.StartRun(ctx, "approval-flow", nil, StartOptions{
		Mode:    ModeSync,
		Context: types.ExecContext{TenantID: "tenant-1", Principal: "alice"},
	})
	require.NoError(t, err)

	require.NoError(t, s.ResumeRun(ctx, runID, map[string]any{"approval": "approve"}))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	state := finalState(t, run)
	assert.Equal(t, "tenant-1", state.Identity.TenantID)
	assert.Equal(t, runID, state.Identity.RunID)

	gateOut, ok := state.NodeOutputs["gate"]["approval_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", gateOut["principal_id"],
		"identity persisted in state survives suspension")
}

func TestService_NotFoundErrors(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.StartRun(ctx, "ghost", nil, StartOptions{})
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))

	_, err = s.GetRun(ctx, "no-such-run")
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))

	err = s.ResumeRun(ctx, "no-such-run", nil)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))

	err = s.CancelRun(ctx, "no-such-run")
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
}

func TestService_ConcurrentRunsAreIndependent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(AgentDefinition{ID: "flow", Version: 1, Spec: transformGraph(t)}))

	const n = 8
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			runID, err := s.StartRun(ctx, "flow", nil, StartOptions{Mode: ModeSync})
			assert.NoError(t, err)
			ids <- runID
		}()
	}

	for i := 0; i < n; i++ {
		runID := <-ids
		run, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCompleted, run.Status)
	}
}
