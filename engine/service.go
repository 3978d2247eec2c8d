package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stepflow-ai/stepflow/engine/store"
	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/internal/metrics"
	"github.com/stepflow-ai/stepflow/types"
)

// RunMode selects how start drives the step loop.
type RunMode string

const (
	// ModeSync blocks the caller until the run pauses or terminates.
	ModeSync RunMode = "sync"
	// ModeAsync starts the step loop in a background goroutine.
	ModeAsync RunMode = "async"
	// ModeDeferred persists the run in pending and leaves it for a later
	// RunAndStream call to drive.
	ModeDeferred RunMode = "deferred"
)

// decisionKey is the update key a branching executor sets to pick an
// outgoing handle.
const decisionKey = "branch"

// AgentDefinition binds an agent id to a normalized graph and its compile
// options.
type AgentDefinition struct {
	ID      string
	Version int
	Spec    *graph.GraphSpec
	Options graph.CompileOptions
}

// StartOptions configures one run.
type StartOptions struct {
	// Mode defaults to ModeSync.
	Mode RunMode
	// Context carries run-level identity (tenant, grant, principal,
	// initiator) resolved into every node's execution context.
	Context types.ExecContext
}

// activeRun tracks a run whose step loop is currently executing in this
// process.
type activeRun struct {
	cancelled atomic.Bool
}

// Service is the run lifecycle state machine. It compiles registered
// agents on first use, drives the step loop one node at a time, persists
// the run record on every status transition, and emits progress events
// through the hub.
type Service struct {
	registry *graph.Registry
	compiler *graph.Compiler
	runner   *NodeRunner
	store    store.RunStore
	hub      *Hub
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.RWMutex
	agents  map[string]AgentDefinition
	irCache map[string]*graph.GraphIR
	active  map[string]*activeRun

	compileGroup singleflight.Group
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithHub sets the event hub. Without it the service creates its own.
func WithHub(hub *Hub) ServiceOption {
	return func(s *Service) { s.hub = hub }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(collector *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = collector }
}

// NewService creates an execution service over a registry and a run store.
func NewService(registry *graph.Registry, runStore store.RunStore, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry: registry,
		compiler: graph.NewCompiler(registry, logger),
		runner:   NewNodeRunner(registry, logger),
		store:    runStore,
		logger:   logger.With(zap.String("component", "execution_service")),
		agents:   make(map[string]AgentDefinition),
		irCache:  make(map[string]*graph.GraphIR),
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(0, logger)
	}
	return s
}

// Hub exposes the event hub so callers can attach observers directly.
func (s *Service) Hub() *Hub { return s.hub }

// RegisterAgent stores an agent definition. Registering the same id again
// replaces the definition and invalidates its cached compilation.
func (s *Service) RegisterAgent(def AgentDefinition) error {
	if def.ID == "" {
		return types.NewError(types.ErrInvalidGraph, "agent id is required")
	}
	if def.Spec == nil {
		return types.NewError(types.ErrInvalidGraph, "agent graph is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[def.ID] = def
	delete(s.irCache, irKey(def.ID, def.Version))
	return nil
}

// CompileAgent compiles a registered agent eagerly and caches the result.
func (s *Service) CompileAgent(agentID string) (*graph.GraphIR, error) {
	s.mu.RLock()
	def, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %q is not registered", agentID))
	}
	return s.compiledIR(def)
}

func irKey(agentID string, version int) string {
	return fmt.Sprintf("%s@%d", agentID, version)
}

// compiledIR returns the cached GraphIR for a definition, compiling at
// most once per key even under concurrent starts.
func (s *Service) compiledIR(def AgentDefinition) (*graph.GraphIR, error) {
	key := irKey(def.ID, def.Version)

	s.mu.RLock()
	ir, ok := s.irCache[key]
	s.mu.RUnlock()
	if ok {
		return ir, nil
	}

	v, err, _ := s.compileGroup.Do(key, func() (any, error) {
		s.mu.RLock()
		cached, hit := s.irCache[key]
		s.mu.RUnlock()
		if hit {
			return cached, nil
		}

		compiled, err := s.compiler.Compile(def.ID, def.Version, def.Spec, def.Options)
		if err != nil {
			s.metrics.CompileFailed()
			return nil, err
		}

		s.mu.Lock()
		s.irCache[key] = compiled
		s.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.GraphIR), nil
}

// StartRun creates a run for a registered agent and begins stepping
// according to the mode. It returns the run id; in sync mode any run
// failure is also returned.
func (s *Service) StartRun(ctx context.Context, agentID string, input map[string]any, opts StartOptions) (string, error) {
	s.mu.RLock()
	def, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent %q is not registered", agentID))
	}

	ir, err := s.compiledIR(def)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	identity := opts.Context
	identity.RunID = runID

	state := types.NewExecutionState(input, identity)
	if mc := ir.MemoryConfig(); len(mc) > 0 {
		state.Apply(map[string]any{types.KeyContext: mc})
	}

	now := time.Now()
	run := &types.AgentRun{
		ID:          runID,
		AgentID:     agentID,
		Version:     ir.Version(),
		Status:      types.RunStatusPending,
		CurrentNode: ir.EntryPoint(),
		InputParams: input,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	run.OutputResult = state.ToMap()
	if err := s.store.Save(ctx, run); err != nil {
		return "", err
	}

	s.logger.Info("run created",
		zap.String("run_id", runID),
		zap.String("agent_id", agentID),
		zap.String("mode", string(mode(opts.Mode))),
	)

	switch mode(opts.Mode) {
	case ModeDeferred:
		return runID, nil
	case ModeAsync:
		go func() {
			if err := s.drive(context.WithoutCancel(ctx), run, ir, state, opts.Context); err != nil {
				s.logger.Warn("run finished with error",
					zap.String("run_id", runID), zap.Error(err))
			}
		}()
		return runID, nil
	default:
		return runID, s.drive(ctx, run, ir, state, opts.Context)
	}
}

func mode(m RunMode) RunMode {
	if m == "" {
		return ModeSync
	}
	return m
}

// ResumeRun re-enters the step loop of a paused run after merging the
// resume input into its persisted state. Resuming a terminal run is a
// no-op; resuming a run that is actively executing is an invalid
// transition. The call blocks until the run pauses again or terminates,
// which makes a second resume with the same input a harmless no-op.
func (s *Service) ResumeRun(ctx context.Context, runID string, input map[string]any) error {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status != types.RunStatusPaused {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot resume run in status %q", run.Status)).WithRun(runID)
	}

	ir, err := s.irForRun(run)
	if err != nil {
		return err
	}

	state := types.StateFromMap(run.OutputResult)
	if len(input) > 0 {
		state.Apply(input)
	}
	return s.drive(ctx, run, ir, state, types.ExecContext{})
}

// CancelRun requests cancellation. An actively stepping run stops before
// its next node; a pending or paused run is cancelled immediately.
// Cancelling a terminal run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	s.mu.RLock()
	ar, executing := s.active[runID]
	s.mu.RUnlock()
	if executing {
		ar.cancelled.Store(true)
		return nil
	}

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return s.finishRun(ctx, run, types.RunStatusCancelled, types.StateFromMap(run.OutputResult), "")
}

// RunAndStream attaches to a run's event stream. A pending run is kicked
// off in the background; a running run is simply observed. The channel is
// finite: it closes when the run pauses or reaches a terminal state. For a
// run already paused or terminal, the channel carries one status snapshot
// and closes.
func (s *Service) RunAndStream(ctx context.Context, runID string) (<-chan Event, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	sub := s.hub.Subscribe(runID)

	switch run.Status {
	case types.RunStatusPending:
		ir, err := s.irForRun(run)
		if err != nil {
			sub.Cancel()
			return nil, err
		}
		state := types.StateFromMap(run.OutputResult)
		go func() {
			if err := s.drive(context.WithoutCancel(ctx), run, ir, state, types.ExecContext{}); err != nil {
				s.logger.Warn("run finished with error",
					zap.String("run_id", runID), zap.Error(err))
			}
		}()
	case types.RunStatusRunning:
		// Observe the loop already in flight.
	default:
		// Paused or terminal: deliver the current snapshot and end the
		// sequence.
		s.hub.Publish(Event{
			Type:   EventRunStatus,
			RunID:  runID,
			Status: run.Status,
		})
		sub.Cancel()
		return sub.Events(), nil
	}

	// The watcher ends with the subscription, so a non-cancellable caller
	// context does not pin a goroutine past the run.
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()
	return sub.Events(), nil
}

// GetRun returns the persisted run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*types.AgentRun, error) {
	return s.loadRun(ctx, runID)
}

// ListRuns returns persisted runs, newest first.
func (s *Service) ListRuns(ctx context.Context, agentID string, status types.RunStatus, limit int) ([]*types.AgentRun, error) {
	return s.store.List(ctx, agentID, status, limit)
}

func (s *Service) loadRun(ctx context.Context, runID string) (*types.AgentRun, error) {
	run, err := s.store.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrRunNotFound, fmt.Sprintf("run %q not found", runID)).WithRun(runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// irForRun resolves the compiled graph for a persisted run.
func (s *Service) irForRun(run *types.AgentRun) (*graph.GraphIR, error) {
	s.mu.RLock()
	def, ok := s.agents[run.AgentID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("agent %q is not registered", run.AgentID)).WithRun(run.ID)
	}
	return s.compiledIR(def)
}

// beginDrive marks a run as actively stepping in this process. A second
// driver for the same run is rejected.
func (s *Service) beginDrive(runID string) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[runID]; ok {
		return nil, types.NewError(types.ErrInvalidTransition, "run is already executing").WithRun(runID)
	}
	ar := &activeRun{}
	s.active[runID] = ar
	return ar, nil
}

func (s *Service) endDrive(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}

// drive executes the step loop from run.CurrentNode until the run pauses,
// completes, fails, or is cancelled. The run record is persisted on every
// status transition and after every step so a paused or interrupted run
// can be resumed from durable state.
func (s *Service) drive(ctx context.Context, run *types.AgentRun, ir *graph.GraphIR, state *types.ExecutionState, override types.ExecContext) error {
	ar, err := s.beginDrive(run.ID)
	if err != nil {
		return err
	}
	defer s.endDrive(run.ID)

	if !types.CanTransition(run.Status, types.RunStatusRunning) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot start stepping from status %q", run.Status)).WithRun(run.ID)
	}
	run.Status = types.RunStatusRunning
	run.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, run); err != nil {
		return err
	}

	emitter := s.hub.ForRun(run.ID)
	emitter.RunStatus(types.RunStatusRunning, nil)
	s.metrics.RunStarted(run.AgentID)

	runMeta := types.ExecContext{RunID: run.ID}
	current := run.CurrentNode
	if current == "" {
		current = ir.EntryPoint()
	}

	for steps := 0; ; steps++ {
		if steps >= ir.MaxSteps() {
			stepErr := types.NewError(types.ErrEngineInvariant,
				fmt.Sprintf("maximum step count %d exceeded", ir.MaxSteps())).WithRun(run.ID)
			s.logger.Error("step budget exhausted", zap.String("run_id", run.ID), zap.Error(stepErr))
			return s.failRun(ctx, run, state, stepErr)
		}
		if ar.cancelled.Load() {
			return s.finishRun(ctx, run, types.RunStatusCancelled, state, "")
		}

		node, ok := ir.Node(current)
		if !ok {
			stepErr := types.NewError(types.ErrEngineInvariant,
				fmt.Sprintf("current node %q is not in the compiled graph", current)).WithRun(run.ID)
			s.logger.Error("routing reached unknown node", zap.String("run_id", run.ID), zap.Error(stepErr))
			return s.failRun(ctx, run, state, stepErr)
		}

		emitter.NodeStart(node.ID, node.Name, node.Type)
		stepStart := time.Now()

		result, err := s.runner.Run(ctx, node, state, runMeta, override)
		if err != nil {
			s.metrics.NodeExecuted(node.Type, "error", time.Since(stepStart))
			return s.failRun(ctx, run, state, err)
		}
		if result.Suspend {
			s.metrics.NodeExecuted(node.Type, "suspended", time.Since(stepStart))
			if !ir.InterruptsBefore(node.ID) {
				s.logger.Info("non-interactive node suspended the run",
					zap.String("run_id", run.ID),
					zap.String("node_id", node.ID),
					zap.String("node_type", node.Type),
				)
			}
			run.CurrentNode = node.ID
			return s.finishRun(ctx, run, types.RunStatusPaused, state, "")
		}
		s.metrics.NodeExecuted(node.Type, "ok", time.Since(stepStart))
		emitter.NodeEnd(node.ID, node.Name, node.Type, summarize(result.Update))

		next, routeErr := s.route(ir, node, result.Update, run.ID)
		if routeErr != nil {
			s.logger.Error("routing contract violated",
				zap.String("run_id", run.ID),
				zap.String("node_id", node.ID),
				zap.Error(routeErr),
			)
			return s.failRun(ctx, run, state, routeErr)
		}
		if next == "" {
			if !ir.IsExit(node.ID) {
				s.logger.Warn("run completed at a node with no outgoing edges",
					zap.String("run_id", run.ID),
					zap.String("node_id", node.ID),
				)
			}
			return s.finishRun(ctx, run, types.RunStatusCompleted, state, "")
		}

		current = next
		run.CurrentNode = current
		run.OutputResult = state.ToMap()
		run.UpdatedAt = time.Now()
		if err := s.store.Save(ctx, run); err != nil {
			return s.failRun(ctx, run, state, err)
		}
	}
}

// route selects the next node after a successful step. An empty result
// means the run is complete. A node with a routing map must have set the
// decision key to a compiled handle; anything else is a runtime contract
// violation by the executor.
func (s *Service) route(ir *graph.GraphIR, node graph.Node, update map[string]any, runID string) (string, error) {
	if rm, ok := ir.RoutingMap(node.ID); ok {
		branch, _ := update[decisionKey].(string)
		if branch == "" {
			return "", types.NewError(types.ErrEngineInvariant,
				fmt.Sprintf("node %q has a routing map but produced no %s decision", node.ID, decisionKey)).
				WithNode(node.ID, node.Type).WithRun(runID)
		}
		target, found := rm.Target(branch)
		if !found {
			return "", types.NewError(types.ErrEngineInvariant,
				fmt.Sprintf("routing decision %q does not match any handle of node %q", branch, node.ID)).
				WithNode(node.ID, node.Type).WithRun(runID)
		}
		return target, nil
	}

	edges := ir.Outgoing(node.ID)
	if len(edges) == 0 {
		return "", nil
	}
	return edges[0].Target, nil
}

// failRun persists the failure onto the run record and ends the event
// stream. Partial node outputs accumulated before the failure stay in the
// persisted state snapshot.
func (s *Service) failRun(ctx context.Context, run *types.AgentRun, state *types.ExecutionState, cause error) error {
	if err := s.finishRun(ctx, run, types.RunStatusFailed, state, cause.Error()); err != nil {
		s.logger.Error("failed to persist run failure",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	return cause
}

// finishRun applies a terminal or paused transition, persists the state
// snapshot, emits the final status event, and closes the run's event
// streams.
func (s *Service) finishRun(ctx context.Context, run *types.AgentRun, status types.RunStatus, state *types.ExecutionState, errMsg string) error {
	if !types.CanTransition(run.Status, status) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot transition run from %q to %q", run.Status, status)).WithRun(run.ID)
	}

	now := time.Now()
	run.Status = status
	run.ErrorMessage = errMsg
	run.OutputResult = state.ToMap()
	run.UpdatedAt = now
	if status.Terminal() {
		run.CompletedAt = &now
	}
	if err := s.store.Save(ctx, run); err != nil {
		return err
	}

	payload := map[string]any{}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if status == types.RunStatusPaused {
		payload["current_node"] = run.CurrentNode
	}
	if len(payload) == 0 {
		payload = nil
	}
	s.hub.ForRun(run.ID).RunStatus(status, payload)
	s.hub.CloseRun(run.ID)
	s.metrics.RunFinished(run.AgentID, string(status), now.Sub(run.StartedAt))

	s.logger.Info("run finished stepping",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.String("current_node", run.CurrentNode),
	)
	return nil
}
