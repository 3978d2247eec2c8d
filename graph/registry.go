package graph

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/types"
)

// NodeExecutor is the pluggable behavior bound to a node type. The engine
// is agnostic to which variant it holds: start, end, reasoning, tool,
// conditional, and interaction nodes all implement this capability.
type NodeExecutor interface {
	// CanExecute gates execution. A false result means the run must suspend
	// at this node with no state change; it is not an error.
	CanExecute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (bool, error)

	// Execute performs the node's work and returns a partial state update
	// to be merged into the run's execution state.
	Execute(ctx context.Context, state *types.ExecutionState, config map[string]any, ec types.ExecContext) (map[string]any, error)

	// ValidateConfig checks a node's static configuration.
	ValidateConfig(config map[string]any) ConfigValidation
}

// ConfigValidation is the result of a static config check.
type ConfigValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidConfig is the zero-issue validation result.
func ValidConfig() ConfigValidation {
	return ConfigValidation{Valid: true}
}

// InvalidConfig builds a failed validation result from the given issues.
func InvalidConfig(errs ...string) ConfigValidation {
	return ConfigValidation{Valid: false, Errors: errs}
}

// ExecutorFactory creates a NodeExecutor instance for a node type.
type ExecutorFactory func(logger *zap.Logger) NodeExecutor

// CatalogEntry is the machine-readable description of a node type, used by
// the compiler for branch-handle checks and by tooling to render a palette.
type CatalogEntry struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// ConfigSchema is a JSON-schema-shaped description of the node config.
	ConfigSchema map[string]any `json:"config_schema,omitempty"`

	// Reads and Writes declare the state keys the node touches.
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`

	// AllowedHandles restricts the branch handles edges from this node may
	// carry. Nil means unrestricted.
	AllowedHandles []string `json:"allowed_handles,omitempty"`

	// RequiredHandles must each have at least one outgoing edge.
	RequiredHandles []string `json:"required_handles,omitempty"`

	// Interactive marks node types that suspend the run for external input.
	Interactive bool `json:"interactive,omitempty"`
}

// Registry maps node type identifiers to executor factories and catalog
// entries. It is populated once at process startup, before any compile or
// execute call; re-registering a type overwrites the previous entry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ExecutorFactory
	catalog   map[string]CatalogEntry
	order     []string
	logger    *zap.Logger
}

// NewRegistry creates an empty executor registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]ExecutorFactory),
		catalog:   make(map[string]CatalogEntry),
		logger:    logger.With(zap.String("component", "node_registry")),
	}
}

// Register binds a node type to an executor factory and catalog entry.
func (r *Registry) Register(typeID string, factory ExecutorFactory, entry CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeID]; !exists {
		r.order = append(r.order, typeID)
	}
	entry.Type = typeID
	r.factories[typeID] = factory
	r.catalog[typeID] = entry

	r.logger.Debug("registered node executor", zap.String("type", typeID))
}

// Executor returns the factory for a node type, if registered.
func (r *Registry) Executor(typeID string) (ExecutorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[typeID]
	return factory, ok
}

// Entry returns the catalog entry for a node type, if registered.
func (r *Registry) Entry(typeID string) (CatalogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.catalog[typeID]
	return entry, ok
}

// Catalog returns all catalog entries in registration order.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]CatalogEntry, 0, len(r.order))
	for _, typeID := range r.order {
		entries = append(entries, r.catalog[typeID])
	}
	return entries
}

// Interactive reports whether a node type suspends the run for external
// input, either via its catalog entry or the fixed interaction type set.
func (r *Registry) Interactive(typeID string) bool {
	if entry, ok := r.Entry(typeID); ok && entry.Interactive {
		return true
	}
	return InteractionNodeTypes[typeID]
}
