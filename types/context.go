package types

import "context"

// ExecContext carries the run-scoped identifiers threaded through node
// executors. Grant and principal come from the external delegation boundary
// and are opaque to the engine.
type ExecContext struct {
	TenantID  string `json:"tenant_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	GrantID   string `json:"grant_id,omitempty"`
	Principal string `json:"principal_id,omitempty"`
	Initiator string `json:"initiator_id,omitempty"`
}

// Merge returns a copy of ec with non-empty fields of override applied on
// top. A field present in the override always wins.
func (ec ExecContext) Merge(override ExecContext) ExecContext {
	merged := ec
	if override.TenantID != "" {
		merged.TenantID = override.TenantID
	}
	if override.RunID != "" {
		merged.RunID = override.RunID
	}
	if override.GrantID != "" {
		merged.GrantID = override.GrantID
	}
	if override.Principal != "" {
		merged.Principal = override.Principal
	}
	if override.Initiator != "" {
		merged.Initiator = override.Initiator
	}
	return merged
}

// ResolveExecContext layers the three context sources with precedence
// low to high: state-embedded identity, run-level metadata, call-site
// overrides.
func ResolveExecContext(stateLevel, runMeta, override ExecContext) ExecContext {
	return stateLevel.Merge(runMeta).Merge(override)
}

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRunID    contextKey = "run_id"
	keyNodeID   contextKey = "node_id"
	keyTenantID contextKey = "tenant_id"
)

// WithRunID adds the run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunIDFrom extracts the run ID from the context.
func RunIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithNodeID adds the executing node ID to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, keyNodeID, nodeID)
}

// NodeIDFrom extracts the executing node ID from the context.
func NodeIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyNodeID).(string)
	return v, ok && v != ""
}

// WithTenantID adds the tenant ID to the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantIDFrom extracts the tenant ID from the context.
func TenantIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}
