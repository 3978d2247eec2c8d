// Package store provides durable persistence for agent runs.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - GORM (sqlite, postgres): for single-node and SQL deployments
//   - Redis: for distributed deployments
package store

import (
	"context"
	"errors"

	"github.com/stepflow-ai/stepflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("run not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// RunStore is the transactional sink for run records. The engine persists
// after every status transition and on suspension.
type RunStore interface {
	// Save upserts a run record.
	Save(ctx context.Context, run *types.AgentRun) error

	// Load returns a run by id, or ErrNotFound.
	Load(ctx context.Context, runID string) (*types.AgentRun, error)

	// List returns runs filtered by agent and/or status, newest first.
	// Empty filters match everything; limit <= 0 means no limit.
	List(ctx context.Context, agentID string, status types.RunStatus, limit int) ([]*types.AgentRun, error)

	// Delete removes a run record.
	Delete(ctx context.Context, runID string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
