package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/stepflow-ai/stepflow/types"
)

// MemoryStore is an in-memory RunStore for development and tests. Records
// are deep-copied on the way in and out so callers never share memory with
// the store.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*types.AgentRun
	closed bool
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*types.AgentRun)}
}

func (s *MemoryStore) Save(ctx context.Context, run *types.AgentRun) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	copied, err := copyRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.runs[run.ID] = copied
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string) (*types.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run)
}

func (s *MemoryStore) List(ctx context.Context, agentID string, status types.RunStatus, limit int) ([]*types.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*types.AgentRun
	for _, run := range s.runs {
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		copied, err := copyRun(run)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// copyRun deep-copies a run via JSON to detach nested maps.
func copyRun(run *types.AgentRun) (*types.AgentRun, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	var out types.AgentRun
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
