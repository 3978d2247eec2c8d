package types

import "time"

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the run lifecycle state machine:
// pending → running → {completed, failed, paused, cancelled},
// paused → {running, cancelled}.
var validTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusPaused, RunStatusCancelled},
	RunStatusPaused:  {RunStatusRunning, RunStatusCancelled},
}

// CanTransition reports whether the status machine permits from → to.
func CanTransition(from, to RunStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentRun is the persisted record of a single workflow execution.
// The engine is the sole writer of Status and OutputResult. CurrentNode is
// the resume point while the run is paused at an interrupt node.
type AgentRun struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Version      int            `json:"version"`
	Status       RunStatus      `json:"status"`
	CurrentNode  string         `json:"current_node,omitempty"`
	InputParams  map[string]any `json:"input_params,omitempty"`
	OutputResult map[string]any `json:"output_result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
