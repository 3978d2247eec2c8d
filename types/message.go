package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a run's conversation log.
// The messages list on ExecutionState is append-only.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Name      string         `json:"name,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}
