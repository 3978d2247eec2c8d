package types

import "encoding/json"

// Reserved top-level keys in the execution state envelope.
const (
	KeyMessages    = "messages"
	KeyContext     = "context"
	KeyNodeOutputs = "_node_outputs"

	// keyNodeOrder preserves node execution order across serialization.
	keyNodeOrder = "_node_order"
)

// ExecutionState is the shared, per-run state record. It is a semantically
// typed envelope: known keys (messages, context, node outputs, run
// identifiers) are explicit fields, everything else lands in Extra.
//
// Merge semantics, applied by Apply:
//   - messages: append-only
//   - context: per-key shallow merge, update wins
//   - _node_outputs: union, first write per node wins (never overwritten)
//   - run identifier keys: overwrite
//   - all other keys: overwrite into Extra
//
// The execution service owns the authoritative copy. Node executors receive
// a Clone and communicate changes exclusively by returning partial updates.
type ExecutionState struct {
	Messages    []Message
	Context     map[string]any
	NodeOutputs map[string]map[string]any
	Identity    ExecContext
	Extra       map[string]any

	nodeOrder []string
}

// NewExecutionState creates a state seeded from run input parameters.
func NewExecutionState(input map[string]any, identity ExecContext) *ExecutionState {
	s := &ExecutionState{
		Context:     make(map[string]any),
		NodeOutputs: make(map[string]map[string]any),
		Extra:       make(map[string]any),
		Identity:    identity,
	}
	s.Apply(input)
	return s
}

// Apply merges a partial update into the state.
func (s *ExecutionState) Apply(update map[string]any) {
	if update == nil {
		return
	}
	for key, value := range update {
		switch key {
		case KeyMessages:
			s.Messages = append(s.Messages, coerceMessages(value)...)
		case KeyContext:
			if m, ok := value.(map[string]any); ok {
				if s.Context == nil {
					s.Context = make(map[string]any, len(m))
				}
				for k, v := range m {
					s.Context[k] = v
				}
			}
		case KeyNodeOutputs:
			s.applyNodeOutputs(value)
		case keyNodeOrder:
			// Internal bookkeeping, restored via FromMap only.
		case "tenant_id":
			s.Identity.TenantID = stringValue(value)
		case "run_id":
			s.Identity.RunID = stringValue(value)
		case "grant_id":
			s.Identity.GrantID = stringValue(value)
		case "principal_id":
			s.Identity.Principal = stringValue(value)
		case "initiator_id":
			s.Identity.Initiator = stringValue(value)
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[key] = value
		}
	}
}

func (s *ExecutionState) applyNodeOutputs(value any) {
	outputs, ok := value.(map[string]map[string]any)
	if !ok {
		raw, rawOK := value.(map[string]any)
		if !rawOK {
			return
		}
		outputs = make(map[string]map[string]any, len(raw))
		for k, v := range raw {
			if m, mOK := v.(map[string]any); mOK {
				outputs[k] = m
			}
		}
	}
	for nodeID, out := range outputs {
		s.recordOutput(nodeID, out)
	}
}

// RecordNodeOutput stores a node's partial update under _node_outputs,
// excluding the _node_outputs key itself to avoid self-referential nesting.
// Entries are never overwritten: the first recorded output for a node wins.
func (s *ExecutionState) RecordNodeOutput(nodeID string, update map[string]any) {
	out := make(map[string]any, len(update))
	for k, v := range update {
		if k == KeyNodeOutputs {
			continue
		}
		out[k] = v
	}
	s.recordOutput(nodeID, out)
}

func (s *ExecutionState) recordOutput(nodeID string, out map[string]any) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = make(map[string]map[string]any)
	}
	if _, exists := s.NodeOutputs[nodeID]; exists {
		return
	}
	s.NodeOutputs[nodeID] = out
	s.nodeOrder = append(s.nodeOrder, nodeID)
}

// NodeOrder returns node IDs in the order their outputs were recorded.
func (s *ExecutionState) NodeOrder() []string {
	order := make([]string, len(s.nodeOrder))
	copy(order, s.nodeOrder)
	return order
}

// Lookup resolves a key against the extensible layers of the state:
// extra keys first, then the context scratch space.
func (s *ExecutionState) Lookup(key string) (any, bool) {
	if v, ok := s.Extra[key]; ok {
		return v, true
	}
	if v, ok := s.Context[key]; ok {
		return v, true
	}
	return nil, false
}

// Clone returns a snapshot copy of the state. Container fields are copied
// one level deep; executors must treat snapshots as read-only.
func (s *ExecutionState) Clone() *ExecutionState {
	c := &ExecutionState{
		Messages:    make([]Message, len(s.Messages)),
		Context:     make(map[string]any, len(s.Context)),
		NodeOutputs: make(map[string]map[string]any, len(s.NodeOutputs)),
		Extra:       make(map[string]any, len(s.Extra)),
		Identity:    s.Identity,
		nodeOrder:   make([]string, len(s.nodeOrder)),
	}
	copy(c.Messages, s.Messages)
	copy(c.nodeOrder, s.nodeOrder)
	for k, v := range s.Context {
		c.Context[k] = v
	}
	for k, v := range s.Extra {
		c.Extra[k] = v
	}
	for nodeID, out := range s.NodeOutputs {
		outCopy := make(map[string]any, len(out))
		for k, v := range out {
			outCopy[k] = v
		}
		c.NodeOutputs[nodeID] = outCopy
	}
	return c
}

// ToMap serializes the state into a flat JSON-friendly document.
func (s *ExecutionState) ToMap() map[string]any {
	doc := make(map[string]any, len(s.Extra)+8)
	for k, v := range s.Extra {
		doc[k] = v
	}
	doc[KeyMessages] = s.Messages
	doc[KeyContext] = s.Context
	doc[KeyNodeOutputs] = s.NodeOutputs
	doc[keyNodeOrder] = s.NodeOrder()
	if s.Identity.TenantID != "" {
		doc["tenant_id"] = s.Identity.TenantID
	}
	if s.Identity.RunID != "" {
		doc["run_id"] = s.Identity.RunID
	}
	if s.Identity.GrantID != "" {
		doc["grant_id"] = s.Identity.GrantID
	}
	if s.Identity.Principal != "" {
		doc["principal_id"] = s.Identity.Principal
	}
	if s.Identity.Initiator != "" {
		doc["initiator_id"] = s.Identity.Initiator
	}
	return doc
}

// StateFromMap rebuilds a state from a document produced by ToMap.
func StateFromMap(doc map[string]any) *ExecutionState {
	s := NewExecutionState(doc, ExecContext{})
	if order, ok := doc[keyNodeOrder].([]string); ok {
		s.reorder(order)
	} else if raw, ok := doc[keyNodeOrder].([]any); ok {
		order := make([]string, 0, len(raw))
		for _, v := range raw {
			order = append(order, stringValue(v))
		}
		s.reorder(order)
	}
	return s
}

// reorder imposes a serialized execution order over recorded outputs.
func (s *ExecutionState) reorder(order []string) {
	seen := make(map[string]bool, len(order))
	merged := make([]string, 0, len(s.nodeOrder))
	for _, id := range order {
		if _, ok := s.NodeOutputs[id]; ok && !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	for _, id := range s.nodeOrder {
		if !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	s.nodeOrder = merged
}

func coerceMessages(value any) []Message {
	switch v := value.(type) {
	case []Message:
		return v
	case Message:
		return []Message{v}
	case *Message:
		if v != nil {
			return []Message{*v}
		}
	case []any:
		msgs := make([]Message, 0, len(v))
		for _, item := range v {
			msgs = append(msgs, coerceMessages(item)...)
		}
		return msgs
	case map[string]any:
		// Re-decode through JSON so every field of the message, metadata
		// and timestamp included, survives a persistence round trip.
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		return []Message{msg}
	}
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
