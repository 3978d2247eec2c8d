package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/types"
)

// EventType identifies a run-scoped engine event.
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeEnd   EventType = "node_end"
	EventRunStatus EventType = "run_status"
)

// Event is a single observation of run progress.
type Event struct {
	Type      EventType       `json:"event_type"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	NodeName  string          `json:"node_name,omitempty"`
	NodeType  string          `json:"node_type,omitempty"`
	Status    types.RunStatus `json:"status,omitempty"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription is one observer's attachment to a run's event stream.
// Events carries the stream; Done is closed when the subscription ends,
// whether by Cancel or because the run terminated or suspended.
type Subscription struct {
	id     string
	runID  string
	hub    *Hub
	events chan Event
	done   chan struct{}
}

// Events returns the event channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends. Watch it to release any
// goroutine tied to the subscription's lifetime.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches the subscription and closes its channels. Safe to call
// more than once and after the hub closed the run.
func (s *Subscription) Cancel() {
	s.hub.remove(s.runID, s.id)
}

// Hub is the process-wide, run-keyed publish/subscribe channel for engine
// events. Delivery is best-effort and at-most-once: a full subscriber
// buffer drops the event rather than blocking the step loop, and a hub
// with no subscribers for a run is a no-op.
//
// Channel ownership is single-sided: subscription channels are closed
// only while holding the hub's write lock, and sends happen only under
// the read lock, so a publish can never race a close.
type Hub struct {
	mu     sync.RWMutex
	runs   map[string][]*Subscription
	buffer int
	logger *zap.Logger
}

// NewHub creates an event hub. Buffer is the per-subscriber channel depth;
// zero selects the default.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		runs:   make(map[string][]*Subscription),
		buffer: buffer,
		logger: logger.With(zap.String("component", "event_hub")),
	}
}

// Subscribe attaches an observer to a run's event stream.
func (h *Hub) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		runID:  runID,
		hub:    h,
		events: make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.runs[runID] = append(h.runs[runID], sub)
	h.mu.Unlock()
	return sub
}

// remove detaches one subscription and closes its channels. A no-op when
// the subscription was already removed.
func (h *Hub) remove(runID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.runs[runID]
	for i, s := range subs {
		if s.id == subID {
			h.runs[runID] = append(subs[:i], subs[i+1:]...)
			close(s.events)
			close(s.done)
			break
		}
	}
	if len(h.runs[runID]) == 0 {
		delete(h.runs, runID)
	}
}

// Publish delivers an event to every observer of the run, never blocking.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.runs[event.RunID] {
		select {
		case sub.events <- event:
		default:
			h.logger.Debug("dropping event for slow subscriber",
				zap.String("run_id", event.RunID),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}

// CloseRun ends every observer stream for a run. Called by the step loop
// when the run reaches a terminal state or suspends.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.runs[runID] {
		close(sub.events)
		close(sub.done)
	}
	delete(h.runs, runID)
}

// Emitter is a hub handle bound to one run.
type Emitter struct {
	hub   *Hub
	runID string
}

// ForRun binds an emitter to a run id.
func (h *Hub) ForRun(runID string) *Emitter {
	return &Emitter{hub: h, runID: runID}
}

// NodeStart emits a node_start event.
func (e *Emitter) NodeStart(nodeID, nodeName, nodeType string) {
	e.hub.Publish(Event{
		Type:     EventNodeStart,
		RunID:    e.runID,
		NodeID:   nodeID,
		NodeName: nodeName,
		NodeType: nodeType,
	})
}

// NodeEnd emits a node_end event with an optional output summary.
func (e *Emitter) NodeEnd(nodeID, nodeName, nodeType string, summary map[string]any) {
	e.hub.Publish(Event{
		Type:     EventNodeEnd,
		RunID:    e.runID,
		NodeID:   nodeID,
		NodeName: nodeName,
		NodeType: nodeType,
		Payload:  summary,
	})
}

// RunStatus emits a run_status event.
func (e *Emitter) RunStatus(status types.RunStatus, payload map[string]any) {
	e.hub.Publish(Event{
		Type:    EventRunStatus,
		RunID:   e.runID,
		Status:  status,
		Payload: payload,
	})
}
