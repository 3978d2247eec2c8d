// Package stream bridges run event streams onto WebSocket connections so
// external observers can follow a run's progress live.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/engine"
)

// EventSource is the part of the execution service the bridge needs.
type EventSource interface {
	RunAndStream(ctx context.Context, runID string) (<-chan engine.Event, error)
}

// Bridge serves run event streams over WebSocket. The stream is finite:
// the connection closes normally once the run pauses or terminates.
type Bridge struct {
	source       EventSource
	logger       *zap.Logger
	writeTimeout time.Duration
}

// NewBridge creates a WebSocket event bridge.
func NewBridge(source EventSource, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		source:       source,
		logger:       logger.With(zap.String("component", "ws_bridge")),
		writeTimeout: 10 * time.Second,
	}
}

// ServeHTTP upgrades the request and streams events for the run named in
// the "run_id" query parameter.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter is required", http.StatusBadRequest)
		return
	}

	events, err := b.source.RunAndStream(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket accept failed",
			zap.String("run_id", runID), zap.Error(err))
		return
	}

	if err := b.forward(r.Context(), conn, events); err != nil {
		b.logger.Debug("event stream ended with error",
			zap.String("run_id", runID), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run stream ended")
}

// forward writes events to the connection until the stream closes or the
// context is cancelled. WebSocket writes are mutually exclusive on a
// connection, so a single forwarding loop is the only writer.
func (b *Bridge) forward(ctx context.Context, conn *websocket.Conn, events <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
