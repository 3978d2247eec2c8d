package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph and compile error codes
const (
	ErrSchema       ErrorCode = "SCHEMA_ERROR"
	ErrCompile      ErrorCode = "COMPILE_ERROR"
	ErrSpecVersion  ErrorCode = "UNSUPPORTED_SPEC_VERSION"
	ErrInvalidGraph ErrorCode = "INVALID_GRAPH"
)

// Run error codes
const (
	ErrNodeExecution     ErrorCode = "NODE_EXECUTION"
	ErrAuthorization     ErrorCode = "AUTHORIZATION"
	ErrEngineInvariant   ErrorCode = "ENGINE_INVARIANT"
	ErrRunNotFound       ErrorCode = "RUN_NOT_FOUND"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrExecutorNotFound  ErrorCode = "EXECUTOR_NOT_FOUND"
)

// Error represents a structured error with code, message, and run context.
type Error struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	RunID    string    `json:"run_id,omitempty"`
	NodeID   string    `json:"node_id,omitempty"`
	NodeType string    `json:"node_type,omitempty"`
	Cause    error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node=%s type=%s)", e.NodeID, e.NodeType)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRun sets the run identifier.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithNode sets the node identity the error originated from.
func (e *Error) WithNode(nodeID, nodeType string) *Error {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
