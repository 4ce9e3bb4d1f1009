// Package toolsdk defines the contract a tool plugin implements and the
// Dispatcher invokes. Concrete tools (SCADA, workflow, task, command-exec,
// messaging integrations, ...) are out of scope for this module; only the
// interface and its adapter implementations live here.
package toolsdk

import "context"

// ExecContext is the thin execution context passed to an executor,
// carrying identity and tracing but nothing about how the request
// arrived; cancellation travels on Execute's ctx argument.
type ExecContext struct {
	UserID        string
	SessionID     string
	ConversationID string
	TraceID       string
	Timeout       int // seconds; 0 means use the executor's own default
}

// Health reports the outcome of a tool's health_check operation.
type Health struct {
	Healthy   bool
	Component string
	Message   string
}

// ExecResult is the native return shape a tool produces. The Dispatcher
// normalizes this (or an equivalent interface satisfied by a tool's own
// type) into a models.Result.
type ExecResult struct {
	Success bool
	Data    any
	Error   string
}

// NativeResulter is satisfied by any tool-defined type exposing
// success/data/error accessors, letting the Dispatcher accept executor
// return values that are not literally an ExecResult.
type NativeResulter interface {
	IsSuccess() bool
	ResultData() any
	ResultError() string
}

// Executor is the polymorphic interface every concrete tool adapter
// (in-process, HTTP, JSON-RPC-over-stdio, WebSocket-streaming)
// satisfies uniformly. The Dispatcher treats all variants the same way;
// adapter-specific concerns (retries, auth header injection, token
// refresh) are owned by each adapter's Execute implementation.
type Executor interface {
	Execute(ctx context.Context, capability string, input map[string]any, execCtx ExecContext) (any, error)
	HealthCheck(ctx context.Context) (Health, error)
	ValidateInput(ctx context.Context, capability string, input map[string]any) []string
	GetCapabilities(ctx context.Context) ([]string, error)
}
