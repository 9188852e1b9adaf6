// Package errs defines the error taxonomy surfaced by the agent runtime.
package errs

import (
	"errors"
	"fmt"
)

// Code is a machine-readable classification attached to AgentExecutionError.
type Code string

const (
	CodeModel      Code = "MODEL_ERROR"
	CodeTool       Code = "TOOL_ERROR"
	CodeCheckpoint Code = "CHECKPOINT_ERROR"
	CodeMiddleware Code = "MIDDLEWARE_ERROR"
	CodeCancelled  Code = "CANCELLED"
	CodeInvalid    Code = "INVALID_REQUEST"
)

var (
	// ErrNoCheckpointer is returned by operations that need durable state
	// when none is configured.
	ErrNoCheckpointer = errors.New("no checkpointer configured")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// ModelError reports a failed chat model call.
type ModelError struct {
	ModelID   string
	Iteration int
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %q (iteration %d): %v", e.ModelID, e.Iteration, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ToolExecutionError records a tool that panicked or failed in a way the tool
// itself did not describe. The loop converts it into an error ToolMessage.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Hook names a middleware extension point.
type Hook string

const (
	HookBeforeInvoke   Hook = "before_invoke"
	HookBeforeToolCall Hook = "before_tool_call"
	HookAfterToolCall  Hook = "after_tool_call"
	HookOnStateUpdate  Hook = "on_state_update"
	HookAfterInvoke    Hook = "after_invoke"
)

// Fatal reports whether a failure in this hook aborts the call. Only the
// gating before* hooks are fatal.
func (h Hook) Fatal() bool {
	return h == HookBeforeInvoke || h == HookBeforeToolCall
}

// MiddlewareError reports a middleware hook failure.
type MiddlewareError struct {
	Middleware string
	Hook       Hook
	Err        error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("middleware %q %s: %v", e.Middleware, e.Hook, e.Err)
}

func (e *MiddlewareError) Unwrap() error { return e.Err }

// Fatal reports whether the failure aborts the current call.
func (e *MiddlewareError) Fatal() bool { return e.Hook.Fatal() }

// AgentExecutionError is the wrapper every aborted invoke/resume returns.
type AgentExecutionError struct {
	Code     Code
	ThreadID string
	Err      error
}

func (e *AgentExecutionError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("agent execution [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agent execution [%s] thread %s: %v", e.Code, e.ThreadID, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// Wrap builds an AgentExecutionError, keeping an existing one untouched.
func Wrap(code Code, threadID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AgentExecutionError
	if errors.As(err, &ae) {
		return err
	}
	return &AgentExecutionError{Code: code, ThreadID: threadID, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not an
// AgentExecutionError.
func CodeOf(err error) Code {
	var ae *AgentExecutionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
