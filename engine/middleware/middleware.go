// Package middleware provides the interceptors the agent loop calls at its
// five extension points, and the chain that dispatches them.
package middleware

import (
	"context"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// Middleware intercepts one agent run. Embed Base to implement only the
// hooks you need.
type Middleware interface {
	Name() string
	// BeforeInvoke runs once per invoke or resume call. An error aborts it.
	BeforeInvoke(ctx context.Context, mc *Context) error
	// BeforeToolCall gates each tool call. An error aborts the run.
	BeforeToolCall(ctx context.Context, mc *Context, call state.ToolCall) (Decision, error)
	AfterToolCall(ctx context.Context, mc *Context, call state.ToolCall, result state.ToolResult) error
	// OnStateUpdate may rewrite the state once per finalize.
	OnStateUpdate(ctx context.Context, mc *Context, old, updated *state.State) (*state.State, error)
	// AfterInvoke runs once per terminal return, interrupted ones included.
	AfterInvoke(ctx context.Context, mc *Context, resp *run.Response) error
}

// Base implements every hook as a no-op.
type Base struct{}

func (Base) BeforeInvoke(context.Context, *Context) error { return nil }

func (Base) BeforeToolCall(context.Context, *Context, state.ToolCall) (Decision, error) {
	return Continue(), nil
}

func (Base) AfterToolCall(context.Context, *Context, state.ToolCall, state.ToolResult) error {
	return nil
}

func (Base) OnStateUpdate(_ context.Context, _ *Context, _, updated *state.State) (*state.State, error) {
	return updated, nil
}

func (Base) AfterInvoke(context.Context, *Context, *run.Response) error { return nil }

// Action is what a BeforeToolCall decision asks the loop to do.
type Action int

const (
	// ActionContinue lets the call run.
	ActionContinue Action = iota
	// ActionSkip vetoes this call only.
	ActionSkip
	// ActionInterrupt pauses the run before this call.
	ActionInterrupt
	// ActionStop skips this and every remaining call and finalizes.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionSkip:
		return "skip"
	case ActionInterrupt:
		return "interrupt"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Decision is the result of a BeforeToolCall hook.
type Decision struct {
	Action    Action
	Reason    string
	Interrupt interrupt.Interrupt
}

func Continue() Decision { return Decision{Action: ActionContinue} }

func Skip(reason string) Decision { return Decision{Action: ActionSkip, Reason: reason} }

func Stop(reason string) Decision { return Decision{Action: ActionStop, Reason: reason} }

// Pause interrupts the run with it.
func Pause(it interrupt.Interrupt) Decision {
	return Decision{Action: ActionInterrupt, Interrupt: it, Reason: it.Description()}
}

// Context is the mutable record of one run shared by all middleware.
type Context struct {
	Request   *run.Request
	State     *state.State
	ThreadID  string
	Iteration int
	Status    run.Status
	// Pending is set when a BeforeToolCall hook pauses the run.
	Pending    interrupt.Interrupt
	Stopped    bool
	StopReason string
	// Values carries data between hooks of the same or cooperating middleware.
	Values map[string]any
}

// NewContext creates a context for req.
func NewContext(req *run.Request, threadID string) *Context {
	return &Context{Request: req, ThreadID: threadID, Status: run.StatusInit, Values: make(map[string]any)}
}

// Stop flags the run as stopped; remaining tool calls are skipped.
func (c *Context) Stop(reason string) {
	c.Stopped = true
	if c.StopReason == "" {
		c.StopReason = reason
	}
}

func (c *Context) Set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}
