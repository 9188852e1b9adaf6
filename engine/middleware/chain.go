package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// Chain runs middleware in registration order. before* hooks stop at the
// first non-continue decision and their errors are fatal; after* hooks and
// OnStateUpdate run every middleware and only log failures.
type Chain struct {
	mws    []Middleware
	logger *slog.Logger
}

// NewChain creates a chain. A nil logger discards.
func NewChain(logger *slog.Logger, mws ...Middleware) *Chain {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chain{mws: append([]Middleware(nil), mws...), logger: logger}
}

// Use appends middleware.
func (c *Chain) Use(mws ...Middleware) { c.mws = append(c.mws, mws...) }

// Len reports how many middleware are registered.
func (c *Chain) Len() int { return len(c.mws) }

// guard converts a panicking hook into an error.
func guard(mw Middleware, hook errs.Hook, err *error) {
	if rec := recover(); rec != nil {
		*err = &errs.MiddlewareError{Middleware: mw.Name(), Hook: hook, Err: fmt.Errorf("panic: %v", rec)}
	}
}

func wrap(mw Middleware, hook errs.Hook, err error) error {
	if err == nil {
		return nil
	}
	return &errs.MiddlewareError{Middleware: mw.Name(), Hook: hook, Err: err}
}

func (c *Chain) warn(ctx context.Context, mc *Context, err error) {
	c.logger.WarnContext(ctx, "middleware failed", "thread_id", mc.ThreadID, "iteration", mc.Iteration, "error", err)
}

// BeforeInvoke runs every hook in order and stops at the first error.
func (c *Chain) BeforeInvoke(ctx context.Context, mc *Context) error {
	for _, mw := range c.mws {
		if err := c.beforeInvoke(ctx, mw, mc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) beforeInvoke(ctx context.Context, mw Middleware, mc *Context) (err error) {
	defer guard(mw, errs.HookBeforeInvoke, &err)
	return wrap(mw, errs.HookBeforeInvoke, mw.BeforeInvoke(ctx, mc))
}

// BeforeToolCall returns the first non-continue decision. An interrupt
// decision is recorded in mc.Pending and a stop decision flags mc.Stopped.
func (c *Chain) BeforeToolCall(ctx context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	for _, mw := range c.mws {
		d, err := c.beforeToolCall(ctx, mw, mc, call)
		if err != nil {
			return Decision{}, err
		}
		switch d.Action {
		case ActionContinue:
			continue
		case ActionInterrupt:
			if d.Interrupt == nil {
				d.Interrupt = interrupt.NewToolApproval(mc.ThreadID, call)
			}
			mc.Pending = d.Interrupt
		case ActionStop:
			mc.Stop(d.Reason)
		}
		c.logger.DebugContext(ctx, "tool call gated",
			"middleware", mw.Name(), "tool", call.Name, "action", d.Action.String(), "reason", d.Reason)
		return d, nil
	}
	return Continue(), nil
}

func (c *Chain) beforeToolCall(ctx context.Context, mw Middleware, mc *Context, call state.ToolCall) (d Decision, err error) {
	defer guard(mw, errs.HookBeforeToolCall, &err)
	d, err = mw.BeforeToolCall(ctx, mc, call)
	return d, wrap(mw, errs.HookBeforeToolCall, err)
}

// AfterToolCall notifies every middleware. Failures are logged, not returned.
func (c *Chain) AfterToolCall(ctx context.Context, mc *Context, call state.ToolCall, result state.ToolResult) {
	for _, mw := range c.mws {
		func() {
			var err error
			defer func() {
				if err != nil {
					c.warn(ctx, mc, err)
				}
			}()
			defer guard(mw, errs.HookAfterToolCall, &err)
			err = wrap(mw, errs.HookAfterToolCall, mw.AfterToolCall(ctx, mc, call, result))
		}()
	}
}

// OnStateUpdate threads the state through every middleware. A failing
// middleware leaves the state it was handed unchanged.
func (c *Chain) OnStateUpdate(ctx context.Context, mc *Context, old, updated *state.State) *state.State {
	cur := updated
	for _, mw := range c.mws {
		func() {
			var err error
			defer func() {
				if err != nil {
					c.warn(ctx, mc, err)
				}
			}()
			defer guard(mw, errs.HookOnStateUpdate, &err)
			next, herr := mw.OnStateUpdate(ctx, mc, old, cur)
			if herr != nil {
				err = wrap(mw, errs.HookOnStateUpdate, herr)
				return
			}
			if next != nil {
				cur = next
			}
		}()
	}
	mc.State = cur
	return cur
}

// AfterInvoke notifies every middleware of the final response. Failures are
// logged, not returned.
func (c *Chain) AfterInvoke(ctx context.Context, mc *Context, resp *run.Response) {
	for _, mw := range c.mws {
		func() {
			var err error
			defer func() {
				if err != nil {
					c.warn(ctx, mc, err)
				}
			}()
			defer guard(mw, errs.HookAfterInvoke, &err)
			err = wrap(mw, errs.HookAfterInvoke, mw.AfterInvoke(ctx, mc, resp))
		}()
	}
}
