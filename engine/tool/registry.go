package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/state"
)

// ErrUnknownTool is wrapped in the error text of calls naming no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to tools and executes calls against them.
// Invoke never returns a Go error; every failure becomes an error result.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout bounds every tool execution.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a new tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) RegisterAll(tools ...Tool) {
	for _, t := range tools {
		r.Register(t)
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Timeout returns the per-call execution bound, zero if unbounded.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Tools returns descriptors for every registered tool, sorted by name.
func (r *Registry) Tools() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, describe(t))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke executes call and converts every outcome into a ToolResult.
func (r *Registry) Invoke(ctx context.Context, call state.ToolCall) state.ToolResult {
	t, ok := r.Get(call.Name)
	if !ok {
		return state.Failure(call, fmt.Sprintf("%v: %q", ErrUnknownTool, call.Name))
	}
	if p, ok := t.(Permissioned); ok && p.Permission() == PermDeny {
		return state.Failure(call, fmt.Sprintf("tool %q is denied", call.Name))
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return state.Failure(call, fmt.Sprintf("tool %q: arguments are not valid JSON", call.Name))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.execute(ctx, t, call, args)
	if err != nil {
		return state.Failure(call, err.Error())
	}
	return state.Success(call, out)
}

func (r *Registry) execute(ctx context.Context, t Tool, call state.ToolCall, args json.RawMessage) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errs.ToolExecutionError{
				Tool:   call.Name,
				CallID: call.ID,
				Err:    fmt.Errorf("panic: %v", rec),
			}
			r.logger.Error("tool panicked",
				"tool", call.Name, "call_id", call.ID, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	out, err = t.Execute(ctx, args)
	if err == nil && ctx.Err() != nil {
		// a tool that ignores its context still loses to the deadline
		err = ctx.Err()
	}
	return out, err
}
