package middleware

import (
	"context"
	"log/slog"

	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// Logging writes a structured record for every hook.
type Logging struct {
	Base
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger.With("component", "agent")}
}

func (*Logging) Name() string { return "logging" }

func (l *Logging) BeforeInvoke(ctx context.Context, mc *Context) error {
	attrs := []any{"thread_id", mc.ThreadID, "status", mc.Status}
	if mc.Request != nil {
		attrs = append(attrs, "user_id", mc.Request.UserID, "input_len", len(mc.Request.Input))
	}
	l.logger.InfoContext(ctx, "invoke started", attrs...)
	return nil
}

func (l *Logging) BeforeToolCall(ctx context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	l.logger.DebugContext(ctx, "tool call",
		"thread_id", mc.ThreadID, "iteration", mc.Iteration,
		"tool", call.Name, "call_id", call.ID, "args", string(call.Arguments))
	return Continue(), nil
}

func (l *Logging) AfterToolCall(ctx context.Context, mc *Context, call state.ToolCall, result state.ToolResult) error {
	if result.IsError {
		l.logger.WarnContext(ctx, "tool call failed",
			"thread_id", mc.ThreadID, "tool", call.Name, "call_id", call.ID, "error", result.Error)
		return nil
	}
	l.logger.InfoContext(ctx, "tool call finished", "thread_id", mc.ThreadID, "tool", call.Name, "call_id", call.ID)
	return nil
}

func (l *Logging) OnStateUpdate(ctx context.Context, mc *Context, old, updated *state.State) (*state.State, error) {
	l.logger.DebugContext(ctx, "state updated",
		"thread_id", mc.ThreadID, "from_version", old.Version(), "to_version", updated.Version(), "messages", updated.Len())
	return updated, nil
}

func (l *Logging) AfterInvoke(ctx context.Context, mc *Context, resp *run.Response) error {
	level := slog.LevelInfo
	if resp.Err != nil {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "invoke finished",
		"thread_id", resp.ThreadID,
		"status", resp.Status,
		"iterations", resp.Iterations,
		"tool_calls", len(resp.ToolCalls),
		"checkpoint_id", resp.CheckpointID,
		"duration", resp.Duration,
		"stop_reason", mc.StopReason)
	return nil
}
