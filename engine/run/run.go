// Package run holds the values that enter and leave one agent run.
package run

import (
	"time"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/state"
)

// Status is the machine-readable execution phase of a run.
type Status string

const (
	StatusInit               Status = "init"
	StatusLoaded             Status = "loaded"
	StatusModelCall          Status = "model_call"
	StatusToolExec           Status = "tool_exec"
	StatusFinalizing         Status = "finalizing"
	StatusDone               Status = "done"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusWaitingRateLimit   Status = "waiting_for_rate_limit"
	StatusStopped            Status = "stopped"
	StatusFailed             Status = "failed"
)

// Waiting reports whether s is a resumable pause.
func (s Status) Waiting() bool {
	return s == StatusWaitingForApproval || s == StatusWaitingRateLimit
}

// Request is the input of one invoke call.
type Request struct {
	ThreadID      string         `json:"thread_id,omitempty" yaml:"thread_id"`
	Input         string         `json:"input" yaml:"input" validate:"required"`
	SystemPrompt  string         `json:"system_prompt,omitempty" yaml:"system_prompt"`
	MaxIterations int            `json:"max_iterations,omitempty" yaml:"max_iterations" validate:"gte=0,lte=1000"`
	UserID        string         `json:"user_id,omitempty" yaml:"user_id"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Response is the outcome of an invoke or resume call. A response with a
// non-nil Interrupt is a successful pause, not a failure. CheckpointID is the
// checkpoint written by this call, if any; Usage sums the token usage of its
// model responses.
type Response struct {
	Output          string                     `json:"output"`
	Messages        []state.Message            `json:"-"`
	ToolCalls       []state.ToolCall           `json:"tool_calls,omitempty"`
	State           *state.State               `json:"-"`
	ThreadID        string                     `json:"thread_id,omitempty"`
	CheckpointID    string                     `json:"checkpoint_id,omitempty"`
	ApprovalRequest *interrupt.ApprovalRequest `json:"approval_request,omitempty"`
	Interrupt       interrupt.Interrupt        `json:"-"`
	Status          Status                     `json:"status"`
	Iterations      int                        `json:"iterations"`
	Usage           state.Usage                `json:"usage"`
	Duration        time.Duration              `json:"-"`
	StartTime       time.Time                  `json:"start_time"`
	EndTime         time.Time                  `json:"end_time"`
	Err             error                      `json:"-"`
}

// Waiting reports whether the run paused on an interrupt.
func (r *Response) Waiting() bool { return r.Interrupt != nil }

// DurationMs is the wall time of the call in milliseconds.
func (r *Response) DurationMs() int64 { return r.Duration.Milliseconds() }
