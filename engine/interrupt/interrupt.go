// Package interrupt defines why an agent run pauses and how it resumes.
//
// Interrupt and Command are closed sets: every variant lives in this
// package and callers switch over them exhaustively.
package interrupt

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-ai/reactor/engine/state"
)

// Interrupt is a reason execution must pause.
type Interrupt interface {
	ID() string
	ThreadID() string
	Timestamp() time.Time
	Description() string
	// Command builds the resume command for the checkpoint saved at pause time.
	Command(checkpointID string) Command
	isInterrupt()
}

type header struct {
	id        string
	threadID  string
	timestamp time.Time
}

func newHeader(threadID string) header {
	return header{id: uuid.NewString(), threadID: threadID, timestamp: time.Now().UTC()}
}

func (h header) ID() string           { return h.id }
func (h header) ThreadID() string     { return h.threadID }
func (h header) Timestamp() time.Time { return h.timestamp }

// ToolApproval pauses before a tool call until an operator decides on it.
type ToolApproval struct {
	header
	Call state.ToolCall
}

// NewToolApproval creates an approval interrupt for call.
func NewToolApproval(threadID string, call state.ToolCall) *ToolApproval {
	return &ToolApproval{header: newHeader(threadID), Call: call.Clone()}
}

func (t *ToolApproval) Description() string {
	return fmt.Sprintf("tool %q requires approval (call %s)", t.Call.Name, t.Call.ID)
}

func (t *ToolApproval) Command(checkpointID string) Command {
	return &ApprovalCommand{
		header: t.header,
		Request: ApprovalRequest{
			ToolCall:     t.Call.Clone(),
			ThreadID:     t.threadID,
			CheckpointID: checkpointID,
		},
	}
}

// RateLimit pauses until a rate limit window reopens.
type RateLimit struct {
	header
	RetryAfter time.Time
}

// NewRateLimit creates a rate limit interrupt that can resume at retryAfter.
func NewRateLimit(threadID string, retryAfter time.Time) *RateLimit {
	return &RateLimit{header: newHeader(threadID), RetryAfter: retryAfter.UTC()}
}

func (r *RateLimit) Description() string {
	return fmt.Sprintf("rate limited until %s", r.RetryAfter.Format(time.RFC3339Nano))
}

func (r *RateLimit) Command(checkpointID string) Command {
	return &RateLimitWait{header: r.header, checkpointID: checkpointID, RetryAfter: r.RetryAfter}
}

func (*ToolApproval) isInterrupt() {}
func (*RateLimit) isInterrupt()    {}
