package interrupt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
)

// Command tells the runtime how to resume a paused thread.
type Command interface {
	InterruptID() string
	ThreadID() string
	CheckpointID() string
	isCommand()
}

// Decision is an operator's verdict on a pending tool call.
type Decision string

const (
	Allow  Decision = "ALLOW"
	Reject Decision = "REJECT"
	Edit   Decision = "EDIT"
)

// ApprovalRequest is the operator-facing description of a paused tool call,
// and once decided, the payload used to resume it.
type ApprovalRequest struct {
	ToolCall     state.ToolCall  `json:"tool_call"`
	ThreadID     string          `json:"thread_id"`
	CheckpointID string          `json:"checkpoint_id"`
	Decision     Decision        `json:"decision,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

var (
	ErrNoDecision    = errors.New("approval request has no decision")
	ErrMissingEdit   = errors.New("EDIT decision requires modified arguments")
	ErrInvalidEdit   = errors.New("modified arguments are not valid JSON")
	ErrNoCheckpoint  = errors.New("approval request has no checkpoint id")
	ErrUnknownChoice = errors.New("unknown approval decision")
)

// Validate checks that the request can drive a resume.
func (r ApprovalRequest) Validate() error {
	if r.CheckpointID == "" {
		return ErrNoCheckpoint
	}
	switch r.Decision {
	case "":
		return ErrNoDecision
	case Allow, Reject:
		return nil
	case Edit:
		if len(r.ModifiedArgs) == 0 {
			return ErrMissingEdit
		}
		if !json.Valid(r.ModifiedArgs) {
			return ErrInvalidEdit
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChoice, r.Decision)
	}
}

// Allow returns a copy of the request approving the call as captured.
func (r ApprovalRequest) Allow() ApprovalRequest {
	r.Decision, r.RejectReason, r.ModifiedArgs = Allow, "", nil
	return r
}

// Reject returns a copy of the request refusing the call.
func (r ApprovalRequest) Reject(reason string) ApprovalRequest {
	r.Decision, r.RejectReason, r.ModifiedArgs = Reject, reason, nil
	return r
}

// Edit returns a copy of the request approving the call with args substituted.
func (r ApprovalRequest) Edit(args json.RawMessage) ApprovalRequest {
	r.Decision, r.RejectReason = Edit, ""
	r.ModifiedArgs = append(json.RawMessage(nil), args...)
	return r
}

// EffectiveCall is the call to execute for an Allow or Edit decision.
func (r ApprovalRequest) EffectiveCall() state.ToolCall {
	if r.Decision == Edit {
		return r.ToolCall.WithArguments(r.ModifiedArgs)
	}
	return r.ToolCall.Clone()
}

// ApprovalCommand resumes a ToolApproval interrupt.
type ApprovalCommand struct {
	header
	Request ApprovalRequest
}

// NewApprovalCommand builds a command from a decided request, e.g. one
// received over an API without the original interrupt at hand.
func NewApprovalCommand(interruptID string, req ApprovalRequest) *ApprovalCommand {
	return &ApprovalCommand{
		header:  header{id: interruptID, threadID: req.ThreadID, timestamp: time.Now().UTC()},
		Request: req,
	}
}

func (c *ApprovalCommand) InterruptID() string  { return c.id }
func (c *ApprovalCommand) ThreadID() string     { return c.Request.ThreadID }
func (c *ApprovalCommand) CheckpointID() string { return c.Request.CheckpointID }

// RateLimitWait resumes a RateLimit interrupt once RetryAfter has passed.
type RateLimitWait struct {
	header
	checkpointID string
	RetryAfter   time.Time
}

// NewRateLimitWait builds a wait command for a saved checkpoint.
func NewRateLimitWait(interruptID, threadID, checkpointID string, retryAfter time.Time) *RateLimitWait {
	return &RateLimitWait{
		header:       header{id: interruptID, threadID: threadID, timestamp: time.Now().UTC()},
		checkpointID: checkpointID,
		RetryAfter:   retryAfter,
	}
}

func (c *RateLimitWait) InterruptID() string  { return c.id }
func (c *RateLimitWait) CheckpointID() string { return c.checkpointID }

func (*ApprovalCommand) isCommand() {}
func (*RateLimitWait) isCommand()   {}
