package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/state"
)

// ErrNoPendingApproval is returned by the session decision helpers when the
// last turn did not pause for approval.
var ErrNoPendingApproval = errors.New("no pending approval")

// ChatSession is a multi-turn conversation bound to one thread. It remembers
// the last response so a paused turn can be approved, rejected or edited
// without the caller tracking checkpoint ids.
type ChatSession struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`

	agent *Agent
	mu    sync.Mutex
	last  *Response
}

// Session opens a session on threadID, or on a new thread when it is empty.
func (a *Agent) Session(threadID string) *ChatSession {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	return &ChatSession{ID: threadID, AgentID: a.ID, agent: a}
}

// Send runs one user turn.
func (cs *ChatSession) Send(ctx context.Context, input string) (*Response, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	resp, err := cs.agent.Invoke(ctx, &Request{ThreadID: cs.ID, Input: input})
	cs.record(resp)
	return resp, err
}

// Pending returns the approval the session is paused on, if any.
func (cs *ChatSession) Pending() *interrupt.ApprovalRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.last == nil || cs.last.ApprovalRequest == nil {
		return nil
	}
	req := *cs.last.ApprovalRequest
	return &req
}

func (cs *ChatSession) Approve(ctx context.Context) (*Response, error) {
	return cs.decide(ctx, interrupt.ApprovalRequest.Allow)
}

func (cs *ChatSession) Reject(ctx context.Context, reason string) (*Response, error) {
	return cs.decide(ctx, func(r interrupt.ApprovalRequest) interrupt.ApprovalRequest { return r.Reject(reason) })
}

// Edit runs the pending call with args in place of the model's arguments.
func (cs *ChatSession) Edit(ctx context.Context, args json.RawMessage) (*Response, error) {
	return cs.decide(ctx, func(r interrupt.ApprovalRequest) interrupt.ApprovalRequest { return r.Edit(args) })
}

func (cs *ChatSession) decide(ctx context.Context, fn func(interrupt.ApprovalRequest) interrupt.ApprovalRequest) (*Response, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.last == nil || cs.last.ApprovalRequest == nil {
		return nil, fmt.Errorf("session %s: %w", cs.ID, ErrNoPendingApproval)
	}
	resp, err := cs.agent.Resume(ctx, "", fn(*cs.last.ApprovalRequest))
	cs.record(resp)
	return resp, err
}

func (cs *ChatSession) record(resp *Response) {
	if resp != nil {
		cs.last = resp
	}
}

// Messages returns the conversation as last checkpointed.
func (cs *ChatSession) Messages(ctx context.Context) ([]state.Message, error) {
	st, err := cs.agent.State(ctx, cs.ID)
	if err != nil {
		return nil, err
	}
	return st.Messages(), nil
}
