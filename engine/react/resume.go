package react

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// resumePoint is a paused run restored from its checkpoint.
type resumePoint struct {
	ex        *execution
	interrupt interrupt.Interrupt
	call      state.ToolCall
	rest      []state.ToolCall
	iteration int
}

// Resume continues the run paused at checkpointID with an operator decision.
// A non-empty checkpointID overrides approval.CheckpointID.
func (s *Strategy) Resume(ctx context.Context, checkpointID string, approval interrupt.ApprovalRequest) (*run.Response, error) {
	if checkpointID != "" {
		approval.CheckpointID = checkpointID
	}
	return s.resumeApproval(ctx, "", approval)
}

// ResumeCommand continues a paused run with cmd.
func (s *Strategy) ResumeCommand(ctx context.Context, cmd interrupt.Command) (*run.Response, error) {
	switch c := cmd.(type) {
	case *interrupt.ApprovalCommand:
		return s.resumeApproval(ctx, c.InterruptID(), c.Request)
	case *interrupt.RateLimitWait:
		return s.resumeAfterWait(ctx, c)
	case nil:
		return nil, errs.Wrap(errs.CodeInvalid, "", fmt.Errorf("%w: nil command", errs.ErrInvalidRequest))
	default:
		return nil, errs.Wrap(errs.CodeInvalid, cmd.ThreadID(), fmt.Errorf("%w: unsupported command %T", errs.ErrInvalidRequest, cmd))
	}
}

func (s *Strategy) resumeApproval(ctx context.Context, interruptID string, approval interrupt.ApprovalRequest) (*run.Response, error) {
	tid := approval.ThreadID
	if err := approval.Validate(); err != nil {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err))
	}
	rp, err := s.restore(ctx, tid, approval.CheckpointID)
	if err != nil {
		return nil, err
	}
	if _, ok := rp.interrupt.(*interrupt.ToolApproval); !ok {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: checkpoint waits on %s", ErrCommandMismatch, interrupt.KindOf(rp.interrupt)))
	}
	if interruptID != "" && interruptID != rp.interrupt.ID() {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: interrupt %s", ErrCommandMismatch, interruptID))
	}
	if approval.ToolCall.ID != "" && approval.ToolCall.ID != rp.call.ID {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: call %s", ErrCommandMismatch, approval.ToolCall.ID))
	}

	ex := rp.ex
	s.logger.DebugContext(ctx, "resume", "thread_id", tid, "checkpoint_id", approval.CheckpointID,
		"decision", approval.Decision, "call_id", rp.call.ID)
	if err := s.chain.BeforeInvoke(ctx, ex.mc); err != nil {
		return ex.abort(ctx, run.StatusFailed, errs.CodeMiddleware, err)
	}
	if ex.halted(ctx) {
		return ex.finalize(ctx)
	}

	ex.mc.Status = run.StatusToolExec
	switch approval.Decision {
	case interrupt.Reject:
		reason := approval.RejectReason
		if reason == "" {
			reason = "rejected by operator"
		}
		ex.setState(ex.st.AddMessage(state.Failure(rp.call, reason).Message()))
	case interrupt.Edit:
		ex.runTool(ctx, rp.call.WithArguments(approval.ModifiedArgs))
	default:
		ex.runTool(ctx, rp.call)
	}

	iter := rp.iteration
	if len(rp.rest) == 0 {
		iter++
	}
	return ex.loop(ctx, iter, rp.rest)
}

// resumeAfterWait sleeps until the window reopens, then re-gates the pending
// call through the middleware chain.
func (s *Strategy) resumeAfterWait(ctx context.Context, c *interrupt.RateLimitWait) (*run.Response, error) {
	tid := c.ThreadID()
	rp, err := s.restore(ctx, tid, c.CheckpointID())
	if err != nil {
		return nil, err
	}
	if _, ok := rp.interrupt.(*interrupt.RateLimit); !ok {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: checkpoint waits on %s", ErrCommandMismatch, interrupt.KindOf(rp.interrupt)))
	}
	if c.InterruptID() != "" && c.InterruptID() != rp.interrupt.ID() {
		return nil, errs.Wrap(errs.CodeInvalid, tid, fmt.Errorf("%w: interrupt %s", ErrCommandMismatch, c.InterruptID()))
	}
	if err := sleepUntil(ctx, c.RetryAfter); err != nil {
		return nil, errs.Wrap(errs.CodeCancelled, tid, err)
	}

	ex := rp.ex
	if err := s.chain.BeforeInvoke(ctx, ex.mc); err != nil {
		return ex.abort(ctx, run.StatusFailed, errs.CodeMiddleware, err)
	}
	return ex.loop(ctx, rp.iteration, append([]state.ToolCall{rp.call}, rp.rest...))
}

// restore loads a paused checkpoint and strips its bookkeeping.
func (s *Strategy) restore(ctx context.Context, threadID, checkpointID string) (*resumePoint, error) {
	if s.checkpointer == nil {
		return nil, errs.Wrap(errs.CodeCheckpoint, threadID, errs.ErrNoCheckpointer)
	}
	if threadID == "" || checkpointID == "" {
		return nil, errs.Wrap(errs.CodeInvalid, threadID, fmt.Errorf("%w: thread and checkpoint id are required", errs.ErrInvalidRequest))
	}
	st, err := s.checkpointer.Load(ctx, threadID, checkpointID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCheckpoint, threadID, err)
	}

	raw, _ := st.Get(keyInterrupt)
	rec, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.Wrap(errs.CodeInvalid, threadID, ErrNothingToResume)
	}
	it, err := interrupt.Decode(rec)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCheckpoint, threadID, err)
	}
	callID := st.GetString(keyPendingCall)
	ai, _ := st.LastAI()
	if ai == nil {
		return nil, errs.Wrap(errs.CodeInvalid, threadID, ErrNothingToResume)
	}
	idx := slices.IndexFunc(ai.ToolCalls, func(c state.ToolCall) bool { return c.ID == callID })
	if idx < 0 {
		return nil, errs.Wrap(errs.CodeInvalid, threadID, fmt.Errorf("%w: call %q not in last model message", ErrNothingToResume, callID))
	}
	iter, _ := st.GetInt(keyIteration)
	maxIter, _ := st.GetInt(keyMaxIterations)

	req := &run.Request{
		ThreadID:      threadID,
		SystemPrompt:  st.GetString(keySystemPrompt),
		MaxIterations: maxIter,
	}
	clean := st
	for _, k := range []string{keyIteration, keyPendingCall, keyInterrupt, keyMaxIterations, keySystemPrompt} {
		if _, ok := clean.Get(k); ok {
			clean = clean.Remove(k)
		}
	}

	ex := s.newExecution(req, threadID, nil)
	ex.resumed = true
	ex.setState(clean)
	ex.mc.Status = run.StatusLoaded
	ex.mc.Iteration = iter
	return &resumePoint{
		ex:        ex,
		interrupt: it,
		call:      ai.ToolCalls[idx].Clone(),
		rest:      slices.Clone(ai.ToolCalls[idx+1:]),
		iteration: iter,
	}, nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
