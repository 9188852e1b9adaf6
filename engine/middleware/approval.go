package middleware

import (
	"context"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
)

// Approval pauses the run before calls that need a human decision.
type Approval struct {
	Base
	tools map[string]bool
	preds []func(state.ToolCall) bool
}

// NewApproval requires approval for the named tools.
func NewApproval(tools ...string) *Approval {
	a := &Approval{tools: make(map[string]bool, len(tools))}
	for _, t := range tools {
		a.tools[t] = true
	}
	return a
}

// ApprovalFromRegistry requires approval for every registered tool whose
// permission is PermRequireApproval.
func ApprovalFromRegistry(r *tool.Registry) *Approval {
	return NewApproval().When(func(call state.ToolCall) bool {
		t, ok := r.Get(call.Name)
		if !ok {
			return false
		}
		p, ok := t.(tool.Permissioned)
		return ok && p.Permission() == tool.PermRequireApproval
	})
}

// When adds a predicate; a call matching any predicate needs approval.
func (a *Approval) When(pred func(state.ToolCall) bool) *Approval {
	a.preds = append(a.preds, pred)
	return a
}

func (*Approval) Name() string { return "approval" }

func (a *Approval) Requires(call state.ToolCall) bool {
	if a.tools[call.Name] {
		return true
	}
	for _, p := range a.preds {
		if p(call) {
			return true
		}
	}
	return false
}

func (a *Approval) BeforeToolCall(_ context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	if !a.Requires(call) {
		return Continue(), nil
	}
	return Pause(interrupt.NewToolApproval(mc.ThreadID, call)), nil
}
