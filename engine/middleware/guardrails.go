package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chronos-ai/reactor/engine/state"
)

// ErrGuardrail is wrapped by input guardrail failures.
var ErrGuardrail = errors.New("guardrail rejected")

// GuardResult is the outcome of a guardrail check.
type GuardResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Guardrail validates content.
type Guardrail interface {
	Check(ctx context.Context, content string) GuardResult
}

// Position is where a guardrail applies.
type Position string

const (
	// Input checks the request input; a failure aborts the call.
	Input Position = "input"
	// ToolArgs checks tool arguments; a failure skips the call.
	ToolArgs Position = "tool_args"
)

// Rule binds a guardrail to a position.
type Rule struct {
	Name      string
	Position  Position
	Guardrail Guardrail
}

// Guardrails runs content checks on request input and tool arguments.
type Guardrails struct {
	Base
	rules []Rule
}

func NewGuardrails(rules ...Rule) *Guardrails { return &Guardrails{rules: rules} }

func (g *Guardrails) AddRule(r Rule) { g.rules = append(g.rules, r) }

func (*Guardrails) Name() string { return "guardrails" }

func (g *Guardrails) check(ctx context.Context, content string, pos Position) *GuardResult {
	for _, r := range g.rules {
		if r.Position != pos {
			continue
		}
		if res := r.Guardrail.Check(ctx, content); !res.Passed {
			return &GuardResult{Reason: fmt.Sprintf("[%s] %s: %s", r.Position, r.Name, res.Reason)}
		}
	}
	return nil
}

func (g *Guardrails) BeforeInvoke(ctx context.Context, mc *Context) error {
	if mc.Request == nil {
		return nil
	}
	if res := g.check(ctx, mc.Request.Input, Input); res != nil {
		return fmt.Errorf("%w: %s", ErrGuardrail, res.Reason)
	}
	return nil
}

func (g *Guardrails) BeforeToolCall(ctx context.Context, _ *Context, call state.ToolCall) (Decision, error) {
	if res := g.check(ctx, string(call.Arguments), ToolArgs); res != nil {
		return Skip(res.Reason), nil
	}
	return Continue(), nil
}

// Blocklist rejects content containing any blocked term, case-insensitively.
type Blocklist struct {
	Terms []string
}

func (g *Blocklist) Check(_ context.Context, content string) GuardResult {
	lower := strings.ToLower(content)
	for _, term := range g.Terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return GuardResult{Reason: fmt.Sprintf("blocked term: %q", term)}
		}
	}
	return GuardResult{Passed: true}
}

// MaxLength rejects content exceeding a character limit.
type MaxLength struct {
	MaxChars int
}

func (g *MaxLength) Check(_ context.Context, content string) GuardResult {
	if len(content) > g.MaxChars {
		return GuardResult{Reason: fmt.Sprintf("content exceeds %d characters", g.MaxChars)}
	}
	return GuardResult{Passed: true}
}
