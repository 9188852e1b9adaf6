package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/state"
)

// Policy decisions returned by the rego query.
const (
	PolicyAllow           = "allow"
	PolicyRequireApproval = "require_approval"
	PolicyBlock           = "block"
)

// DefaultPolicy allows everything except what it names.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "shell.exec"
}

decision = "require_approval" {
	input.tool_name == "payments.transfer"
	input.args.amount > 100
}
`

// Policy gates tool calls with an OPA rego module. The module must define
// data.tool_policy.decision as a string or as {"decision": ..., "reason": ...}.
type Policy struct {
	Base
	query rego.PreparedEvalQuery
}

// NewPolicy compiles module.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	return &Policy{query: query}, nil
}

func (*Policy) Name() string { return "policy" }

// Evaluate returns the decision and optional reason for call.
func (p *Policy) Evaluate(ctx context.Context, mc *Context, call state.ToolCall) (string, string, error) {
	var args any = map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", "", fmt.Errorf("decode arguments of %q: %w", call.Name, err)
		}
	}
	input := map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"args":      args,
		"thread_id": mc.ThreadID,
		"iteration": mc.Iteration,
	}
	if mc.Request != nil {
		input["user_id"] = mc.Request.UserID
		input["metadata"] = mc.Request.Metadata
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return PolicyAllow, "default", nil
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		d, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		return d, reason, nil
	default:
		return "", "", fmt.Errorf("policy returned %T, want string or object", v)
	}
}

func (p *Policy) BeforeToolCall(ctx context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	decision, reason, err := p.Evaluate(ctx, mc, call)
	if err != nil {
		return Decision{}, err
	}
	switch decision {
	case PolicyAllow:
		return Continue(), nil
	case PolicyRequireApproval:
		d := Pause(interrupt.NewToolApproval(mc.ThreadID, call))
		if reason != "" {
			d.Reason = reason
		}
		return d, nil
	case PolicyBlock:
		if reason == "" {
			reason = fmt.Sprintf("tool %q blocked by policy", call.Name)
		}
		return Skip(reason), nil
	default:
		return Decision{}, fmt.Errorf("unknown policy decision %q", decision)
	}
}
