package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/model/modeltest"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
)

// recorder logs every hook it sees and returns scripted results.
type recorder struct {
	Base
	name     string
	log      *[]string
	decision Decision
	err      error
	panics   bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) BeforeInvoke(context.Context, *Context) error {
	*r.log = append(*r.log, r.name+".before_invoke")
	if r.panics {
		panic("boom")
	}
	return r.err
}

func (r *recorder) BeforeToolCall(context.Context, *Context, state.ToolCall) (Decision, error) {
	*r.log = append(*r.log, r.name+".before_tool_call")
	if r.panics {
		panic("boom")
	}
	return r.decision, r.err
}

func (r *recorder) AfterToolCall(context.Context, *Context, state.ToolCall, state.ToolResult) error {
	*r.log = append(*r.log, r.name+".after_tool_call")
	if r.panics {
		panic("boom")
	}
	return r.err
}

func (r *recorder) OnStateUpdate(_ context.Context, _ *Context, _, updated *state.State) (*state.State, error) {
	*r.log = append(*r.log, r.name+".on_state_update")
	if r.err != nil {
		return nil, r.err
	}
	return updated.Put(r.name, true), nil
}

func (r *recorder) AfterInvoke(context.Context, *Context, *run.Response) error {
	*r.log = append(*r.log, r.name+".after_invoke")
	return r.err
}

func call(name, args string) state.ToolCall {
	return state.ToolCall{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}
}

func newMC() *Context {
	return NewContext(&run.Request{Input: "hi", UserID: "u1"}, "t1")
}

func TestChainBeforeToolCallShortCircuits(t *testing.T) {
	var log []string
	a := &recorder{name: "a", log: &log, decision: Continue()}
	b := &recorder{name: "b", log: &log, decision: Skip("no")}
	c := &recorder{name: "c", log: &log, decision: Continue()}
	chain := NewChain(nil, a, b, c)

	d, err := chain.BeforeToolCall(context.Background(), newMC(), call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "no", d.Reason)
	assert.Equal(t, []string{"a.before_tool_call", "b.before_tool_call"}, log)
}

func TestChainBeforeToolCallRecordsPauseAndStop(t *testing.T) {
	var log []string
	mc := newMC()
	chain := NewChain(nil, &recorder{name: "p", log: &log, decision: Decision{Action: ActionInterrupt}})
	d, err := chain.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)
	require.NotNil(t, d.Interrupt, "missing interrupt defaults to tool approval")
	_, ok := d.Interrupt.(*interrupt.ToolApproval)
	assert.True(t, ok)
	assert.Same(t, d.Interrupt, mc.Pending)

	mc = newMC()
	chain = NewChain(nil, &recorder{name: "s", log: &log, decision: Stop("enough")})
	_, err = chain.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)
	assert.True(t, mc.Stopped)
	assert.Equal(t, "enough", mc.StopReason)
}

func TestChainBeforeHooksAreFatal(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	chain := NewChain(nil,
		&recorder{name: "a", log: &log, err: boom},
		&recorder{name: "b", log: &log},
	)
	err := chain.BeforeInvoke(context.Background(), newMC())
	var me *errs.MiddlewareError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "a", me.Middleware)
	assert.Equal(t, errs.HookBeforeInvoke, me.Hook)
	assert.True(t, me.Fatal())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a.before_invoke"}, log)
}

func TestChainAfterHooksOnlyLog(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	a := &recorder{name: "a", log: &log, err: boom}
	b := &recorder{name: "b", log: &log}
	chain := NewChain(nil, a, b)
	mc := newMC()

	chain.AfterToolCall(context.Background(), mc, call("x", `{}`), state.Success(call("x", `{}`), "ok"))
	st := chain.OnStateUpdate(context.Background(), mc, state.New(), state.New())
	chain.AfterInvoke(context.Background(), mc, &run.Response{})

	assert.Equal(t, []string{
		"a.after_tool_call", "b.after_tool_call",
		"a.on_state_update", "b.on_state_update",
		"a.after_invoke", "b.after_invoke",
	}, log)
	_, aSet := st.Get("a")
	_, bSet := st.Get("b")
	assert.False(t, aSet, "failing middleware leaves state unchanged")
	assert.True(t, bSet)
	assert.Same(t, st, mc.State)
}

func TestChainRecoversPanics(t *testing.T) {
	var log []string
	chain := NewChain(nil, &recorder{name: "p", log: &log, panics: true})

	_, err := chain.BeforeToolCall(context.Background(), newMC(), call("x", `{}`))
	var me *errs.MiddlewareError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, errs.HookBeforeToolCall, me.Hook)
	assert.Contains(t, me.Error(), "panic: boom")

	assert.NotPanics(t, func() {
		chain.AfterToolCall(context.Background(), newMC(), call("x", `{}`), state.ToolResult{})
	})
}

func TestApproval(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&tool.Func{ToolName: "delete_file", Perm: tool.PermRequireApproval})
	reg.Register(&tool.Func{ToolName: "read_file"})

	a := ApprovalFromRegistry(reg)
	mc := newMC()
	d, err := a.BeforeToolCall(context.Background(), mc, call("delete_file", `{"path":"/tmp/x"}`))
	require.NoError(t, err)
	require.Equal(t, ActionInterrupt, d.Action)
	ta, ok := d.Interrupt.(*interrupt.ToolApproval)
	require.True(t, ok)
	assert.Equal(t, "delete_file", ta.Call.Name)
	assert.Equal(t, "t1", ta.ThreadID())

	d, err = a.BeforeToolCall(context.Background(), mc, call("read_file", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)

	named := NewApproval("send_email")
	assert.True(t, named.Requires(call("send_email", `{}`)))
	assert.False(t, named.Requires(call("read_file", `{}`)))
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	p, err := NewPolicy(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name string
		call state.ToolCall
		want Action
	}{
		{"allowed by default", call("get_weather", `{"city":"Beijing"}`), ActionContinue},
		{"blocked", call("shell.exec", `{"cmd":"rm -rf /"}`), ActionSkip},
		{"small transfer", call("payments.transfer", `{"amount":50}`), ActionContinue},
		{"large transfer", call("payments.transfer", `{"amount":500}`), ActionInterrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := p.BeforeToolCall(ctx, newMC(), tt.call)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Action)
		})
	}
}

func TestPolicyObjectDecisionAndErrors(t *testing.T) {
	ctx := context.Background()
	p, err := NewPolicy(ctx, `
package tool_policy

decision = {"decision": "block", "reason": "read only"} {
	input.user_id == "u1"
}
`)
	require.NoError(t, err)
	d, err := p.BeforeToolCall(ctx, newMC(), call("write", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "read only", d.Reason)

	other := NewContext(&run.Request{Input: "hi", UserID: "u2"}, "t1")
	d, err = p.BeforeToolCall(ctx, other, call("write", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action, "undefined decision defaults to allow")

	_, err = p.BeforeToolCall(ctx, newMC(), call("write", `{not json`))
	assert.Error(t, err)

	_, err = NewPolicy(ctx, "package broken\n decision = {")
	assert.Error(t, err)
}

func TestRateLimitPausesWithRetryAfter(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRateLimit(60, 1)
	r.now = func() time.Time { return base }
	mc := newMC()

	d, err := r.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)

	d, err = r.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)
	require.Equal(t, ActionInterrupt, d.Action)
	rl, ok := d.Interrupt.(*interrupt.RateLimit)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), rl.RetryAfter)

	// a different thread has its own bucket
	d, err = r.BeforeToolCall(context.Background(), NewContext(nil, "t2"), call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)

	r.now = func() time.Time { return base.Add(time.Second) }
	d, err = r.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)
}

func TestRateLimitBlockingHonoursContext(t *testing.T) {
	r := NewRateLimit(1, 1).Blocking()
	mc := newMC()
	_, err := r.BeforeToolCall(context.Background(), mc, call("x", `{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.BeforeToolCall(ctx, mc, call("x", `{}`))
	assert.Error(t, err)
}

func TestSummarization(t *testing.T) {
	m := modeltest.New(modeltest.Reply("user asked about weather twice"))
	s := NewSummarization(m, model.SummarizationConfig{PreserveRecentTurns: 1}, 40, nil)

	st := state.New().AddMessages(
		state.Human("What is the weather like in Beijing today? Please be detailed."),
		state.AI("It is sunny and twenty five degrees in Beijing with light wind."),
		state.Human("And tomorrow?"),
		state.AI("Cloudy."),
	)
	out, err := s.OnStateUpdate(context.Background(), newMC(), st, st)
	require.NoError(t, err)

	msgs := out.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.SummaryPrefix+"user asked about weather twice", msgs[0].Text())
	assert.Equal(t, "And tomorrow?", msgs[1].Text())
	assert.Equal(t, 1, m.CallCount())

	small := state.New().AddMessage(state.Human("hi"))
	out, err = s.OnStateUpdate(context.Background(), newMC(), small, small)
	require.NoError(t, err)
	assert.Same(t, small, out)
}

func TestSplitSummary(t *testing.T) {
	prior, rest := splitSummary([]state.Message{state.System(model.SummaryPrefix + "old"), state.Human("hi")})
	assert.Equal(t, "old", prior)
	assert.Len(t, rest, 1)

	prior, rest = splitSummary([]state.Message{state.System("be nice"), state.Human("hi")})
	assert.Empty(t, prior)
	assert.Len(t, rest, 2)
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tr := NewTracing(tp)
	ctx := context.Background()
	mc := newMC()

	require.NoError(t, tr.BeforeInvoke(ctx, mc))
	ran := call("get_weather", `{}`)
	gated := call("delete_file", `{}`)
	_, err := tr.BeforeToolCall(ctx, mc, ran)
	require.NoError(t, err)
	require.NoError(t, tr.AfterToolCall(ctx, mc, ran, state.Failure(ran, "offline")))
	_, err = tr.BeforeToolCall(ctx, mc, gated)
	require.NoError(t, err)
	require.NoError(t, tr.AfterInvoke(ctx, mc, &run.Response{ThreadID: "t1", Status: run.StatusDone}))

	spans := sr.Ended()
	require.Len(t, spans, 3)
	byName := map[string]int{}
	for _, s := range spans {
		byName[s.Name()]++
	}
	assert.Equal(t, 2, byName["agent.tool"])
	assert.Equal(t, 1, byName["agent.invoke"])

	invoke := spans[2]
	assert.Equal(t, "agent.invoke", invoke.Name())
	for _, s := range spans[:2] {
		assert.Equal(t, invoke.SpanContext().SpanID(), s.Parent().SpanID())
	}
	assert.Empty(t, mc.Values)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	mc := newMC()
	c := call("x", `{}`)

	_, _ = m.BeforeToolCall(ctx, mc, c)
	require.NoError(t, m.AfterToolCall(ctx, mc, c, state.Failure(c, "bad")))
	require.NoError(t, m.AfterInvoke(ctx, mc, &run.Response{
		ThreadID:   "t1",
		Status:     run.StatusWaitingForApproval,
		Iterations: 2,
		Interrupt:  interrupt.NewToolApproval("t1", c),
		Usage:      state.Usage{PromptTokens: 10, CompletionTokens: 5},
	}))

	s := m.Summary()
	assert.Equal(t, 1, s.TotalInvokes)
	assert.Equal(t, 2, s.TotalModelCalls)
	assert.Equal(t, 1, s.TotalToolCalls)
	assert.Equal(t, 1, s.TotalInterrupts)
	assert.Equal(t, 1, s.TotalErrors)
	assert.Equal(t, 10, s.TotalPromptTokens)
	assert.Len(t, m.Calls(), 2)

	m.Reset()
	assert.Empty(t, m.Calls())
}

func TestGuardrails(t *testing.T) {
	g := NewGuardrails(Rule{Name: "secrets", Position: Input, Guardrail: &Blocklist{Terms: []string{"password"}}})
	g.AddRule(Rule{Name: "size", Position: ToolArgs, Guardrail: &MaxLength{MaxChars: 10}})
	ctx := context.Background()

	err := g.BeforeInvoke(ctx, NewContext(&run.Request{Input: "my PASSWORD is hunter2"}, "t1"))
	assert.ErrorIs(t, err, ErrGuardrail)
	require.NoError(t, g.BeforeInvoke(ctx, newMC()))

	d, err := g.BeforeToolCall(ctx, newMC(), call("x", `{"a":"0123456789"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Contains(t, d.Reason, "size")

	d, err = g.BeforeToolCall(ctx, newMC(), call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)
}

func TestBudget(t *testing.T) {
	b := NewBudget("priced", 0.01, map[string]ModelPrice{
		"priced": {PromptPerToken: 0.0001, CompletionPerToken: 0.0002},
	})
	b.ThreadLimit = 0.004
	ctx := context.Background()
	mc := newMC()
	mc.State = state.New().AddMessage(state.Human("hi"))
	require.NoError(t, b.BeforeInvoke(ctx, mc))

	// usage produced inside the run stops it at the next tool call
	ai := state.AI("", call("x", `{}`))
	ai.Usage = &state.Usage{PromptTokens: 20, CompletionTokens: 10}
	mc.State = mc.State.AddMessage(ai)
	d, err := b.BeforeToolCall(ctx, mc, call("x", `{}`))
	require.NoError(t, err)
	assert.Equal(t, ActionStop, d.Action)
	assert.Contains(t, d.Reason, "thread cost budget exceeded")

	require.NoError(t, b.AfterInvoke(ctx, mc, &run.Response{ThreadID: "t1", Usage: *ai.Usage}))
	assert.InDelta(t, 0.004, b.Thread("t1").TotalCost, 1e-9)
	assert.Equal(t, 30, b.Global().TotalTokens)

	assert.Error(t, b.BeforeInvoke(ctx, mc), "thread t1 is over its limit")
	other := NewContext(&run.Request{Input: "hi"}, "t2")
	assert.NoError(t, b.BeforeInvoke(ctx, other))

	require.NoError(t, b.AfterInvoke(ctx, other, &run.Response{ThreadID: "t2", Usage: state.Usage{PromptTokens: 100}}))
	assert.ErrorContains(t, b.BeforeInvoke(ctx, other), "cost budget exceeded")
}
