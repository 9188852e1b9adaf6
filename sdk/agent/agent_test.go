package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/middleware"
	"github.com/chronos-ai/reactor/engine/model/modeltest"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
	"github.com/chronos-ai/reactor/storage/adapters/memory"
)

func lastHuman(messages []state.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if h, ok := messages[i].(*state.HumanMessage); ok {
			return h.Text()
		}
	}
	return ""
}

// echoModel answers every call with the last human message and records how
// many calls were in flight at once.
type echoModel struct {
	*modeltest.Scripted
	inflight atomic.Int32
	peak     atomic.Int32
	hold     func()
}

func newEchoModel(hold func()) *echoModel {
	e := &echoModel{Scripted: modeltest.New(), hold: hold}
	e.Respond = func(_ int, messages []state.Message) (*state.AIMessage, error) {
		n := e.inflight.Add(1)
		defer e.inflight.Add(-1)
		for {
			p := e.peak.Load()
			if n <= p || e.peak.CompareAndSwap(p, n) {
				break
			}
		}
		if e.hold != nil {
			e.hold()
		}
		return state.AI("echo: " + lastHuman(messages)), nil
	}
	return e
}

type userProbe struct {
	middleware.Base
	seen *string
}

func (*userProbe) Name() string { return "user_probe" }

func (p *userProbe) BeforeInvoke(_ context.Context, mc *middleware.Context) error {
	*p.seen = mc.Request.UserID
	return nil
}

func deleteTool() tool.Tool {
	return &tool.Func{
		ToolName: "delete_file",
		Perm:     tool.PermRequireApproval,
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return "deleted", nil
		},
	}
}

func TestBuildRequiresModel(t *testing.T) {
	_, err := New("a", "A").Build()
	require.Error(t, err)
}

func TestBuildWiresPromptAndApproval(t *testing.T) {
	m := modeltest.New(
		modeltest.Reply("", state.ToolCall{ID: "c1", Name: "delete_file", Arguments: json.RawMessage(`{}`)}),
		modeltest.Reply("gone"),
	)
	a, err := New("ops", "Ops").
		WithModel(m).
		WithCheckpointer(memory.New()).
		WithSystemPrompt("You are careful.").
		AddInstruction("Confirm destructive actions.").
		AddTool(deleteTool()).
		Build()
	require.NoError(t, err)

	resp, err := a.Invoke(context.Background(), &Request{ThreadID: "t1", Input: "clean up"})
	require.NoError(t, err)
	require.True(t, resp.Waiting(), "require_approval tools are gated without extra wiring")
	assert.Equal(t, "You are careful.\n\nConfirm destructive actions.", m.Calls()[0].Messages[0].Text())

	final, err := a.Resume(context.Background(), "", resp.ApprovalRequest.Allow())
	require.NoError(t, err)
	assert.Equal(t, "gone", final.Output)
}

func TestInvokeValidatesRequest(t *testing.T) {
	a, err := New("a", "A").WithModel(modeltest.New()).Build()
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"empty input", &Request{}},
		{"iteration bound out of range", &Request{Input: "hi", MaxIterations: 5000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Invoke(context.Background(), tt.req)
			assert.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
			assert.ErrorIs(t, err, errs.ErrInvalidRequest)
		})
	}
}

func TestInvokeAppliesAgentUserID(t *testing.T) {
	var seen string
	a, err := New("a", "A").
		WithModel(modeltest.New(modeltest.Reply("hi"))).
		WithUserID("alice").
		AddMiddleware(&userProbe{seen: &seen}).
		Build()
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), &Request{Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "alice", seen)
}

func TestBatchKeepsOrderAndBoundsConcurrency(t *testing.T) {
	m := newEchoModel(func() { time.Sleep(10 * time.Millisecond) })
	a, err := New("a", "A").WithModel(m).WithMaxConcurrency(2).Build()
	require.NoError(t, err)

	reqs := []*Request{
		{Input: "one"}, {Input: "two"}, {Input: ""}, {Input: "four"}, {Input: "five"}, {Input: "six"},
	}
	out, err := a.Batch(context.Background(), reqs)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
	require.Len(t, out, len(reqs))

	for i, want := range []string{"echo: one", "echo: two", "", "echo: four", "echo: five", "echo: six"} {
		require.NotNil(t, out[i])
		assert.Equal(t, want, out[i].Output, "response %d", i)
	}
	assert.Equal(t, run.StatusFailed, out[2].Status)
	assert.Error(t, out[2].Err)
	assert.LessOrEqual(t, m.peak.Load(), int32(2))
}

func TestSameThreadIsSerialized(t *testing.T) {
	m := newEchoModel(func() { time.Sleep(5 * time.Millisecond) })
	a, err := New("a", "A").WithModel(m).WithCheckpointer(memory.New()).Build()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Invoke(context.Background(), &Request{ThreadID: "t1", Input: "ping"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), m.peak.Load())
	st, err := a.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 8, st.Len(), "no turn was lost to a concurrent writer")
	assert.Empty(t, a.locks.locks, "idle thread locks are released")
}

func TestDifferentThreadsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	m := newEchoModel(func() { <-release })
	a, err := New("a", "A").WithModel(m).WithCheckpointer(memory.New()).Build()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tid := range []string{"t1", "t2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Invoke(context.Background(), &Request{ThreadID: tid, Input: tid})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return m.inflight.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestHistoryStateAndFork(t *testing.T) {
	ctx := context.Background()
	a, err := New("a", "A").WithModel(newEchoModel(nil)).WithCheckpointer(memory.New()).Build()
	require.NoError(t, err)

	_, err = a.Invoke(ctx, &Request{ThreadID: "t1", Input: "first"})
	require.NoError(t, err)
	_, err = a.Invoke(ctx, &Request{ThreadID: "t1", Input: "second"})
	require.NoError(t, err)

	history, err := a.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Greater(t, history[0].Sequence, history[1].Sequence, "newest first")

	early, err := a.StateAt(ctx, "t1", history[1].CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 2, early.Len())

	forked, cpID, err := a.Fork(ctx, "t1", history[1].CheckpointID)
	require.NoError(t, err)
	assert.NotEqual(t, "t1", forked)
	forkHistory, err := a.History(ctx, forked)
	require.NoError(t, err)
	require.Len(t, forkHistory, 1)
	assert.Equal(t, cpID, forkHistory[0].CheckpointID)
	assert.Equal(t, "fork:t1", forkHistory[0].Tag)

	resp, err := a.Invoke(ctx, &Request{ThreadID: forked, Input: "branch"})
	require.NoError(t, err)
	assert.Equal(t, "echo: branch", resp.Output)
	assert.Len(t, resp.Messages, 4)

	src, err := a.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, src.Len(), "forking leaves the source thread alone")
}

func TestHistoryWithoutCheckpointer(t *testing.T) {
	a, err := New("a", "A").WithModel(modeltest.New()).Build()
	require.NoError(t, err)

	_, err = a.History(context.Background(), "t1")
	assert.ErrorIs(t, err, errs.ErrNoCheckpointer)
	assert.NoError(t, a.Close())
}

func TestChat(t *testing.T) {
	ctx := context.Background()
	m := modeltest.New(
		modeltest.Reply("hello there"),
		modeltest.Reply("", state.ToolCall{ID: "c1", Name: "delete_file"}),
	)
	a, err := New("a", "A").WithModel(m).WithCheckpointer(memory.New()).AddTool(deleteTool()).Build()
	require.NoError(t, err)

	out, err := a.Chat(ctx, "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	_, err = a.Chat(ctx, "t1", "delete everything")
	assert.ErrorContains(t, err, "delete_file")
}

func TestSessionApprovalFlow(t *testing.T) {
	ctx := context.Background()
	m := modeltest.New(
		modeltest.Reply("", state.ToolCall{ID: "c1", Name: "delete_file", Arguments: json.RawMessage(`{"path":"/tmp"}`)}),
		modeltest.Reply("cleaned"),
	)
	a, err := New("a", "A").WithModel(m).WithCheckpointer(memory.New()).AddTool(deleteTool()).Build()
	require.NoError(t, err)

	s := a.Session("")
	assert.NotEmpty(t, s.ID)
	assert.Nil(t, s.Pending())
	_, err = s.Approve(ctx)
	assert.ErrorIs(t, err, ErrNoPendingApproval)

	resp, err := s.Send(ctx, "clean /tmp")
	require.NoError(t, err)
	require.True(t, resp.Waiting())
	pending := s.Pending()
	require.NotNil(t, pending)
	assert.Equal(t, "c1", pending.ToolCall.ID)

	final, err := s.Approve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cleaned", final.Output)
	assert.Nil(t, s.Pending())

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}
