package interrupt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/reactor/engine/state"
)

var weatherCall = state.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Beijing"}`)}

func TestToolApprovalCommand(t *testing.T) {
	it := NewToolApproval("t1", weatherCall)
	assert.NotEmpty(t, it.ID())
	assert.Contains(t, it.Description(), "get_weather")

	cmd, ok := it.Command("cp-1").(*ApprovalCommand)
	require.True(t, ok)
	assert.Equal(t, it.ID(), cmd.InterruptID())
	assert.Equal(t, "t1", cmd.ThreadID())
	assert.Equal(t, "cp-1", cmd.CheckpointID())
	assert.Equal(t, weatherCall, cmd.Request.ToolCall)
	assert.ErrorIs(t, cmd.Request.Validate(), ErrNoDecision)
}

func TestRateLimitCommand(t *testing.T) {
	after := time.Now().Add(time.Second)
	it := NewRateLimit("t1", after)
	cmd, ok := it.Command("cp-2").(*RateLimitWait)
	require.True(t, ok)
	assert.Equal(t, "cp-2", cmd.CheckpointID())
	assert.Equal(t, "t1", cmd.ThreadID())
	assert.True(t, cmd.RetryAfter.Equal(after))
}

func TestApprovalRequestValidate(t *testing.T) {
	base := ApprovalRequest{ToolCall: weatherCall, ThreadID: "t1", CheckpointID: "cp"}
	tests := []struct {
		name string
		req  ApprovalRequest
		want error
	}{
		{name: "allow", req: base.Allow()},
		{name: "reject", req: base.Reject("too risky")},
		{name: "edit", req: base.Edit(json.RawMessage(`{"city":"Paris"}`))},
		{name: "undecided", req: base, want: ErrNoDecision},
		{name: "edit without args", req: ApprovalRequest{CheckpointID: "cp", Decision: Edit}, want: ErrMissingEdit},
		{name: "edit with bad args", req: base.Edit(json.RawMessage(`{city`)), want: ErrInvalidEdit},
		{name: "no checkpoint", req: ApprovalRequest{Decision: Allow}, want: ErrNoCheckpoint},
		{name: "unknown", req: ApprovalRequest{CheckpointID: "cp", Decision: "MAYBE"}, want: ErrUnknownChoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEffectiveCall(t *testing.T) {
	req := ApprovalRequest{ToolCall: weatherCall, CheckpointID: "cp"}
	assert.JSONEq(t, `{"city":"Beijing"}`, string(req.Allow().EffectiveCall().Arguments))

	edited := req.Edit(json.RawMessage(`{"city":"Paris"}`)).EffectiveCall()
	assert.JSONEq(t, `{"city":"Paris"}`, string(edited.Arguments))
	assert.Equal(t, "c1", edited.ID)
	assert.JSONEq(t, `{"city":"Beijing"}`, string(req.ToolCall.Arguments), "original call untouched")
}

func TestRecordRoundTrip(t *testing.T) {
	for _, it := range []Interrupt{
		NewToolApproval("t1", weatherCall),
		NewRateLimit("t2", time.Now().Add(time.Minute)),
	} {
		// persisted records travel through JSON in checkpoints
		raw, err := json.Marshal(Encode(it))
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(raw, &rec))

		got, err := Decode(rec)
		require.NoError(t, err)
		assert.Equal(t, it.ID(), got.ID())
		assert.Equal(t, it.ThreadID(), got.ThreadID())
		assert.True(t, it.Timestamp().Equal(got.Timestamp()))
		assert.Equal(t, it.Description(), got.Description())
	}

	_, err := Decode(map[string]any{"kind": "nope", "timestamp": time.Now().Format(time.RFC3339Nano)})
	assert.Error(t, err)
}
