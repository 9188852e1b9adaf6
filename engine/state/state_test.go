package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateIsImmutable(t *testing.T) {
	s0 := New()
	s1 := s0.AddMessage(Human("hi"))
	s2 := s1.Put("k", "v")
	s3 := s2.Remove("k")

	assert.Equal(t, int64(0), s0.Version())
	assert.Equal(t, int64(1), s1.Version())
	assert.Equal(t, int64(2), s2.Version())
	assert.Equal(t, int64(3), s3.Version())

	assert.Equal(t, 0, s0.Len())
	assert.Equal(t, 1, s1.Len())
	_, ok := s1.Get("k")
	assert.False(t, ok)
	assert.Equal(t, "v", s2.GetString("k"))
	_, ok = s3.Get("k")
	assert.False(t, ok)
}

func TestSiblingStatesDoNotShareBackingArray(t *testing.T) {
	base := New().AddMessages(Human("a"), AI("b"))
	left := base.AddMessage(Human("left"))
	right := base.AddMessage(Human("right"))

	require.Equal(t, 3, left.Len())
	require.Equal(t, 3, right.Len())
	assert.Equal(t, "left", left.LastMessage().Text())
	assert.Equal(t, "right", right.LastMessage().Text())
	assert.Equal(t, 2, base.Len())
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := New().AddMessage(Human("a"))
	msgs := s.Messages()
	msgs[0] = Human("mutated")
	assert.Equal(t, "a", s.Messages()[0].Text())
}

func TestLastAI(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Beijing"}`)}
	s := New().AddMessages(Human("q"), AI("", call), Success(call, "sunny").Message())

	ai, idx := s.LastAI()
	require.NotNil(t, ai)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "get_weather", ai.ToolCalls[0].Name)

	ai, idx = New().LastAI()
	assert.Nil(t, ai)
	assert.Equal(t, -1, idx)
}

func TestToolResultMessage(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "calc"}

	ok := Success(call, map[string]any{"sum": 3}).Message()
	assert.Equal(t, "c1", ok.ToolCallID)
	assert.False(t, ok.IsError)
	assert.JSONEq(t, `{"sum":3}`, ok.Content)

	bad := Failure(call, "boom").Message()
	assert.True(t, bad.IsError)
	assert.Equal(t, "boom", bad.Content)
	assert.Equal(t, "boom", bad.Error)
}

func TestWithArgumentsCopies(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "t", Arguments: json.RawMessage(`{"a":1}`)}
	edited := call.WithArguments(json.RawMessage(`{"a":2}`))
	assert.JSONEq(t, `{"a":1}`, string(call.Arguments))
	assert.JSONEq(t, `{"a":2}`, string(edited.Arguments))
	assert.Equal(t, call.ID, edited.ID)
}

func TestSnapshotRoundTripJSON(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Beijing"}`)}
	ai := AI("", call)
	ai.Usage = &Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
	s := New().
		AddMessages(System("be brief"), Human("weather?"), ai, Failure(call, "offline").Message()).
		Put("user", "alice")

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	got, err := FromSnapshot(snap)
	require.NoError(t, err)

	assert.Equal(t, s.Version(), got.Version())
	assert.Equal(t, "alice", got.GetString("user"))
	msgs := got.Messages()
	require.Len(t, msgs, 4)
	assert.IsType(t, &SystemMessage{}, msgs[0])
	assert.IsType(t, &HumanMessage{}, msgs[1])

	gotAI, ok := msgs[2].(*AIMessage)
	require.True(t, ok)
	require.Len(t, gotAI.ToolCalls, 1)
	assert.Equal(t, "get_weather", gotAI.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Beijing"}`, string(gotAI.ToolCalls[0].Arguments))
	assert.Equal(t, 12, gotAI.Usage.TotalTokens)

	gotTool, ok := msgs[3].(*ToolMessage)
	require.True(t, ok)
	assert.True(t, gotTool.IsError)
	assert.Equal(t, "offline", gotTool.Error)
	assert.Equal(t, "c1", gotTool.ToolCallID)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := FromSnapshot(Snapshot{Messages: []Envelope{{Type: "robot"}}})
	assert.ErrorContains(t, err, `unknown message type "robot"`)
}

func TestGetIntAcceptsDecodedNumbers(t *testing.T) {
	for _, v := range []any{int(3), int8(3), uint16(3), int64(3), float64(3)} {
		n, ok := New().Put("n", v).GetInt("n")
		assert.True(t, ok)
		assert.Equal(t, 3, n)
	}
	_, ok := New().Put("n", "3").GetInt("n")
	assert.False(t, ok)
}
