package serialization

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/reactor/engine/state"
)

func sampleState() *state.State {
	call := state.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Beijing"}`)}
	return state.New().
		AddMessages(
			state.Human("What's the weather in Beijing?"),
			state.AI("", call),
			state.Success(call, "sunny, 22°C").Message(),
			state.AI("It's sunny and 22°C in Beijing."),
		).
		Put("user_id", "u-1").
		Put("__react.iteration", 1)
}

func TestSerializerRoundTrip(t *testing.T) {
	key := strings.Repeat("ab", 32)
	tests := []struct {
		name, codec, compression, key string
	}{
		{"json plain", "json", "none", ""},
		{"json gzip", "json", "gzip", ""},
		{"msgpack zstd", "msgpack", "zstd", ""},
		{"msgpack zstd encrypted", "msgpack", "zstd", key},
		{"json encrypted", "", "", key},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromNames(tt.codec, tt.compression, tt.key)
			require.NoError(t, err)

			in := sampleState()
			data, err := s.EncodeState(in)
			require.NoError(t, err)

			out, err := s.DecodeState(data)
			require.NoError(t, err)

			assert.Equal(t, in.Version(), out.Version())
			assert.Equal(t, "u-1", out.GetString("user_id"))
			iter, ok := out.GetInt("__react.iteration")
			assert.True(t, ok)
			assert.Equal(t, 1, iter)

			msgs := out.Messages()
			require.Len(t, msgs, 4)
			ai, ok := msgs[1].(*state.AIMessage)
			require.True(t, ok)
			require.Len(t, ai.ToolCalls, 1)
			assert.JSONEq(t, `{"city":"Beijing"}`, string(ai.ToolCalls[0].Arguments))
			tm, ok := msgs[2].(*state.ToolMessage)
			require.True(t, ok)
			assert.Equal(t, "sunny, 22°C", tm.Result)
			assert.Equal(t, "It's sunny and 22°C in Beijing.", msgs[3].Text())
		})
	}
}

func TestEncryptedPayloadIsOpaque(t *testing.T) {
	s, err := FromNames("json", "none", strings.Repeat("01", 32))
	require.NoError(t, err)
	data, err := s.EncodeState(sampleState())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Beijing")

	other, err := FromNames("json", "none", strings.Repeat("02", 32))
	require.NoError(t, err)
	_, err = other.DecodeState(data)
	assert.ErrorContains(t, err, "decryption failed")
}

func TestFromNamesRejectsBadInput(t *testing.T) {
	_, err := FromNames("xml", "none", "")
	assert.Error(t, err)
	_, err = FromNames("json", "lz4", "")
	assert.Error(t, err)
	_, err = FromNames("json", "none", "abcd")
	assert.Error(t, err)
	_, err = FromNames("json", "none", "zz")
	assert.Error(t, err)
}

func TestDefaultIsJSON(t *testing.T) {
	s := Default()
	assert.Equal(t, "json", s.CodecName())
	data, err := s.EncodeState(sampleState())
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
