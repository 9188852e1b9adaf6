// Package model defines the chat-model capability the agent loop consumes.
package model

import (
	"context"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
)

// ChatModel is the interface all LLM backends must implement.
type ChatModel interface {
	// Chat sends the transcript and returns one complete AI message.
	Chat(ctx context.Context, messages []state.Message, opts ChatOptions) (*state.AIMessage, error)
	// ChatStream returns a channel of partial responses. The channel is
	// closed when the response is complete; a chunk with Err set is last.
	ChatStream(ctx context.Context, messages []state.Message, opts ChatOptions) (<-chan StreamChunk, error)
	CountTokens(text string) int
	ModelID() string
	Capabilities() Capabilities
}

// ChatOptions are per-call settings.
type ChatOptions struct {
	Tools       []tool.Descriptor
	Temperature float64
	MaxTokens   int
	// Timeout bounds one model call; zero means the caller's deadline only.
	Timeout time.Duration
}

// Capabilities declares what a model supports.
type Capabilities struct {
	MaxContextTokens int  `json:"max_context_tokens"`
	ToolCalling      bool `json:"tool_calling"`
	Streaming        bool `json:"streaming"`
}

// StreamChunk is one increment of a streamed response.
type StreamChunk struct {
	Delta string
	// ToolCalls are only complete on the final chunk that carries them.
	ToolCalls []state.ToolCall
	Usage     *state.Usage
	Err       error
}

// Collect drains a stream into one AI message, forwarding every delta to
// sink. It returns the first chunk error or ctx.Err if ctx ends first.
func Collect(ctx context.Context, ch <-chan StreamChunk, sink func(string)) (*state.AIMessage, error) {
	var (
		text  []byte
		calls []state.ToolCall
		usage *state.Usage
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				msg := state.AI(string(text), calls...)
				msg.Usage = usage
				return msg, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Delta != "" {
				text = append(text, chunk.Delta...)
				if sink != nil {
					sink(chunk.Delta)
				}
			}
			calls = append(calls, chunk.ToolCalls...)
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
	}
}
