// Package modeltest provides a deterministic ChatModel for tests.
package modeltest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/state"
)

// ErrScriptExhausted is returned once every scripted step has been consumed.
var ErrScriptExhausted = errors.New("modeltest: script exhausted")

// Step is one scripted model response.
type Step struct {
	Message *state.AIMessage
	Err     error
}

// Reply scripts a successful response.
func Reply(text string, calls ...state.ToolCall) Step {
	return Step{Message: state.AI(text, calls...)}
}

// Fail scripts a failing call.
func Fail(err error) Step { return Step{Err: err} }

// Call records one request made to the model.
type Call struct {
	Messages []state.Message
	Options  model.ChatOptions
	Stream   bool
}

// Scripted replays queued steps in order. When Respond is set it is used
// instead of the queue.
type Scripted struct {
	ID      string
	Respond func(n int, messages []state.Message) (*state.AIMessage, error)

	mu    sync.Mutex
	steps []Step
	calls []Call
}

var _ model.ChatModel = (*Scripted)(nil)

func New(steps ...Step) *Scripted {
	return &Scripted{ID: "scripted", steps: steps}
}

// Push appends steps to the queue.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Scripted) next(messages []state.Message, opts model.ChatOptions, stream bool) (*state.AIMessage, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, Call{Messages: append([]state.Message(nil), messages...), Options: opts, Stream: stream})
	if s.Respond != nil {
		s.mu.Unlock()
		return s.Respond(n, messages)
	}
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.Err != nil {
		return nil, step.Err
	}
	return state.AI(step.Message.Content, step.Message.ToolCalls...), nil
}

func (s *Scripted) Chat(ctx context.Context, messages []state.Message, opts model.ChatOptions) (*state.AIMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(messages, opts, false)
}

// ChatStream emits the scripted text word by word, then the tool calls.
func (s *Scripted) ChatStream(ctx context.Context, messages []state.Message, opts model.ChatOptions) (<-chan model.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.next(messages, opts, true)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(msg.Content, " ")
	ch := make(chan model.StreamChunk, len(words)+1)
	for _, w := range words {
		if w != "" {
			ch <- model.StreamChunk{Delta: w}
		}
	}
	if len(msg.ToolCalls) > 0 {
		ch <- model.StreamChunk{ToolCalls: msg.ToolCalls}
	}
	close(ch)
	return ch, nil
}

func (s *Scripted) CountTokens(text string) int {
	return model.NewEstimatingCounter().CountString(text)
}

func (s *Scripted) ModelID() string { return s.ID }

func (s *Scripted) Capabilities() model.Capabilities {
	return model.Capabilities{MaxContextTokens: 8192, ToolCalling: true, Streaming: true}
}

// Calls returns every recorded request.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
