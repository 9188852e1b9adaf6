package state

import (
	"encoding/json"
	"maps"
	"time"
)

// Kind identifies a message variant on the wire.
type Kind string

const (
	KindSystem Kind = "system"
	KindHuman  Kind = "human"
	KindAI     Kind = "ai"
	KindTool   Kind = "tool"
)

// Message is one entry of a conversation transcript. The set of variants is
// closed: SystemMessage, HumanMessage, AIMessage and ToolMessage.
type Message interface {
	Kind() Kind
	Text() string
	Time() time.Time
	isMessage()
}

// Base holds the fields shared by every message variant.
type Base struct {
	Content   string         `json:"content"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (b Base) Text() string    { return b.Content }
func (b Base) Time() time.Time { return b.Timestamp }

func newBase(content string) Base {
	return Base{Content: content, Timestamp: time.Now().UTC()}
}

// SystemMessage carries instructions for the model.
type SystemMessage struct{ Base }

// HumanMessage is user input.
type HumanMessage struct{ Base }

// AIMessage is a model response, optionally requesting tool calls.
type AIMessage struct {
	Base
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// ToolMessage is the observation fed back to the model after a tool call.
type ToolMessage struct {
	Base
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Result     any    `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (*SystemMessage) Kind() Kind { return KindSystem }
func (*HumanMessage) Kind() Kind  { return KindHuman }
func (*AIMessage) Kind() Kind     { return KindAI }
func (*ToolMessage) Kind() Kind   { return KindTool }

func (*SystemMessage) isMessage() {}
func (*HumanMessage) isMessage()  {}
func (*AIMessage) isMessage()     {}
func (*ToolMessage) isMessage()   {}

// HasToolCalls reports whether the model asked for at least one tool call.
func (m *AIMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Usage is the token accounting reported by a model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" msgpack:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" msgpack:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" msgpack:"total_tokens"`
}

func System(content string) *SystemMessage { return &SystemMessage{Base: newBase(content)} }
func Human(content string) *HumanMessage   { return &HumanMessage{Base: newBase(content)} }

// AI builds a model message. Tool calls are copied.
func AI(content string, calls ...ToolCall) *AIMessage {
	m := &AIMessage{Base: newBase(content)}
	if len(calls) > 0 {
		m.ToolCalls = make([]ToolCall, len(calls))
		for i, c := range calls {
			m.ToolCalls[i] = c.Clone()
		}
	}
	return m
}

// ToolCall is a model-requested tool invocation. Arguments are opaque JSON
// interpreted only by the named tool.
type ToolCall struct {
	ID        string          `json:"id" msgpack:"id"`
	Name      string          `json:"name" msgpack:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty" msgpack:"arguments,omitempty"`
}

// Clone returns a copy that does not share the argument buffer.
func (c ToolCall) Clone() ToolCall {
	if c.Arguments != nil {
		c.Arguments = append(json.RawMessage(nil), c.Arguments...)
	}
	return c
}

// WithArguments returns a copy of the call with args substituted.
func (c ToolCall) WithArguments(args json.RawMessage) ToolCall {
	c.Arguments = append(json.RawMessage(nil), args...)
	return c
}

// ToolResult mirrors a ToolCall by id and is either a success payload or an
// error description.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  any    `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Success(call ToolCall, output any) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Output: output}
}

func Failure(call ToolCall, msg string) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, IsError: true, Error: msg}
}

// Message converts the result into the ToolMessage appended to the transcript.
func (r ToolResult) Message() *ToolMessage {
	m := &ToolMessage{
		Base:       newBase(r.content()),
		ToolCallID: r.CallID,
		Name:       r.Name,
		Result:     r.Output,
		IsError:    r.IsError,
		Error:      r.Error,
	}
	return m
}

func (r ToolResult) content() string {
	if r.IsError {
		return r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// CloneMessage returns a deep-enough copy of m so the copy can be handed to
// code that may mutate it.
func CloneMessage(m Message) Message {
	switch v := m.(type) {
	case *SystemMessage:
		c := *v
		c.Extra = maps.Clone(v.Extra)
		return &c
	case *HumanMessage:
		c := *v
		c.Extra = maps.Clone(v.Extra)
		return &c
	case *AIMessage:
		c := *v
		c.Extra = maps.Clone(v.Extra)
		if v.ToolCalls != nil {
			c.ToolCalls = make([]ToolCall, len(v.ToolCalls))
			for i, tc := range v.ToolCalls {
				c.ToolCalls[i] = tc.Clone()
			}
		}
		if v.Usage != nil {
			u := *v.Usage
			c.Usage = &u
		}
		return &c
	case *ToolMessage:
		c := *v
		c.Extra = maps.Clone(v.Extra)
		return &c
	default:
		return m
	}
}
