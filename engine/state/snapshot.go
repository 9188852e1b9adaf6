package state

import (
	"fmt"
	"maps"
	"time"
)

// Snapshot is the wire schema of a State. Checkpointers encode it with a
// codec of their choosing; every message variant has a concrete envelope so
// a round trip is lossless.
type Snapshot struct {
	Messages  []Envelope     `json:"messages" msgpack:"messages"`
	Data      map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" msgpack:"updated_at"`
	Version   int64          `json:"version" msgpack:"version"`
}

// Envelope is the tagged encoding of a single Message.
type Envelope struct {
	Type       Kind           `json:"type" msgpack:"type"`
	Content    string         `json:"content" msgpack:"content"`
	Extra      map[string]any `json:"extra,omitempty" msgpack:"extra,omitempty"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`
	Usage      *Usage         `json:"usage,omitempty" msgpack:"usage,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty" msgpack:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Result     any            `json:"result,omitempty" msgpack:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
	Error      string         `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Snapshot returns the wire form of s.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Messages:  make([]Envelope, 0, len(s.messages)),
		Data:      maps.Clone(s.data),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Version:   s.version,
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, Encode(m))
	}
	return snap
}

// FromSnapshot rebuilds a State. It fails on unknown message types.
func FromSnapshot(snap Snapshot) (*State, error) {
	st := &State{
		messages:  make([]Message, 0, len(snap.Messages)),
		data:      snap.Data,
		createdAt: snap.CreatedAt,
		updatedAt: snap.UpdatedAt,
		version:   snap.Version,
	}
	if st.data == nil {
		st.data = map[string]any{}
	}
	for i, env := range snap.Messages {
		m, err := Decode(env)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		st.messages = append(st.messages, m)
	}
	return st, nil
}

// Encode converts a message into its envelope.
func Encode(m Message) Envelope {
	switch v := m.(type) {
	case *SystemMessage:
		return envelope(KindSystem, v.Base)
	case *HumanMessage:
		return envelope(KindHuman, v.Base)
	case *AIMessage:
		env := envelope(KindAI, v.Base)
		env.ToolCalls = v.ToolCalls
		env.Usage = v.Usage
		return env
	case *ToolMessage:
		env := envelope(KindTool, v.Base)
		env.ToolCallID = v.ToolCallID
		env.Name = v.Name
		env.Result = v.Result
		env.IsError = v.IsError
		env.Error = v.Error
		return env
	}
	panic(fmt.Sprintf("state: unknown message type %T", m))
}

func envelope(k Kind, b Base) Envelope {
	return Envelope{Type: k, Content: b.Content, Extra: b.Extra, Timestamp: b.Timestamp}
}

// Decode converts an envelope back into its typed message.
func Decode(env Envelope) (Message, error) {
	base := Base{Content: env.Content, Extra: env.Extra, Timestamp: env.Timestamp}
	switch env.Type {
	case KindSystem:
		return &SystemMessage{Base: base}, nil
	case KindHuman:
		return &HumanMessage{Base: base}, nil
	case KindAI:
		return &AIMessage{Base: base, ToolCalls: env.ToolCalls, Usage: env.Usage}, nil
	case KindTool:
		return &ToolMessage{
			Base:       base,
			ToolCallID: env.ToolCallID,
			Name:       env.Name,
			Result:     env.Result,
			IsError:    env.IsError,
			Error:      env.Error,
		}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
