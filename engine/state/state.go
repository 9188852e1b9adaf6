// Package state holds the immutable conversation state mutated by the ReAct loop.
package state

import (
	"maps"
	"slices"
	"time"
)

// State is an immutable, versioned snapshot of one conversation thread. Every
// mutating method returns a new State with Version()+1; the receiver is never
// modified.
type State struct {
	messages  []Message
	data      map[string]any
	createdAt time.Time
	updatedAt time.Time
	version   int64
}

// New returns an empty state at version 0.
func New() *State {
	now := time.Now().UTC()
	return &State{
		data:      map[string]any{},
		createdAt: now,
		updatedAt: now,
	}
}

func (s *State) derive() *State {
	return &State{
		messages:  slices.Clip(s.messages),
		data:      s.data,
		createdAt: s.createdAt,
		updatedAt: time.Now().UTC(),
		version:   s.version + 1,
	}
}

// AddMessage appends m. The returned state never shares a writable backing
// array with the receiver.
func (s *State) AddMessage(m Message) *State {
	n := s.derive()
	n.messages = append(n.messages, m)
	return n
}

// AddMessages appends all of msgs as a single version step.
func (s *State) AddMessages(msgs ...Message) *State {
	n := s.derive()
	n.messages = append(n.messages, msgs...)
	return n
}

// ReplaceMessages swaps the transcript wholesale. Only reducers and
// summarizers should call this.
func (s *State) ReplaceMessages(msgs []Message) *State {
	n := s.derive()
	n.messages = slices.Clone(msgs)
	return n
}

// Put sets key to value.
func (s *State) Put(key string, value any) *State {
	n := s.derive()
	n.data = maps.Clone(s.data)
	if n.data == nil {
		n.data = map[string]any{}
	}
	n.data[key] = value
	return n
}

// Remove deletes key. Removing a missing key still bumps the version.
func (s *State) Remove(key string) *State {
	n := s.derive()
	n.data = maps.Clone(s.data)
	delete(n.data, key)
	return n
}

// Messages returns a copy of the transcript in chronological order.
func (s *State) Messages() []Message { return slices.Clone(s.messages) }

// Len is the number of messages.
func (s *State) Len() int { return len(s.messages) }

// LastMessage returns the newest message or nil.
func (s *State) LastMessage() Message {
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

// LastAI returns the newest AI message and its index, or nil and -1.
func (s *State) LastAI() (*AIMessage, int) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if ai, ok := s.messages[i].(*AIMessage); ok {
			return ai, i
		}
	}
	return nil, -1
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

// GetString returns the string stored under key, or "".
func (s *State) GetString(key string) string {
	v, _ := s.data[key].(string)
	return v
}

// GetInt returns the integer stored under key. Numbers decoded from JSON or
// msgpack arrive as float64/int8/uint16..., so all numeric kinds are accepted.
func (s *State) GetInt(key string) (int, bool) {
	switch v := s.data[key].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

// Data returns a copy of the keyed data.
func (s *State) Data() map[string]any { return maps.Clone(s.data) }

func (s *State) Version() int64       { return s.version }
func (s *State) CreatedAt() time.Time { return s.createdAt }
func (s *State) UpdatedAt() time.Time { return s.updatedAt }
