package interrupt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
)

// Kind names an interrupt variant in its persisted form.
type Kind string

const (
	KindToolApproval Kind = "tool_approval"
	KindRateLimit    Kind = "rate_limit"
)

// KindOf returns the persisted kind of it.
func KindOf(it Interrupt) Kind {
	switch it.(type) {
	case *ToolApproval:
		return KindToolApproval
	case *RateLimit:
		return KindRateLimit
	default:
		panic(fmt.Sprintf("interrupt: unhandled variant %T", it))
	}
}

// Encode flattens it into plain values so it can ride in State data through
// any checkpoint codec.
func Encode(it Interrupt) map[string]any {
	rec := map[string]any{
		"kind":      string(KindOf(it)),
		"id":        it.ID(),
		"thread_id": it.ThreadID(),
		"timestamp": it.Timestamp().Format(time.RFC3339Nano),
	}
	switch v := it.(type) {
	case *ToolApproval:
		rec["call_id"] = v.Call.ID
		rec["call_name"] = v.Call.Name
		rec["call_args"] = string(v.Call.Arguments)
	case *RateLimit:
		rec["retry_after"] = v.RetryAfter.Format(time.RFC3339Nano)
	}
	return rec
}

// Decode restores an interrupt written by Encode.
func Decode(rec map[string]any) (Interrupt, error) {
	str := func(k string) string {
		s, _ := rec[k].(string)
		return s
	}
	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("interrupt timestamp: %w", err)
	}
	h := header{id: str("id"), threadID: str("thread_id"), timestamp: ts}

	switch Kind(str("kind")) {
	case KindToolApproval:
		call := state.ToolCall{ID: str("call_id"), Name: str("call_name")}
		if args := str("call_args"); args != "" {
			call.Arguments = json.RawMessage(args)
		}
		return &ToolApproval{header: h, Call: call}, nil
	case KindRateLimit:
		after, err := time.Parse(time.RFC3339Nano, str("retry_after"))
		if err != nil {
			return nil, fmt.Errorf("interrupt retry_after: %w", err)
		}
		return &RateLimit{header: h, RetryAfter: after}, nil
	default:
		return nil, fmt.Errorf("interrupt: unknown kind %q", str("kind"))
	}
}
