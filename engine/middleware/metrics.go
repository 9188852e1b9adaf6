package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// CallMetric records timing for one tool call or one invoke.
type CallMetric struct {
	Kind             string        `json:"kind"` // "tool" or "invoke"
	Name             string        `json:"name"`
	ThreadID         string        `json:"thread_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Error            bool          `json:"error,omitempty"`
}

// MetricsSummary aggregates metrics across all calls.
type MetricsSummary struct {
	TotalInvokes      int           `json:"total_invokes"`
	TotalModelCalls   int           `json:"total_model_calls"`
	TotalToolCalls    int           `json:"total_tool_calls"`
	TotalInterrupts   int           `json:"total_interrupts"`
	TotalErrors       int           `json:"total_errors"`
	TotalPromptTokens int           `json:"total_prompt_tokens"`
	TotalCompTokens   int           `json:"total_completion_tokens"`
	AvgToolLatency    time.Duration `json:"avg_tool_latency"`
	MaxToolLatency    time.Duration `json:"max_tool_latency"`
}

// Metrics tracks latency, token usage and error rates in memory.
type Metrics struct {
	Base

	mu         sync.Mutex
	calls      []CallMetric
	modelCalls int
	interrupts int
	pending    map[string]time.Time // thread:call id -> start
}

func NewMetrics() *Metrics {
	return &Metrics{pending: make(map[string]time.Time)}
}

func (*Metrics) Name() string { return "metrics" }

func (m *Metrics) BeforeToolCall(_ context.Context, mc *Context, call state.ToolCall) (Decision, error) {
	m.mu.Lock()
	m.pending[mc.ThreadID+":"+call.ID] = time.Now()
	m.mu.Unlock()
	return Continue(), nil
}

func (m *Metrics) AfterToolCall(_ context.Context, mc *Context, call state.ToolCall, result state.ToolResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mc.ThreadID + ":" + call.ID
	started, ok := m.pending[key]
	if !ok {
		started = time.Now()
	}
	delete(m.pending, key)
	m.calls = append(m.calls, CallMetric{
		Kind:      "tool",
		Name:      call.Name,
		ThreadID:  mc.ThreadID,
		StartedAt: started,
		Duration:  time.Since(started),
		Error:     result.IsError,
	})
	return nil
}

func (m *Metrics) AfterInvoke(_ context.Context, _ *Context, resp *run.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls += resp.Iterations
	if resp.Waiting() {
		m.interrupts++
	}
	m.calls = append(m.calls, CallMetric{
		Kind:             "invoke",
		Name:             string(resp.Status),
		ThreadID:         resp.ThreadID,
		StartedAt:        resp.StartTime,
		Duration:         resp.Duration,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Error:            resp.Err != nil,
	})
	return nil
}

// Calls returns all recorded call metrics.
func (m *Metrics) Calls() []CallMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallMetric(nil), m.calls...)
}

// Summary computes an aggregated summary of all recorded metrics.
func (m *Metrics) Summary() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSummary{TotalModelCalls: m.modelCalls, TotalInterrupts: m.interrupts}
	var toolDur time.Duration
	for _, c := range m.calls {
		switch c.Kind {
		case "invoke":
			s.TotalInvokes++
			s.TotalPromptTokens += c.PromptTokens
			s.TotalCompTokens += c.CompletionTokens
		case "tool":
			s.TotalToolCalls++
			toolDur += c.Duration
			if c.Duration > s.MaxToolLatency {
				s.MaxToolLatency = c.Duration
			}
		}
		if c.Error {
			s.TotalErrors++
		}
	}
	if s.TotalToolCalls > 0 {
		s.AvgToolLatency = toolDur / time.Duration(s.TotalToolCalls)
	}
	return s
}

// Reset clears all recorded metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.modelCalls = 0
	m.interrupts = 0
	m.pending = make(map[string]time.Time)
}
