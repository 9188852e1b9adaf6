package model

import "github.com/chronos-ai/reactor/engine/state"

// TokenCounter estimates the token count for a set of messages.
type TokenCounter interface {
	CountMessages(messages []state.Message) int
	CountString(s string) int
}

// EstimatingCounter uses a character-ratio heuristic (1 token ~ 4 chars).
type EstimatingCounter struct {
	CharsPerToken float64
}

// NewEstimatingCounter returns a counter using the default 4-chars-per-token ratio.
func NewEstimatingCounter() *EstimatingCounter {
	return &EstimatingCounter{CharsPerToken: 4.0}
}

func (c *EstimatingCounter) CountMessages(messages []state.Message) int {
	total := 0
	for _, m := range messages {
		// per-message framing
		total += 4
		total += c.CountString(m.Text())
		switch v := m.(type) {
		case *state.AIMessage:
			for _, tc := range v.ToolCalls {
				total += c.CountString(tc.Name)
				total += c.CountString(string(tc.Arguments))
			}
		case *state.ToolMessage:
			total += c.CountString(v.Name)
		}
	}
	total += 3
	return total
}

func (c *EstimatingCounter) CountString(s string) int {
	if len(s) == 0 {
		return 0
	}
	cpt := c.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(float64(len(s))/cpt) + 1
}

// ContextLimit returns the context window (in tokens) for a model id, or
// fallback when the model is unknown.
func ContextLimit(modelID string, fallback int) int {
	if limit, ok := modelContextLimits[modelID]; ok {
		return limit
	}
	if fallback > 0 {
		return fallback
	}
	return defaultContextLimit
}

const defaultContextLimit = 8192

var modelContextLimits = map[string]int{
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-4.1":       1047576,
	"gpt-4.1-mini":  1047576,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o1-mini":       128000,
	"o3":            200000,
	"o3-mini":       200000,
	"o4-mini":       200000,

	"llama3.3": 131072,
	"llama3.1": 131072,
	"llama3":   8192,

	"mistral-large-latest": 128000,
	"deepseek-chat":        64000,
}
