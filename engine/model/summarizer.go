package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/chronos-ai/reactor/engine/state"
)

const defaultSummarizationPrompt = `You are a conversation summarizer. Given a conversation (and optionally a prior summary), produce a concise summary that preserves:
- Key facts and decisions made
- Tool call results and their outcomes
- User preferences and requirements
- Any unresolved questions or pending actions

Be concise but thorough. Do not lose important details. Output only the summary text, no preamble.`

// SummaryPrefix marks the system message that carries a rolling summary.
const SummaryPrefix = "Summary of earlier conversation:\n"

// SummarizationConfig controls when and how conversation summarization occurs.
type SummarizationConfig struct {
	// Threshold is the fraction of the context window that triggers summarization (default 0.8).
	Threshold float64 `yaml:"threshold"`
	// PreserveRecentTurns is the number of recent human turns kept verbatim (default 5).
	PreserveRecentTurns int `yaml:"preserve_recent_turns"`
	// MaxSummaryTokens caps the length of the generated summary (default 1024).
	MaxSummaryTokens int    `yaml:"max_summary_tokens"`
	Prompt           string `yaml:"prompt"`
}

func (c *SummarizationConfig) threshold() float64 {
	if c.Threshold > 0 && c.Threshold < 1 {
		return c.Threshold
	}
	return 0.8
}

func (c *SummarizationConfig) preserveTurns() int {
	if c.PreserveRecentTurns > 0 {
		return c.PreserveRecentTurns
	}
	return 5
}

func (c *SummarizationConfig) maxSummaryTokens() int {
	if c.MaxSummaryTokens > 0 {
		return c.MaxSummaryTokens
	}
	return 1024
}

func (c *SummarizationConfig) prompt() string {
	if c.Prompt != "" {
		return c.Prompt
	}
	return defaultSummarizationPrompt
}

// Summarizer produces rolling summaries of conversation history using a model.
type Summarizer struct {
	model   ChatModel
	counter TokenCounter
	config  SummarizationConfig
}

// NewSummarizer creates a summarizer backed by the given model and token counter.
func NewSummarizer(m ChatModel, counter TokenCounter, cfg SummarizationConfig) *Summarizer {
	if counter == nil {
		counter = NewEstimatingCounter()
	}
	return &Summarizer{model: m, counter: counter, config: cfg}
}

// SummarizeResult holds the output of a summarization pass.
type SummarizeResult struct {
	Summary           string
	PreservedMessages []state.Message
}

// NeedsSummarization reports whether the estimated token count exceeds the
// configured fraction of contextLimit.
func (s *Summarizer) NeedsSummarization(messages []state.Message, contextLimit int) bool {
	threshold := int(float64(contextLimit) * s.config.threshold())
	return s.counter.CountMessages(messages) > threshold
}

// Summarize compresses older messages into a rolling summary, preserving the
// most recent turns. A prior summary is folded into the new one.
func (s *Summarizer) Summarize(ctx context.Context, priorSummary string, messages []state.Message) (*SummarizeResult, error) {
	splitIdx := findSplitIndex(messages, s.config.preserveTurns())
	toSummarize := messages[:splitIdx]
	preserved := messages[splitIdx:]

	if len(toSummarize) == 0 {
		return &SummarizeResult{Summary: priorSummary, PreservedMessages: preserved}, nil
	}

	var convo strings.Builder
	if priorSummary != "" {
		convo.WriteString("Prior conversation summary:\n")
		convo.WriteString(priorSummary)
		convo.WriteString("\n\n---\nNew messages to incorporate:\n")
	}
	for _, m := range toSummarize {
		convo.WriteString(string(m.Kind()))
		convo.WriteString(": ")
		convo.WriteString(m.Text())
		if ai, ok := m.(*state.AIMessage); ok && len(ai.ToolCalls) > 0 {
			names := make([]string, len(ai.ToolCalls))
			for i, tc := range ai.ToolCalls {
				names[i] = tc.Name
			}
			convo.WriteString(" [tool calls: ")
			convo.WriteString(strings.Join(names, ", "))
			convo.WriteString("]")
		}
		convo.WriteString("\n")
	}

	resp, err := s.model.Chat(ctx, []state.Message{
		state.System(s.config.prompt()),
		state.Human(convo.String()),
	}, ChatOptions{MaxTokens: s.config.maxSummaryTokens()})
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return &SummarizeResult{Summary: resp.Content, PreservedMessages: preserved}, nil
}

// findSplitIndex walks back from the end counting human turns and returns
// the index separating old messages from the preserved tail. The split never
// lands between an AI tool call and its tool results.
func findSplitIndex(messages []state.Message, preserveTurns int) int {
	if preserveTurns <= 0 || len(messages) == 0 {
		return 0
	}
	turns := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Kind() == state.KindHuman {
			turns++
		}
		if turns >= preserveTurns {
			return i
		}
	}
	return 0
}
