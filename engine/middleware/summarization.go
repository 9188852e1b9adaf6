package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/state"
)

// Summarization replaces older messages with a rolling summary once the
// transcript approaches the model's context window.
type Summarization struct {
	Base
	summarizer   *model.Summarizer
	contextLimit int
	logger       *slog.Logger
}

// NewSummarization summarizes with m. contextLimit <= 0 uses the model's
// declared window.
func NewSummarization(m model.ChatModel, cfg model.SummarizationConfig, contextLimit int, logger *slog.Logger) *Summarization {
	if contextLimit <= 0 {
		contextLimit = model.ContextLimit(m.ModelID(), m.Capabilities().MaxContextTokens)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Summarization{
		summarizer:   model.NewSummarizer(m, nil, cfg),
		contextLimit: contextLimit,
		logger:       logger,
	}
}

func (*Summarization) Name() string { return "summarization" }

func (s *Summarization) OnStateUpdate(ctx context.Context, mc *Context, _, updated *state.State) (*state.State, error) {
	msgs := updated.Messages()
	if !s.summarizer.NeedsSummarization(msgs, s.contextLimit) {
		return updated, nil
	}

	prior, rest := splitSummary(msgs)
	res, err := s.summarizer.Summarize(ctx, prior, rest)
	if err != nil {
		return nil, err
	}
	if len(res.PreservedMessages) == len(rest) {
		return updated, nil
	}

	out := make([]state.Message, 0, len(res.PreservedMessages)+1)
	out = append(out, state.System(model.SummaryPrefix+res.Summary))
	out = append(out, res.PreservedMessages...)
	s.logger.InfoContext(ctx, "conversation summarized",
		"thread_id", mc.ThreadID, "before", len(msgs), "after", len(out))
	return updated.ReplaceMessages(out), nil
}

// splitSummary separates a leading summary message from the transcript.
func splitSummary(msgs []state.Message) (string, []state.Message) {
	if len(msgs) == 0 {
		return "", msgs
	}
	if sys, ok := msgs[0].(*state.SystemMessage); ok && strings.HasPrefix(sys.Content, model.SummaryPrefix) {
		return strings.TrimPrefix(sys.Content, model.SummaryPrefix), msgs[1:]
	}
	return "", msgs
}
