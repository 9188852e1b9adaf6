package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/chronos-ai/reactor/engine/state"
)

// Fallback tries models in order until one succeeds, e.g. a hosted model
// falling back to a local one.
type Fallback struct {
	models []ChatModel
	// OnFallback is called when a model fails and the next one is tried.
	OnFallback func(index int, modelID string, err error)
}

var _ ChatModel = (*Fallback)(nil)

// NewFallback creates a fallback model. At least one model is required.
func NewFallback(models ...ChatModel) (*Fallback, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("fallback model: at least one model is required")
	}
	return &Fallback{models: models}, nil
}

func (f *Fallback) ModelID() string {
	ids := make([]string, len(f.models))
	for i, m := range f.models {
		ids[i] = m.ModelID()
	}
	return "fallback(" + strings.Join(ids, ",") + ")"
}

// Capabilities are those of the primary model.
func (f *Fallback) Capabilities() Capabilities { return f.models[0].Capabilities() }

func (f *Fallback) CountTokens(text string) int { return f.models[0].CountTokens(text) }

func (f *Fallback) Chat(ctx context.Context, messages []state.Message, opts ChatOptions) (*state.AIMessage, error) {
	var lastErr error
	for i, m := range f.models {
		resp, err := m.Chat(ctx, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if f.OnFallback != nil {
			f.OnFallback(i, m.ModelID(), err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fallback model: context cancelled after %d attempts: %w", i+1, ctx.Err())
		}
	}
	return nil, fmt.Errorf("fallback model: all %d models failed, last error: %w", len(f.models), lastErr)
}

// ChatStream falls back only on errors opening the stream.
func (f *Fallback) ChatStream(ctx context.Context, messages []state.Message, opts ChatOptions) (<-chan StreamChunk, error) {
	var lastErr error
	for i, m := range f.models {
		ch, err := m.ChatStream(ctx, messages, opts)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if f.OnFallback != nil {
			f.OnFallback(i, m.ModelID(), err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fallback model: context cancelled after %d attempts: %w", i+1, ctx.Err())
		}
	}
	return nil, fmt.Errorf("fallback model: all %d models failed, last error: %w", len(f.models), lastErr)
}
