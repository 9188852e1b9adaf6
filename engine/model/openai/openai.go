// Package openai adapts the OpenAI chat completions API to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/state"
)

// Config holds connection settings.
type Config struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	OrgID        string `yaml:"org_id"`
	ContextLimit int    `yaml:"context_limit"`
}

// Model implements model.ChatModel for OpenAI and compatible endpoints.
type Model struct {
	client  *openai.Client
	config  Config
	counter *model.EstimatingCounter
}

var _ model.ChatModel = (*Model)(nil)

// New creates an OpenAI-backed model.
func New(cfg Config) (*Model, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		oc.OrgID = cfg.OrgID
	}
	return &Model{
		client:  openai.NewClientWithConfig(oc),
		config:  cfg,
		counter: model.NewEstimatingCounter(),
	}, nil
}

func (m *Model) ModelID() string { return m.config.Model }

func (m *Model) CountTokens(text string) int { return m.counter.CountString(text) }

func (m *Model) Capabilities() model.Capabilities {
	return model.Capabilities{
		MaxContextTokens: model.ContextLimit(m.config.Model, m.config.ContextLimit),
		ToolCalling:      true,
		Streaming:        true,
	}
}

func (m *Model) request(messages []state.Message, opts model.ChatOptions) (openai.ChatCompletionRequest, error) {
	msgs, err := toMessages(messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	req := openai.ChatCompletionRequest{
		Model:       m.config.Model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
	}
	for _, d := range opts.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return req, nil
}

func (m *Model) Chat(ctx context.Context, messages []state.Message, opts model.ChatOptions) (*state.AIMessage, error) {
	req, err := m.request(messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat: no choices returned")
	}
	msg := resp.Choices[0].Message
	calls := make([]state.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, fromToolCall(tc))
	}
	out := state.AI(msg.Content, calls...)
	out.Usage = &state.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return out, nil
}

// ChatStream forwards content deltas as they arrive. Tool-call fragments are
// accumulated by index and emitted as one chunk after the stream ends.
func (m *Model) ChatStream(ctx context.Context, messages []state.Message, opts model.ChatOptions) (<-chan model.StreamChunk, error) {
	req, err := m.request(messages, opts)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	ch := make(chan model.StreamChunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		pending := make(map[int]*openai.ToolCall)
		send := func(c model.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(model.StreamChunk{Err: fmt.Errorf("openai stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := pending[idx]
				if !ok {
					acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
					pending[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
			if delta.Content != "" && !send(model.StreamChunk{Delta: delta.Content}) {
				return
			}
		}
		if len(pending) > 0 {
			idxs := make([]int, 0, len(pending))
			for i := range pending {
				idxs = append(idxs, i)
			}
			sort.Ints(idxs)
			calls := make([]state.ToolCall, 0, len(idxs))
			for _, i := range idxs {
				calls = append(calls, fromToolCall(*pending[i]))
			}
			send(model.StreamChunk{ToolCalls: calls})
		}
	}()
	return ch, nil
}

func fromToolCall(tc openai.ToolCall) state.ToolCall {
	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return state.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
}

func toMessages(messages []state.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch v := m.(type) {
		case *state.SystemMessage:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: v.Content})
		case *state.HumanMessage:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: v.Content})
		case *state.AIMessage:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: v.Content}
			for _, tc := range v.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		case *state.ToolMessage:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    v.Content,
				Name:       v.Name,
				ToolCallID: v.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported message %T", m)
		}
	}
	return out, nil
}
