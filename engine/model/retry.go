package model

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
)

// Retry wraps a model and retries failed calls with exponential backoff
// and jitter.
type Retry struct {
	Model      ChatModel
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RetryableError classifies errors. If nil, every error is retried.
	RetryableError func(err error) bool
	// OnRetry is called before sleeping for a retry (attempt is 1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

var _ ChatModel = (*Retry)(nil)

// NewRetry wraps m with up to maxRetries retries (default 3).
func NewRetry(m ChatModel, maxRetries int) *Retry {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Retry{
		Model:      m,
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

func (r *Retry) ModelID() string             { return r.Model.ModelID() }
func (r *Retry) Capabilities() Capabilities  { return r.Model.Capabilities() }
func (r *Retry) CountTokens(text string) int { return r.Model.CountTokens(text) }

func (r *Retry) Chat(ctx context.Context, messages []state.Message, opts ChatOptions) (*state.AIMessage, error) {
	return retry(ctx, r, func() (*state.AIMessage, error) { return r.Model.Chat(ctx, messages, opts) })
}

// ChatStream retries opening the stream; errors mid-stream are not retried.
func (r *Retry) ChatStream(ctx context.Context, messages []state.Message, opts ChatOptions) (<-chan StreamChunk, error) {
	return retry(ctx, r, func() (<-chan StreamChunk, error) { return r.Model.ChatStream(ctx, messages, opts) })
}

func retry[T any](ctx context.Context, r *Retry, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil || attempt > r.MaxRetries {
			return out, err
		}
		if r.RetryableError != nil && !r.RetryableError(err) {
			return out, err
		}
		delay := r.backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Retry) backoff(attempt int) time.Duration {
	base := float64(r.BaseDelay)
	if base <= 0 {
		base = float64(500 * time.Millisecond)
	}
	maxD := float64(r.MaxDelay)
	if maxD <= 0 {
		maxD = float64(30 * time.Second)
	}
	delay := base * math.Pow(2, float64(attempt-1))
	// ±25% jitter
	delay += delay * 0.25 * (rand.Float64()*2 - 1)
	if delay > maxD {
		delay = maxD
	}
	return time.Duration(delay)
}
