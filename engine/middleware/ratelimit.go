package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/state"
)

// RateLimit caps tool calls per thread with a token bucket. When the bucket
// is empty it either pauses the run with a RateLimit interrupt or, with
// Blocking, waits for capacity.
type RateLimit struct {
	Base
	limit    rate.Limit
	burst    int
	blocking bool
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimit allows perMinute tool calls per thread with the given burst.
func NewRateLimit(perMinute float64, burst int) *RateLimit {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimit{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Blocking makes the middleware wait for capacity instead of pausing.
func (r *RateLimit) Blocking() *RateLimit {
	r.blocking = true
	return r
}

func (*RateLimit) Name() string { return "rate_limit" }

func (r *RateLimit) limiter(threadID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[threadID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[threadID] = l
	}
	return l
}

func (r *RateLimit) BeforeToolCall(ctx context.Context, mc *Context, _ state.ToolCall) (Decision, error) {
	l := r.limiter(mc.ThreadID)
	if r.blocking {
		if err := l.Wait(ctx); err != nil {
			return Decision{}, fmt.Errorf("rate limit wait: %w", err)
		}
		return Continue(), nil
	}

	now := r.now()
	if l.AllowN(now, 1) {
		return Continue(), nil
	}
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return Stop("rate limit can never be satisfied"), nil
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	return Pause(interrupt.NewRateLimit(mc.ThreadID, now.Add(delay))), nil
}
