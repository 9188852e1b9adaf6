package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
)

// ModelPrice is the per-token cost of a model.
type ModelPrice struct {
	PromptPerToken     float64 `yaml:"prompt_per_token" json:"prompt_per_token"`
	CompletionPerToken float64 `yaml:"completion_per_token" json:"completion_per_token"`
}

// CostReport is accumulated spend.
type CostReport struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
}

func (r *CostReport) add(u state.Usage, cost float64) {
	r.PromptTokens += u.PromptTokens
	r.CompletionTokens += u.CompletionTokens
	r.TotalTokens += u.PromptTokens + u.CompletionTokens
	r.TotalCost += cost
}

// Budget prices the token usage of every run and refuses new runs once the
// global or per-thread spend reaches its limit. A run already in flight is
// stopped at its next tool call when its own usage crosses the limit.
type Budget struct {
	Base

	// Limit is the total spend across all threads; 0 means unlimited.
	Limit float64
	// ThreadLimit is the spend per thread; 0 means unlimited.
	ThreadLimit float64

	price   ModelPrice
	mu      sync.Mutex
	global  CostReport
	threads map[string]*CostReport
}

// NewBudget prices usage with the table entry for modelID, falling back to
// the built-in table. Unknown models cost nothing.
func NewBudget(modelID string, limit float64, prices map[string]ModelPrice) *Budget {
	price, ok := prices[modelID]
	if !ok {
		price = defaultPrices[modelID]
	}
	return &Budget{Limit: limit, price: price, threads: make(map[string]*CostReport)}
}

func (*Budget) Name() string { return "budget" }

func (b *Budget) cost(u state.Usage) float64 {
	return float64(u.PromptTokens)*b.price.PromptPerToken + float64(u.CompletionTokens)*b.price.CompletionPerToken
}

// exceeded reports which limit the given spend in flight would cross.
func (b *Budget) exceeded(threadID string, inflight float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Limit > 0 && b.global.TotalCost+inflight >= b.Limit {
		return fmt.Errorf("cost budget exceeded: spent $%.4f of $%.4f", b.global.TotalCost+inflight, b.Limit)
	}
	if b.ThreadLimit > 0 {
		spent := inflight
		if r, ok := b.threads[threadID]; ok {
			spent += r.TotalCost
		}
		if spent >= b.ThreadLimit {
			return fmt.Errorf("thread cost budget exceeded: spent $%.4f of $%.4f", spent, b.ThreadLimit)
		}
	}
	return nil
}

func (b *Budget) BeforeInvoke(_ context.Context, mc *Context) error {
	if mc.State != nil {
		mc.Set(budgetStartKey, mc.State.Len())
	}
	return b.exceeded(mc.ThreadID, 0)
}

func (b *Budget) BeforeToolCall(_ context.Context, mc *Context, _ state.ToolCall) (Decision, error) {
	var usage state.Usage
	if mc.State != nil {
		usage = runUsage(mc)
	}
	if err := b.exceeded(mc.ThreadID, b.cost(usage)); err != nil {
		return Stop(err.Error()), nil
	}
	return Continue(), nil
}

func (b *Budget) AfterInvoke(_ context.Context, _ *Context, resp *run.Response) error {
	if resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
		return nil
	}
	cost := b.cost(resp.Usage)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global.add(resp.Usage, cost)
	r, ok := b.threads[resp.ThreadID]
	if !ok {
		r = &CostReport{}
		b.threads[resp.ThreadID] = r
	}
	r.add(resp.Usage, cost)
	return nil
}

// runUsage sums usage of AI messages produced since this run started.
func runUsage(mc *Context) state.Usage {
	var u state.Usage
	msgs := mc.State.Messages()
	start, _ := mc.Get(budgetStartKey)
	from, _ := start.(int)
	if from > len(msgs) {
		from = 0
	}
	for _, m := range msgs[from:] {
		if ai, ok := m.(*state.AIMessage); ok && ai.Usage != nil {
			u.PromptTokens += ai.Usage.PromptTokens
			u.CompletionTokens += ai.Usage.CompletionTokens
		}
	}
	return u
}

const budgetStartKey = "budget.start"

// Global returns the spend across all threads.
func (b *Budget) Global() CostReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global
}

// Thread returns the spend of one thread.
func (b *Budget) Thread(threadID string) CostReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.threads[threadID]; ok {
		return *r
	}
	return CostReport{}
}

var defaultPrices = map[string]ModelPrice{
	"gpt-4o":      {PromptPerToken: 0.0000025, CompletionPerToken: 0.00001},
	"gpt-4o-mini": {PromptPerToken: 0.00000015, CompletionPerToken: 0.0000006},
	"gpt-4-turbo": {PromptPerToken: 0.00001, CompletionPerToken: 0.00003},
	"gpt-4.1":     {PromptPerToken: 0.000002, CompletionPerToken: 0.000008},
	"o1":          {PromptPerToken: 0.000015, CompletionPerToken: 0.00006},
	"o3-mini":     {PromptPerToken: 0.0000011, CompletionPerToken: 0.0000044},
}
