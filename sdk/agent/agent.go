// Package agent provides the agent definition and builder API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/middleware"
	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/react"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
	"github.com/chronos-ai/reactor/storage"
)

type (
	Request  = run.Request
	Response = run.Response
)

// DefaultMaxConcurrency bounds Batch when no limit is configured.
const DefaultMaxConcurrency = 5

// Agent binds a model, tools, a checkpointer and middleware to the ReAct
// strategy. Calls on the same thread are serialized; different threads run
// in parallel.
type Agent struct {
	ID          string
	Name        string
	Description string
	UserID      string

	Model        model.ChatModel
	Tools        *tool.Registry
	Checkpointer storage.Checkpointer
	Middleware   []middleware.Middleware

	SystemPrompt   string
	Instructions   []string
	MaxIterations  int
	Checkpointing  bool
	MaxConcurrency int
	ModelTimeout   time.Duration
	ToolTimeout    time.Duration
	Temperature    float64
	MaxTokens      int
	Reducer        react.Reducer

	strategy *react.Strategy
	logger   *slog.Logger
	validate *validator.Validate
	locks    *threadLocks
}

// Builder provides a fluent API for constructing agents.
type Builder struct {
	agent         *Agent
	autoApproval  bool
	guardrails    *middleware.Guardrails
	approvalTools []string
}

// New creates a new agent builder.
func New(id, name string) *Builder {
	return &Builder{
		agent: &Agent{
			ID:             id,
			Name:           name,
			Tools:          tool.NewRegistry(),
			MaxIterations:  react.DefaultMaxIterations,
			Checkpointing:  true,
			MaxConcurrency: DefaultMaxConcurrency,
		},
		autoApproval: true,
	}
}

func (b *Builder) Description(d string) *Builder { b.agent.Description = d; return b }
func (b *Builder) WithUserID(id string) *Builder { b.agent.UserID = id; return b }
func (b *Builder) WithModel(m model.ChatModel) *Builder { b.agent.Model = m; return b }
func (b *Builder) WithCheckpointer(cp storage.Checkpointer) *Builder { b.agent.Checkpointer = cp; return b }
func (b *Builder) WithSystemPrompt(prompt string) *Builder { b.agent.SystemPrompt = prompt; return b }
func (b *Builder) WithMaxIterations(n int) *Builder { b.agent.MaxIterations = n; return b }
func (b *Builder) WithCheckpointing(on bool) *Builder { b.agent.Checkpointing = on; return b }
func (b *Builder) WithMaxConcurrency(n int) *Builder { b.agent.MaxConcurrency = n; return b }
func (b *Builder) WithReducer(r react.Reducer) *Builder { b.agent.Reducer = r; return b }
func (b *Builder) WithLogger(l *slog.Logger) *Builder { b.agent.logger = l; return b }
func (b *Builder) WithTemperature(t float64) *Builder { b.agent.Temperature = t; return b }
func (b *Builder) WithMaxTokens(n int) *Builder { b.agent.MaxTokens = n; return b }
func (b *Builder) WithTimeouts(modelTimeout, toolTimeout time.Duration) *Builder {
	b.agent.ModelTimeout, b.agent.ToolTimeout = modelTimeout, toolTimeout
	return b
}

func (b *Builder) AddInstruction(instruction string) *Builder {
	b.agent.Instructions = append(b.agent.Instructions, instruction)
	return b
}

func (b *Builder) AddTool(t tool.Tool) *Builder {
	b.agent.Tools.Register(t)
	return b
}

func (b *Builder) AddMiddleware(mws ...middleware.Middleware) *Builder {
	b.agent.Middleware = append(b.agent.Middleware, mws...)
	return b
}

// RequireApproval pauses before every call to the named tools.
func (b *Builder) RequireApproval(tools ...string) *Builder {
	b.approvalTools = append(b.approvalTools, tools...)
	return b
}

// WithoutAutoApproval stops Build from gating PermRequireApproval tools.
func (b *Builder) WithoutAutoApproval() *Builder {
	b.autoApproval = false
	return b
}

func (b *Builder) AddInputGuardrail(name string, g middleware.Guardrail) *Builder {
	return b.addGuardrail(middleware.Rule{Name: name, Position: middleware.Input, Guardrail: g})
}

func (b *Builder) AddToolArgsGuardrail(name string, g middleware.Guardrail) *Builder {
	return b.addGuardrail(middleware.Rule{Name: name, Position: middleware.ToolArgs, Guardrail: g})
}

func (b *Builder) addGuardrail(r middleware.Rule) *Builder {
	if b.guardrails == nil {
		b.guardrails = middleware.NewGuardrails()
		b.agent.Middleware = append(b.agent.Middleware, b.guardrails)
	}
	b.guardrails.AddRule(r)
	return b
}

// Build validates the definition and wires the strategy.
func (b *Builder) Build() (*Agent, error) {
	a := b.agent
	if a.Model == nil {
		return nil, fmt.Errorf("agent %q: model is required", a.ID)
	}
	if a.MaxIterations < 0 {
		return nil, fmt.Errorf("agent %q: max iterations must be >= 0", a.ID)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	a.logger = a.logger.With("agent", a.ID)

	mws := append([]middleware.Middleware(nil), a.Middleware...)
	if len(b.approvalTools) > 0 {
		mws = append(mws, middleware.NewApproval(b.approvalTools...))
	}
	if b.autoApproval && hasApprovalTools(a.Tools) {
		mws = append(mws, middleware.ApprovalFromRegistry(a.Tools))
	}
	a.Middleware = mws

	a.strategy = react.New(a.Model, a.Tools,
		react.WithCheckpointer(a.Checkpointer),
		react.WithMiddleware(mws...),
		react.WithLogger(a.logger),
		react.WithConfig(react.Config{
			MaxIterations: a.MaxIterations,
			SystemPrompt:  a.systemPrompt(),
			Checkpointing: a.Checkpointing,
			ModelTimeout:  a.ModelTimeout,
			ToolTimeout:   a.ToolTimeout,
			Temperature:   a.Temperature,
			MaxTokens:     a.MaxTokens,
			Reducer:       a.Reducer,
		}),
	)
	a.validate = validator.New(validator.WithRequiredStructEnabled())
	a.locks = newThreadLocks()
	return a, nil
}

func hasApprovalTools(r *tool.Registry) bool {
	for _, d := range r.Tools() {
		if d.Permission == tool.PermRequireApproval {
			return true
		}
	}
	return false
}

func (a *Agent) systemPrompt() string {
	parts := make([]string, 0, 1+len(a.Instructions))
	if a.SystemPrompt != "" {
		parts = append(parts, a.SystemPrompt)
	}
	parts = append(parts, a.Instructions...)
	return strings.Join(parts, "\n\n")
}

// prepare validates req and returns a copy with agent defaults applied.
func (a *Agent) prepare(req *Request) (*Request, error) {
	if req == nil {
		return nil, errs.Wrap(errs.CodeInvalid, "", fmt.Errorf("%w: nil request", errs.ErrInvalidRequest))
	}
	if err := a.validate.Struct(req); err != nil {
		return nil, errs.Wrap(errs.CodeInvalid, req.ThreadID, fmt.Errorf("%w: %w", errs.ErrInvalidRequest, err))
	}
	r := *req
	if r.UserID == "" {
		r.UserID = a.UserID
	}
	if r.ThreadID == "" && a.Checkpointer != nil {
		r.ThreadID = uuid.NewString()
	}
	return &r, nil
}

// Invoke runs req to completion or to the next interrupt.
func (a *Agent) Invoke(ctx context.Context, req *Request) (*Response, error) {
	r, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	defer a.locks.lock(r.ThreadID)()
	return a.strategy.Invoke(ctx, r)
}

// Stream is Invoke with model output forwarded to sink as it arrives.
func (a *Agent) Stream(ctx context.Context, req *Request, sink func(string)) (*Response, error) {
	r, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	defer a.locks.lock(r.ThreadID)()
	return a.strategy.Stream(ctx, r, sink)
}

// Chat sends a single message on threadID and returns the answer text.
func (a *Agent) Chat(ctx context.Context, threadID, input string) (string, error) {
	resp, err := a.Invoke(ctx, &Request{ThreadID: threadID, Input: input})
	if err != nil {
		return "", err
	}
	if resp.Waiting() {
		return "", fmt.Errorf("agent %q: %s", a.ID, resp.Interrupt.Description())
	}
	return resp.Output, nil
}

// Batch invokes every request with at most MaxConcurrency in flight. The
// responses keep the order of reqs; a failed request yields a response with
// Err set and its error is included in the joined error.
func (a *Agent) Batch(ctx context.Context, reqs []*Request) ([]*Response, error) {
	out := make([]*Response, len(reqs))
	failures := make([]error, len(reqs))

	limit := a.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := a.Invoke(gctx, req)
			if resp == nil {
				resp = &Response{Status: run.StatusFailed, Err: err}
				if req != nil {
					resp.ThreadID = req.ThreadID
				}
			}
			out[i] = resp
			if err != nil {
				failures[i] = fmt.Errorf("request %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(failures...)
}

// Resume continues the run paused at checkpointID with an operator decision.
func (a *Agent) Resume(ctx context.Context, checkpointID string, approval interrupt.ApprovalRequest) (*Response, error) {
	defer a.locks.lock(approval.ThreadID)()
	return a.strategy.Resume(ctx, checkpointID, approval)
}

// ResumeCommand continues a paused run with cmd.
func (a *Agent) ResumeCommand(ctx context.Context, cmd interrupt.Command) (*Response, error) {
	if cmd == nil {
		return nil, errs.Wrap(errs.CodeInvalid, "", fmt.Errorf("%w: nil command", errs.ErrInvalidRequest))
	}
	defer a.locks.lock(cmd.ThreadID())()
	return a.strategy.ResumeCommand(ctx, cmd)
}

func (a *Agent) requireCheckpointer(threadID string) error {
	if a.Checkpointer == nil {
		return errs.Wrap(errs.CodeCheckpoint, threadID, errs.ErrNoCheckpointer)
	}
	return nil
}

// History lists the thread's checkpoints, newest first.
func (a *Agent) History(ctx context.Context, threadID string) ([]storage.CheckpointInfo, error) {
	if err := a.requireCheckpointer(threadID); err != nil {
		return nil, err
	}
	return a.Checkpointer.List(ctx, threadID)
}

// State returns the thread's latest state.
func (a *Agent) State(ctx context.Context, threadID string) (*state.State, error) {
	if err := a.requireCheckpointer(threadID); err != nil {
		return nil, err
	}
	return a.Checkpointer.LoadLatest(ctx, threadID)
}

// StateAt returns the state saved in one checkpoint.
func (a *Agent) StateAt(ctx context.Context, threadID, checkpointID string) (*state.State, error) {
	if err := a.requireCheckpointer(threadID); err != nil {
		return nil, err
	}
	return a.Checkpointer.Load(ctx, threadID, checkpointID)
}

// Fork copies the state of one checkpoint into a new thread and returns the
// new thread id and checkpoint id. The source thread is untouched.
func (a *Agent) Fork(ctx context.Context, threadID, checkpointID string) (string, string, error) {
	st, err := a.StateAt(ctx, threadID, checkpointID)
	if err != nil {
		return "", "", err
	}
	forked := uuid.NewString()
	cpID, err := a.Checkpointer.Save(ctx, forked, st, storage.WithTag("fork:"+threadID))
	if err != nil {
		return "", "", errs.Wrap(errs.CodeCheckpoint, forked, err)
	}
	a.logger.InfoContext(ctx, "thread forked", "from", threadID, "checkpoint_id", checkpointID, "thread_id", forked)
	return forked, cpID, nil
}

// Close releases the checkpointer.
func (a *Agent) Close() error {
	if a.Checkpointer == nil {
		return nil
	}
	return a.Checkpointer.Close()
}

// threadLocks hands out one mutex per thread id and forgets it once no
// caller holds or waits for it.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// lock blocks until threadID is free and returns the unlock func. The empty
// thread id is never shared, so it is not locked.
func (l *threadLocks) lock(threadID string) func() {
	if threadID == "" {
		return func() {}
	}
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, threadID)
		}
		l.mu.Unlock()
	}
}
