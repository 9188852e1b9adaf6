// Package react implements the ReAct execution strategy: alternate model
// calls and tool calls until the model answers without requesting tools,
// checkpointing the thread and pausing on interrupts along the way.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-ai/reactor/engine/errs"
	"github.com/chronos-ai/reactor/engine/interrupt"
	"github.com/chronos-ai/reactor/engine/middleware"
	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/run"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
	"github.com/chronos-ai/reactor/storage"
)

// DefaultMaxIterations bounds the model calls of one thread run.
const DefaultMaxIterations = 10

// State data keys holding the bookkeeping of a paused run.
const (
	keyIteration     = "__react.iteration"
	keyPendingCall   = "__react.pending_call"
	keyInterrupt     = "__react.interrupt"
	keyMaxIterations = "__react.max_iterations"
	keySystemPrompt  = "__react.system_prompt"
)

var (
	// ErrPendingInterrupt rejects an invoke on a thread that is paused.
	ErrPendingInterrupt = errors.New("thread is waiting on an interrupt; resume it first")
	// ErrNothingToResume is returned when a checkpoint holds no paused call.
	ErrNothingToResume = errors.New("checkpoint has no pending tool call")
	// ErrCommandMismatch is returned when a command does not answer the
	// interrupt saved in its checkpoint.
	ErrCommandMismatch = errors.New("command does not match the pending interrupt")
)

// Reducer rewrites the state once per finalize, before OnStateUpdate.
type Reducer func(st *state.State) (*state.State, error)

// Config tunes a Strategy.
type Config struct {
	MaxIterations int
	SystemPrompt  string
	// Checkpointing saves the final state of every run. Paused runs are
	// always saved.
	Checkpointing bool
	ModelTimeout  time.Duration
	ToolTimeout   time.Duration
	Temperature   float64
	MaxTokens     int
	Reducer       Reducer
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() Config {
	return Config{MaxIterations: DefaultMaxIterations, Checkpointing: true}
}

// Strategy runs the ReAct loop for one model and tool registry. It is safe
// for concurrent use on different threads; callers serialize runs on the
// same thread.
type Strategy struct {
	model        model.ChatModel
	tools        *tool.Registry
	checkpointer storage.Checkpointer
	mws          []middleware.Middleware
	chain        *middleware.Chain
	config       Config
	logger       *slog.Logger
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithCheckpointer persists threads in cp.
func WithCheckpointer(cp storage.Checkpointer) Option {
	return func(s *Strategy) { s.checkpointer = cp }
}

// WithMiddleware appends mws to the chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Strategy) { s.mws = append(s.mws, mws...) }
}

// WithConfig replaces the configuration. A zero MaxIterations keeps the default.
func WithConfig(cfg Config) Option {
	return func(s *Strategy) {
		if cfg.MaxIterations <= 0 {
			cfg.MaxIterations = DefaultMaxIterations
		}
		s.config = cfg
	}
}

// WithLogger sets the logger. A nil logger keeps the discarding default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a strategy. A nil registry means no tools.
func New(m model.ChatModel, tools *tool.Registry, opts ...Option) *Strategy {
	if tools == nil {
		tools = tool.NewRegistry()
	}
	s := &Strategy{
		model:  m,
		tools:  tools,
		config: DefaultConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	s.chain = middleware.NewChain(s.logger, s.mws...)
	return s
}

// Checkpointer returns the configured store, or nil.
func (s *Strategy) Checkpointer() storage.Checkpointer { return s.checkpointer }

// Config returns the effective configuration.
func (s *Strategy) Config() Config { return s.config }

// Invoke runs req to completion or to the next interrupt.
func (s *Strategy) Invoke(ctx context.Context, req *run.Request) (*run.Response, error) {
	return s.invoke(ctx, req, nil)
}

// Stream is Invoke with model output forwarded to sink as it arrives.
func (s *Strategy) Stream(ctx context.Context, req *run.Request, sink func(string)) (*run.Response, error) {
	if sink == nil {
		sink = func(string) {}
	}
	return s.invoke(ctx, req, sink)
}

func (s *Strategy) invoke(ctx context.Context, req *run.Request, sink func(string)) (*run.Response, error) {
	if req == nil || req.Input == "" {
		return nil, errs.Wrap(errs.CodeInvalid, "", fmt.Errorf("%w: input is required", errs.ErrInvalidRequest))
	}
	threadID := req.ThreadID
	if threadID == "" && s.checkpointer != nil {
		threadID = uuid.NewString()
	}

	st, err := s.loadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, paused := st.Get(keyInterrupt); paused {
		return nil, errs.Wrap(errs.CodeInvalid, threadID, ErrPendingInterrupt)
	}

	ex := s.newExecution(req, threadID, sink)
	ex.setState(st.AddMessage(state.Human(req.Input)))
	ex.mc.Status = run.StatusLoaded
	s.logger.DebugContext(ctx, "invoke", "thread_id", threadID, "history", st.Len())

	if err := s.chain.BeforeInvoke(ctx, ex.mc); err != nil {
		return ex.abort(ctx, run.StatusFailed, errs.CodeMiddleware, err)
	}
	return ex.loop(ctx, 0, nil)
}

func (s *Strategy) loadLatest(ctx context.Context, threadID string) (*state.State, error) {
	if s.checkpointer == nil || threadID == "" {
		return state.New(), nil
	}
	st, err := s.checkpointer.LoadLatest(ctx, threadID)
	if storage.IsNotFound(err) {
		return state.New(), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeCheckpoint, threadID, err)
	}
	return st, nil
}

// execution is the mutable record of one invoke or resume call.
type execution struct {
	s          *Strategy
	mc         *middleware.Context
	st         *state.State
	maxIter    int
	reqSystem  string
	sink       func(string)
	start      time.Time
	executed   []state.ToolCall
	modelCalls int
	usage      state.Usage
	cancelled  error
	// resumed is set when the run continues from a paused checkpoint.
	resumed bool
}

func (s *Strategy) newExecution(req *run.Request, threadID string, sink func(string)) *execution {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = s.config.MaxIterations
	}
	return &execution{
		s:         s,
		mc:        middleware.NewContext(req, threadID),
		maxIter:   maxIter,
		reqSystem: req.SystemPrompt,
		sink:      sink,
		start:     time.Now(),
	}
}

func (ex *execution) setState(st *state.State) {
	ex.st = st
	ex.mc.State = st
}

func (ex *execution) systemPrompt() string {
	if ex.reqSystem != "" {
		return ex.reqSystem
	}
	return ex.s.config.SystemPrompt
}

// halted reports whether the run must stop taking new steps, flagging a
// cancelled context as a stop.
func (ex *execution) halted(ctx context.Context) bool {
	if err := ctx.Err(); err != nil && ex.cancelled == nil {
		ex.cancelled = err
		ex.mc.Stop("cancelled")
	}
	return ex.mc.Stopped
}

// loop runs iterations from iter. pending holds calls of the current
// iteration's AI message that still have to be gated and executed.
func (ex *execution) loop(ctx context.Context, iter int, pending []state.ToolCall) (*run.Response, error) {
	for ; iter < ex.maxIter; iter++ {
		ex.mc.Iteration = iter
		if len(pending) == 0 {
			if ex.halted(ctx) {
				break
			}
			ai, err := ex.callModel(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ex.abort(ctx, run.StatusStopped, errs.CodeCancelled, ctx.Err())
				}
				return ex.abort(ctx, run.StatusFailed, errs.CodeModel, err)
			}
			if !ai.HasToolCalls() {
				return ex.finalize(ctx)
			}
			pending = ai.ToolCalls
		}

		ex.mc.Status = run.StatusToolExec
		for _, call := range pending {
			if ex.halted(ctx) {
				break
			}
			d, err := ex.s.chain.BeforeToolCall(ctx, ex.mc, call)
			if err != nil {
				return ex.abort(ctx, run.StatusFailed, errs.CodeMiddleware, err)
			}
			switch d.Action {
			case middleware.ActionInterrupt:
				return ex.suspend(ctx, iter, call, d.Interrupt)
			case middleware.ActionSkip, middleware.ActionStop:
				continue
			}
			ex.runTool(ctx, call)
		}
		pending = nil
		if ex.halted(ctx) {
			break
		}
	}
	if !ex.mc.Stopped {
		ex.s.logger.WarnContext(ctx, "max iterations reached", "thread_id", ex.mc.ThreadID, "max_iterations", ex.maxIter)
	}
	return ex.finalize(ctx)
}

func (ex *execution) callModel(ctx context.Context) (*state.AIMessage, error) {
	ex.mc.Status = run.StatusModelCall
	msgs := ex.st.Messages()
	if sys := ex.systemPrompt(); sys != "" {
		msgs = append([]state.Message{state.System(sys)}, msgs...)
	}
	cfg := ex.s.config
	opts := model.ChatOptions{
		Tools:       ex.s.tools.Tools(),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.ModelTimeout,
	}
	cctx := ctx
	if cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, cfg.ModelTimeout)
		defer cancel()
	}

	var (
		ai  *state.AIMessage
		err error
	)
	if ex.sink != nil {
		var ch <-chan model.StreamChunk
		if ch, err = ex.s.model.ChatStream(cctx, msgs, opts); err == nil {
			ai, err = model.Collect(cctx, ch, ex.sink)
		}
	} else {
		ai, err = ex.s.model.Chat(cctx, msgs, opts)
	}
	if err == nil && ai == nil {
		err = errors.New("model returned no message")
	}
	if err != nil {
		return nil, &errs.ModelError{ModelID: ex.s.model.ModelID(), Iteration: ex.mc.Iteration, Err: err}
	}

	ex.modelCalls++
	if ai.Usage != nil {
		ex.usage.PromptTokens += ai.Usage.PromptTokens
		ex.usage.CompletionTokens += ai.Usage.CompletionTokens
		ex.usage.TotalTokens += ai.Usage.TotalTokens
	}
	ex.setState(ex.st.AddMessage(ai))
	return ai, nil
}

func (ex *execution) runTool(ctx context.Context, call state.ToolCall) {
	tctx := ctx
	if d := ex.s.config.ToolTimeout; d > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	res := ex.s.tools.Invoke(tctx, call)
	ex.executed = append(ex.executed, call)
	ex.s.chain.AfterToolCall(ctx, ex.mc, call, res)
	ex.setState(ex.st.AddMessage(res.Message()))
}

// suspend saves the run paused before call and returns a waiting response.
func (ex *execution) suspend(ctx context.Context, iter int, call state.ToolCall, it interrupt.Interrupt) (*run.Response, error) {
	tid := ex.mc.ThreadID
	if ex.s.checkpointer == nil || tid == "" {
		return ex.abort(ctx, run.StatusFailed, errs.CodeCheckpoint,
			fmt.Errorf("cannot persist %s: %w", it.Description(), errs.ErrNoCheckpointer))
	}

	status := run.StatusWaitingForApproval
	if _, ok := it.(*interrupt.RateLimit); ok {
		status = run.StatusWaitingRateLimit
	}
	st := ex.st.
		Put(keyIteration, iter).
		Put(keyPendingCall, call.ID).
		Put(keyInterrupt, interrupt.Encode(it)).
		Put(keyMaxIterations, ex.maxIter)
	if ex.reqSystem != "" {
		st = st.Put(keySystemPrompt, ex.reqSystem)
	}
	cpID, err := ex.s.checkpointer.Save(ctx, tid, st, storage.WithTag(string(status)))
	if err != nil {
		return ex.abort(ctx, run.StatusFailed, errs.CodeCheckpoint, err)
	}
	ex.mc.Status = status

	resp := ex.response(status, cpID)
	resp.Interrupt = it
	if cmd, ok := it.Command(cpID).(*interrupt.ApprovalCommand); ok {
		req := cmd.Request
		resp.ApprovalRequest = &req
	}
	ex.s.logger.InfoContext(ctx, "run paused",
		"thread_id", tid, "checkpoint_id", cpID, "status", status, "tool", call.Name, "call_id", call.ID)
	ex.s.chain.AfterInvoke(ctx, ex.mc, resp)
	return resp, nil
}

// finalize applies the reducer and OnStateUpdate, saves the final
// checkpoint and runs AfterInvoke.
func (ex *execution) finalize(ctx context.Context) (*run.Response, error) {
	ex.halted(ctx)
	if ex.cancelled != nil {
		return ex.abort(ctx, run.StatusStopped, errs.CodeCancelled, ex.cancelled)
	}
	ex.mc.Status = run.StatusFinalizing
	tid := ex.mc.ThreadID

	old := ex.st
	st := old
	if r := ex.s.config.Reducer; r != nil {
		reduced, err := r(st)
		if err != nil {
			return ex.abort(ctx, run.StatusFailed, errs.CodeMiddleware, fmt.Errorf("state reducer: %w", err))
		}
		if reduced != nil {
			st = reduced
		}
	}
	ex.setState(st)
	ex.setState(ex.s.chain.OnStateUpdate(ctx, ex.mc, old, st))

	status := run.StatusDone
	if ex.mc.Stopped {
		status = run.StatusStopped
	}
	// A resumed run always saves: its pause is the thread's latest checkpoint
	// and must be superseded, or the thread stays paused.
	var cpID string
	if (ex.s.config.Checkpointing || ex.resumed) && ex.s.checkpointer != nil && tid != "" {
		id, err := ex.s.checkpointer.Save(ctx, tid, ex.st, storage.WithTag(string(status)))
		if err != nil {
			return ex.abort(ctx, run.StatusFailed, errs.CodeCheckpoint, err)
		}
		cpID = id
	}
	ex.mc.Status = status

	resp := ex.response(status, cpID)
	ex.s.logger.DebugContext(ctx, "run finished",
		"thread_id", tid, "status", status, "model_calls", ex.modelCalls, "tool_calls", len(ex.executed))
	ex.s.chain.AfterInvoke(ctx, ex.mc, resp)
	return resp, nil
}

// abort ends the run without saving. The returned response carries the
// partial transcript and err. A model failure skips AfterInvoke.
func (ex *execution) abort(ctx context.Context, status run.Status, code errs.Code, cause error) (*run.Response, error) {
	err := errs.Wrap(code, ex.mc.ThreadID, cause)
	ex.mc.Status = status
	resp := ex.response(status, "")
	resp.Err = err
	level := slog.LevelError
	if code == errs.CodeCancelled {
		level = slog.LevelInfo
	}
	ex.s.logger.Log(ctx, level, "run aborted", "thread_id", ex.mc.ThreadID, "status", status, "error", err)
	if code != errs.CodeModel {
		ex.s.chain.AfterInvoke(context.WithoutCancel(ctx), ex.mc, resp)
	}
	return resp, err
}

func (ex *execution) response(status run.Status, checkpointID string) *run.Response {
	end := time.Now()
	var out string
	if ai, _ := ex.st.LastAI(); ai != nil {
		out = ai.Content
	}
	return &run.Response{
		Output:       out,
		Messages:     ex.st.Messages(),
		ToolCalls:    slices.Clone(ex.executed),
		State:        ex.st,
		ThreadID:     ex.mc.ThreadID,
		CheckpointID: checkpointID,
		Status:       status,
		Iterations:   ex.modelCalls,
		Usage:        ex.usage,
		Duration:     end.Sub(ex.start),
		StartTime:    ex.start,
		EndTime:      end,
	}
}
