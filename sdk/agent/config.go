package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chronos-ai/reactor/engine/middleware"
	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/model/openai"
	"github.com/chronos-ai/reactor/engine/tool"
	"github.com/chronos-ai/reactor/storage"
	"github.com/chronos-ai/reactor/storage/adapters/memory"
	"github.com/chronos-ai/reactor/storage/adapters/postgres"
	"github.com/chronos-ai/reactor/storage/adapters/sqlite"
	"github.com/chronos-ai/reactor/storage/serialization"
)

// AgentConfig is the YAML-serializable definition of a single agent.
type AgentConfig struct {
	ID          string `yaml:"id" validate:"required"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	UserID      string `yaml:"user_id,omitempty"`

	Model        ModelConfig   `yaml:"model"`
	Fallbacks    []ModelConfig `yaml:"fallbacks,omitempty" validate:"dive"`
	Storage      StorageConfig `yaml:"storage,omitempty"`
	System       string        `yaml:"system_prompt,omitempty"`
	Instructions []string      `yaml:"instructions,omitempty"`
	Tools        []ToolConfig  `yaml:"tools,omitempty" validate:"dive"`

	MaxIterations   int     `yaml:"max_iterations,omitempty" validate:"gte=0,lte=1000"`
	Checkpointing   *bool   `yaml:"checkpointing,omitempty"`
	MaxConcurrency  int     `yaml:"max_concurrency,omitempty" validate:"gte=0"`
	ModelTimeoutSec int     `yaml:"model_timeout_sec,omitempty" validate:"gte=0"`
	ToolTimeoutSec  int     `yaml:"tool_timeout_sec,omitempty" validate:"gte=0"`
	Temperature     float64 `yaml:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens       int     `yaml:"max_tokens,omitempty" validate:"gte=0"`

	Middleware MiddlewareConfig `yaml:"middleware,omitempty"`
}

// ModelConfig describes which model provider and settings to use.
type ModelConfig struct {
	Provider     string `yaml:"provider" validate:"required,oneof=openai compatible"`
	Model        string `yaml:"model,omitempty"`   // model ID, e.g. "gpt-4o"
	APIKey       string `yaml:"api_key,omitempty"` // literal or ${ENV_VAR}
	BaseURL      string `yaml:"base_url,omitempty"`
	OrgID        string `yaml:"org_id,omitempty"`
	MaxRetries   int    `yaml:"max_retries,omitempty" validate:"gte=0,lte=10"`
	ContextLimit int    `yaml:"context_limit,omitempty" validate:"gte=0"`
	// CacheTTLSec replays final answers for identical transcripts; 0 disables.
	CacheTTLSec     int `yaml:"cache_ttl_sec,omitempty" validate:"gte=0"`
	CacheMaxEntries int `yaml:"cache_max_entries,omitempty" validate:"gte=0"`
}

// StorageConfig describes the checkpoint store.
type StorageConfig = storage.Config

// ToolConfig overrides the permission of a tool registered in code.
type ToolConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Permission string `yaml:"permission,omitempty" validate:"omitempty,oneof=allow require_approval deny"`
}

// MiddlewareConfig selects the middleware stack, outermost first: logging,
// tracing, metrics, budget, guardrails, policy, rate limit, approval,
// summarization.
type MiddlewareConfig struct {
	Logging         bool                 `yaml:"logging,omitempty"`
	Tracing         bool                 `yaml:"tracing,omitempty"`
	Metrics         bool                 `yaml:"metrics,omitempty"`
	Budget          *BudgetConfig        `yaml:"budget,omitempty"`
	Blocklist       []string             `yaml:"blocklist,omitempty"`
	MaxInputChars   int                  `yaml:"max_input_chars,omitempty" validate:"gte=0"`
	Policy          *PolicyConfig        `yaml:"policy,omitempty"`
	RateLimit       *RateLimitConfig     `yaml:"rate_limit,omitempty"`
	RequireApproval []string             `yaml:"require_approval,omitempty"`
	Summarization   *SummarizationConfig `yaml:"summarization,omitempty"`
}

// PolicyConfig is a rego module given inline or by path.
type PolicyConfig struct {
	Module string `yaml:"module,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// BudgetConfig caps spend in currency units. Prices override the built-in
// table by model id.
type BudgetConfig struct {
	Limit       float64                          `yaml:"limit,omitempty" validate:"gte=0"`
	ThreadLimit float64                          `yaml:"thread_limit,omitempty" validate:"gte=0"`
	Prices      map[string]middleware.ModelPrice `yaml:"prices,omitempty"`
}

type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute" validate:"gt=0"`
	Burst     int     `yaml:"burst,omitempty" validate:"gte=0"`
	Blocking  bool    `yaml:"blocking,omitempty"`
}

type SummarizationConfig struct {
	model.SummarizationConfig `yaml:",inline"`
	ContextLimit              int `yaml:"context_limit,omitempty" validate:"gte=0"`
}

// FileConfig is the top-level structure of an agents YAML file.
type FileConfig struct {
	Agents []AgentConfig `yaml:"agents" validate:"dive"`

	// Defaults applied to all agents unless overridden
	Defaults *AgentConfig `yaml:"defaults,omitempty" validate:"-"`
}

// LoadFile parses a YAML config file and returns all agent configs. A .env
// file next to it is loaded first so ${VAR} references can use it; variables
// already set in the environment win.
// Searches in order: given path, .reactor/agents.yaml, agents.yaml, ~/.reactor/agents.yaml.
func LoadFile(path string) (*FileConfig, error) {
	data, resolvedPath, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	envFile := filepath.Join(filepath.Dir(resolvedPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", resolvedPath, err)
	}

	if fc.Defaults != nil {
		for i := range fc.Agents {
			applyDefaults(&fc.Agents[i], fc.Defaults)
		}
	}
	for i := range fc.Agents {
		expandEnvInConfig(&fc.Agents[i])
	}
	return &fc, nil
}

// Validate checks every agent definition.
func (fc *FileConfig) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(fc)
}

// FindAgent looks up an agent by ID or name (case-insensitive) within a FileConfig.
func (fc *FileConfig) FindAgent(idOrName string) (*AgentConfig, error) {
	lower := strings.ToLower(idOrName)
	for i := range fc.Agents {
		if strings.ToLower(fc.Agents[i].ID) == lower || strings.ToLower(fc.Agents[i].Name) == lower {
			return &fc.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent %q not found in config (available: %s)", idOrName, fc.agentNames())
}

func (fc *FileConfig) agentNames() string {
	names := make([]string, len(fc.Agents))
	for i, a := range fc.Agents {
		names[i] = a.ID
		if a.Name != "" && a.Name != a.ID {
			names[i] += " (" + a.Name + ")"
		}
	}
	return strings.Join(names, ", ")
}

// BuildOption customizes BuildAgent.
type BuildOption func(*buildOptions)

type buildOptions struct {
	tools  []tool.Tool
	model  model.ChatModel
	logger *slog.Logger
}

// WithTools registers tools implemented in code. Config tool entries
// override their permissions by name.
func WithTools(tools ...tool.Tool) BuildOption {
	return func(o *buildOptions) { o.tools = append(o.tools, tools...) }
}

// WithChatModel replaces the configured provider.
func WithChatModel(m model.ChatModel) BuildOption {
	return func(o *buildOptions) { o.model = m }
}

func WithBuildLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// BuildAgent constructs a fully-wired *Agent from an AgentConfig.
func BuildAgent(ctx context.Context, cfg *AgentConfig, opts ...BuildOption) (*Agent, error) {
	var o buildOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if err := validateAgentConfig(cfg, o.model != nil); err != nil {
		return nil, fmt.Errorf("agent %q: %w", cfg.ID, err)
	}

	b := New(cfg.ID, cfg.Name).WithLogger(o.logger)
	if cfg.Description != "" {
		b.Description(cfg.Description)
	}
	if cfg.UserID != "" {
		b.WithUserID(cfg.UserID)
	}
	if cfg.System != "" {
		b.WithSystemPrompt(cfg.System)
	}
	for _, inst := range cfg.Instructions {
		b.AddInstruction(inst)
	}
	if cfg.MaxIterations > 0 {
		b.WithMaxIterations(cfg.MaxIterations)
	}
	if cfg.Checkpointing != nil {
		b.WithCheckpointing(*cfg.Checkpointing)
	}
	if cfg.MaxConcurrency > 0 {
		b.WithMaxConcurrency(cfg.MaxConcurrency)
	}
	b.WithTimeouts(seconds(cfg.ModelTimeoutSec), seconds(cfg.ToolTimeoutSec))
	b.WithTemperature(cfg.Temperature).WithMaxTokens(cfg.MaxTokens)

	overrides := make(map[string]tool.Permission, len(cfg.Tools))
	for _, tc := range cfg.Tools {
		if tc.Permission != "" {
			overrides[tc.Name] = tool.Permission(tc.Permission)
		}
	}
	for _, t := range o.tools {
		if p, ok := overrides[t.Name()]; ok {
			t = withPermission(t, p)
		}
		b.AddTool(t)
	}

	chat := o.model
	if chat == nil {
		m, err := buildModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("agent %q model: %w", cfg.ID, err)
		}
		chat = m
	}
	b.WithModel(chat)

	mws, err := buildMiddleware(ctx, cfg, chat, o.logger)
	if err != nil {
		return nil, fmt.Errorf("agent %q middleware: %w", cfg.ID, err)
	}
	b.AddMiddleware(mws...)

	cp, err := OpenCheckpointer(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("agent %q storage: %w", cfg.ID, err)
	}
	if cp != nil {
		b.WithCheckpointer(cp)
	}

	a, err := b.Build()
	if err != nil && cp != nil {
		_ = cp.Close()
	}
	return a, err
}

func validateAgentConfig(cfg *AgentConfig, modelInjected bool) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if modelInjected {
		return v.StructExcept(cfg, "Model")
	}
	return v.Struct(cfg)
}

// BuildAll constructs all agents from a FileConfig.
func BuildAll(ctx context.Context, fc *FileConfig, opts ...BuildOption) (map[string]*Agent, error) {
	agents := make(map[string]*Agent, len(fc.Agents))
	for i := range fc.Agents {
		a, err := BuildAgent(ctx, &fc.Agents[i], opts...)
		if err != nil {
			for _, built := range agents {
				_ = built.Close()
			}
			return nil, err
		}
		if _, dup := agents[a.ID]; dup {
			_ = a.Close()
			return nil, fmt.Errorf("agent %q defined twice", a.ID)
		}
		agents[a.ID] = a
	}
	return agents, nil
}

func buildModel(cfg *AgentConfig) (model.ChatModel, error) {
	primary, err := buildProvider(cfg.Model)
	if err != nil {
		return nil, err
	}
	chat := primary
	if len(cfg.Fallbacks) > 0 {
		chain := []model.ChatModel{primary}
		for i, fc := range cfg.Fallbacks {
			m, err := buildProvider(fc)
			if err != nil {
				return nil, fmt.Errorf("fallback %d: %w", i, err)
			}
			chain = append(chain, m)
		}
		if chat, err = model.NewFallback(chain...); err != nil {
			return nil, err
		}
	}
	if cfg.Model.CacheTTLSec > 0 {
		c := model.NewCache(chat, seconds(cfg.Model.CacheTTLSec))
		c.MaxEntries = cfg.Model.CacheMaxEntries
		chat = c
	}
	return chat, nil
}

func buildProvider(cfg ModelConfig) (model.ChatModel, error) {
	modelID := cfg.Model
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if modelID == "" {
			modelID = "gpt-4o"
		}
	case "compatible":
		if cfg.BaseURL == "" {
			return nil, errors.New("compatible provider requires base_url")
		}
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: openai, compatible)", cfg.Provider)
	}

	m, err := openai.New(openai.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        modelID,
		OrgID:        cfg.OrgID,
		ContextLimit: cfg.ContextLimit,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		return model.NewRetry(m, cfg.MaxRetries), nil
	}
	return m, nil
}

func buildMiddleware(ctx context.Context, cfg *AgentConfig, chat model.ChatModel, logger *slog.Logger) ([]middleware.Middleware, error) {
	mc := cfg.Middleware
	var mws []middleware.Middleware
	if mc.Logging {
		mws = append(mws, middleware.NewLogging(logger))
	}
	if mc.Tracing {
		mws = append(mws, middleware.NewTracing(nil))
	}
	if mc.Metrics {
		mws = append(mws, middleware.NewMetrics())
	}
	if bc := mc.Budget; bc != nil {
		b := middleware.NewBudget(chat.ModelID(), bc.Limit, bc.Prices)
		b.ThreadLimit = bc.ThreadLimit
		mws = append(mws, b)
	}
	if len(mc.Blocklist) > 0 || mc.MaxInputChars > 0 {
		g := middleware.NewGuardrails()
		if len(mc.Blocklist) > 0 {
			bl := &middleware.Blocklist{Terms: mc.Blocklist}
			g.AddRule(middleware.Rule{Name: "blocklist", Position: middleware.Input, Guardrail: bl})
			g.AddRule(middleware.Rule{Name: "blocklist", Position: middleware.ToolArgs, Guardrail: bl})
		}
		if mc.MaxInputChars > 0 {
			g.AddRule(middleware.Rule{Name: "max_length", Position: middleware.Input, Guardrail: &middleware.MaxLength{MaxChars: mc.MaxInputChars}})
		}
		mws = append(mws, g)
	}
	if mc.Policy != nil {
		module := mc.Policy.Module
		if mc.Policy.File != "" {
			data, err := os.ReadFile(mc.Policy.File)
			if err != nil {
				return nil, fmt.Errorf("read policy: %w", err)
			}
			module = string(data)
		}
		if module == "" {
			module = middleware.DefaultPolicy
		}
		p, err := middleware.NewPolicy(ctx, module)
		if err != nil {
			return nil, err
		}
		mws = append(mws, p)
	}
	if rl := mc.RateLimit; rl != nil {
		r := middleware.NewRateLimit(rl.PerMinute, rl.Burst)
		if rl.Blocking {
			r.Blocking()
		}
		mws = append(mws, r)
	}
	if len(mc.RequireApproval) > 0 {
		mws = append(mws, middleware.NewApproval(mc.RequireApproval...))
	}
	if sc := mc.Summarization; sc != nil {
		limit := sc.ContextLimit
		if limit == 0 {
			limit = cfg.Model.ContextLimit
		}
		mws = append(mws, middleware.NewSummarization(chat, sc.SummarizationConfig, limit, logger))
	}
	return mws, nil
}

// OpenCheckpointer opens and migrates the configured store. It returns nil for
// the "none" backend.
func OpenCheckpointer(ctx context.Context, cfg StorageConfig) (storage.Checkpointer, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = "sqlite"
	}
	if backend == "none" {
		return nil, nil
	}
	if backend == "memory" {
		return memory.New(), nil
	}

	ser, err := serialization.FromNames(cfg.Codec, cfg.Compression, cfg.EncryptKey)
	if err != nil {
		return nil, err
	}
	switch backend {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "reactor.db"
		}
		s, err := sqlite.New(dsn, sqlite.WithSerializer(ser))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres storage requires dsn")
		}
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithSerializer(ser))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (supported: sqlite, postgres, memory, none)", backend)
	}
}

// permissionedTool overrides the permission a tool declares.
type permissionedTool struct {
	tool.Tool
	perm tool.Permission
}

func withPermission(t tool.Tool, p tool.Permission) tool.Tool {
	return &permissionedTool{Tool: t, perm: p}
}

func (t *permissionedTool) Permission() tool.Permission { return t.perm }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func readConfigFile(path string) ([]byte, string, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{
			".reactor/agents.yaml",
			".reactor/agents.yml",
			"agents.yaml",
			"agents.yml",
		}
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates,
				filepath.Join(home, ".reactor", "agents.yaml"),
				filepath.Join(home, ".reactor", "agents.yml"),
			)
		}
	}

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, p, nil
		}
	}

	if path != "" {
		return nil, path, fmt.Errorf("config file not found: %s", path)
	}
	return nil, "", fmt.Errorf("no agent config found (looked in: %s)", strings.Join(candidates, ", "))
}

// expandEnvInConfig replaces ${VAR} references with environment variable values.
func expandEnvInConfig(cfg *AgentConfig) {
	cfg.ID = expandEnv(cfg.ID)
	cfg.Name = expandEnv(cfg.Name)
	cfg.Description = expandEnv(cfg.Description)
	cfg.UserID = expandEnv(cfg.UserID)
	cfg.System = expandEnv(cfg.System)
	expandModel(&cfg.Model)
	for i := range cfg.Fallbacks {
		expandModel(&cfg.Fallbacks[i])
	}
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Storage.EncryptKey = expandEnv(cfg.Storage.EncryptKey)
	for i := range cfg.Instructions {
		cfg.Instructions[i] = expandEnv(cfg.Instructions[i])
	}
	if cfg.Middleware.Policy != nil {
		cfg.Middleware.Policy.File = expandEnv(cfg.Middleware.Policy.File)
	}
}

func expandModel(m *ModelConfig) {
	m.APIKey = expandEnv(m.APIKey)
	m.BaseURL = expandEnv(m.BaseURL)
	m.OrgID = expandEnv(m.OrgID)
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

func applyDefaults(cfg *AgentConfig, defaults *AgentConfig) {
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = defaults.Model.Provider
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = defaults.Model.Model
	}
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = defaults.Model.APIKey
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = defaults.Model.BaseURL
	}
	if cfg.Model.OrgID == "" {
		cfg.Model.OrgID = defaults.Model.OrgID
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = defaults.Model.MaxRetries
	}
	if cfg.Model.ContextLimit == 0 {
		cfg.Model.ContextLimit = defaults.Model.ContextLimit
	}
	if cfg.Model.CacheTTLSec == 0 {
		cfg.Model.CacheTTLSec = defaults.Model.CacheTTLSec
	}
	if cfg.Storage == (StorageConfig{}) {
		cfg.Storage = defaults.Storage
	}
	if cfg.Middleware.Budget == nil {
		cfg.Middleware.Budget = defaults.Middleware.Budget
	}
	if cfg.System == "" {
		cfg.System = defaults.System
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.Checkpointing == nil {
		cfg.Checkpointing = defaults.Checkpointing
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.ModelTimeoutSec == 0 {
		cfg.ModelTimeoutSec = defaults.ModelTimeoutSec
	}
	if cfg.ToolTimeoutSec == 0 {
		cfg.ToolTimeoutSec = defaults.ToolTimeoutSec
	}
}
