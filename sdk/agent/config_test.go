package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronos-ai/reactor/engine/middleware"
	"github.com/chronos-ai/reactor/engine/model"
	"github.com/chronos-ai/reactor/engine/model/modeltest"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/engine/tool"
	"github.com/chronos-ai/reactor/storage/adapters/memory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
agents:
  - id: test-agent
    name: Test Agent
    description: A test agent
    model:
      provider: openai
      model: gpt-4o-mini
      max_retries: 2
    system_prompt: You are a test agent.
    instructions:
      - Be concise
      - Use Go conventions
    max_iterations: 4
    checkpointing: false
    tools:
      - name: delete_file
        permission: require_approval
    middleware:
      logging: true
      rate_limit:
        per_minute: 30
        burst: 3
      summarization:
        threshold: 0.7
        preserve_recent_turns: 2
        context_limit: 8000
`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(fc.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(fc.Agents))
	}

	cfg := fc.Agents[0]
	if cfg.ID != "test-agent" {
		t.Errorf("expected ID 'test-agent', got %q", cfg.ID)
	}
	if cfg.Model.Provider != "openai" || cfg.Model.MaxRetries != 2 {
		t.Errorf("unexpected model config: %+v", cfg.Model)
	}
	if cfg.System != "You are a test agent." {
		t.Errorf("unexpected system prompt: %q", cfg.System)
	}
	if len(cfg.Instructions) != 2 {
		t.Errorf("expected 2 instructions, got %d", len(cfg.Instructions))
	}
	if cfg.MaxIterations != 4 {
		t.Errorf("expected max_iterations 4, got %d", cfg.MaxIterations)
	}
	if cfg.Checkpointing == nil || *cfg.Checkpointing {
		t.Errorf("expected checkpointing to be explicitly off, got %v", cfg.Checkpointing)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Permission != "require_approval" {
		t.Errorf("unexpected tools: %+v", cfg.Tools)
	}
	rl := cfg.Middleware.RateLimit
	if rl == nil || rl.PerMinute != 30 || rl.Burst != 3 {
		t.Errorf("unexpected rate limit: %+v", rl)
	}
	sc := cfg.Middleware.Summarization
	if sc == nil || sc.Threshold != 0.7 || sc.PreserveRecentTurns != 2 || sc.ContextLimit != 8000 {
		t.Errorf("unexpected summarization: %+v", sc)
	}
	if err := fc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
defaults:
  model:
    provider: openai
    api_key: default-key
    model: gpt-4o
  storage:
    backend: memory
  max_iterations: 7

agents:
  - id: agent-a
    name: Agent A
  - id: agent-b
    name: Agent B
    model:
      provider: compatible
      model: llama3.3
      base_url: http://localhost:11434/v1
    storage:
      backend: sqlite
      dsn: b.db
`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	a := fc.Agents[0]
	if a.Model.Provider != "openai" {
		t.Errorf("agent-a should inherit provider 'openai', got %q", a.Model.Provider)
	}
	if a.Model.APIKey != "default-key" {
		t.Errorf("agent-a should inherit api_key, got %q", a.Model.APIKey)
	}
	if a.Storage.Backend != "memory" {
		t.Errorf("agent-a should inherit storage, got %+v", a.Storage)
	}
	if a.MaxIterations != 7 {
		t.Errorf("agent-a should inherit max_iterations, got %d", a.MaxIterations)
	}

	b := fc.Agents[1]
	if b.Model.Provider != "compatible" {
		t.Errorf("agent-b should override to 'compatible', got %q", b.Model.Provider)
	}
	if b.Model.APIKey != "default-key" {
		t.Errorf("agent-b should inherit api_key, got %q", b.Model.APIKey)
	}
	if b.Storage.Backend != "sqlite" || b.Storage.DSN != "b.db" {
		t.Errorf("agent-b should keep its own storage, got %+v", b.Storage)
	}
}

func TestFindAgent(t *testing.T) {
	fc := &FileConfig{
		Agents: []AgentConfig{
			{ID: "dev", Name: "Dev Agent"},
			{ID: "researcher", Name: "Research Agent"},
		},
	}

	tests := []struct {
		query   string
		wantID  string
		wantErr bool
	}{
		{"dev", "dev", false},
		{"Dev Agent", "dev", false},
		{"researcher", "researcher", false},
		{"RESEARCH AGENT", "researcher", false},
		{"nonexistent", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			cfg, err := fc.FindAgent(tt.query)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.ID != tt.wantID {
				t.Errorf("expected ID %q, got %q", tt.wantID, cfg.ID)
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REACTOR_KEY", "my-secret-key")

	path := writeConfig(t, `
agents:
  - id: env-test
    model:
      provider: openai
      api_key: ${TEST_REACTOR_KEY}
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.Agents[0].Model.APIKey != "my-secret-key" {
		t.Errorf("expected expanded key 'my-secret-key', got %q", fc.Agents[0].Model.APIKey)
	}
}

func TestDotEnvNextToConfig(t *testing.T) {
	const key = "TEST_REACTOR_DOTENV_KEY"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeConfig(t, `
agents:
  - id: dotenv-test
    model:
      provider: openai
      api_key: ${TEST_REACTOR_DOTENV_KEY}
`)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(key+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := fc.Agents[0].Model.APIKey; got != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AgentConfig
		wantErr bool
	}{
		{"valid", AgentConfig{ID: "a", Model: ModelConfig{Provider: "openai"}}, false},
		{"missing id", AgentConfig{Model: ModelConfig{Provider: "openai"}}, true},
		{"unknown provider", AgentConfig{ID: "a", Model: ModelConfig{Provider: "anthropic"}}, true},
		{"unknown backend", AgentConfig{ID: "a", Model: ModelConfig{Provider: "openai"}, Storage: StorageConfig{Backend: "mysql"}}, true},
		{"short encrypt key", AgentConfig{ID: "a", Model: ModelConfig{Provider: "openai"}, Storage: StorageConfig{EncryptKey: "abcd"}}, true},
		{"bad tool permission", AgentConfig{ID: "a", Model: ModelConfig{Provider: "openai"}, Tools: []ToolConfig{{Name: "x", Permission: "maybe"}}}, true},
		{"negative iterations", AgentConfig{ID: "a", Model: ModelConfig{Provider: "openai"}, MaxIterations: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &FileConfig{Agents: []AgentConfig{tt.cfg}}
			err := fc.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildAgent(t *testing.T) {
	cfg := &AgentConfig{
		ID:   "build-test",
		Name: "Build Test Agent",
		Model: ModelConfig{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			APIKey:     "test",
			MaxRetries: 1,
		},
		System:        "You are a test agent.",
		Instructions:  []string{"Be concise"},
		MaxIterations: 3,
		Tools:         []ToolConfig{{Name: "delete_file", Permission: "require_approval"}},
		Storage:       StorageConfig{Backend: "memory"},
		Middleware: MiddlewareConfig{
			Logging:   true,
			Metrics:   true,
			Blocklist: []string{"rm -rf"},
			Policy:    &PolicyConfig{},
			RateLimit: &RateLimitConfig{PerMinute: 60},
		},
	}
	del := &tool.Func{ToolName: "delete_file"}

	a, err := BuildAgent(context.Background(), cfg, WithTools(del))
	if err != nil {
		t.Fatalf("BuildAgent: %v", err)
	}
	if a.ID != "build-test" || a.Name != "Build Test Agent" {
		t.Errorf("unexpected identity: %q %q", a.ID, a.Name)
	}
	if a.MaxIterations != 3 {
		t.Errorf("expected max iterations 3, got %d", a.MaxIterations)
	}
	if _, ok := a.Model.(*model.Retry); !ok {
		t.Errorf("expected retrying model, got %T", a.Model)
	}
	if _, ok := a.Checkpointer.(*memory.Store); !ok {
		t.Errorf("expected memory checkpointer, got %T", a.Checkpointer)
	}

	descs := a.Tools.Tools()
	if len(descs) != 1 || descs[0].Permission != tool.PermRequireApproval {
		t.Errorf("expected permission override, got %+v", descs)
	}

	var names []string
	for _, mw := range a.Middleware {
		names = append(names, mw.Name())
	}
	want := []string{"logging", "metrics", "guardrails", "policy", "rate_limit", "approval"}
	if len(names) != len(want) {
		t.Fatalf("expected middleware %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("middleware %d: expected %q, got %q", i, want[i], names[i])
		}
	}
}

func TestBuildAgentWithCacheAndBudget(t *testing.T) {
	cfg := &AgentConfig{
		ID:      "cached",
		Model:   ModelConfig{Provider: "openai", APIKey: "test", CacheTTLSec: 60, CacheMaxEntries: 10},
		Storage: StorageConfig{Backend: "none"},
		Middleware: MiddlewareConfig{
			Metrics: true,
			Budget:  &BudgetConfig{Limit: 5, ThreadLimit: 1},
		},
	}
	a, err := BuildAgent(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildAgent: %v", err)
	}
	c, ok := a.Model.(*model.Cache)
	if !ok {
		t.Fatalf("expected caching model, got %T", a.Model)
	}
	if c.MaxEntries != 10 || c.ModelID() != "gpt-4o" {
		t.Errorf("unexpected cache: max=%d model=%s", c.MaxEntries, c.ModelID())
	}
	if a.Checkpointer != nil {
		t.Errorf("expected no checkpointer, got %T", a.Checkpointer)
	}
	if len(a.Middleware) != 2 || a.Middleware[1].Name() != "budget" {
		t.Fatalf("expected metrics then budget, got %d middleware", len(a.Middleware))
	}
	if b := a.Middleware[1].(*middleware.Budget); b.Limit != 5 || b.ThreadLimit != 1 {
		t.Errorf("unexpected budget limits: %v %v", b.Limit, b.ThreadLimit)
	}
}

func TestBuildAgentRejectsInvalidConfig(t *testing.T) {
	cfg := &AgentConfig{ID: "bad", Model: ModelConfig{Provider: "compatible"}, Storage: StorageConfig{Backend: "none"}}
	if _, err := BuildAgent(context.Background(), cfg); err == nil {
		t.Fatal("expected error for compatible provider without base_url")
	}

	cfg = &AgentConfig{ID: "bad", Model: ModelConfig{Provider: "openai"}, Middleware: MiddlewareConfig{Policy: &PolicyConfig{Module: "package broken {"}}}
	if _, err := BuildAgent(context.Background(), cfg, WithChatModel(modeltest.New())); err == nil {
		t.Fatal("expected error for a policy that does not compile")
	}
}

func TestBuildAgentWithSQLiteStorage(t *testing.T) {
	ctx := context.Background()
	cfg := &AgentConfig{
		ID: "sqlite-test",
		Storage: StorageConfig{
			Backend:     "sqlite",
			DSN:         filepath.Join(t.TempDir(), "reactor.db"),
			Codec:       "msgpack",
			Compression: "zstd",
		},
	}
	a, err := BuildAgent(ctx, cfg, WithChatModel(modeltest.New(modeltest.Reply("stored"))))
	if err != nil {
		t.Fatalf("BuildAgent: %v", err)
	}
	defer a.Close()

	resp, err := a.Invoke(ctx, &Request{ThreadID: "t1", Input: "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Output != "stored" {
		t.Errorf("unexpected output %q", resp.Output)
	}
	history, err := a.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Tag != "done" {
		t.Errorf("expected one done checkpoint, got %+v", history)
	}
	st, err := a.State(ctx, "t1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Len() != 2 {
		t.Errorf("expected 2 messages after a round trip, got %d", st.Len())
	}
}

func TestBuildAll(t *testing.T) {
	fc := &FileConfig{
		Agents: []AgentConfig{
			{ID: "worker", Storage: StorageConfig{Backend: "none"}},
			{ID: "boss", Storage: StorageConfig{Backend: "none"}},
		},
	}
	agents, err := BuildAll(context.Background(), fc, WithChatModel(modeltest.New()))
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(agents) != 2 || agents["boss"] == nil || agents["worker"] == nil {
		t.Fatalf("unexpected agents: %v", agents)
	}

	fc.Agents = append(fc.Agents, AgentConfig{ID: "worker", Storage: StorageConfig{Backend: "none"}})
	if _, err := BuildAll(context.Background(), fc, WithChatModel(modeltest.New())); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestPermissionOverrideGatesTool(t *testing.T) {
	ctx := context.Background()
	m := modeltest.New(
		modeltest.Reply("", state.ToolCall{ID: "c1", Name: "wipe"}),
		modeltest.Reply("done"),
	)
	cfg := &AgentConfig{ID: "gate", Tools: []ToolConfig{{Name: "wipe", Permission: "require_approval"}}, Storage: StorageConfig{Backend: "memory"}}
	wipe := &tool.Func{ToolName: "wipe", Handler: func(context.Context, json.RawMessage) (any, error) { return "ok", nil }}

	a, err := BuildAgent(ctx, cfg, WithChatModel(m), WithTools(wipe))
	if err != nil {
		t.Fatalf("BuildAgent: %v", err)
	}
	resp, err := a.Invoke(ctx, &Request{ThreadID: "t1", Input: "wipe it"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp.Waiting() {
		t.Fatalf("expected the overridden tool to pause for approval, got %s", resp.Status)
	}
}
