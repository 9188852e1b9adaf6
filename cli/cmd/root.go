// Package cmd provides the reactor maintenance CLI command tree.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-ai/reactor/cli/repl"
	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/sdk/agent"
	"github.com/chronos-ai/reactor/storage"
)

// Version is set at build time with -ldflags.
var Version = "v0.1.0"

// Execute runs the root CLI command.
func Execute() error {
	args, agentID := splitAgentFlag(os.Args[1:])
	if len(args) == 0 {
		return printUsage()
	}
	logger := newLogger(os.Stderr, os.Getenv("REACTOR_LOG_LEVEL"))
	ctx := context.Background()

	switch args[0] {
	case "threads", "checkpoints", "show", "delete", "fork", "inspect", "db":
		store, err := openStore(ctx, agentID)
		if err != nil {
			return err
		}
		defer store.Close()
		return runStoreCmd(ctx, store, logger, args)
	case "agent", "agents":
		return runAgentCmd(args[1:])
	case "config":
		return runConfig(args[1:])
	case "version":
		fmt.Println("reactor " + Version)
		return nil
	case "help", "--help", "-h":
		return printUsage()
	default:
		return fmt.Errorf("unknown command: %s\nRun 'reactor help' for usage.", args[0])
	}
}

func printUsage() error {
	fmt.Println(`reactor - checkpoint maintenance for ReAct agents

Usage:
  reactor [--agent <id>] <command> [arguments]

Commands:
  threads                         List threads that have checkpoints
  checkpoints <thread>            List a thread's checkpoints, newest first
  show <thread> [checkpoint]      Print a checkpoint's messages (latest by default)
       [--json]                   Print the stored snapshot as JSON instead
  delete <thread> [checkpoint]    Delete one checkpoint, or the whole thread
  fork <thread> <checkpoint>      Copy a checkpoint into a new thread
  inspect                         Interactive checkpoint browser
  db init                         Create or migrate the store
  agent list                      List agents defined in config
  agent show <id>                 Show agent configuration details
  config show                     Show resolved configuration
  version                         Print version
  help                            Show this help

The store is the one configured for --agent (or the first agent in the config
file). Without a config file it is the SQLite database at REACTOR_DB_PATH.

Environment:
  REACTOR_CONFIG       Path to agents YAML config file
  REACTOR_DB_PATH      SQLite database path (default: reactor.db)
  REACTOR_CODEC        Checkpoint codec without config: json or msgpack
  REACTOR_COMPRESSION  Checkpoint compression without config: none, gzip or zstd
  REACTOR_LOG_LEVEL    debug, info, warn or error (default: info)`)
	return nil
}

// splitAgentFlag removes --agent/-a <id> from args.
func splitAgentFlag(args []string) ([]string, string) {
	var rest []string
	agentID := ""
	for i := 0; i < len(args); i++ {
		if (args[i] == "--agent" || args[i] == "-a") && i+1 < len(args) {
			agentID = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest, agentID
}

func loadAgentConfig() (*agent.FileConfig, error) {
	return agent.LoadFile(os.Getenv("REACTOR_CONFIG"))
}

// storeConfig resolves which checkpoint store the CLI operates on.
func storeConfig(agentID string) (agent.StorageConfig, error) {
	fc, err := loadAgentConfig()
	if err != nil {
		if agentID != "" {
			return agent.StorageConfig{}, err
		}
		return agent.StorageConfig{
			Backend:     "sqlite",
			DSN:         envOrDefault("REACTOR_DB_PATH", "reactor.db"),
			Codec:       os.Getenv("REACTOR_CODEC"),
			Compression: os.Getenv("REACTOR_COMPRESSION"),
		}, nil
	}
	if agentID != "" {
		cfg, err := fc.FindAgent(agentID)
		if err != nil {
			return agent.StorageConfig{}, err
		}
		return cfg.Storage, nil
	}
	if len(fc.Agents) == 0 {
		return agent.StorageConfig{}, fmt.Errorf("no agents defined in config")
	}
	return fc.Agents[0].Storage, nil
}

func openStore(ctx context.Context, agentID string) (storage.Checkpointer, error) {
	cfg, err := storeConfig(agentID)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Backend) {
	case "none", "memory":
		return nil, fmt.Errorf("storage backend %q has nothing to inspect", cfg.Backend)
	}
	store, err := agent.OpenCheckpointer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func runStoreCmd(ctx context.Context, store storage.Checkpointer, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "threads":
		return threadsList(ctx, store)
	case "checkpoints":
		if len(args) < 2 {
			return fmt.Errorf("usage: reactor checkpoints <thread_id>")
		}
		return checkpointsList(ctx, store, args[1])
	case "show":
		rest, asJSON := splitFlag(args[1:], "--json")
		if len(rest) < 1 {
			return fmt.Errorf("usage: reactor show <thread_id> [checkpoint_id] [--json]")
		}
		cpID := ""
		if len(rest) > 1 {
			cpID = rest[1]
		}
		return showCheckpoint(ctx, store, rest[0], cpID, asJSON)
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: reactor delete <thread_id> [checkpoint_id]")
		}
		cpID := ""
		if len(args) > 2 {
			cpID = args[2]
		}
		return deleteCheckpoints(ctx, store, logger, args[1], cpID)
	case "fork":
		if len(args) < 3 {
			return fmt.Errorf("usage: reactor fork <thread_id> <checkpoint_id>")
		}
		_, err := forkThread(ctx, store, logger, args[1], args[2])
		return err
	case "inspect":
		return repl.New(store).Start()
	case "db":
		if len(args) < 2 || args[1] != "init" {
			return fmt.Errorf("usage: reactor db init")
		}
		fmt.Println("Store opened and migrated successfully.")
		return nil
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

func splitFlag(args []string, flag string) ([]string, bool) {
	var rest []string
	found := false
	for _, a := range args {
		if a == flag {
			found = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, found
}

// --- checkpoint commands ---

func threadsList(ctx context.Context, store storage.Checkpointer) error {
	threads, err := store.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	if len(threads) == 0 {
		fmt.Println("No threads found.")
		return nil
	}
	fmt.Printf("%-38s %-12s %-10s %s\n", "THREAD", "CHECKPOINTS", "LAST TAG", "UPDATED")
	fmt.Println(strings.Repeat("-", 90))
	for _, tid := range threads {
		infos, err := store.List(ctx, tid)
		if err != nil {
			return fmt.Errorf("list checkpoints of %s: %w", tid, err)
		}
		tag, updated := "-", "-"
		if len(infos) > 0 {
			if infos[0].Tag != "" {
				tag = infos[0].Tag
			}
			updated = infos[0].CreatedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-38s %-12d %-10s %s\n", tid, len(infos), tag, updated)
	}
	return nil
}

func checkpointsList(ctx context.Context, store storage.Checkpointer, threadID string) error {
	infos, err := store.List(ctx, threadID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Printf("No checkpoints for thread %s.\n", threadID)
		return nil
	}
	fmt.Printf("%-5s %-38s %-8s %-24s %s\n", "SEQ", "CHECKPOINT", "VERSION", "TAG", "CREATED")
	fmt.Println(strings.Repeat("-", 100))
	for _, cp := range infos {
		fmt.Printf("%-5d %-38s %-8d %-24s %s\n", cp.Sequence, cp.CheckpointID, cp.Version, cp.Tag, cp.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func showCheckpoint(ctx context.Context, store storage.Checkpointer, threadID, checkpointID string, asJSON bool) error {
	var (
		st  *state.State
		err error
	)
	if checkpointID == "" {
		st, err = store.LoadLatest(ctx, threadID)
	} else {
		st, err = store.Load(ctx, threadID, checkpointID)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if asJSON {
		out, err := json.MarshalIndent(st.Snapshot(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Thread %s (version %d, %d messages)\n\n", threadID, st.Version(), st.Len())
	for i, m := range st.Messages() {
		fmt.Printf("%3d %s\n", i, formatMessage(m))
	}
	if data := st.Data(); len(data) > 0 {
		fmt.Println("\nData:")
		for k, v := range data {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}
	return nil
}

func formatMessage(m state.Message) string {
	text := truncate(strings.ReplaceAll(m.Text(), "\n", " "), 100)
	switch msg := m.(type) {
	case *state.AIMessage:
		var calls []string
		for _, c := range msg.ToolCalls {
			calls = append(calls, fmt.Sprintf("%s(%s)#%s", c.Name, truncate(string(c.Arguments), 40), c.ID))
		}
		if len(calls) > 0 {
			return fmt.Sprintf("[ai] %s -> %s", text, strings.Join(calls, ", "))
		}
	case *state.ToolMessage:
		if msg.IsError {
			return fmt.Sprintf("[tool#%s error] %s", msg.ToolCallID, text)
		}
		return fmt.Sprintf("[tool#%s] %s", msg.ToolCallID, text)
	}
	return fmt.Sprintf("[%s] %s", m.Kind(), text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func deleteCheckpoints(ctx context.Context, store storage.Checkpointer, logger *slog.Logger, threadID, checkpointID string) error {
	var (
		ok  bool
		err error
	)
	if checkpointID == "" {
		ok, err = store.DeleteThread(ctx, threadID)
	} else {
		ok, err = store.Delete(ctx, threadID, checkpointID)
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !ok {
		fmt.Println("Nothing deleted.")
		return nil
	}
	logger.Info("deleted", "thread_id", threadID, "checkpoint_id", checkpointID)
	fmt.Println("Deleted.")
	return nil
}

func forkThread(ctx context.Context, store storage.Checkpointer, logger *slog.Logger, threadID, checkpointID string) (string, error) {
	st, err := store.Load(ctx, threadID, checkpointID)
	if err != nil {
		return "", fmt.Errorf("load checkpoint: %w", err)
	}
	forked := uuid.NewString()
	cpID, err := store.Save(ctx, forked, st, storage.WithTag("fork:"+threadID))
	if err != nil {
		return "", fmt.Errorf("save fork: %w", err)
	}
	logger.Info("thread forked", "from", threadID, "checkpoint_id", checkpointID, "thread_id", forked)
	fmt.Printf("Forked into thread %s (checkpoint %s)\n", forked, cpID)
	return forked, nil
}

// --- agent subcommands ---

func runAgentCmd(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		return agentList()
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: reactor agent show <agent_id>")
		}
		return agentShow(args[1])
	default:
		return fmt.Errorf("unknown agent subcommand: %s\nUsage: reactor agent [list|show]", sub)
	}
}

func agentList() error {
	fc, err := loadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(fc.Agents) == 0 {
		fmt.Println("No agents defined.")
		return nil
	}
	fmt.Printf("%-15s %-20s %-12s %-15s %s\n", "ID", "NAME", "PROVIDER", "MODEL", "STORAGE")
	fmt.Println(strings.Repeat("-", 85))
	for _, cfg := range fc.Agents {
		modelName := cfg.Model.Model
		if modelName == "" {
			modelName = "(default)"
		}
		fmt.Printf("%-15s %-20s %-12s %-15s %s\n", cfg.ID, cfg.Name, cfg.Model.Provider, modelName, storageLabel(cfg.Storage))
	}
	return nil
}

func agentShow(idOrName string) error {
	fc, err := loadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := fc.FindAgent(idOrName)
	if err != nil {
		return err
	}

	fmt.Printf("Agent: %s\n", cfg.ID)
	fmt.Printf("  Name:           %s\n", cfg.Name)
	if cfg.Description != "" {
		fmt.Printf("  Description:    %s\n", cfg.Description)
	}
	fmt.Printf("  Provider:       %s\n", cfg.Model.Provider)
	fmt.Printf("  Model:          %s\n", cfg.Model.Model)
	if cfg.Model.BaseURL != "" {
		fmt.Printf("  Base URL:       %s\n", cfg.Model.BaseURL)
	}
	for _, fb := range cfg.Fallbacks {
		fmt.Printf("  Fallback:       %s / %s\n", fb.Provider, fb.Model)
	}
	fmt.Printf("  Storage:        %s\n", storageLabel(cfg.Storage))
	if cfg.System != "" {
		fmt.Printf("  System Prompt:  %s\n", truncate(cfg.System, 80))
	}
	if len(cfg.Instructions) > 0 {
		fmt.Printf("  Instructions:   %d\n", len(cfg.Instructions))
	}
	if cfg.MaxIterations > 0 {
		fmt.Printf("  Max Iterations: %d\n", cfg.MaxIterations)
	}
	if cfg.Checkpointing != nil && !*cfg.Checkpointing {
		fmt.Printf("  Checkpointing:  off\n")
	}
	for _, t := range cfg.Tools {
		fmt.Printf("  Tool:           %s (%s)\n", t.Name, t.Permission)
	}
	if mws := middlewareNames(cfg.Middleware); len(mws) > 0 {
		fmt.Printf("  Middleware:     %s\n", strings.Join(mws, ", "))
	}
	return nil
}

func middlewareNames(mc agent.MiddlewareConfig) []string {
	var names []string
	if mc.Logging {
		names = append(names, "logging")
	}
	if mc.Tracing {
		names = append(names, "tracing")
	}
	if mc.Metrics {
		names = append(names, "metrics")
	}
	if mc.Budget != nil {
		names = append(names, "budget")
	}
	if len(mc.Blocklist) > 0 || mc.MaxInputChars > 0 {
		names = append(names, "guardrails")
	}
	if mc.Policy != nil {
		names = append(names, "policy")
	}
	if mc.RateLimit != nil {
		names = append(names, "rate_limit")
	}
	if len(mc.RequireApproval) > 0 {
		names = append(names, "approval")
	}
	if mc.Summarization != nil {
		names = append(names, "summarization")
	}
	return names
}

func storageLabel(cfg agent.StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite (default)"
	}
	label := cfg.Backend
	if cfg.DSN != "" {
		label += " (" + truncate(cfg.DSN, 40) + ")"
	}
	return label
}

// --- config subcommands ---

func runConfig(args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	if sub != "show" {
		return fmt.Errorf("unknown config subcommand: %s\nUsage: reactor config [show]", sub)
	}
	fmt.Println("Reactor Configuration:")
	fmt.Printf("  REACTOR_CONFIG:      %s\n", envOrDefault("REACTOR_CONFIG", "(auto-detect)"))
	fmt.Printf("  REACTOR_DB_PATH:     %s\n", envOrDefault("REACTOR_DB_PATH", "reactor.db"))
	fmt.Printf("  REACTOR_CODEC:       %s\n", envOrDefault("REACTOR_CODEC", "json"))
	fmt.Printf("  REACTOR_COMPRESSION: %s\n", envOrDefault("REACTOR_COMPRESSION", "none"))
	fmt.Printf("  OPENAI_API_KEY:      %s\n", maskEnv("OPENAI_API_KEY"))
	fmt.Println()
	fc, err := loadAgentConfig()
	if err == nil && len(fc.Agents) > 0 {
		fmt.Printf("  Agents (%d):\n", len(fc.Agents))
		for _, a := range fc.Agents {
			fmt.Printf("    - %s (%s / %s, %s)\n", a.ID, a.Model.Provider, a.Model.Model, storageLabel(a.Storage))
		}
		if verr := fc.Validate(); verr != nil {
			fmt.Printf("  Validation: %v\n", verr)
		}
	} else {
		fmt.Println("  Agents: none (create .reactor/agents.yaml)")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func maskEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		return "(not set)"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}
