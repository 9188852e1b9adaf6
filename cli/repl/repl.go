// Package repl provides an interactive checkpoint browser for the reactor CLI.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
)

// REPL is the interactive command loop.
type REPL struct {
	store    storage.Checkpointer
	commands map[string]Command
	thread   string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Command represents a slash command.
type Command struct {
	Name        string
	Description string
	Handler     func(args string) error
}

// New creates a new REPL with built-in commands.
func New(store storage.Checkpointer) *REPL {
	ctx, cancel := context.WithCancel(context.Background())
	r := &REPL{
		store:    store,
		commands: make(map[string]Command),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.registerBuiltins()
	return r
}

// Thread is the thread selected with /use.
func (r *REPL) Thread() string { return r.thread }

func (r *REPL) threadArg(args string) (string, error) {
	if tid := strings.TrimSpace(args); tid != "" {
		return tid, nil
	}
	if r.thread == "" {
		return "", fmt.Errorf("no thread selected (use /use <thread_id>)")
	}
	return r.thread, nil
}

func (r *REPL) registerBuiltins() {
	r.Register(Command{
		Name: "/help", Description: "Show available commands",
		Handler: func(_ string) error {
			names := make([]string, 0, len(r.commands))
			for name := range r.commands {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("Available commands:")
			for _, name := range names {
				fmt.Printf("  %-20s %s\n", name, r.commands[name].Description)
			}
			return nil
		},
	})
	r.Register(Command{
		Name: "/threads", Description: "List threads",
		Handler: func(_ string) error {
			threads, err := r.store.ListThreads(r.ctx)
			if err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Println("No threads found.")
				return nil
			}
			for _, tid := range threads {
				marker := " "
				if tid == r.thread {
					marker = "*"
				}
				fmt.Printf(" %s %s\n", marker, tid)
			}
			return nil
		},
	})
	r.Register(Command{
		Name: "/use", Description: "Select a thread",
		Handler: func(args string) error {
			tid := strings.TrimSpace(args)
			if tid == "" {
				return fmt.Errorf("usage: /use <thread_id>")
			}
			ok, err := r.store.Exists(r.ctx, tid)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("thread %s has no checkpoints", tid)
			}
			r.thread = tid
			fmt.Printf("Using thread %s\n", tid)
			return nil
		},
	})
	r.Register(Command{
		Name: "/checkpoints", Description: "List checkpoints of a thread",
		Handler: func(args string) error {
			tid, err := r.threadArg(args)
			if err != nil {
				return err
			}
			cps, err := r.store.List(r.ctx, tid)
			if err != nil {
				return err
			}
			for _, cp := range cps {
				fmt.Printf("  [seq=%d] %s  tag=%s  %s\n", cp.Sequence, cp.CheckpointID, cp.Tag, cp.CreatedAt.Format(time.DateTime))
			}
			return nil
		},
	})
	r.Register(Command{
		Name: "/history", Description: "Show the messages of a checkpoint (latest by default)",
		Handler: func(args string) error {
			if r.thread == "" {
				return fmt.Errorf("no thread selected (use /use <thread_id>)")
			}
			st, err := r.load(strings.TrimSpace(args))
			if err != nil {
				return err
			}
			for i, m := range st.Messages() {
				fmt.Printf("  %3d [%s] %s\n", i, m.Kind(), m.Text())
			}
			return nil
		},
	})
	r.Register(Command{
		Name: "/delete", Description: "Delete a checkpoint of the selected thread",
		Handler: func(args string) error {
			cpID := strings.TrimSpace(args)
			if r.thread == "" || cpID == "" {
				return fmt.Errorf("usage: /use <thread_id>, then /delete <checkpoint_id>")
			}
			ok, err := r.store.Delete(r.ctx, r.thread, cpID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Nothing deleted.")
				return nil
			}
			fmt.Printf("Deleted %s\n", cpID)
			return nil
		},
	})
	r.Register(Command{
		Name: "/quit", Description: "Exit the REPL",
		Handler: func(_ string) error {
			r.cancel()
			return nil
		},
	})
}

// load reads a checkpoint of the selected thread, or its latest one.
func (r *REPL) load(checkpointID string) (*state.State, error) {
	if checkpointID == "" {
		return r.store.LoadLatest(r.ctx, r.thread)
	}
	return r.store.Load(r.ctx, r.thread, checkpointID)
}

// Register adds a slash command.
func (r *REPL) Register(c Command) {
	r.commands[c.Name] = c
}

// Start begins the interactive loop on stdin.
func (r *REPL) Start() error {
	return r.Run(os.Stdin)
}

// Run reads commands from in until EOF or /quit.
func (r *REPL) Run(in io.Reader) error {
	fmt.Println("reactor inspect - type /help for commands, /quit to exit")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("reactor> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			fmt.Fprintln(os.Stderr, "Commands start with /. Type /help.")
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}
		if cmd, ok := r.commands[parts[0]]; ok {
			if err := cmd.Handler(args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", parts[0])
		}

		select {
		case <-r.ctx.Done():
			fmt.Println("Goodbye.")
			return nil
		default:
		}
	}
	return scanner.Err()
}
