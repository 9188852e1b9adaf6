// Package storage defines the checkpoint persistence contract for the agent runtime.
package storage

import (
	"context"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
)

// CheckpointInfo describes one saved snapshot of a thread.
type CheckpointInfo struct {
	ThreadID     string    `json:"thread_id"`
	CheckpointID string    `json:"checkpoint_id"`
	Sequence     int64     `json:"sequence"` // 1-based, assigned at save time
	Version      int64     `json:"version"`  // version of the State it snapshots
	CreatedAt    time.Time `json:"created_at"`
	Tag          string    `json:"tag,omitempty"`
}

// Checkpointer is durable storage for State snapshots keyed by thread. A
// thread exists once it holds at least one checkpoint.
//
// Implementations are safe for concurrent use across threads. They do not
// serialize concurrent writers on the same thread; callers do.
type Checkpointer interface {
	// Save stores st and returns its checkpoint id. Without WithCheckpointID a
	// new id is generated; with it the call upserts by id.
	Save(ctx context.Context, threadID string, st *state.State, opts ...SaveOption) (string, error)
	Load(ctx context.Context, threadID, checkpointID string) (*state.State, error)
	// LoadLatest returns the state with the highest sequence.
	LoadLatest(ctx context.Context, threadID string) (*state.State, error)
	Get(ctx context.Context, threadID, checkpointID string) (*CheckpointInfo, error)
	// List returns the thread's checkpoints, newest sequence first.
	List(ctx context.Context, threadID string) ([]CheckpointInfo, error)
	Delete(ctx context.Context, threadID, checkpointID string) (bool, error)
	DeleteThread(ctx context.Context, threadID string) (bool, error)
	Exists(ctx context.Context, threadID string) (bool, error)
	ListThreads(ctx context.Context) ([]string, error)
	Close() error
}

// SaveOptions collects the optional arguments of Save.
type SaveOptions struct {
	CheckpointID string
	Tag          string
}

// SaveOption customizes a Save call.
type SaveOption func(*SaveOptions)

// WithCheckpointID makes Save an idempotent upsert of id. A new id gets the
// next sequence; an existing id keeps its sequence.
func WithCheckpointID(id string) SaveOption {
	return func(o *SaveOptions) { o.CheckpointID = id }
}

// WithTag labels the checkpoint.
func WithTag(tag string) SaveOption {
	return func(o *SaveOptions) { o.Tag = tag }
}

// ApplySaveOptions resolves opts for implementations.
func ApplySaveOptions(opts []SaveOption) SaveOptions {
	var o SaveOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
