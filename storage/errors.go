package storage

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies checkpoint failures.
type Kind string

const (
	KindIO            Kind = "io"
	KindTimeout       Kind = "timeout"
	KindSerialization Kind = "serialization"
	KindNotFound      Kind = "not_found"
)

// CheckpointError is returned by every Checkpointer operation that fails.
type CheckpointError struct {
	Op           string
	ThreadID     string
	CheckpointID string
	Kind         Kind
	Err          error
}

func (e *CheckpointError) Error() string {
	msg := fmt.Sprintf("checkpoint %s [%s] thread=%q", e.Op, e.Kind, e.ThreadID)
	if e.CheckpointID != "" {
		msg += fmt.Sprintf(" id=%q", e.CheckpointID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *CheckpointError) Retryable() bool {
	return e.Kind == KindIO || e.Kind == KindTimeout
}

// ErrNotFound is the cause carried by KindNotFound errors.
var ErrNotFound = errors.New("not found")

// NotFound builds a KindNotFound error.
func NotFound(op, threadID, checkpointID string) error {
	return &CheckpointError{Op: op, ThreadID: threadID, CheckpointID: checkpointID, Kind: KindNotFound, Err: ErrNotFound}
}

// Serialization builds a KindSerialization error.
func Serialization(op, threadID, checkpointID string, err error) error {
	return &CheckpointError{Op: op, ThreadID: threadID, CheckpointID: checkpointID, Kind: KindSerialization, Err: err}
}

// IO wraps a backend failure, classifying context deadline errors as
// KindTimeout. A CheckpointError passes through unchanged.
func IO(op, threadID, checkpointID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CheckpointError
	if errors.As(err, &ce) {
		return err
	}
	kind := KindIO
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &CheckpointError{Op: op, ThreadID: threadID, CheckpointID: checkpointID, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a KindNotFound CheckpointError.
func IsNotFound(err error) bool {
	var ce *CheckpointError
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// IsRetryable reports whether err is a retryable CheckpointError.
func IsRetryable(err error) bool {
	var ce *CheckpointError
	return errors.As(err, &ce) && ce.Retryable()
}
