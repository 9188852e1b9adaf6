package errs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsInnerChain(t *testing.T) {
	inner := &ModelError{ModelID: "gpt-4o", Iteration: 2, Err: context.DeadlineExceeded}
	err := Wrap(CodeModel, "t1", inner)

	assert.Equal(t, CodeModel, CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var me *ModelError
	assert.True(t, errors.As(err, &me))
	assert.Equal(t, 2, me.Iteration)
	assert.Contains(t, err.Error(), "thread t1")
}

func TestWrapDoesNotDoubleWrap(t *testing.T) {
	first := Wrap(CodeCheckpoint, "t1", errors.New("disk"))
	second := Wrap(CodeModel, "t1", first)
	assert.Same(t, first, second)
	assert.Equal(t, CodeCheckpoint, CodeOf(second))
	assert.Nil(t, Wrap(CodeModel, "", nil))
}

func TestMiddlewareErrorFatality(t *testing.T) {
	tests := []struct {
		hook  Hook
		fatal bool
	}{
		{HookBeforeInvoke, true},
		{HookBeforeToolCall, true},
		{HookAfterToolCall, false},
		{HookOnStateUpdate, false},
		{HookAfterInvoke, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.hook), func(t *testing.T) {
			err := &MiddlewareError{Middleware: "m", Hook: tt.hook, Err: errors.New("x")}
			assert.Equal(t, tt.fatal, err.Fatal())
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
