package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
	"github.com/chronos-ai/reactor/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Checkpointer { return New() })
}

func TestSaveRejectsNilState(t *testing.T) {
	_, err := New().Save(context.Background(), "t1", nil)
	var ce *storage.CheckpointError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, storage.KindSerialization, ce.Kind)
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Save(ctx, "t1", state.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadReturnsSameImmutableState(t *testing.T) {
	s := New()
	st := state.New().AddMessage(state.Human("hi"))
	id, err := s.Save(context.Background(), "t1", st)
	require.NoError(t, err)
	got, err := s.Load(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Same(t, st, got)
}
