// Package storagetest holds the behavioural suite every Checkpointer must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
)

// Factory returns a fresh, empty checkpointer for one subtest.
type Factory func(t *testing.T) storage.Checkpointer

// Run exercises the storage.Checkpointer contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SequenceIsGaplessFromOne", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("LoadLatestReturnsMaxSequence", func(t *testing.T) { testLoadLatest(t, newStore(t)) })
	t.Run("UpsertByID", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("DeleteAndThreads", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("RoundTripMessages", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("ConcurrentThreads", func(t *testing.T) { testConcurrentThreads(t, newStore(t)) })
}

func chain(n int) []*state.State {
	out := make([]*state.State, 0, n)
	st := state.New()
	for i := 0; i < n; i++ {
		st = st.AddMessage(state.Human(fmt.Sprintf("msg %d", i)))
		out = append(out, st)
	}
	return out
}

func testSequence(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	states := chain(5)
	ids := make([]string, 0, len(states))
	for _, st := range states {
		id, err := cp.Save(ctx, "t1", st)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}

	infos, err := cp.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, infos, 5)
	for i, info := range infos {
		want := int64(5 - i)
		assert.Equal(t, want, info.Sequence, "list is newest first")
		assert.Equal(t, ids[want-1], info.CheckpointID)
		assert.Equal(t, states[want-1].Version(), info.Version)
		assert.Equal(t, "t1", info.ThreadID)
	}
}

func testLoadLatest(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	states := chain(3)
	// client supplied ids deliberately sort opposite to save order
	for i, st := range states {
		_, err := cp.Save(ctx, "t1", st, storage.WithCheckpointID(fmt.Sprintf("z-%d", 9-i)))
		require.NoError(t, err)
	}
	latest, err := cp.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Len())
	assert.Equal(t, "msg 2", latest.LastMessage().Text())

	info, err := cp.Get(ctx, "t1", "z-7")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Sequence)
}

func testUpsert(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	states := chain(3)
	_, err := cp.Save(ctx, "t1", states[0], storage.WithCheckpointID("a"))
	require.NoError(t, err)
	_, err = cp.Save(ctx, "t1", states[1], storage.WithCheckpointID("b"), storage.WithTag("first"))
	require.NoError(t, err)
	_, err = cp.Save(ctx, "t1", states[2], storage.WithCheckpointID("b"), storage.WithTag("second"))
	require.NoError(t, err)

	infos, err := cp.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].CheckpointID)
	assert.Equal(t, int64(2), infos[0].Sequence)
	assert.Equal(t, "second", infos[0].Tag)
	assert.Equal(t, states[2].Version(), infos[0].Version)

	st, err := cp.Load(ctx, "t1", "b")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Len())

	id, err := cp.Save(ctx, "t1", states[2])
	require.NoError(t, err)
	info, err := cp.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Sequence)
}

func testNotFound(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	_, err := cp.LoadLatest(ctx, "missing")
	assert.True(t, storage.IsNotFound(err), "got %v", err)
	_, err = cp.Load(ctx, "missing", "nope")
	assert.True(t, storage.IsNotFound(err), "got %v", err)
	_, err = cp.Get(ctx, "missing", "nope")
	assert.True(t, storage.IsNotFound(err), "got %v", err)

	_, err = cp.Save(ctx, "t1", state.New())
	require.NoError(t, err)
	_, err = cp.Load(ctx, "t1", "nope")
	assert.True(t, storage.IsNotFound(err), "got %v", err)

	infos, err := cp.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func testDelete(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	states := chain(3)
	var ids []string
	for _, st := range states {
		id, err := cp.Save(ctx, "t1", st)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := cp.Save(ctx, "t2", states[0])
	require.NoError(t, err)

	threads, err := cp.ListThreads(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, threads)

	ok, err := cp.Delete(ctx, "t1", ids[2])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cp.Delete(ctx, "t1", ids[2])
	require.NoError(t, err)
	assert.False(t, ok)

	latest, err := cp.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Len())

	// sequences are never reused within a live thread
	id, err := cp.Save(ctx, "t1", states[2])
	require.NoError(t, err)
	info, err := cp.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Sequence)

	exists, err := cp.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = cp.DeleteThread(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cp.DeleteThread(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err = cp.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists)

	threads, err = cp.ListThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, threads)
}

func testRoundTrip(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	call := state.ToolCall{ID: "c1", Name: "get_weather", Arguments: []byte(`{"city":"Beijing"}`)}
	st := state.New().
		AddMessages(
			state.System("sys"),
			state.Human("What's the weather in Beijing?"),
			state.AI("", call),
			state.Failure(call, "rejected by operator").Message(),
		).
		Put("owner", "ops")

	id, err := cp.Save(ctx, "t1", st, storage.WithTag("approval"))
	require.NoError(t, err)
	got, err := cp.Load(ctx, "t1", id)
	require.NoError(t, err)

	assert.Equal(t, st.Version(), got.Version())
	assert.Equal(t, "ops", got.GetString("owner"))
	msgs := got.Messages()
	require.Len(t, msgs, 4)
	ai, ok := msgs[2].(*state.AIMessage)
	require.True(t, ok)
	require.Len(t, ai.ToolCalls, 1)
	assert.Equal(t, "c1", ai.ToolCalls[0].ID)
	tm, ok := msgs[3].(*state.ToolMessage)
	require.True(t, ok)
	assert.True(t, tm.IsError)
	assert.Equal(t, "rejected by operator", tm.Error)

	info, err := cp.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "approval", info.Tag)
}

func testConcurrentThreads(t *testing.T, cp storage.Checkpointer) {
	ctx := context.Background()
	const threads, saves = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, threads*saves)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(tid string) {
			defer wg.Done()
			for _, st := range chain(saves) {
				if _, err := cp.Save(ctx, tid, st); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("thread-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i := 0; i < threads; i++ {
		infos, err := cp.List(ctx, fmt.Sprintf("thread-%d", i))
		require.NoError(t, err)
		require.Len(t, infos, saves)
		assert.Equal(t, int64(saves), infos[0].Sequence)
	}
}
