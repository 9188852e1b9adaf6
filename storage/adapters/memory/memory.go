// Package memory provides a volatile, process-lifetime Checkpointer.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
)

type entry struct {
	info  storage.CheckpointInfo
	state *state.State
}

type thread struct {
	entries   []*entry // ascending sequence
	lastSeq   int64
	updatedAt time.Time
}

// Store implements storage.Checkpointer in memory. States are immutable, so
// entries hold the pointer directly.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	now     func() time.Time
}

var _ storage.Checkpointer = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		threads: make(map[string]*thread),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Save(ctx context.Context, threadID string, st *state.State, opts ...storage.SaveOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.IO("save", threadID, "", err)
	}
	if st == nil {
		return "", storage.Serialization("save", threadID, "", errNilState)
	}
	o := storage.ApplySaveOptions(opts)
	id := o.CheckpointID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	th, ok := s.threads[threadID]
	if !ok {
		th = &thread{}
		s.threads[threadID] = th
	}
	th.updatedAt = now

	for _, e := range th.entries {
		if e.info.CheckpointID == id {
			e.state = st
			e.info.Version = st.Version()
			e.info.Tag = o.Tag
			return id, nil
		}
	}

	th.lastSeq++
	seq := th.lastSeq
	th.entries = append(th.entries, &entry{
		info: storage.CheckpointInfo{
			ThreadID:     threadID,
			CheckpointID: id,
			Sequence:     seq,
			Version:      st.Version(),
			CreatedAt:    now,
			Tag:          o.Tag,
		},
		state: st,
	})
	return id, nil
}

func (s *Store) find(threadID, checkpointID string) *entry {
	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	for _, e := range th.entries {
		if e.info.CheckpointID == checkpointID {
			return e
		}
	}
	return nil
}

func (s *Store) Load(_ context.Context, threadID, checkpointID string) (*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.find(threadID, checkpointID)
	if e == nil {
		return nil, storage.NotFound("load", threadID, checkpointID)
	}
	return e.state, nil
}

func (s *Store) LoadLatest(_ context.Context, threadID string) (*state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok || len(th.entries) == 0 {
		return nil, storage.NotFound("load_latest", threadID, "")
	}
	return th.entries[len(th.entries)-1].state, nil
}

func (s *Store) Get(_ context.Context, threadID, checkpointID string) (*storage.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.find(threadID, checkpointID)
	if e == nil {
		return nil, storage.NotFound("get", threadID, checkpointID)
	}
	info := e.info
	return &info, nil
}

func (s *Store) List(_ context.Context, threadID string) ([]storage.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]storage.CheckpointInfo, 0, len(th.entries))
	for _, e := range slices.Backward(th.entries) {
		out = append(out, e.info)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, threadID, checkpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return false, nil
	}
	idx := slices.IndexFunc(th.entries, func(e *entry) bool { return e.info.CheckpointID == checkpointID })
	if idx < 0 {
		return false, nil
	}
	th.entries = slices.Delete(th.entries, idx, idx+1)
	if len(th.entries) == 0 {
		delete(s.threads, threadID)
	}
	return true, nil
}

func (s *Store) DeleteThread(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return false, nil
	}
	delete(s.threads, threadID)
	return true, nil
}

func (s *Store) Exists(_ context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threads[threadID]
	return ok, nil
}

// ListThreads returns thread ids, most recently updated first.
func (s *Store) ListThreads(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.threads[ids[i]].updatedAt, s.threads[ids[j]].updatedAt
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.After(b)
	})
	return ids, nil
}

func (s *Store) Close() error { return nil }
