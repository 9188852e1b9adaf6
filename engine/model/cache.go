package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/chronos-ai/reactor/engine/state"
)

// Cache wraps a model and replays responses for identical transcripts.
// Responses that request tool calls are never cached, and streaming calls
// always go to the wrapped model.
type Cache struct {
	Model ChatModel
	// TTL is how long a cached response stays valid. Default: 5 minutes.
	TTL time.Duration
	// MaxEntries caps the cache size; the oldest entry is evicted first.
	// 0 means unlimited.
	MaxEntries int

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int
	misses  int
}

type cacheEntry struct {
	msg       *state.AIMessage
	createdAt time.Time
}

var _ ChatModel = (*Cache)(nil)

func NewCache(m ChatModel, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{Model: m, TTL: ttl, entries: make(map[string]cacheEntry)}
}

func (c *Cache) ModelID() string             { return c.Model.ModelID() }
func (c *Cache) Capabilities() Capabilities  { return c.Model.Capabilities() }
func (c *Cache) CountTokens(text string) int { return c.Model.CountTokens(text) }

func (c *Cache) Chat(ctx context.Context, messages []state.Message, opts ChatOptions) (*state.AIMessage, error) {
	key, ok := c.key(messages, opts)
	if ok {
		c.mu.Lock()
		entry, found := c.entries[key]
		if found && time.Since(entry.createdAt) < c.TTL {
			c.hits++
			c.mu.Unlock()
			return state.CloneMessage(entry.msg).(*state.AIMessage), nil
		}
		c.misses++
		c.mu.Unlock()
	}

	msg, err := c.Model.Chat(ctx, messages, opts)
	if err != nil || !ok || msg.HasToolCalls() {
		return msg, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MaxEntries > 0 && len(c.entries) >= c.MaxEntries {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{msg: state.CloneMessage(msg).(*state.AIMessage), createdAt: time.Now()}
	return msg, nil
}

func (c *Cache) ChatStream(ctx context.Context, messages []state.Message, opts ChatOptions) (<-chan StreamChunk, error) {
	return c.Model.ChatStream(ctx, messages, opts)
}

// Stats returns cache hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Clear removes all cached entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.hits, c.misses = 0, 0
}

// key hashes the transcript without timestamps, so a replayed conversation
// hits even though its messages were created at different times.
func (c *Cache) key(messages []state.Message, opts ChatOptions) (string, bool) {
	envs := make([]state.Envelope, len(messages))
	for i, m := range messages {
		envs[i] = state.Encode(m)
		envs[i].Timestamp = time.Time{}
	}
	data, err := json.Marshal(struct {
		Model    string           `json:"model"`
		Messages []state.Envelope `json:"messages"`
		Options  ChatOptions      `json:"options"`
	}{c.Model.ModelID(), envs, opts})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

func (c *Cache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for k, v := range c.entries {
		if oldestKey == "" || v.createdAt.Before(oldestTime) {
			oldestKey, oldestTime = k, v.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
