package chatsync

import (
	"context"
	"sync"
)

// SnapshotCache is the on-device durable cache: one record per chat id
// holding the last known ascending message snapshot. It is best-effort and
// last-writer-wins; nothing here is authoritative.
type SnapshotCache interface {
	// Load returns nil, nil when no snapshot exists for chatID.
	Load(ctx context.Context, chatID string) ([]Message, error)
	// SaveBatch writes every snapshot in one pass.
	SaveBatch(ctx context.Context, snapshots map[string][]Message) error
	Close() error
}

// MemoryCache is a goroutine-safe in-memory SnapshotCache.
type MemoryCache struct {
	mu        sync.RWMutex
	snapshots map[string][]Message
	batches   int
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snapshots: make(map[string][]Message)}
}

func (c *MemoryCache) Load(_ context.Context, chatID string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[chatID]
	if !ok {
		return nil, nil
	}
	return cloneMessages(snap), nil
}

func (c *MemoryCache) SaveBatch(_ context.Context, snapshots map[string][]Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, snap := range snapshots {
		c.snapshots[id] = cloneMessages(snap)
	}
	c.batches++
	return nil
}

// Batches returns how many SaveBatch calls were made.
func (c *MemoryCache) Batches() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batches
}

func (c *MemoryCache) Close() error { return nil }

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}
