package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPersistWindow = time.Second

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Cache   SnapshotCache
	Window  time.Duration
	Clock   Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *BatcherConfig) defaults() {
	if c.Window == 0 {
		c.Window = DefaultPersistWindow
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Batcher coalesces snapshot writes. Every Schedule inside one window ends
// up in a single SaveBatch call holding the latest snapshot per chat id.
type Batcher struct {
	cfg BatcherConfig

	mu      sync.Mutex
	pending map[string][]Message
	timer   Timer
	closed  bool
}

// NewBatcher creates a batcher writing to cfg.Cache.
func NewBatcher(cfg BatcherConfig) *Batcher {
	cfg.defaults()
	return &Batcher{cfg: cfg, pending: make(map[string][]Message)}
}

// Schedule queues snapshot as the latest state of chatID. It never blocks
// on storage.
func (b *Batcher) Schedule(chatID string, snapshot []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.cfg.Cache == nil {
		return
	}
	b.pending[chatID] = snapshot
	if b.timer == nil {
		b.timer = b.cfg.Clock.AfterFunc(b.cfg.Window, b.fire)
	}
}

// Pending returns how many chats are waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) fire() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.Flush(context.Background())
}

// Flush writes whatever is pending now. Failures are logged and dropped.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 || b.cfg.Cache == nil {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string][]Message)
	b.timer = stopTimer(b.timer)
	b.mu.Unlock()

	if err := b.cfg.Cache.SaveBatch(ctx, batch); err != nil {
		b.cfg.Logger.Warn("snapshot_flush_failed", zap.Int("chats", len(batch)), zap.Error(err))
		b.cfg.Metrics.flush("error")
		return
	}
	b.cfg.Logger.Debug("snapshot_flushed", zap.Int("chats", len(batch)))
	b.cfg.Metrics.flush("ok")
}

// Close stops the batch timer and writes anything still pending.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.timer = stopTimer(b.timer)
	b.mu.Unlock()
	b.Flush(ctx)
}

func (b *Batcher) activeTimers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return 1
	}
	return 0
}
