package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCache struct {
	mu    sync.Mutex
	calls int
}

func (c *failingCache) Load(context.Context, string) ([]Message, error) { return nil, nil }

func (c *failingCache) SaveBatch(context.Context, map[string][]Message) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return errors.New("disk full")
}

func (c *failingCache) Close() error { return nil }

func TestBatcherCoalescesWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache()
	b := NewBatcher(BatcherConfig{Cache: cache, Clock: clock})

	b.Schedule("c1", []Message{msgAt("m1", "u2", 0)})
	clock.Advance(300 * time.Millisecond)
	b.Schedule("c2", []Message{msgAt("x1", "u2", 0)})
	clock.Advance(300 * time.Millisecond)
	b.Schedule("c1", []Message{msgAt("m1", "u2", 0), msgAt("m2", "u2", time.Second)})
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, 0, cache.Batches())

	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, cache.Batches())
	assert.Equal(t, 0, b.Pending())

	c1, err := cache.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(c1))
	c2, _ := cache.Load(ctx, "c2")
	assert.Equal(t, []string{"x1"}, ids(c2))
}

func TestBatcherNextWindowIsSeparate(t *testing.T) {
	clock := newFakeClock()
	cache := NewMemoryCache()
	b := NewBatcher(BatcherConfig{Cache: cache, Clock: clock})

	b.Schedule("c1", nil)
	clock.Advance(time.Second)
	b.Schedule("c1", nil)
	clock.Advance(time.Second)
	assert.Equal(t, 2, cache.Batches())
}

func TestBatcherSwallowsFailures(t *testing.T) {
	clock := newFakeClock()
	cache := &failingCache{}
	metrics := NewMetrics(prometheus.NewRegistry())
	b := NewBatcher(BatcherConfig{Cache: cache, Clock: clock, Metrics: metrics})

	b.Schedule("c1", []Message{msgAt("m1", "u2", 0)})
	assert.NotPanics(t, func() { clock.Advance(time.Second) })
	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.flushes.WithLabelValues("error")))

	// The batcher keeps working after a failure.
	b.Schedule("c1", nil)
	clock.Advance(time.Second)
	assert.Equal(t, 2, cache.calls)
}

func TestBatcherCloseFlushes(t *testing.T) {
	clock := newFakeClock()
	cache := NewMemoryCache()
	b := NewBatcher(BatcherConfig{Cache: cache, Clock: clock})

	b.Schedule("c1", []Message{msgAt("m1", "u2", 0)})
	b.Close(context.Background())
	assert.Equal(t, 1, cache.Batches())
	assert.Equal(t, 0, b.activeTimers())
	assert.Equal(t, 0, clock.Active())

	b.Schedule("c1", nil)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherWithoutCacheIsNoop(t *testing.T) {
	clock := newFakeClock()
	b := NewBatcher(BatcherConfig{Clock: clock})
	b.Schedule("c1", []Message{msgAt("m1", "u2", 0)})
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 0, clock.Active())
}
