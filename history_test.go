package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls []int
	pages map[int]*HistoryPage
	err   error
	gate  chan struct{} // when set, FetchMessages blocks until it is closed
	start chan struct{}
}

func (f *scriptedFetcher) FetchMessages(ctx context.Context, chatID string, page, limit int) (*HistoryPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	gate, start, err := f.gate, f.start, f.err
	res := f.pages[page]
	f.mu.Unlock()

	if start != nil {
		start <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &HistoryPage{}, nil
	}
	return res, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fullPage(from int, n int) *HistoryPage {
	p := &HistoryPage{}
	for i := 0; i < n; i++ {
		idx := from + i
		p.Messages = append(p.Messages, msgAt(fmt.Sprintf("m%03d", idx), "u2", time.Duration(idx)*time.Second))
	}
	return p
}

func boolPtr(b bool) *bool { return &b }

func TestLoadMoreRaceIssuesOneRequest(t *testing.T) {
	clock := newFakeClock()
	f := &scriptedFetcher{
		pages: map[int]*HistoryPage{1: fullPage(100, 20), 2: fullPage(80, 20)},
	}
	store := NewMessageStore("me")
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: store, Clock: clock})

	require.False(t, l.LoadInitial(context.Background()).Dropped)
	clock.Advance(2 * time.Second)

	f.mu.Lock()
	f.gate = make(chan struct{})
	f.start = make(chan struct{}, 1)
	f.mu.Unlock()

	var wg sync.WaitGroup
	var first PageResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = l.LoadMore(context.Background())
	}()
	<-f.start

	second := l.LoadMore(context.Background())
	assert.True(t, second.Dropped)
	assert.Equal(t, DropInFlight, second.DropReason)

	close(f.gate)
	wg.Wait()
	assert.False(t, first.Dropped)
	assert.Equal(t, 20, first.Applied)
	assert.Equal(t, 2, f.callCount())
	assert.Equal(t, 40, store.Len())
}

func TestLoadMoreDebounce(t *testing.T) {
	clock := newFakeClock()
	f := &scriptedFetcher{pages: map[int]*HistoryPage{1: fullPage(100, 20), 2: fullPage(80, 20), 3: fullPage(60, 5)}}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: clock})

	l.LoadInitial(context.Background())
	clock.Advance(999 * time.Millisecond)
	res := l.LoadMore(context.Background())
	assert.True(t, res.Dropped)
	assert.Equal(t, DropDebounced, res.DropReason)

	clock.Advance(time.Millisecond)
	res = l.LoadMore(context.Background())
	require.False(t, res.Dropped)
	assert.True(t, res.HasMore)
	assert.Equal(t, []int{1, 2}, f.calls)
}

func TestHasMoreInference(t *testing.T) {
	cases := []struct {
		name string
		page *HistoryPage
		want bool
	}{
		{"full page without flag", fullPage(0, 20), true},
		{"partial page without flag", fullPage(0, 7), false},
		{"empty page", &HistoryPage{}, false},
		{"full page with an invalid entry", &HistoryPage{Messages: fullPage(0, 19).Messages, Returned: 20}, true},
		{"explicit true on partial page", &HistoryPage{Messages: fullPage(0, 3).Messages, HasMore: boolPtr(true)}, true},
		{"explicit false on full page", &HistoryPage{Messages: fullPage(0, 20).Messages, HasMore: boolPtr(false)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &scriptedFetcher{pages: map[int]*HistoryPage{1: tc.page}}
			l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: newFakeClock()})
			res := l.LoadInitial(context.Background())
			assert.Equal(t, tc.want, res.HasMore)
			assert.Equal(t, tc.want, l.HasMore())
		})
	}
}

func TestLoadMoreStopsWhenExhausted(t *testing.T) {
	clock := newFakeClock()
	f := &scriptedFetcher{pages: map[int]*HistoryPage{1: fullPage(0, 4)}}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: clock})

	l.LoadInitial(context.Background())
	clock.Advance(5 * time.Second)
	res := l.LoadMore(context.Background())
	assert.True(t, res.Dropped)
	assert.Equal(t, DropNoMore, res.DropReason)
	assert.Equal(t, 1, f.callCount())
}

func TestInitialFailureFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	require.NoError(t, cache.SaveBatch(ctx, map[string][]Message{"c1": fullPage(0, 3).Messages}))

	store := NewMessageStore("me")
	f := &scriptedFetcher{err: errors.New("dial tcp: network is unreachable")}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: store, Cache: cache, Clock: newFakeClock()})

	res := l.LoadInitial(ctx)
	assert.True(t, res.FromCache)
	assert.Error(t, res.Err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, store.Len())
}

func TestInitialTimeoutFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	require.NoError(t, cache.SaveBatch(ctx, map[string][]Message{"c1": fullPage(0, 3).Messages}))

	store := NewMessageStore("me")
	f := &scriptedFetcher{gate: make(chan struct{})}
	l := NewHistoryLoader(HistoryConfig{
		ChatID:   "c1",
		Fetcher:  f,
		Store:    store,
		Cache:    cache,
		Watchdog: 50 * time.Millisecond,
		Timeout:  150 * time.Millisecond,
	})

	res := l.LoadInitial(ctx)
	assert.False(t, res.Dropped, res.DropReason)
	assert.True(t, res.FromCache)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, store.Len())
}

func TestInitialFailureAfterWatchdogFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache()
	require.NoError(t, cache.SaveBatch(ctx, map[string][]Message{"c1": fullPage(0, 3).Messages}))

	store := NewMessageStore("me")
	f := &scriptedFetcher{
		err:   errors.New("connection reset by peer"),
		gate:  make(chan struct{}),
		start: make(chan struct{}, 1),
	}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: store, Cache: cache, Clock: clock})

	done := make(chan PageResult, 1)
	go func() { done <- l.LoadInitial(ctx) }()
	<-f.start
	clock.Advance(DefaultHistoryWatchdog)
	require.False(t, l.Loading())

	close(f.gate)
	res := <-done
	assert.True(t, res.FromCache)
	assert.Error(t, res.Err)
	assert.Equal(t, 3, store.Len())
}

func TestLoadMoreFailureDoesNotUseCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache()
	require.NoError(t, cache.SaveBatch(ctx, map[string][]Message{"c1": fullPage(500, 3).Messages}))

	store := NewMessageStore("me")
	f := &scriptedFetcher{pages: map[int]*HistoryPage{1: fullPage(100, 20)}}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: store, Cache: cache, Clock: clock})
	l.LoadInitial(ctx)
	clock.Advance(2 * time.Second)

	f.mu.Lock()
	f.err = errors.New("timeout")
	f.mu.Unlock()

	res := l.LoadMore(ctx)
	assert.False(t, res.FromCache)
	assert.Error(t, res.Err)
	assert.Equal(t, 20, store.Len())
	assert.True(t, l.HasMore())
}

func TestMalformedResponseEndsPagination(t *testing.T) {
	f := &scriptedFetcher{err: fmt.Errorf("%w: history response has no message list", errMalformed)}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: newFakeClock()})

	res := l.LoadInitial(context.Background())
	assert.False(t, res.HasMore)
	assert.False(t, l.HasMore())
}

func TestWatchdogClearsStuckLoad(t *testing.T) {
	clock := newFakeClock()
	f := &scriptedFetcher{
		pages: map[int]*HistoryPage{1: fullPage(100, 20)},
		gate:  make(chan struct{}),
		start: make(chan struct{}, 1),
	}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: clock})

	done := make(chan PageResult, 1)
	go func() { done <- l.LoadInitial(context.Background()) }()
	<-f.start
	require.True(t, l.Loading())

	clock.Advance(DefaultHistoryWatchdog)
	assert.False(t, l.Loading())

	close(f.gate)
	late := <-done
	assert.True(t, late.Dropped)
	assert.Equal(t, DropStale, late.DropReason)
}

func TestLateLoadMoreSuccessIsRefetched(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMessageStore("me")
	f := &scriptedFetcher{pages: map[int]*HistoryPage{1: fullPage(100, 20), 2: fullPage(80, 20)}}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: store, Clock: clock})
	require.False(t, l.LoadInitial(ctx).Dropped)
	clock.Advance(2 * time.Second)

	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.start = make(chan struct{}, 1)
	f.mu.Unlock()

	done := make(chan PageResult, 1)
	go func() { done <- l.LoadMore(ctx) }()
	<-f.start
	clock.Advance(DefaultHistoryWatchdog)

	close(gate)
	late := <-done
	assert.True(t, late.Dropped)
	assert.Equal(t, DropStale, late.DropReason)
	assert.Equal(t, 20, store.Len())

	f.mu.Lock()
	f.gate, f.start = nil, nil
	f.mu.Unlock()
	res := l.LoadMore(ctx)
	require.False(t, res.Dropped, res.DropReason)
	assert.Equal(t, 40, store.Len())
	f.mu.Lock()
	assert.Equal(t, []int{1, 2, 2}, f.calls)
	f.mu.Unlock()
}

func TestHistoryTimeoutStaysUnderWatchdog(t *testing.T) {
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: &scriptedFetcher{}})
	assert.Equal(t, DefaultHistoryTimeout, l.cfg.Timeout)
	assert.Less(t, l.cfg.Timeout, l.cfg.Watchdog)

	l = NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: &scriptedFetcher{}, Watchdog: time.Second, Timeout: 5 * time.Second})
	assert.Less(t, l.cfg.Timeout, time.Second)
}

func TestHistoryCloseStopsWatchdog(t *testing.T) {
	clock := newFakeClock()
	f := &scriptedFetcher{gate: make(chan struct{}), start: make(chan struct{}, 1)}
	l := NewHistoryLoader(HistoryConfig{ChatID: "c1", Fetcher: f, Store: NewMessageStore("me"), Clock: clock})

	done := make(chan PageResult, 1)
	go func() { done <- l.LoadInitial(context.Background()) }()
	<-f.start
	require.Equal(t, 1, l.activeTimers())

	l.Close()
	assert.Equal(t, 0, l.activeTimers())
	assert.Equal(t, 0, clock.Active())

	close(f.gate)
	assert.True(t, (<-done).Dropped)
	assert.Equal(t, DropClosed, l.LoadMore(context.Background()).DropReason)
}
