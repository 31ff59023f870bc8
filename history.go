package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLoadDebounce    = time.Second
	DefaultHistoryWatchdog = 10 * time.Second
	DefaultHistoryTimeout  = 8 * time.Second
)

// Drop reasons reported in PageResult.DropReason.
const (
	DropInFlight  = "in_flight"
	DropDebounced = "debounced"
	DropNoMore    = "no_more"
	DropClosed    = "closed"
	DropStale     = "stale"
)

// HistoryFetcher loads one page of a conversation, page 1 being the newest.
// *Client implements it.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, chatID string, page, limit int) (*HistoryPage, error)
}

// HistoryConfig configures a HistoryLoader.
type HistoryConfig struct {
	ChatID   string
	Fetcher  HistoryFetcher
	Store    *MessageStore
	Cache    SnapshotCache // read on initial-page failure; optional
	PageSize int
	Debounce time.Duration
	Watchdog time.Duration
	Timeout  time.Duration
	Clock    Clock
	Logger   *zap.Logger
	Metrics  *Metrics
}

func (c *HistoryConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultLoadDebounce
	}
	if c.Watchdog == 0 {
		c.Watchdog = DefaultHistoryWatchdog
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultHistoryTimeout
	}
	// Requests time out before the watchdog fires.
	if c.Timeout >= c.Watchdog {
		c.Timeout = c.Watchdog * 4 / 5
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// HistoryLoader pages backwards through a conversation. At most one request
// is in flight; extra calls are dropped, not queued.
type HistoryLoader struct {
	cfg HistoryConfig

	mu          sync.Mutex
	inFlight    bool
	req         uint64
	page        int
	hasMore     bool
	lastSuccess time.Time
	watchdog    Timer
	closed      bool
}

// NewHistoryLoader creates a loader positioned before page 1.
func NewHistoryLoader(cfg HistoryConfig) *HistoryLoader {
	cfg.defaults()
	return &HistoryLoader{cfg: cfg, hasMore: true}
}

// LoadInitial fetches page 1. When the request fails the last durable
// snapshot is merged instead and the result is marked FromCache.
func (l *HistoryLoader) LoadInitial(ctx context.Context) PageResult {
	return l.load(ctx, true)
}

// LoadMore fetches the next older page. Failures leave the store untouched.
func (l *HistoryLoader) LoadMore(ctx context.Context) PageResult {
	return l.load(ctx, false)
}

// HasMore reports whether older pages may exist.
func (l *HistoryLoader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Loading reports whether a request is in flight.
func (l *HistoryLoader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *HistoryLoader) begin(initial bool) (uint64, int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return 0, 0, DropClosed
	case l.inFlight:
		return 0, 0, DropInFlight
	case !initial && !l.hasMore:
		return 0, 0, DropNoMore
	case !initial && !l.lastSuccess.IsZero() && l.cfg.Clock.Now().Sub(l.lastSuccess) < l.cfg.Debounce:
		return 0, 0, DropDebounced
	}
	page := l.page + 1
	if initial {
		page = 1
	}
	l.inFlight = true
	l.req++
	req := l.req
	l.watchdog = stopTimer(l.watchdog)
	l.watchdog = l.cfg.Clock.AfterFunc(l.cfg.Watchdog, func() { l.expire(req) })
	return req, page, ""
}

// expire clears a request that never came back.
func (l *HistoryLoader) expire(req uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req != l.req || !l.inFlight {
		return
	}
	l.inFlight = false
	l.req++
	l.watchdog = nil
	l.cfg.Logger.Warn("history_watchdog_fired", zap.String("chat", l.cfg.ChatID))
}

func (l *HistoryLoader) load(ctx context.Context, initial bool) PageResult {
	req, page, reason := l.begin(initial)
	if reason != "" {
		l.cfg.Logger.Debug("history_load_dropped", zap.String("reason", reason))
		l.cfg.Metrics.historyPage("dropped")
		return PageResult{Dropped: true, DropReason: reason, HasMore: l.HasMore()}
	}

	fctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	res, err := l.cfg.Fetcher.FetchMessages(fctx, l.cfg.ChatID, page, l.cfg.PageSize)
	cancel()

	l.mu.Lock()
	if req != l.req || l.closed {
		closed := l.closed
		hasMore := l.hasMore
		l.mu.Unlock()
		// A failed first page still gets the snapshot, even after the
		// watchdog released it.
		if initial && err != nil && !closed {
			l.cfg.Metrics.historyPage("error")
			return l.fallback(ctx, err, hasMore)
		}
		// A late success is dropped too: page stays put and the next
		// LoadMore asks for the same page again.
		l.cfg.Logger.Debug("history_late_response_discarded", zap.Int("page", page))
		return PageResult{Dropped: true, DropReason: DropStale, HasMore: hasMore}
	}
	l.inFlight = false
	l.watchdog = stopTimer(l.watchdog)
	if err != nil {
		if errors.Is(err, errMalformed) {
			l.hasMore = false
		}
		hasMore := l.hasMore
		l.mu.Unlock()
		l.cfg.Metrics.historyPage("error")
		if initial {
			return l.fallback(ctx, err, hasMore)
		}
		l.cfg.Logger.Warn("history_load_failed", zap.Int("page", page), zap.Error(err))
		return PageResult{HasMore: hasMore, Err: err}
	}

	l.page = page
	l.lastSuccess = l.cfg.Clock.Now()
	if res.HasMore != nil {
		l.hasMore = *res.HasMore
	} else {
		l.hasMore = res.count() >= l.cfg.PageSize
	}
	hasMore := l.hasMore
	l.mu.Unlock()

	applied := 0
	if l.cfg.Store != nil {
		applied = l.cfg.Store.Merge(SourceHistory, res.Messages...)
	}
	l.cfg.Metrics.historyPage("ok")
	l.cfg.Metrics.mergedMessages(SourceHistory, applied)
	l.cfg.Logger.Debug("history_page_loaded",
		zap.Int("page", page),
		zap.Int("received", len(res.Messages)),
		zap.Int("applied", applied),
		zap.Bool("has_more", hasMore))
	return PageResult{Messages: res.Messages, HasMore: hasMore, Applied: applied}
}

func (l *HistoryLoader) fallback(ctx context.Context, cause error, hasMore bool) PageResult {
	out := PageResult{HasMore: hasMore, Err: cause}
	if l.cfg.Cache == nil {
		l.cfg.Logger.Warn("history_initial_failed", zap.Error(cause))
		return out
	}
	snap, err := l.cfg.Cache.Load(ctx, l.cfg.ChatID)
	if err != nil {
		l.cfg.Logger.Warn("history_cache_fallback_failed", zap.NamedError("cause", cause), zap.Error(err))
		return out
	}
	out.Messages = snap
	out.FromCache = true
	if l.cfg.Store != nil {
		out.Applied = l.cfg.Store.Merge(SourceCache, snap...)
	}
	l.cfg.Metrics.mergedMessages(SourceCache, out.Applied)
	l.cfg.Logger.Warn("history_fell_back_to_cache", zap.Int("messages", len(snap)), zap.Error(cause))
	return out
}

// Close stops the watchdog and drops any response still in flight.
func (l *HistoryLoader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.req++
	l.inFlight = false
	l.watchdog = stopTimer(l.watchdog)
}

func (l *HistoryLoader) activeTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watchdog != nil {
		return 1
	}
	return 0
}
