package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionConfig configures a Session for one conversation screen.
type SessionConfig struct {
	Chat     Chat
	UserID   string
	UserName string
	Token    string

	// Client is used as is when set; otherwise one is built from BaseURL.
	Client  *Client
	BaseURL string
	// SocketURL empty runs the session REST-only.
	SocketURL string
	Cache     SnapshotCache

	// Viewing reports whether the conversation is on screen. Defaults to
	// always true.
	Viewing func() bool

	// Optional overrides, mostly for tests.
	Dialer            Dialer
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	PageSize          int
	TypingExpiry      time.Duration
	Clock             Clock
	Logger            *zap.Logger
	Metrics           *Metrics
}

// Session wires the connection, store, history loader, typing coordinator,
// read aggregator, send pipeline and persistence batcher for one
// conversation. It is what a chat screen talks to.
type Session struct {
	cfg      SessionConfig
	client   *Client
	store    *MessageStore
	conn     *Connection
	history  *HistoryLoader
	typing   *TypingCoordinator
	receipts *Aggregator
	sender   *Sender
	batcher  *Batcher
	logger   *zap.Logger

	mu         sync.Mutex
	closed     bool
	nextID     int
	listeners  []changeSub
	membership []membershipSub
	unsubs     []func()
}

type changeSub struct {
	id int
	fn func()
}

type membershipSub struct {
	id int
	fn func(*MembershipFrame)
}

// NewSession validates cfg and builds every component. Nothing touches the
// network until Open.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Chat.ID == "" {
		return nil, errors.New("chatsync: chat id is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("chatsync: user id is required")
	}
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Viewing == nil {
		cfg.Viewing = func() bool { return true }
	}
	logger := cfg.Logger.With(zap.String("chat", cfg.Chat.ID))

	client := cfg.Client
	if client == nil {
		client = NewClient(WithBaseURL(cfg.BaseURL), WithToken(cfg.Token), WithLogger(logger))
	} else if !client.HasToken() {
		client.SetToken(cfg.Token)
	}

	s := &Session{cfg: cfg, client: client, logger: logger}
	s.store = NewMessageStore(cfg.UserID)
	s.batcher = NewBatcher(BatcherConfig{
		Cache:   cfg.Cache,
		Clock:   cfg.Clock,
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	s.history = NewHistoryLoader(HistoryConfig{
		ChatID:   cfg.Chat.ID,
		Fetcher:  client,
		Store:    s.store,
		Cache:    cfg.Cache,
		PageSize: cfg.PageSize,
		Clock:    cfg.Clock,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	s.typing = NewTypingCoordinator(TypingConfig{
		SelfID:   cfg.UserID,
		Expiry:   cfg.TypingExpiry,
		Emit:     s.emitTyping,
		OnChange: func([]TypingUser) { s.changed() },
		Clock:    cfg.Clock,
		Logger:   logger,
	})

	aggCfg := AggregatorConfig{Store: s.store, API: client, Logger: logger}
	if cfg.SocketURL != "" {
		s.conn = NewConnection(ConnectionConfig{
			URL:               cfg.SocketURL,
			RetryDelay:        cfg.RetryDelay,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Viewing:           cfg.Viewing,
			OnSettled:         s.settled,
			Dialer:            cfg.Dialer,
			Clock:             cfg.Clock,
			Logger:            logger,
			Metrics:           cfg.Metrics,
		})
		aggCfg.Socket = s.conn
		s.unsubs = append(s.unsubs,
			s.conn.Subscribe(s.handleFrame),
			s.conn.OnLifecycle(func(LifecycleEvent) { s.changed() }),
		)
	}
	s.receipts = NewAggregator(aggCfg)
	s.sender = NewSender(SenderConfig{
		ChatID:   cfg.Chat.ID,
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
		API:      client,
		Store:    s.store,
		Batcher:  s.batcher,
		OnChange: s.changed,
		Clock:    cfg.Clock,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	return s, nil
}

// Open warms the store from the durable cache, then connects the socket
// while the first history page loads, and returns once both are done.
// Socket failures leave the session REST-only; history failures fall back
// to the cache. The returned PageResult is the initial page.
func (s *Session) Open(ctx context.Context) (PageResult, error) {
	if s.isClosed() {
		return PageResult{}, ErrClosed
	}
	if s.cfg.Cache != nil {
		snap, err := s.cfg.Cache.Load(ctx, s.cfg.Chat.ID)
		if err != nil {
			s.logger.Warn("cold_start_cache_failed", zap.Error(err))
		} else if n := s.store.Merge(SourceCache, snap...); n > 0 {
			s.cfg.Metrics.mergedMessages(SourceCache, n)
			s.changed()
		}
	}
	var dialed chan error
	if s.conn != nil {
		dialed = make(chan error, 1)
		go func() { dialed <- s.conn.Open(ctx, s.cfg.Chat.ID, s.cfg.Token) }()
	}
	res := s.history.LoadInitial(ctx)
	if res.Applied > 0 {
		s.batcher.Schedule(s.cfg.Chat.ID, s.store.Snapshot())
		s.changed()
	}
	if dialed != nil {
		if err := <-dialed; err != nil {
			return res, err
		}
	}
	return res, nil
}

// ── Frame routing ─────────────────────────────────────────

func (s *Session) handleFrame(f Frame) {
	if s.isClosed() {
		return
	}
	if c := f.Conversation(); c != "" && c != s.cfg.Chat.ID {
		s.logger.Debug("frame_other_chat", zap.String("event", f.Name()), zap.String("frame_chat", c))
		return
	}
	switch f := f.(type) {
	case *MessageFrame:
		s.onMessage(f.Message)
	case *TypingFrame:
		if f.Typing {
			s.typing.OnRemoteTyping(f.UserID)
		} else {
			s.typing.OnRemoteStopTyping(f.UserID)
		}
	case *ReadFrame:
		if s.receipts.ApplyRemoteRead(f) > 0 {
			s.persist()
			s.changed()
		}
	case *RevokeFrame:
		if s.store.SetRevoked(f.MessageID) {
			s.persist()
			s.changed()
		}
	case *MembershipFrame:
		s.mu.Lock()
		subs := append([]membershipSub(nil), s.membership...)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.fn(f)
		}
	default:
		s.logger.Debug("frame_ignored", zap.String("event", f.Name()))
	}
}

func (s *Session) onMessage(m Message) {
	if m.ChatID == "" {
		m.ChatID = s.cfg.Chat.ID
	}
	n := s.store.Merge(SourceSocket, m)
	if n == 0 {
		s.logger.Debug("socket_message_duplicate", zap.String("id", m.ID))
		return
	}
	s.cfg.Metrics.mergedMessages(SourceSocket, n)
	if m.SenderID != s.cfg.UserID {
		s.typing.OnRemoteStopTyping(m.SenderID)
		if s.cfg.Viewing() && s.conn != nil {
			s.store.AppendReader(m.ID, s.cfg.UserID)
			err := s.conn.Emit(context.Background(), EventMessageRead, map[string]string{
				"chatId":    s.cfg.Chat.ID,
				"messageId": m.ID,
				"userId":    s.cfg.UserID,
			})
			if err != nil && !errors.Is(err, ErrNotConnected) {
				s.logger.Debug("message_read_emit_failed", zap.Error(err))
			}
		}
	}
	s.persist()
	s.changed()
}

// settled runs once the socket has been connected for the settle delay while
// the chat is on screen.
func (s *Session) settled() {
	if _, err := s.MarkRead(context.Background()); err != nil {
		s.logger.Warn("mark_read_failed", zap.Error(err))
	}
}

func (s *Session) emitTyping(sig TypingSignal) {
	if s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.conn.Emit(ctx, string(sig), map[string]string{"chatId": s.cfg.Chat.ID, "userId": s.cfg.UserID})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Debug("typing_emit_failed", zap.String("signal", string(sig)), zap.Error(err))
	}
}

func (s *Session) persist() {
	s.batcher.Schedule(s.cfg.Chat.ID, s.store.Snapshot())
}

// ── UI surface ────────────────────────────────────────────

// Messages returns the timeline newest first, pending sends included.
func (s *Session) Messages() []Message {
	return s.store.NewestFirst()
}

// Status derives the delivery state of m for the current user.
func (s *Session) Status(m Message) Receipt {
	return Status(m, s.cfg.UserID, s.cfg.Chat.Participants)
}

// Typers returns the remote users typing now.
func (s *Session) Typers() []TypingUser {
	return s.typing.Typers()
}

// ConnectionState returns the socket state; a REST-only session reports
// StateDisabled.
func (s *Session) ConnectionState() ConnectionState {
	if s.conn == nil {
		return StateDisabled
	}
	return s.conn.State()
}

// DebugState is a one-line diagnostic for the screen.
func (s *Session) DebugState() string {
	conn := "rest-only"
	if s.conn != nil {
		conn = s.conn.DebugState()
	}
	return fmt.Sprintf("%s messages=%d typing=%d has_more=%t pending_flush=%d",
		conn, s.store.Len(), len(s.typing.Typers()), s.history.HasMore(), s.batcher.Pending())
}

// HasMore reports whether older history may exist.
func (s *Session) HasMore() bool {
	return s.history.HasMore()
}

// SendMessage sends req through the optimistic pipeline and ends local
// typing.
func (s *Session) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if req.empty() {
		return nil, ErrEmptyMessage
	}
	s.typing.StopLocal()
	return s.sender.Send(ctx, req)
}

// HandleLoadMore loads the next older page, e.g. when the list is scrolled
// to its end. Calls while a page is loading or right after one are dropped.
func (s *Session) HandleLoadMore(ctx context.Context) PageResult {
	if s.isClosed() {
		return PageResult{Dropped: true, DropReason: DropClosed}
	}
	res := s.history.LoadMore(ctx)
	if res.Applied > 0 {
		s.persist()
		s.changed()
	}
	return res
}

// RevokeMessage revokes one of the user's messages.
func (s *Session) RevokeMessage(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sender.Revoke(ctx, messageID)
}

// EmitTyping feeds the composer text to the typing coordinator.
func (s *Session) EmitTyping(text string) {
	s.typing.OnLocalTextChange(text)
}

// MarkRead marks the whole conversation read by the current user.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n, err := s.receipts.MarkRead(ctx, s.cfg.Chat.ID, s.cfg.UserID)
	if n > 0 {
		s.persist()
		s.changed()
	}
	return n, err
}

// Reconnect leaves the disabled state and dials again.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.Reconnect(ctx)
}

// OnChange registers fn to run after any visible state changes.
func (s *Session) OnChange(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, changeSub{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnMembership registers fn for participant and group changes. The session
// does not apply them: participants are fixed for its lifetime.
func (s *Session) OnMembership(fn func(*MembershipFrame)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.membership = append(s.membership, membershipSub{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.membership {
			if l.id == id {
				s.membership = append(s.membership[:i:i], s.membership[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) changed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ls := append([]changeSub(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every timer, leaves the chat and flushes pending snapshots.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.listeners = nil
	s.membership = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.typing.Close()
	s.history.Close()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.batcher.Close(ctx)
	return err
}

func (s *Session) activeTimers() int {
	n := s.typing.activeTimers() + s.history.activeTimers() + s.batcher.activeTimers()
	if s.conn != nil {
		n += s.conn.activeTimers()
	}
	return n
}
