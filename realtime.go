package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Frames
// ============================================================================

// Frame is one decoded server event. The concrete type tells which kind:
// *MessageFrame, *TypingFrame, *ReadFrame, *RevokeFrame, *MembershipFrame or
// *UnknownFrame.
type Frame interface {
	// Name is the wire event name.
	Name() string
	// Conversation is the chat id the event belongs to, "" when unknown.
	Conversation() string
}

// MessageFrame carries a new message (receiveMessage, newMessage).
type MessageFrame struct {
	Event   string
	ChatID  string
	Message Message
}

// TypingFrame is a remote typing start or stop.
type TypingFrame struct {
	Event  string
	ChatID string
	UserID string
	Typing bool
}

// ReadFrame says UserID read MessageIDs, or everything when MessageIDs is
// empty.
type ReadFrame struct {
	Event      string
	ChatID     string
	UserID     string
	MessageIDs []string
}

// RevokeFrame says a message was revoked.
type RevokeFrame struct {
	Event     string
	ChatID    string
	MessageID string
}

// MembershipFrame reports a participant or group settings change. The core
// does not act on it; it is handed to the host.
type MembershipFrame struct {
	Event   string
	ChatID  string
	UserIDs []string
	Data    json.RawMessage
}

// UnknownFrame is any event the core does not understand.
type UnknownFrame struct {
	Event string
	Data  json.RawMessage
}

func (f *MessageFrame) Name() string            { return f.Event }
func (f *MessageFrame) Conversation() string    { return f.ChatID }
func (f *TypingFrame) Name() string             { return f.Event }
func (f *TypingFrame) Conversation() string     { return f.ChatID }
func (f *ReadFrame) Name() string               { return f.Event }
func (f *ReadFrame) Conversation() string       { return f.ChatID }
func (f *RevokeFrame) Name() string             { return f.Event }
func (f *RevokeFrame) Conversation() string     { return f.ChatID }
func (f *MembershipFrame) Name() string         { return f.Event }
func (f *MembershipFrame) Conversation() string { return f.ChatID }
func (f *UnknownFrame) Name() string            { return f.Event }
func (f *UnknownFrame) Conversation() string    { return "" }

// Outgoing socket events.
const (
	EventJoinChat    = "joinChat"
	EventLeaveChat   = "leaveChat"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
	EventMessageRead = "messageRead"
)

// decodeFrame narrows a {"event": name, "data": {...}} envelope.
func decodeFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("frame is not JSON")
	}
	root := gjson.ParseBytes(raw)
	event := firstOf(root, "event", "type").String()
	if event == "" {
		return nil, fmt.Errorf("frame has no event name")
	}
	data := firstOf(root, "data", "payload")
	chatID := idOf(firstOf(data, "chatId", "chat", "groupId", "conversationId"))

	switch event {
	case "receiveMessage", "newMessage":
		body := data
		if inner := data.Get("message"); inner.IsObject() {
			body = inner
		}
		m, ok := parseMessage(body, chatID)
		if !ok {
			return nil, fmt.Errorf("%s frame carries no message id", event)
		}
		return &MessageFrame{Event: event, ChatID: m.ChatID, Message: m}, nil

	case "userTyping", "groupUserTyping", "userStopTyping", "groupUserStopTyping":
		user := idOf(firstOf(data, "userId", "user", "senderId"))
		if user == "" {
			return nil, fmt.Errorf("%s frame has no user", event)
		}
		return &TypingFrame{
			Event:  event,
			ChatID: chatID,
			UserID: user,
			Typing: !strings.Contains(event, "Stop"),
		}, nil

	case "messageRead":
		f := &ReadFrame{Event: event, ChatID: chatID, UserID: idOf(firstOf(data, "userId", "readBy", "user"))}
		if ids := data.Get("messageIds"); ids.IsArray() {
			ids.ForEach(func(_, v gjson.Result) bool {
				if id := idOf(v); id != "" {
					f.MessageIDs = append(f.MessageIDs, id)
				}
				return true
			})
		} else if id := idOf(data.Get("messageId")); id != "" {
			f.MessageIDs = []string{id}
		}
		if f.UserID == "" {
			return nil, fmt.Errorf("messageRead frame has no reader")
		}
		return f, nil

	case "messageRevoked":
		id := idOf(firstOf(data, "messageId", "_id", "id", "message"))
		if id == "" {
			return nil, fmt.Errorf("messageRevoked frame has no message id")
		}
		return &RevokeFrame{Event: event, ChatID: chatID, MessageID: id}, nil

	case "userAddedToGroup", "userRemovedFromGroup", "groupUpdated", "participantsUpdated":
		f := &MembershipFrame{Event: event, ChatID: chatID, Data: json.RawMessage(data.Raw)}
		firstOf(data, "userIds", "participants", "users").ForEach(func(_, v gjson.Result) bool {
			if id := idOf(v); id != "" {
				f.UserIDs = append(f.UserIDs, id)
			}
			return true
		})
		if id := idOf(data.Get("userId")); id != "" && len(f.UserIDs) == 0 {
			f.UserIDs = []string{id}
		}
		return f, nil
	}
	return &UnknownFrame{Event: event, Data: json.RawMessage(data.Raw)}, nil
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{event, payload})
}

// ============================================================================
// Transport
// ============================================================================

// Socket is one established bidirectional connection.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sockets. The default dials WebSockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error)
}

// WebSocketDialer dials with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxFailures       = 5
	DefaultRetryDelay        = 2 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultDialTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
)

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// URL is the socket endpoint. http(s) schemes are rewritten to ws(s).
	URL               string
	MaxFailures       int
	RetryDelay        time.Duration
	SettleDelay       time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration // negative disables
	// Viewing reports whether the conversation is on screen. When it is,
	// OnSettled runs SettleDelay after each successful connect.
	Viewing   func() bool
	OnSettled func()
	Dialer    Dialer
	Clock     Clock
	Logger    *zap.Logger
	Metrics   *Metrics
}

func (c *ConnectionConfig) defaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnectionState is the socket lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateDisabled is terminal until Reconnect: the core runs REST-only.
	StateDisabled ConnectionState = "disabled"
)

// LifecycleKind names a connection lifecycle event.
type LifecycleKind string

const (
	LifecycleConnected    LifecycleKind = "connected"
	LifecycleConnectError LifecycleKind = "connect_error"
	LifecycleDisconnected LifecycleKind = "disconnected"
	LifecycleDisabled     LifecycleKind = "disabled"
)

// LifecycleEvent is delivered to OnLifecycle listeners.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Failures int
	Err      error
}

// ============================================================================
// Connection
// ============================================================================

type frameSub struct {
	id int
	fn func(Frame)
}

type lifecycleSub struct {
	id int
	fn func(LifecycleEvent)
}

// Connection manages one socket for one conversation: dial, join, fixed-delay
// retry with a failure cap, heartbeat and frame fan-out.
type Connection struct {
	cfg ConnectionConfig

	mu        sync.Mutex
	state     ConnectionState
	chatID    string
	token     string
	failures  int
	sock      Socket
	cancel    context.CancelFunc
	retry     Timer
	settle    Timer
	heartbeat Timer
	gen       uint64
	closed    bool

	nextID int
	subs   []frameSub
	life   []lifecycleSub
}

// NewConnection creates a disconnected Connection.
func NewConnection(cfg ConnectionConfig) *Connection {
	cfg.defaults()
	c := &Connection{cfg: cfg, state: StateDisconnected}
	cfg.Metrics.connectionState(StateDisconnected)
	return c
}

// Open connects to chatID. A missing token is the only error returned;
// every transport failure is absorbed into the state machine. Opening again
// tears down the previous socket first.
func (c *Connection) Open(ctx context.Context, chatID, token string) error {
	if token == "" {
		return ErrMissingToken
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.teardownLocked()
	c.chatID = chatID
	c.token = token
	c.failures = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.connect(ctx, gen)
	return nil
}

// Reconnect leaves any state, disabled included, and dials again with a
// fresh failure count.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.token == "" {
		c.mu.Unlock()
		return ErrMissingToken
	}
	old := c.teardownLocked()
	c.failures = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.cfg.Logger.Info("socket_manual_reconnect")
	c.connect(ctx, gen)
	return nil
}

// Close leaves the chat, stops every timer, closes the socket and drops all
// listeners. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	sock, state, chatID := c.sock, c.state, c.chatID
	c.mu.Unlock()

	if sock != nil && state == StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if data, err := encodeFrame(EventLeaveChat, map[string]string{"chatId": chatID}); err == nil {
			_ = sock.Write(ctx, data)
		}
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	c.gen++
	sock = c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.subs = nil
	c.life = nil
	c.mu.Unlock()

	if sock != nil {
		return sock.Close()
	}
	return nil
}

// teardownLocked stops timers and loops and detaches the socket, which the
// caller closes after releasing the lock.
func (c *Connection) teardownLocked() Socket {
	c.retry = stopTimer(c.retry)
	c.settle = stopTimer(c.settle)
	c.heartbeat = stopTimer(c.heartbeat)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	s := c.sock
	c.sock = nil
	return s
}

func (c *Connection) setStateLocked(s ConnectionState) {
	c.state = s
	c.cfg.Metrics.connectionState(s)
}

func (c *Connection) dialURL(token string) (string, http.Header, error) {
	raw := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return u.String(), h, nil
}

func (c *Connection) connect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	token, chatID := c.token, c.chatID
	c.mu.Unlock()

	rawURL, header, err := c.dialURL(token)
	var sock Socket
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		sock, err = c.cfg.Dialer.Dial(dctx, rawURL, header)
		cancel()
	}
	if err != nil {
		c.dialFailed(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	c.failures = 0
	c.setStateLocked(StateConnected)
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.cfg.Viewing != nil && c.cfg.OnSettled != nil && c.cfg.Viewing() {
		c.settle = c.cfg.Clock.AfterFunc(c.cfg.SettleDelay, func() { c.settled(gen) })
	}
	c.armHeartbeatLocked(gen, sock)
	c.mu.Unlock()

	c.cfg.Logger.Info("socket_connected", zap.String("chat", chatID))
	if err := c.Emit(ctx, EventJoinChat, map[string]string{"chatId": chatID}); err != nil {
		c.cfg.Logger.Debug("join_chat_failed", zap.Error(err))
	}
	go c.readLoop(loopCtx, sock, gen)
	c.notify(LifecycleEvent{Kind: LifecycleConnected})
}

func (c *Connection) dialFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.failures++
	failures := c.failures
	c.cfg.Metrics.connectFailed()

	if failures >= c.cfg.MaxFailures {
		c.teardownLocked()
		c.setStateLocked(StateDisabled)
		c.mu.Unlock()
		c.cfg.Logger.Warn("socket_disabled", zap.Int("failures", failures), zap.Error(err))
		c.notify(LifecycleEvent{Kind: LifecycleConnectError, Failures: failures, Err: err})
		c.notify(LifecycleEvent{Kind: LifecycleDisabled, Failures: failures, Err: err})
		return
	}
	c.setStateLocked(StateDisconnected)
	c.retry = c.cfg.Clock.AfterFunc(c.cfg.RetryDelay, func() { c.retryConnect(gen) })
	c.mu.Unlock()

	c.cfg.Logger.Info("socket_connect_failed", zap.Int("failures", failures), zap.Error(err))
	c.notify(LifecycleEvent{Kind: LifecycleConnectError, Failures: failures, Err: err})
}

func (c *Connection) retryConnect(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state == StateDisabled {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()
	c.connect(context.Background(), gen)
}

func (c *Connection) settled(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.settle = nil
	c.mu.Unlock()
	c.cfg.OnSettled()
}

func (c *Connection) readLoop(ctx context.Context, sock Socket, gen uint64) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.lost(sock, gen, err)
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.cfg.Logger.Debug("frame_dropped", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

// lost handles a live socket dying: back to disconnected and retry after the
// fixed delay. Only a failed redial counts toward the cap.
func (c *Connection) lost(sock Socket, gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.retry = c.cfg.Clock.AfterFunc(c.cfg.RetryDelay, func() { c.retryConnect(gen) })
	c.mu.Unlock()

	sock.Close()
	c.cfg.Logger.Info("socket_disconnected", zap.Error(err))
	c.notify(LifecycleEvent{Kind: LifecycleDisconnected, Err: err})
}

func (c *Connection) armHeartbeatLocked(gen uint64, sock Socket) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeat = c.cfg.Clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(gen, sock) })
}

func (c *Connection) beat(gen uint64, sock Socket) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.heartbeat = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	err := sock.Ping(ctx)
	cancel()
	if err != nil {
		// Closing makes the read loop fail and take the reconnect path.
		c.cfg.Logger.Info("socket_heartbeat_failed", zap.Error(err))
		sock.Close()
		return
	}

	c.mu.Lock()
	if !c.closed && gen == c.gen && c.sock == sock {
		c.armHeartbeatLocked(gen, sock)
	}
	c.mu.Unlock()
}

// ── Listeners ─────────────────────────────────────────────

// Subscribe registers fn for every decoded frame. Frames are delivered in
// arrival order on the read goroutine.
func (c *Connection) Subscribe(fn func(Frame)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, frameSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnLifecycle registers fn for lifecycle events.
func (c *Connection) OnLifecycle(fn func(LifecycleEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.life = append(c.life, lifecycleSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.life {
			if s.id == id {
				c.life = append(c.life[:i:i], c.life[i+1:]...)
				return
			}
		}
	}
}

func (c *Connection) dispatch(f Frame) {
	c.mu.Lock()
	subs := append([]frameSub(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(f)
	}
}

func (c *Connection) notify(ev LifecycleEvent) {
	c.mu.Lock()
	life := append([]lifecycleSub(nil), c.life...)
	c.mu.Unlock()
	for _, s := range life {
		s.fn(ev)
	}
}

// ── Emit & state ──────────────────────────────────────────

// Emit writes an event. It returns ErrNotConnected unless the socket is
// connected; callers treat that as degraded mode, not as a failure.
func (c *Connection) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	sock, state := c.sock, c.state
	c.mu.Unlock()
	if sock == nil || state != StateConnected {
		return ErrNotConnected
	}
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return sock.Write(ctx, data)
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures returns consecutive failed connect attempts.
func (c *Connection) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// DebugState summarizes the connection for diagnostics.
func (c *Connection) DebugState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s chat=%s failures=%d", c.state, c.chatID, c.failures)
}

func (c *Connection) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range []Timer{c.retry, c.settle, c.heartbeat} {
		if t != nil {
			n++
		}
	}
	return n
}
