package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleLog struct {
	mu     sync.Mutex
	events []LifecycleKind
}

func (l *lifecycleLog) add(ev LifecycleEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev.Kind)
	l.mu.Unlock()
}

func (l *lifecycleLog) count(kind LifecycleKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range l.events {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestConnection(clock *fakeClock, dialer *fakeDialer) *Connection {
	return NewConnection(ConnectionConfig{
		URL:               "https://chat.example/socket",
		Dialer:            dialer,
		Clock:             clock,
		HeartbeatInterval: -1,
	})
}

func TestConnectionDisablesAfterMaxFailures(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{fail: true}
	c := newTestConnection(clock, dialer)
	defer c.Close()
	log := &lifecycleLog{}
	c.OnLifecycle(log.add)

	require.NoError(t, c.Open(context.Background(), "c1", "tok"))
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StateDisconnected, c.State())

	for i := 0; i < 4; i++ {
		clock.Advance(DefaultRetryDelay)
	}
	assert.Equal(t, 5, dialer.count())
	assert.Equal(t, StateDisabled, c.State())
	assert.Equal(t, 5, log.count(LifecycleConnectError))
	assert.Equal(t, 1, log.count(LifecycleDisabled))

	clock.Advance(time.Hour)
	assert.Equal(t, 5, dialer.count(), "no automatic attempt after disabled")
	assert.Equal(t, 0, c.activeTimers())
	assert.ErrorIs(t, c.Emit(context.Background(), EventTyping, nil), ErrNotConnected)

	dialer.setFail(false)
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Failures())
	assert.Equal(t, 6, dialer.count())
}

func TestConnectionRetryDelayIsFixed(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{fail: true}
	c := newTestConnection(clock, dialer)
	defer c.Close()

	c.Open(context.Background(), "c1", "tok")
	for attempt := 2; attempt <= 4; attempt++ {
		clock.Advance(DefaultRetryDelay - time.Millisecond)
		assert.Equal(t, attempt-1, dialer.count())
		clock.Advance(time.Millisecond)
		assert.Equal(t, attempt, dialer.count())
	}
}

func TestConnectionOpenWithoutToken(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestConnection(newFakeClock(), dialer)
	assert.ErrorIs(t, c.Open(context.Background(), "c1", ""), ErrMissingToken)
	assert.Equal(t, 0, dialer.count())
}

func TestConnectionJoinsAndDispatches(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	c := newTestConnection(clock, dialer)
	defer c.Close()

	frames := make(chan Frame, 4)
	c.Subscribe(func(f Frame) { frames <- f })

	require.NoError(t, c.Open(context.Background(), "c1", "tok"))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "connected chat=c1 failures=0", c.DebugState())
	assert.True(t, strings.HasPrefix(dialer.urls[0], "wss://chat.example/socket?token=tok"))

	sock := dialer.last()
	assert.Equal(t, []string{EventJoinChat}, sock.events())

	sock.in <- []byte(`garbage`)
	sock.in <- []byte(`{"event":"userTyping","data":{"chatId":"c1","userId":"u2"}}`)
	select {
	case f := <-frames:
		tf, ok := f.(*TypingFrame)
		require.True(t, ok)
		assert.Equal(t, "u2", tf.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnectionUnsubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestConnection(newFakeClock(), dialer)
	defer c.Close()

	var mu sync.Mutex
	got := 0
	unsub := c.Subscribe(func(Frame) { mu.Lock(); got++; mu.Unlock() })
	after := make(chan struct{}, 1)
	c.Subscribe(func(Frame) { after <- struct{}{} })
	unsub()

	c.Open(context.Background(), "c1", "tok")
	dialer.last().in <- []byte(`{"event":"x","data":{}}`)
	<-after
	mu.Lock()
	assert.Equal(t, 0, got)
	mu.Unlock()
}

func TestConnectionSettleRunsOnSettled(t *testing.T) {
	clock := newFakeClock()
	settled := 0
	c := NewConnection(ConnectionConfig{
		URL:               "ws://chat.example/socket",
		Dialer:            &fakeDialer{},
		Clock:             clock,
		HeartbeatInterval: -1,
		Viewing:           func() bool { return true },
		OnSettled:         func() { settled++ },
	})
	defer c.Close()

	c.Open(context.Background(), "c1", "tok")
	clock.Advance(DefaultSettleDelay - time.Millisecond)
	assert.Equal(t, 0, settled)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, settled)
}

func TestConnectionLostSocketReconnects(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	c := newTestConnection(clock, dialer)
	defer c.Close()
	log := &lifecycleLog{}
	c.OnLifecycle(log.add)

	c.Open(context.Background(), "c1", "tok")
	first := dialer.last()
	first.Close()

	require.Eventually(t, func() bool { return log.count(LifecycleDisconnected) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, c.Failures(), "a dropped socket is not a failed attempt")

	clock.Advance(DefaultRetryDelay)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, dialer.count())
	assert.NotSame(t, first, dialer.last())
}

func TestConnectionHeartbeatFailureReconnects(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	c := NewConnection(ConnectionConfig{URL: "ws://x/socket", Dialer: dialer, Clock: clock, HeartbeatInterval: 25 * time.Second})
	defer c.Close()

	c.Open(context.Background(), "c1", "tok")
	sock := dialer.last()
	clock.Advance(25 * time.Second)
	assert.False(t, sock.isClosed())

	sock.mu.Lock()
	sock.pingErr = context.DeadlineExceeded
	sock.mu.Unlock()
	clock.Advance(25 * time.Second)
	assert.True(t, sock.isClosed())
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionCloseLeavesAndClearsTimers(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	c := NewConnection(ConnectionConfig{
		URL:       "ws://x/socket",
		Dialer:    dialer,
		Clock:     clock,
		Viewing:   func() bool { return true },
		OnSettled: func() {},
	})
	c.Open(context.Background(), "c1", "tok")
	sock := dialer.last()
	require.Equal(t, 2, c.activeTimers(), "settle and heartbeat")

	require.NoError(t, c.Close())
	assert.Equal(t, []string{EventJoinChat, EventLeaveChat}, sock.events())
	assert.True(t, sock.isClosed())
	assert.Equal(t, 0, c.activeTimers())
	assert.Equal(t, 0, clock.Active())
	assert.ErrorIs(t, c.Open(context.Background(), "c1", "tok"), ErrClosed)
	assert.NoError(t, c.Close())
}

// TestConnectionOverWebSocket runs the default dialer against a real
// WebSocket peer.
func TestConnectionOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joined <- join
		conn.WriteJSON(map[string]any{
			"event": "receiveMessage",
			"data": map[string]any{
				"_id":       "m1",
				"chatId":    "c1",
				"sender":    map[string]any{"_id": "u2", "name": "Minh"},
				"content":   "xin chào",
				"createdAt": "2026-01-01T09:00:00Z",
			},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConnection(ConnectionConfig{URL: srv.URL + "/socket", HeartbeatInterval: -1})
	defer c.Close()
	got := make(chan *MessageFrame, 1)
	c.Subscribe(func(f Frame) {
		if mf, ok := f.(*MessageFrame); ok {
			got <- mf
		}
	})

	require.NoError(t, c.Open(context.Background(), "c1", "tok"))
	require.Equal(t, StateConnected, c.State())

	select {
	case join := <-joined:
		assert.Equal(t, EventJoinChat, join["event"])
		data, _ := json.Marshal(join["data"])
		assert.JSONEq(t, `{"chatId":"c1"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw joinChat")
	}

	select {
	case mf := <-got:
		assert.Equal(t, "m1", mf.Message.ID)
		assert.Equal(t, "Minh", mf.Message.SenderName)
		assert.Equal(t, "xin chào", mf.Message.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message frame not delivered")
	}
}
