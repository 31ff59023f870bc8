package chatsync

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Manual clock
// ============================================================================

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, running due callbacks in order on the calling
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Active counts timers that are armed and not yet due.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// In-memory socket
// ============================================================================

type fakeSocket struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	pingErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// events returns the event names written so far.
func (s *fakeSocket) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, w := range s.written {
		f, err := decodeFrame(w)
		if err == nil {
			out = append(out, f.Name())
			continue
		}
		out = append(out, string(w))
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     bool
	attempts int
	urls     []string
	sockets  []*fakeSocket
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, _ http.Header) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.urls = append(d.urls, rawURL)
	if d.fail {
		return nil, errors.New("connect_error: server unreachable")
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// ============================================================================
// Message builders
// ============================================================================

func msgAt(id, sender string, offset time.Duration) Message {
	return Message{
		ID:        id,
		ChatID:    "c1",
		SenderID:  sender,
		Content:   "text " + id,
		CreatedAt: epoch.Add(offset),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
