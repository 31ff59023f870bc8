package chatsync

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTypingDebounce = 300 * time.Millisecond
	DefaultTypingIdleStop = 3 * time.Second
	DefaultTypingExpiry   = 4500 * time.Millisecond
)

// TypingSignal is what the coordinator asks the socket to emit.
type TypingSignal string

const (
	SignalTyping     TypingSignal = "typing"
	SignalStopTyping TypingSignal = "stopTyping"
)

// TypingConfig configures a TypingCoordinator.
type TypingConfig struct {
	SelfID   string
	Debounce time.Duration
	IdleStop time.Duration
	Expiry   time.Duration
	// Emit sends a local typing signal. Called without locks held.
	Emit func(TypingSignal)
	// OnChange runs whenever the remote typing list changes.
	OnChange func([]TypingUser)
	Clock    Clock
	Logger   *zap.Logger
}

func (c *TypingConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = DefaultTypingDebounce
	}
	if c.IdleStop == 0 {
		c.IdleStop = DefaultTypingIdleStop
	}
	if c.Expiry == 0 {
		c.Expiry = DefaultTypingExpiry
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type localTyping int

const (
	typingIdle    localTyping = iota
	typingPending             // debounce timer running
	typingArmed               // typing emitted, idle-stop timer running
)

type remoteTyper struct {
	user  TypingUser
	timer Timer
}

// TypingCoordinator debounces local keystrokes into typing/stopTyping
// signals and keeps the list of remote participants currently typing.
type TypingCoordinator struct {
	cfg TypingConfig

	mu       sync.Mutex
	state    localTyping
	emitted  bool // a typing signal is outstanding
	text     string
	debounce Timer
	idle     Timer
	gen      uint64

	typers []*remoteTyper
	closed bool
}

// NewTypingCoordinator creates a coordinator.
func NewTypingCoordinator(cfg TypingConfig) *TypingCoordinator {
	cfg.defaults()
	return &TypingCoordinator{cfg: cfg}
}

// ── Local side ────────────────────────────────────────────

// OnLocalTextChange feeds the current composer text.
func (t *TypingCoordinator) OnLocalTextChange(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.text = text
	t.gen++
	gen := t.gen
	t.debounce = stopTimer(t.debounce)
	t.debounce = t.cfg.Clock.AfterFunc(t.cfg.Debounce, func() { t.settle(gen) })
	if t.state == typingIdle {
		t.state = typingPending
	}
}

func (t *TypingCoordinator) settle(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.debounce = nil
	var signal TypingSignal
	if strings.TrimSpace(t.text) != "" {
		signal = SignalTyping
		t.emitted = true
		t.state = typingArmed
		t.idle = stopTimer(t.idle)
		t.idle = t.cfg.Clock.AfterFunc(t.cfg.IdleStop, func() { t.idleStop(gen) })
	} else {
		t.idle = stopTimer(t.idle)
		t.state = typingIdle
		if t.emitted {
			signal = SignalStopTyping
			t.emitted = false
		}
	}
	t.mu.Unlock()

	if signal != "" {
		t.emit(signal)
	}
}

func (t *TypingCoordinator) idleStop(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || !t.emitted {
		t.mu.Unlock()
		return
	}
	t.idle = nil
	t.emitted = false
	t.state = typingIdle
	t.mu.Unlock()
	t.emit(SignalStopTyping)
}

// StopLocal ends local typing immediately, e.g. after a send.
func (t *TypingCoordinator) StopLocal() {
	t.mu.Lock()
	t.gen++
	t.text = ""
	t.debounce = stopTimer(t.debounce)
	t.idle = stopTimer(t.idle)
	t.state = typingIdle
	wasTyping := t.emitted && !t.closed
	t.emitted = false
	t.mu.Unlock()
	if wasTyping {
		t.emit(SignalStopTyping)
	}
}

func (t *TypingCoordinator) emit(s TypingSignal) {
	if t.cfg.Emit != nil {
		t.cfg.Emit(s)
	}
}

// ── Remote side ───────────────────────────────────────────

// OnRemoteTyping adds userID or pushes its expiry back.
func (t *TypingCoordinator) OnRemoteTyping(userID string) {
	if userID == "" || userID == t.cfg.SelfID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Clock.Now()
	rt := t.find(userID)
	if rt == nil {
		rt = &remoteTyper{user: TypingUser{UserID: userID, Since: now}}
		t.typers = append(t.typers, rt)
	}
	rt.timer = stopTimer(rt.timer)
	rt.user.ExpiresAt = now.Add(t.cfg.Expiry)
	rt.timer = t.cfg.Clock.AfterFunc(t.cfg.Expiry, func() { t.expire(rt) })
	list := t.listLocked()
	t.mu.Unlock()
	t.changed(list)
}

// OnRemoteStopTyping removes userID right away.
func (t *TypingCoordinator) OnRemoteStopTyping(userID string) {
	t.mu.Lock()
	rt := t.find(userID)
	if rt == nil || t.closed {
		t.mu.Unlock()
		return
	}
	t.removeLocked(rt)
	list := t.listLocked()
	t.mu.Unlock()
	t.changed(list)
}

func (t *TypingCoordinator) expire(rt *remoteTyper) {
	t.mu.Lock()
	if t.closed || t.find(rt.user.UserID) != rt {
		t.mu.Unlock()
		return
	}
	t.removeLocked(rt)
	list := t.listLocked()
	t.mu.Unlock()
	t.cfg.Logger.Debug("typing_expired", zap.String("user", rt.user.UserID))
	t.changed(list)
}

func (t *TypingCoordinator) find(userID string) *remoteTyper {
	for _, rt := range t.typers {
		if rt.user.UserID == userID {
			return rt
		}
	}
	return nil
}

func (t *TypingCoordinator) removeLocked(rt *remoteTyper) {
	rt.timer = stopTimer(rt.timer)
	for i, x := range t.typers {
		if x == rt {
			t.typers = append(t.typers[:i], t.typers[i+1:]...)
			return
		}
	}
}

func (t *TypingCoordinator) listLocked() []TypingUser {
	out := make([]TypingUser, len(t.typers))
	for i, rt := range t.typers {
		out[i] = rt.user
	}
	return out
}

func (t *TypingCoordinator) changed(list []TypingUser) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(list)
	}
}

// Typers returns the remote users typing now, in order of appearance.
func (t *TypingCoordinator) Typers() []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked()
}

// Close stops every timer and forgets all typers. No signal is emitted.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.gen++
	t.debounce = stopTimer(t.debounce)
	t.idle = stopTimer(t.idle)
	for _, rt := range t.typers {
		rt.timer = stopTimer(rt.timer)
	}
	t.typers = nil
	t.state = typingIdle
}

// activeTimers counts live timer handles; Close must bring it to zero.
func (t *TypingCoordinator) activeTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	if t.debounce != nil {
		n++
	}
	if t.idle != nil {
		n++
	}
	for _, rt := range t.typers {
		if rt.timer != nil {
			n++
		}
	}
	return n
}
