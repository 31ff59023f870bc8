package chatsync

import (
	"sort"
	"sync"
	"time"
)

// Source tells Merge which path a batch of messages came from.
type Source string

const (
	SourceSocket  Source = "socket"
	SourceHistory Source = "history"
	SourceCache   Source = "cache"
)

// DefaultReconcileWindow bounds how far apart a pending send and its socket
// echo may be when they are matched by content.
const DefaultReconcileWindow = 10 * time.Second

// MessageStore is the canonical, ascending timeline of one conversation.
// Confirmed messages come first, ordered by CreatedAt; pending messages
// follow in the order they were sent.
type MessageStore struct {
	mu       sync.RWMutex
	selfID   string
	window   time.Duration
	messages []Message
	ids      map[string]struct{}
}

// NewMessageStore creates an empty store. selfID identifies the current user
// so socket echoes of our own sends can be reconciled with pending entries.
func NewMessageStore(selfID string) *MessageStore {
	return &MessageStore{
		selfID: selfID,
		window: DefaultReconcileWindow,
		ids:    make(map[string]struct{}),
	}
}

// SetReconcileWindow overrides DefaultReconcileWindow.
func (s *MessageStore) SetReconcileWindow(d time.Duration) {
	s.mu.Lock()
	s.window = d
	s.mu.Unlock()
}

// Merge applies incoming messages and returns how many changed the store.
// Both the socket and the history path go through here, so the final order
// does not depend on which one arrives first.
func (s *MessageStore) Merge(src Source, msgs ...Message) int {
	if len(msgs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if src == SourceSocket {
		applied := 0
		for _, m := range msgs {
			if s.mergeLive(m) {
				applied++
			}
		}
		return applied
	}
	return s.mergePage(msgs)
}

func (s *MessageStore) mergeLive(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	m = m.clone()
	m.State = StateConfirmed
	if i := s.matchPending(m); i >= 0 {
		if m.ClientID == "" {
			m.ClientID = s.messages[i].ClientID
		}
		s.removeAt(i)
	}
	s.insertOrdered(m)
	return true
}

// matchPending finds the pending own message a socket echo stands for:
// same client id when the server echoes it, otherwise the oldest pending
// message with the same content sent inside the reconcile window.
func (s *MessageStore) matchPending(m Message) int {
	if m.ClientID != "" {
		for i := s.firstPending(); i < len(s.messages); i++ {
			if s.messages[i].ClientID == m.ClientID {
				return i
			}
		}
	}
	if m.SenderID == "" || m.SenderID != s.selfID {
		return -1
	}
	for i := s.firstPending(); i < len(s.messages); i++ {
		p := s.messages[i]
		if p.State == StateFailed || p.Content != m.Content {
			continue
		}
		if d := m.CreatedAt.Sub(p.CreatedAt); d < -s.window || d > s.window {
			continue
		}
		return i
	}
	return -1
}

// mergePage handles a history or cache page: drop known ids, then prepend
// as one block when the page is older than everything held. A page that
// overlaps the held range is inserted item by item.
func (s *MessageStore) mergePage(page []Message) int {
	fresh := make([]Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		if _, ok := s.ids[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m = m.clone()
		m.State = StateConfirmed
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })

	head := s.firstPending()
	if head == 0 || !fresh[len(fresh)-1].CreatedAt.After(s.messages[0].CreatedAt) {
		merged := make([]Message, 0, len(s.messages)+len(fresh))
		merged = append(merged, fresh...)
		merged = append(merged, s.messages...)
		s.messages = merged
		for _, m := range fresh {
			s.ids[m.ID] = struct{}{}
		}
		return len(fresh)
	}
	for _, m := range fresh {
		s.insertOrdered(m)
	}
	return len(fresh)
}

// insertOrdered places a confirmed message after every confirmed message
// that is not newer, keeping arrival order among equal timestamps.
func (s *MessageStore) insertOrdered(m Message) {
	head := s.firstPending()
	i := sort.Search(head, func(i int) bool { return s.messages[i].CreatedAt.After(m.CreatedAt) })
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.ids[m.ID] = struct{}{}
}

func (s *MessageStore) firstPending() int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if !s.messages[i].Pending() {
			return i + 1
		}
	}
	return 0
}

func (s *MessageStore) removeAt(i int) {
	if id := s.messages[i].ID; id != "" {
		delete(s.ids, id)
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexOfClient(clientID string) int {
	for i := s.firstPending(); i < len(s.messages); i++ {
		if s.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// ── Pending messages ──────────────────────────────────────

// AddPending appends a locally created message. It must have a ClientID and
// no ID.
func (s *MessageStore) AddPending(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m = m.clone()
	m.ID = ""
	if m.State == "" {
		m.State = StateSending
	}
	s.messages = append(s.messages, m)
}

// Confirm swaps the pending message clientID for the server's copy. When the
// socket echo already delivered that id, the pending entry is just dropped.
// It reports whether the store changed.
func (s *MessageStore) Confirm(clientID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfClient(clientID)
	if i >= 0 {
		s.removeAt(i)
	}
	if confirmed.ID == "" {
		return i >= 0
	}
	if _, ok := s.ids[confirmed.ID]; ok {
		return i >= 0
	}
	confirmed = confirmed.clone()
	confirmed.ClientID = clientID
	confirmed.State = StateConfirmed
	s.insertOrdered(confirmed)
	return true
}

// Fail marks a pending message as failed, keeping its content for a manual
// retry.
func (s *MessageStore) Fail(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfClient(clientID)
	if i < 0 {
		return false
	}
	s.messages[i].State = StateFailed
	return true
}

// RemovePending drops a pending or failed message, e.g. before a retry.
func (s *MessageStore) RemovePending(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfClient(clientID)
	if i < 0 {
		return false
	}
	s.removeAt(i)
	return true
}

// ── Mutations ─────────────────────────────────────────────

// SetRevoked clears the visible content of message id. The reader set stays.
// Unknown ids are ignored.
func (s *MessageStore) SetRevoked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	m := &s.messages[i]
	m.Revoked = true
	m.Content = ""
	m.Emoji = nil
	m.Attachments = nil
	return true
}

// AppendReader adds userID to the reader set of message id.
func (s *MessageStore) AppendReader(id, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	return appendReader(&s.messages[i], userID)
}

// AppendReaderAll marks every confirmed message not sent by userID as read
// by userID and returns how many changed.
func (s *MessageStore) AppendReaderAll(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.Pending() || m.SenderID == userID {
			continue
		}
		if appendReader(m, userID) {
			n++
		}
	}
	return n
}

func appendReader(m *Message, userID string) bool {
	if userID == "" || m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// ── Reads ─────────────────────────────────────────────────

// Get returns a copy of message id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return Message{}, false
	}
	return s.messages[i].clone(), true
}

// Len returns the number of messages, pending included.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns the confirmed messages in ascending order, the form the
// durable cache stores.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head := s.firstPending()
	out := make([]Message, head)
	for i := 0; i < head; i++ {
		out[i] = s.messages[i].clone()
	}
	return out
}

// All returns every message, pending included, in ascending order.
func (s *MessageStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// SnapshotAll is Snapshot with pending and failed messages included.
func (s *MessageStore) SnapshotAll() []Message {
	return s.All()
}

// Oldest returns the oldest confirmed message.
func (s *MessageStore) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.firstPending() == 0 {
		return Message{}, false
	}
	return s.messages[0].clone(), true
}

// NewestFirst is the rendering view: newest message at index 0.
func (s *MessageStore) NewestFirst() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[len(s.messages)-1-i] = m.clone()
	}
	return out
}

// Clear evicts everything. Durable storage is not touched.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.ids = make(map[string]struct{})
}
