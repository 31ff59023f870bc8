package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrMissingToken is fatal for the whole core of a conversation. The
	// caller decides whether to redirect to login.
	ErrMissingToken = errors.New("chatsync: auth token is missing")

	// ErrEmptyMessage is returned synchronously, before any network call.
	ErrEmptyMessage = errors.New("chatsync: message is empty")

	// ErrNotConnected is returned by socket emits while running REST-only.
	ErrNotConnected = errors.New("chatsync: socket not connected")

	// ErrFeatureUnavailable marks a 404 answered with an HTML page: the
	// endpoint does not exist on this server yet.
	ErrFeatureUnavailable = errors.New("chatsync: feature not available on server")

	// ErrClosed is returned by operations on a closed session or component.
	ErrClosed = errors.New("chatsync: closed")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	HTML       bool   `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is(err, ErrFeatureUnavailable) match HTML error pages.
func (e *APIError) Unwrap() error {
	if e.HTML {
		return ErrFeatureUnavailable
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the REST API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsFeatureUnavailable reports whether err means the server does not
// implement the endpoint yet.
func IsFeatureUnavailable(err error) bool {
	return errors.Is(err, ErrFeatureUnavailable)
}

// UserMessage turns a send or revoke error into text fit for the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage):
		return "Type a message first."
	case errors.Is(err, ErrMissingToken):
		return "Your session has expired. Please sign in again."
	case IsFeatureUnavailable(err):
		return "This feature isn't available yet. Please try again later."
	case errors.Is(err, ErrClosed):
		return "This conversation is no longer open."
	default:
		return "Message could not be sent. Tap to retry."
	}
}

// ============================================================================
// Conversation Types
// ============================================================================

// ChatKind distinguishes direct from group conversations.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ChatSettings holds per-conversation switches the core passes through.
type ChatSettings struct {
	AllowMembersToAdd bool `json:"allowMembersToAdd"`
}

// Chat is a conversation. Participants do not change during a session;
// membership events are handed to a collaborator instead.
type Chat struct {
	ID           string       `json:"_id"`
	Kind         ChatKind     `json:"kind"`
	Participants []string     `json:"participants"`
	Settings     ChatSettings `json:"settings"`
}

// ============================================================================
// Message Types
// ============================================================================

// SendState is the lifecycle of an outgoing message.
type SendState string

const (
	StateComposing SendState = "composing"
	StateSending   SendState = "sending"
	StateConfirmed SendState = "confirmed"
	StateFailed    SendState = "failed"
)

// EmojiKind selects how an emoji is sent.
type EmojiKind string

const (
	EmojiUnicode EmojiKind = "unicode"
	EmojiCustom  EmojiKind = "custom"
)

// Emoji is a standalone emoji message. Unicode emoji are folded into the
// text body; custom emoji travel as an object with an empty text.
type Emoji struct {
	Kind  EmojiKind `json:"type"`
	Value string    `json:"value,omitempty"`
	Name  string    `json:"name,omitempty"`
	URL   string    `json:"url,omitempty"`
}

// Attachment is a file already stored by the server.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry of a conversation timeline. A message without ID is
// pending: it was created locally and the server has not confirmed it.
type Message struct {
	ID          string       `json:"_id,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName,omitempty"`
	Content     string       `json:"content"`
	Emoji       *Emoji       `json:"emoji,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	ReadBy      []string     `json:"readBy,omitempty"`
	Revoked     bool         `json:"isRevoked,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	State       SendState    `json:"state,omitempty"`
}

// Pending reports whether the server has not assigned an identifier yet.
func (m *Message) Pending() bool { return m.ID == "" }

// HasReader reports whether userID is in the reader set.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

func (m Message) clone() Message {
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Emoji != nil {
		e := *m.Emoji
		m.Emoji = &e
	}
	return m
}

// ============================================================================
// Typing Types
// ============================================================================

// TypingUser is a remote participant currently typing.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Since     time.Time `json:"since"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ============================================================================
// History Types
// ============================================================================

// HistoryPage is one REST page, normalized from either response shape.
type HistoryPage struct {
	Messages []Message
	// HasMore is nil when the server did not say.
	HasMore *bool
	// Returned is the number of list entries the server sent, valid or not.
	Returned int
}

func (p *HistoryPage) count() int {
	if p.Returned > len(p.Messages) {
		return p.Returned
	}
	return len(p.Messages)
}

// PageResult is what the History Loader hands back to the UI.
type PageResult struct {
	Messages   []Message
	HasMore    bool
	Applied    int
	FromCache  bool
	Dropped    bool
	DropReason string
	// Err is the fetch failure behind a cache fallback or an empty page.
	Err error
}

// ============================================================================
// Send Types
// ============================================================================

// File is a local file to attach to an outgoing message.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// IsImage reports whether the file is sent as an image.
func (f File) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// SendRequest describes one outgoing message.
type SendRequest struct {
	Text    string
	Emoji   *Emoji
	ReplyTo string
	Files   []File
}

func (r *SendRequest) empty() bool {
	return strings.TrimSpace(r.Text) == "" && r.Emoji == nil && len(r.Files) == 0
}
