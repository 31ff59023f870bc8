package chatsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Send endpoints.
const (
	PathMessage          = "/message"
	PathReply            = "/message/reply"
	PathUploadAttachment = "/upload-attachment"
	PathUploadMultiple   = "/upload-multiple"
)

// DefaultAlternatePaths are tried in order when the primary send endpoint
// answers 404.
var DefaultAlternatePaths = []string{"/messages", "/chat/message"}

// MessageAPI is the REST surface the send pipeline needs. *Client implements
// it.
type MessageAPI interface {
	HasToken() bool
	PostMessage(ctx context.Context, path string, body map[string]any) (Message, error)
	Upload(ctx context.Context, path string, fields map[string]string, field string, files []File) ([]byte, error)
	RevokeMessage(ctx context.Context, messageID string) error
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	ChatID     string
	UserID     string
	UserName   string
	API        MessageAPI
	Store      *MessageStore
	Batcher    *Batcher // optional
	Alternates []string // nil means DefaultAlternatePaths
	// OnChange runs after every store mutation the sender makes.
	OnChange    func()
	NewClientID func() string
	Clock       Clock
	Logger      *zap.Logger
	Metrics     *Metrics
}

func (c *SenderConfig) defaults() {
	if c.Alternates == nil {
		c.Alternates = DefaultAlternatePaths
	}
	if c.NewClientID == nil {
		c.NewClientID = uuid.NewString
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Sender runs the optimistic send pipeline: a pending message goes into the
// store first, then is confirmed or failed by the REST response. Failed
// sends are never retried automatically.
type Sender struct {
	cfg SenderConfig
}

// NewSender creates a Sender.
func NewSender(cfg SenderConfig) *Sender {
	cfg.defaults()
	return &Sender{cfg: cfg}
}

// Send validates req, inserts a pending message and posts it. On failure the
// pending message stays in the store as failed and the error is returned;
// UserMessage turns it into display text.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if req.empty() {
		return nil, ErrEmptyMessage
	}
	if !s.cfg.API.HasToken() {
		return nil, ErrMissingToken
	}

	clientID := s.cfg.NewClientID()
	pending := Message{
		ClientID:   clientID,
		ChatID:     s.cfg.ChatID,
		SenderID:   s.cfg.UserID,
		SenderName: s.cfg.UserName,
		Content:    req.Text,
		ReplyTo:    req.ReplyTo,
		CreatedAt:  s.cfg.Clock.Now(),
		State:      StateSending,
	}
	if req.Emoji != nil {
		if req.Emoji.Kind == EmojiUnicode {
			pending.Content = req.Text + req.Emoji.Value
		} else {
			e := *req.Emoji
			pending.Emoji = &e
			pending.Content = ""
		}
	}
	for _, f := range req.Files {
		pending.Attachments = append(pending.Attachments, Attachment{Name: f.Name, MimeType: f.MimeType, Size: int64(len(f.Data))})
	}
	s.cfg.Store.AddPending(pending)
	s.changed()

	var sent []Message
	var err error
	if len(req.Files) > 0 {
		sent, err = s.upload(ctx, clientID, pending, req.Files)
	} else {
		var m Message
		m, err = s.post(ctx, s.body(clientID, pending), req.ReplyTo != "")
		sent = []Message{m}
	}
	if err != nil {
		s.cfg.Store.Fail(clientID)
		s.changed()
		result := "error"
		if IsFeatureUnavailable(err) {
			result = "unavailable"
		}
		s.cfg.Metrics.send(result)
		s.cfg.Logger.Warn("send_failed", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	now := s.cfg.Clock.Now()
	for i := range sent {
		if sent[i].SenderID == "" {
			sent[i].SenderID = s.cfg.UserID
		}
		if sent[i].CreatedAt.IsZero() {
			sent[i].CreatedAt = now
		}
	}
	s.cfg.Store.Confirm(clientID, sent[0])
	if len(sent) > 1 {
		s.cfg.Store.Merge(SourceSocket, sent[1:]...)
	}
	s.persist()
	s.changed()
	s.cfg.Metrics.send("ok")
	s.cfg.Logger.Debug("message_sent", zap.String("id", sent[0].ID), zap.String("client_id", clientID))

	confirmed := sent[0]
	confirmed.ClientID = clientID
	confirmed.State = StateConfirmed
	return &confirmed, nil
}

// body builds the JSON body for a text, reply or emoji send. A unicode emoji
// is already folded into Content; a custom emoji goes as an object with an
// empty text.
func (s *Sender) body(clientID string, m Message) map[string]any {
	b := map[string]any{
		"chatId":   s.cfg.ChatID,
		"content":  m.Content,
		"clientId": clientID,
	}
	if m.Emoji != nil {
		b["content"] = ""
		b["emoji"] = m.Emoji
	}
	if m.ReplyTo != "" {
		b["replyTo"] = m.ReplyTo
	}
	return b
}

// post tries the primary endpoint, then the alternates on 404. Replies have
// a single endpoint.
func (s *Sender) post(ctx context.Context, body map[string]any, reply bool) (Message, error) {
	if reply {
		return s.cfg.API.PostMessage(ctx, PathReply, body)
	}
	paths := append([]string{PathMessage}, s.cfg.Alternates...)
	var lastErr error
	for i, p := range paths {
		m, err := s.cfg.API.PostMessage(ctx, p, body)
		if err == nil {
			if i > 0 {
				s.cfg.Logger.Info("send_used_alternate_path", zap.String("path", p))
			}
			return m, nil
		}
		lastErr = err
		if !IsNotFound(err) {
			return Message{}, err
		}
	}
	return Message{}, lastErr
}

func (s *Sender) upload(ctx context.Context, clientID string, m Message, files []File) ([]Message, error) {
	fields := map[string]string{
		"chatId":   s.cfg.ChatID,
		"content":  m.Content,
		"clientId": clientID,
	}
	if m.ReplyTo != "" {
		fields["replyTo"] = m.ReplyTo
	}
	// Multipart carries the custom emoji as a JSON-encoded field.
	if m.Emoji != nil {
		raw, err := json.Marshal(m.Emoji)
		if err != nil {
			return nil, fmt.Errorf("encode emoji: %w", err)
		}
		fields["content"] = ""
		fields["emoji"] = string(raw)
	}
	if len(files) == 1 {
		data, err := s.cfg.API.Upload(ctx, PathUploadAttachment, fields, "file", files)
		if err != nil {
			return nil, err
		}
		msg, err := parseSent(data, s.cfg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
		return []Message{msg}, nil
	}
	data, err := s.cfg.API.Upload(ctx, PathUploadMultiple, fields, "files", files)
	if err != nil {
		return nil, err
	}
	msgs, err := parseSentMany(data, s.cfg.ChatID)
	if err != nil {
		return nil, fmt.Errorf("upload multiple: %w", err)
	}
	return msgs, nil
}

// Revoke revokes a sent message on the server, then clears it locally.
func (s *Sender) Revoke(ctx context.Context, messageID string) error {
	if !s.cfg.API.HasToken() {
		return ErrMissingToken
	}
	if err := s.cfg.API.RevokeMessage(ctx, messageID); err != nil {
		s.cfg.Logger.Warn("revoke_failed", zap.String("id", messageID), zap.Error(err))
		return err
	}
	if s.cfg.Store.SetRevoked(messageID) {
		s.persist()
		s.changed()
	}
	return nil
}

func (s *Sender) persist() {
	if s.cfg.Batcher != nil {
		s.cfg.Batcher.Schedule(s.cfg.ChatID, s.cfg.Store.Snapshot())
	}
}

func (s *Sender) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}
