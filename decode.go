package chatsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// errMalformed marks a response whose shape could not be narrowed.
var errMalformed = errors.New("malformed response")

// Server payloads are loosely typed: ids may be strings or populated
// objects, timestamps may be ISO strings or epoch milliseconds, and list
// endpoints answer with either an envelope or a bare array. Everything is
// narrowed here, before it reaches the store.

func idOf(r gjson.Result) string {
	switch {
	case !r.Exists():
		return ""
	case r.IsObject():
		for _, k := range []string{"_id", "id", "userId", "user"} {
			if v := r.Get(k); v.Exists() {
				return idOf(v)
			}
		}
		return ""
	default:
		return r.String()
	}
}

func timeOf(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
			if t, err := time.Parse(layout, r.String()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// parseMessage narrows one message object. ok is false when the payload is
// not an object or carries no usable identifier.
func parseMessage(r gjson.Result, chatID string) (Message, bool) {
	if !r.IsObject() {
		return Message{}, false
	}
	m := Message{
		ID:       idOf(firstOf(r, "_id", "id", "messageId")),
		ClientID: firstOf(r, "clientId", "tempId").String(),
		ChatID:   idOf(firstOf(r, "chatId", "chat", "conversationId")),
		Content:  firstOf(r, "content", "text").String(),
		ReplyTo:  idOf(firstOf(r, "replyTo", "parentId")),
		Revoked:  firstOf(r, "isRevoked", "revoked").Bool(),
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	sender := firstOf(r, "sender", "senderId", "from")
	m.SenderID = idOf(sender)
	if sender.IsObject() {
		m.SenderName = firstOf(sender, "name", "fullName", "username").String()
	}
	m.CreatedAt = timeOf(firstOf(r, "createdAt", "timestamp", "sentAt"))

	if e := r.Get("emoji"); e.IsObject() {
		m.Emoji = &Emoji{
			Kind:  EmojiKind(firstOf(e, "type", "kind").String()),
			Value: e.Get("value").String(),
			Name:  e.Get("name").String(),
			URL:   e.Get("url").String(),
		}
		if m.Emoji.Kind == "" {
			m.Emoji.Kind = EmojiCustom
		}
	}
	r.Get("attachments").ForEach(func(_, a gjson.Result) bool {
		if a.IsObject() {
			m.Attachments = append(m.Attachments, Attachment{
				URL:      firstOf(a, "url", "fileUrl", "path").String(),
				Name:     firstOf(a, "name", "fileName", "originalName").String(),
				MimeType: firstOf(a, "mimeType", "mimetype", "type").String(),
				Size:     firstOf(a, "size", "fileSize").Int(),
			})
		} else if a.Type == gjson.String {
			m.Attachments = append(m.Attachments, Attachment{URL: a.String()})
		}
		return true
	})
	r.Get("readBy").ForEach(func(_, v gjson.Result) bool {
		if id := idOf(v); id != "" && !m.HasReader(id) {
			m.ReadBy = append(m.ReadBy, id)
		}
		return true
	})
	return m, m.ID != ""
}

// parseHistory accepts {success, messages[], pagination:{hasMore}} or a bare
// array. Invalid entries are skipped.
func parseHistory(body []byte, chatID string) (*HistoryPage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: history response is not JSON", errMalformed)
	}
	root := gjson.ParseBytes(body)
	list := root
	page := &HistoryPage{}
	if root.IsObject() {
		if s := root.Get("success"); s.Exists() && !s.Bool() {
			return nil, fmt.Errorf("history response reported failure: %s", root.Get("message").String())
		}
		list = firstOf(root, "messages", "data.messages", "data")
		if hm := firstOf(root, "pagination.hasMore", "hasMore", "data.pagination.hasMore"); hm.Exists() {
			v := hm.Bool()
			page.HasMore = &v
		}
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: history response has no message list", errMalformed)
	}
	list.ForEach(func(_, v gjson.Result) bool {
		page.Returned++
		if m, ok := parseMessage(v, chatID); ok {
			page.Messages = append(page.Messages, m)
		}
		return true
	})
	return page, nil
}

// parseSent extracts the created message from a send response: under
// "message", "data", "data.message", or at the root.
func parseSent(body []byte, chatID string) (Message, error) {
	if !gjson.ValidBytes(body) {
		return Message{}, fmt.Errorf("%w: send response is not JSON", errMalformed)
	}
	root := gjson.ParseBytes(body)
	for _, path := range []string{"message", "data.message", "data", "messages.0", "data.0"} {
		if m, ok := parseMessage(root.Get(path), chatID); ok {
			return m, nil
		}
	}
	if m, ok := parseMessage(root, chatID); ok {
		return m, nil
	}
	return Message{}, fmt.Errorf("%w: send response carries no message id", errMalformed)
}

// parseSentMany is parseSent for multi-upload responses.
func parseSentMany(body []byte, chatID string) ([]Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: upload response is not JSON", errMalformed)
	}
	root := gjson.ParseBytes(body)
	list := firstOf(root, "messages", "data.messages", "data")
	if !list.IsArray() {
		m, err := parseSent(body, chatID)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil
	}
	var out []Message
	list.ForEach(func(_, v gjson.Result) bool {
		if m, ok := parseMessage(v, chatID); ok {
			out = append(out, m)
		}
		return true
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: upload response carries no message id", errMalformed)
	}
	return out, nil
}
