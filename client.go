// Package chatsync keeps one conversation's message timeline consistent
// across a live socket, paginated REST history, an on-device cache and
// optimistic local sends.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://school.example/api/chat"), chatsync.WithToken(token))
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{
//		Chat:      chatsync.Chat{ID: "c1", Kind: chatsync.ChatGroup, Participants: members},
//		UserID:    me,
//		Token:     token,
//		Client:    client,
//		SocketURL: "wss://school.example/socket",
//	})
//	sess.Open(ctx)
//	defer sess.Close()
//
//	sess.SendMessage(ctx, chatsync.SendRequest{Text: "hello"})
//	for _, m := range sess.Messages() { ... }
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultPageSize = 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. Requests time out after DefaultTimeout
// unless WithTimeout or WithHTTPClient says otherwise.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// HasToken reports whether requests will be authenticated.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// ============================================================================
// Internal request helpers
// ============================================================================

type rawResponse struct {
	status      int
	contentType string
	body        []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	raw := rawResponse{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: data}
	if resp.StatusCode >= 300 {
		apiErr := raw.apiError()
		c.logger.Debug("rest_error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Bool("html", apiErr.HTML))
		return nil, apiErr
	}
	return data, nil
}

// apiError builds an *APIError. HTML bodies (a framework's default 404
// page) mean the route does not exist yet.
func (r rawResponse) apiError() *APIError {
	e := &APIError{StatusCode: r.status}
	trimmed := bytes.TrimSpace(r.body)
	if strings.Contains(r.contentType, "text/html") || bytes.HasPrefix(trimmed, []byte("<")) {
		e.HTML = true
		e.Message = http.StatusText(r.status)
		return e
	}
	if gjson.ValidBytes(trimmed) {
		root := gjson.ParseBytes(trimmed)
		e.Code = firstOf(root, "code", "error.code").String()
		e.Message = firstOf(root, "message", "error.message", "error").String()
	}
	if e.Message == "" {
		e.Message = http.StatusText(r.status)
	}
	return e
}

// ============================================================================
// Chat API Methods
// ============================================================================

// FetchMessages loads one page of history: GET /messages/{chatId}?page&limit.
func (c *Client) FetchMessages(ctx context.Context, chatID string, page, limit int) (*HistoryPage, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/"+url.PathEscape(chatID), nil, map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	return parseHistory(data, chatID)
}

// PostMessage posts a JSON message body to path and returns the created
// message.
func (c *Client) PostMessage(ctx context.Context, path string, body map[string]any) (Message, error) {
	data, err := c.doRequest(ctx, "POST", path, body, nil)
	if err != nil {
		return Message{}, err
	}
	chatID, _ := body["chatId"].(string)
	return parseSent(data, chatID)
}

// Upload posts a multipart body. Every file is written under field.
func (c *Client) Upload(ctx context.Context, path string, fields map[string]string, field string, files []File) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}
	return c.send(ctx, "POST", path, &buf, w.FormDataContentType(), nil)
}

// MarkAllRead marks the conversation read for the token's user:
// PUT /read-all/{chatId}.
func (c *Client) MarkAllRead(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, "PUT", "/read-all/"+url.PathEscape(chatID), nil, nil)
	return err
}

// RevokeMessage revokes a sent message: DELETE /message/{id}/revoke.
func (c *Client) RevokeMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/message/"+url.PathEscape(messageID)+"/revoke", nil, nil)
	return err
}
