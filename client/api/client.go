// Package api is a thin client for the chat REST backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"matchchat/logging"
	"matchchat/model"
)

const (
	defaultTimeout = 15 * time.Second

	// MaxPageSize is the largest page the backend serves.
	MaxPageSize = 100
)

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Timestamp decodes the backend's ISO 8601 timestamps, with or without zone.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := model.ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type UserInfo struct {
	ID          int64      `json:"id"`
	DisplayName string     `json:"display_name"`
	Bio         string     `json:"bio,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	IsOnline    bool       `json:"is_online"`
	LastSeenAt  *Timestamp `json:"last_seen_at,omitempty"`
}

type LastMessage struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	SenderID  int64     `json:"sender_id"`
	CreatedAt Timestamp `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

type Conversation struct {
	ID          int64        `json:"id"`
	Type        string       `json:"type"`
	Title       string       `json:"title,omitempty"`
	OtherUser   UserInfo     `json:"other_user"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	CreatedAt   Timestamp    `json:"created_at"`
	UpdatedAt   Timestamp    `json:"updated_at"`
}

type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// ConversationDetail is returned when a conversation is created.
type ConversationDetail struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title,omitempty"`
	OtherUser UserInfo  `json:"other_user"`
	CreatedAt Timestamp `json:"created_at"`
}

type messageDTO struct {
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   Timestamp `json:"created_at"`
	MessageType string    `json:"message_type"`
}

func (d messageDTO) toMessage(conversationID int64) model.Message {
	msgType := d.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	return model.Message{
		ID:             d.ID,
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Content:        d.Content,
		MessageType:    msgType,
		CreatedAt:      d.CreatedAt.Time,
		IsRead:         d.IsRead,
		DeliveryState:  model.DeliveryConfirmed,
	}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client calls the REST backend on behalf of one user.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client for the backend at baseURL authenticating with a
// bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url must use http or https, got %q", u.Scheme)
	}

	c := &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("api")
	return c, nil
}

func (c *Client) ListConversations(ctx context.Context, limit, offset int) (ConversationList, error) {
	var out ConversationList
	err := c.do(ctx, http.MethodGet, "/conversations", page(limit, offset), nil, &out)
	return out, err
}

func (c *Client) CreateConversation(ctx context.Context, otherUserID int64) (ConversationDetail, error) {
	var out ConversationDetail
	body := map[string]int64{"other_user_id": otherUserID}
	err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &out)
	return out, err
}

// FetchMessages returns one page of a conversation's history.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error) {
	var out struct {
		Messages []messageDTO `json:"messages"`
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodGet, path, page(limit, offset), nil, &out); err != nil {
		return nil, err
	}

	msgs := make([]model.Message, len(out.Messages))
	for i, d := range out.Messages {
		msgs[i] = d.toMessage(conversationID)
	}
	return msgs, nil
}

// SendMessage persists a text message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (model.Message, error) {
	var out messageDTO
	body := map[string]string{
		"content":      content,
		"message_type": model.MessageTypeText,
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return model.Message{}, err
	}
	return out.toMessage(conversationID), nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, messageID int64) error {
	path := fmt.Sprintf("/conversations/%d/messages/%d/read", conversationID, messageID)
	return c.do(ctx, http.MethodPut, path, nil, nil, nil)
}

func (c *Client) UnreadCount(ctx context.Context, conversationID int64) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	path := fmt.Sprintf("/conversations/%d/unread-count", conversationID)
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out.UnreadCount, err
}

func (c *Client) UpdateOnlineStatus(ctx context.Context, online bool) error {
	body := map[string]bool{"is_online": online}
	return c.do(ctx, http.MethodPut, "/conversations/users/online-status", nil, body, nil)
}

func page(limit, offset int) url.Values {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError reads a {"detail": ...} error body. detail is either a string
// or a structured value.
func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		apiErr.Message = detail
		return apiErr
	}

	var structured struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body.Detail, &structured); err == nil && structured.Message != "" {
		apiErr.Code = structured.Code
		apiErr.Message = structured.Message
		return apiErr
	}

	apiErr.Message = string(body.Detail)
	return apiErr
}
