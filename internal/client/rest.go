// Package client is the Go client for the chat server: a REST client, a realtime
// socket, and Session, which keeps a local view of conversations consistent with
// both.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/presence"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the domain sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusBadRequest:
		return domain.ErrInvalid
	case http.StatusConflict:
		return domain.ErrConflict
	default:
		return nil
	}
}

// Client calls the REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL (for example http://localhost:8080).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// StartConversation returns the conversation with receiverID; created reports a 201.
func (c *Client) StartConversation(ctx context.Context, receiverID string) (*domain.Conversation, bool, error) {
	var conv domain.Conversation
	status, err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"receiverId": receiverID}, &conv)
	if err != nil {
		return nil, false, err
	}
	return &conv, status == http.StatusCreated, nil
}

// Conversations lists the caller's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	if _, err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation fetches one conversation.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if _, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages returns a conversation's history in send order.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out []domain.Message
	if _, err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error) {
	var msg domain.Message
	body := map[string]string{"conversationId": conversationID, "senderId": senderID, "text": text}
	if _, err := c.do(ctx, http.MethodPost, "/api/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks the other member's messages read and returns how many changed.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(conversationID)+"/read", nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	return c.User(ctx, "me")
}

// User returns a profile by id.
func (c *Client) User(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	if _, err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Presence returns the users currently online.
func (c *Client) Presence(ctx context.Context) ([]presence.Entry, error) {
	var out []presence.Entry
	if _, err := c.do(ctx, http.MethodGet, "/api/presence", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
