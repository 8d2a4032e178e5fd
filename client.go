// Package portalchat is the real-time messaging core of the agency/client
// portal. It keeps per-room message timelines consistent across optimistic
// sends, confirmed server writes, a realtime push stream and a local cache.
//
// Example:
//
//	client := portalchat.NewClient(token, portalchat.WithBaseURL("https://portal.example.com"))
//	engine := portalchat.NewEngine(portalchat.Options{
//		API:       client,
//		Users:     client,
//		Transport: client.Realtime(&portalchat.RealtimeConfig{Token: token}),
//	})
//	defer engine.Close()
//
//	engine.OpenRoom(ctx, "room-1", nil)
//	engine.Send(ctx, portalchat.SendRequest{RoomID: "room-1", Body: "hello"})
package portalchat

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
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// API is the room/message persistence service the core consumes.
// ListMessages returns newest-first pages.
type API interface {
	CreateRoom(ctx context.Context, opts *CreateRoomOptions) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	CreateMessage(ctx context.Context, opts *CreateMessageOptions) (*Message, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) ([]Message, error)
	UpdateMessage(ctx context.Context, roomID, messageID, body string) (*Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	MarkRead(ctx context.Context, roomID string) (*Participant, error)
}

// UserLookup resolves the signed-in user. It returns ErrUnauthenticated when
// there is none.
type UserLookup interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://portal.agencyhub.io"
	DefaultTimeout = 30 * time.Second
)

// Client implements API and UserLookup over the portal's JSON HTTP API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new portal client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, ErrUnauthenticated
		case resp.StatusCode == http.StatusForbidden:
			return nil, ErrUnauthorized
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: HTTP %d", ErrNetwork, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request failed (HTTP %d)", resp.StatusCode)
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	result, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func roomPath(roomID string) string {
	return "/api/rooms/" + url.PathEscape(roomID)
}

// ============================================================================
// API methods
// ============================================================================

func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "GET", "/api/me", nil, nil, &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if u.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &u, nil
}

func (c *Client) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	if opts == nil || strings.TrimSpace(opts.Name) == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "room name is required"}
	}
	var room Room
	if err := c.call(ctx, "POST", "/api/rooms", opts, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.call(ctx, "GET", "/api/rooms", nil, map[string]string{"withUnread": "true"}, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) CreateMessage(ctx context.Context, opts *CreateMessageOptions) (*Message, error) {
	var msg Message
	if err := c.call(ctx, "POST", roomPath(opts.RoomID)+"/messages", opts, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) ListMessages(ctx context.Context, roomID, cursor string, limit int) ([]Message, error) {
	q := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		q["cursor"] = cursor
	}
	var msgs []Message
	if err := c.call(ctx, "GET", roomPath(roomID)+"/messages", nil, q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) UpdateMessage(ctx context.Context, roomID, messageID, body string) (*Message, error) {
	var msg Message
	path := roomPath(roomID) + "/messages/" + url.PathEscape(messageID)
	if err := c.call(ctx, "PATCH", path, map[string]string{"body": body}, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return c.call(ctx, "DELETE", roomPath(roomID)+"/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, roomID string) (*Participant, error) {
	var p Participant
	if err := c.call(ctx, "POST", roomPath(roomID)+"/read", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSURL returns the realtime WebSocket URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1) + "/realtime"
}

// Realtime creates a WebSocket transport for this server. The connection is
// dialed lazily on the first subscription.
func (c *Client) Realtime(config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewWSTransport(c.WSURL(), &cfg)
}
