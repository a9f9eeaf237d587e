package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/classpulse/classpulse/internal/channel"
)

const defaultTimeout = 10 * time.Second

// ID is a notification identifier. The backend sends integers for legacy
// admin/student records and UUID strings for queue-backed teacher records, so
// both decode into the same type.
type ID string

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("notification id: %s", data)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits the identifier as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// Notification is the wire shape of one history record.
type Notification struct {
	ID        ID              `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	IsRead    bool            `json:"is_read"`
	ReadAt    *string         `json:"read_at"`
	CreatedAt string          `json:"created_at"`
}

// historyResponse is the envelope of the notification list endpoint.
type historyResponse struct {
	Success     bool           `json:"success"`
	Data        []Notification `json:"data"`
	UnreadCount int            `json:"unread_count"`
}

type unreadResponse struct {
	Success     bool `json:"success"`
	UnreadCount int  `json:"unread_count"`
}

type markAllResponse struct {
	Success     bool `json:"success"`
	MarkedCount int  `json:"marked_count"`
}

// bearerRoundTripper injects the principal's bearer token into every request.
type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req)
}

// Client talks to the role-scoped notification endpoints on behalf of one
// principal. It is safe for concurrent use.
type Client struct {
	base string
	role channel.Role
	http *http.Client
}

// New creates a Client for role against baseURL, authenticating every call
// with token.
func New(baseURL string, role channel.Role, token string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		role: role,
		http: &http.Client{
			Transport: &bearerRoundTripper{base: http.DefaultTransport, token: token},
			Timeout:   defaultTimeout,
		},
	}
}

// Notifications fetches up to limit history records plus the unread count.
func (c *Client) Notifications(ctx context.Context, limit int) ([]Notification, int, error) {
	url := fmt.Sprintf("%s/api/v1/%s/notifications?limit=%d", c.base, c.role, limit)
	var out historyResponse
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, 0, fmt.Errorf("fetch notifications: %w", err)
	}
	return out.Data, out.UnreadCount, nil
}

// UnreadCount fetches only the unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	url := fmt.Sprintf("%s/api/v1/%s/notifications/unread", c.base, c.role)
	var out unreadResponse
	if err := c.getJSON(ctx, url, &out); err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}
	return out.UnreadCount, nil
}

// MarkRead marks one record as read.
func (c *Client) MarkRead(ctx context.Context, id ID) error {
	url := fmt.Sprintf("%s/api/v1/%s/notifications/%s/read", c.base, c.role, id)
	if err := c.post(ctx, url); err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every record as read and returns how many the backend
// flipped.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	url := fmt.Sprintf("%s/api/v1/%s/notifications/read-all", c.base, c.role)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, fmt.Errorf("mark all read: build request: %w", err)
	}
	var out markAllResponse
	if err := c.doJSON(req, &out); err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return out.MarkedCount, nil
}

// Delete removes one record from the history.
func (c *Client) Delete(ctx context.Context, id ID) error {
	url := fmt.Sprintf("%s/api/v1/%s/notifications/%s", c.base, c.role, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("delete %s: build request: %w", id, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// Ping probes the backend status endpoint. A nil return means the backend is
// reachable and answering; the health monitor treats anything else as a
// liveness failure. The request is bounded by ctx, which callers derive with
// the configured probe timeout.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/status", nil)
	if err != nil {
		return fmt.Errorf("probe: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", strings.ToLower(req.Method), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
