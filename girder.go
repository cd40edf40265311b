// Package girder provides a Go client for the Girder data-management
// platform's REST API, focused on its server-push notification system.
//
// Example:
//
//	client := girder.NewClient("https://data.example.org/api/v1",
//		girder.WithToken(token))
//
//	stream := client.Stream(&girder.StreamConfig{Timeout: 30 * time.Second})
//	stream.On("event.job_status", func(key string, n *girder.Notification) {
//		var job girder.JobStatusPayload
//		_ = n.Decode(&job)
//		fmt.Println("job", job.ID, "status", job.Status)
//	})
//	stream.Open()
//	defer stream.Close()
package girder

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

	"github.com/rs/zerolog"
)

const (
	DefaultAPIRoot = "http://localhost:8080/api/v1"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to a Girder server's REST API.
type Client struct {
	apiRoot    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithAPIRoot(root string) ClientOption {
	return func(c *Client) { c.apiRoot = strings.TrimRight(root, "/") }
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

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Girder client. apiRoot is the base URL of the REST
// API (e.g. "https://data.example.org/api/v1"); pass "" for the default
// local server.
func NewClient(apiRoot string, opts ...ClientOption) *Client {
	c := &Client{
		apiRoot: DefaultAPIRoot,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	if apiRoot != "" {
		c.apiRoot = strings.TrimRight(apiRoot, "/")
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token, e.g. after Authenticate.
func (c *Client) SetToken(token string) {
	c.token = token
}

// APIRoot returns the configured API base URL.
func (c *Client) APIRoot() string {
	return c.apiRoot
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.apiRoot + path
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
		req.Header.Set("Girder-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Authentication
// ============================================================================

// Authenticate logs in with basic credentials (GET /user/authentication) and
// stores the returned session token on the client.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*AuthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiRoot+"/user/authentication", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(username, password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("HTTP %d authenticating", resp.StatusCode)
	}

	result, err := decodeJSON[AuthResult](data)
	if err != nil {
		return nil, err
	}
	if result.AuthToken.Token != "" {
		c.token = result.AuthToken.Token
	}
	return result, nil
}

// ============================================================================
// Notifications (polling endpoint)
// ============================================================================

// ListNotifications fetches outstanding notifications (GET /notification).
// A zero since returns everything the server still holds.
func (c *Client) ListNotifications(ctx context.Context, since time.Time) ([]Notification, error) {
	var query map[string]string
	if !since.IsZero() {
		query = map[string]string{"since": since.UTC().Format(time.RFC3339Nano)}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/notification", nil, query)
	if err != nil {
		return nil, err
	}
	var notifications []Notification
	if err := json.Unmarshal(data, &notifications); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}
	return notifications, nil
}
