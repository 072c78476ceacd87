// Package chatapi is the HTTP client for the chat relay's REST surface:
// sending a chat turn and issuing or refreshing session credentials.
//
//	c := chatapi.New("http://localhost:8080", chatapi.WithTokenFunc(store.Token))
//	resp, err := c.SendMessage(ctx, correlationID, models.SendRequest{...})
//
// Errors returned by the relay decode into *APIError. Use IsAuthExpired to
// detect a request rejected because the bearer credential is stale.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"souk-chat/internal/models"
)

const (
	chatPath    = "/api/chat/"
	tokenPath   = "/api/auth/token"
	refreshPath = "/api/auth/refresh"

	// CorrelationHeader carries the per-request correlation id.
	CorrelationHeader = "X-Correlation-ID"
)

// Client talks to the relay's REST endpoints. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string
}

// Option configures a Client.
type Option func(*Client)

// New creates a client for baseURL (e.g. "http://localhost:8080"). The default
// HTTP timeout is 30 seconds.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithTokenFunc supplies the bearer credential for each request. The function
// is called per request so a refreshed token is picked up immediately.
func WithTokenFunc(fn func() string) Option {
	return func(c *Client) {
		c.tokenFunc = fn
	}
}

// BaseURL returns the relay URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is an error envelope returned by the relay.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Fields    map[string]string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// IsAuthExpired reports whether err is a 401 caused by a stale or missing
// credential, which callers handle by refreshing and replaying.
func IsAuthExpired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status != http.StatusUnauthorized {
		return false
	}
	switch apiErr.Code {
	case "TOKEN_EXPIRED", "UNAUTHORIZED", "":
		return true
	}
	return false
}

// SendMessage posts a chat turn. A nil error with an empty Response means the
// reply was queued and will arrive over the socket.
func (c *Client) SendMessage(ctx context.Context, correlationID string, req models.SendRequest) (*models.SendResponse, error) {
	header := http.Header{}
	if correlationID != "" {
		header.Set(CorrelationHeader, correlationID)
	}

	var resp models.SendResponse
	if err := c.postJSON(ctx, chatPath, header, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IssueToken asks the relay for a fresh session.
func (c *Client) IssueToken(ctx context.Context, req models.TokenRequest) (*models.AuthTokens, error) {
	var tokens models.AuthTokens
	if err := c.postJSON(ctx, tokenPath, nil, req, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*models.AuthTokens, error) {
	var tokens models.AuthTokens
	if err := c.postJSON(ctx, refreshPath, nil, models.RefreshRequest{RefreshToken: refreshToken}, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

func (c *Client) postJSON(ctx context.Context, path string, header http.Header, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokenFunc != nil {
		if token := c.tokenFunc(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status}

	var envelope models.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.Error.Code != "" || envelope.Error.Message != "") {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Fields = envelope.Error.Fields
		apiErr.RequestID = envelope.Error.RequestID
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
