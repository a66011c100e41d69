// ABOUTME: HTTP client for the agent backend's streaming turn and command-result endpoints
// ABOUTME: Streams SSE frames of one turn and relays editor replies back to the backend

package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-editor/internal/auth"
	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/sse"
)

// Default backend paths
const (
	DefaultStreamPath   = "/agent/process-stream"
	DefaultCallbackPath = "/agent/command-result"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// PermissionType selects how freely the agent may act on the editor.
type PermissionType string

const (
	PermissionPlan PermissionType = "plan"
	PermissionFull PermissionType = "full"
)

// TurnRequest is the body of one streaming turn request.
type TurnRequest struct {
	Message             string                      `json:"message"`
	ConversationID      *string                     `json:"conversation_id"`
	WordPressContext    json.RawMessage             `json:"wordpress_context,omitempty"`
	ConversationHistory []conversation.HistoryEntry `json:"conversationHistory"`
	PermissionType      PermissionType              `json:"permission_type,omitempty"`
	ExtendedThinking    bool                        `json:"extended_thinking,omitempty"`
	EnabledTools        []string                    `json:"enabled_tools,omitempty"`
}

// APIError is a non-2xx response from the agent backend.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("agent api error (%d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("agent api returned status %s", e.Status)
}

// Client talks to the agent backend.
type Client struct {
	baseURL      string
	streamPath   string
	callbackPath string
	http         *http.Client
	tokens       auth.TokenSource
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource adds a bearer token to every request.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithPaths overrides the stream and callback paths. Empty values keep the defaults.
func WithPaths(streamPath, callbackPath string) Option {
	return func(c *Client) {
		if streamPath != "" {
			c.streamPath = streamPath
		}
		if callbackPath != "" {
			c.callbackPath = callbackPath
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the backend at baseURL. connectTimeout
// bounds dialing and response headers, never the stream itself.
func NewClient(baseURL string, connectTimeout time.Duration, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.ResponseHeaderTimeout = connectTimeout
	}
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		streamPath:   DefaultStreamPath,
		callbackPath: DefaultCallbackPath,
		http:         &http.Client{Transport: transport},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agentapi")
	return c
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StreamTurn sends req and calls onFrame for every decoded frame, in order.
// It returns when the stream ends, onFrame returns an error, or ctx is done.
// A read failure mid-stream wraps sse.ErrStreamInterrupted.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest, onFrame func(sse.Frame) error) error {
	if req.ConversationHistory == nil {
		req.ConversationHistory = []conversation.HistoryEntry{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, c.streamPath, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	c.logger.Debug("turn stream opened", "history", len(req.ConversationHistory))
	return sse.Decode(ctx, resp.Body, c.logger, onFrame)
}

// RelayCommandResult posts an editor reply to the callback endpoint.
func (c *Client) RelayCommandResult(ctx context.Context, result bridge.CommandResult) error {
	if result.Result == nil {
		result.Result = json.RawMessage("null")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling command result: %w", err)
	}

	httpReq, err := c.newRequest(ctx, c.callbackPath, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending command result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("command result relayed", "request_id", result.RequestID, "success", result.Success)
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("getting token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// handleErrorResponse extracts an error message from a non-2xx response.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			switch {
			case errResp.Error != "":
				apiErr.Body = errResp.Error
				return apiErr
			case errResp.Detail != "":
				apiErr.Body = errResp.Detail
				return apiErr
			}
		}
	}

	apiErr.Body = strings.TrimSpace(string(body))
	return apiErr
}
