package msgcenter

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
)

const (
	DefaultTimeout = 30 * time.Second

	conversationsPath = "/api/message-center/conversations"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the message-center REST API. It implements
// ConversationSource.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty for servers that
// authenticate by cookie or not at all.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
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

// BaseURL returns the configured origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

type response struct {
	status int
	body   []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("base URL is not configured")
	}
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
	return &response{status: resp.StatusCode, body: data}, nil
}

// apiError extracts an error body from a non-2xx response, if there is one.
func apiError(data []byte) *APIError {
	var r Result
	if json.Unmarshal(data, &r) == nil && r.Error != nil {
		return r.Error
	}
	var bare APIError
	if json.Unmarshal(data, &bare) == nil && (bare.Code != "" || bare.Message != "") {
		return &bare
	}
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// FetchConversations returns the full conversation snapshot. Responses may
// be wrapped in a Result envelope or be a bare JSON array. Non-2xx
// responses and envelopes with ok=false return a *FetchError.
func (c *Client) FetchConversations(ctx context.Context) (*ConversationPage, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, conversationsPath, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	if resp.status < 200 || resp.status > 299 {
		return nil, &FetchError{StatusCode: resp.status, API: apiError(resp.body)}
	}
	page, err := decodeConversationPage(resp.body)
	if err != nil {
		return nil, &FetchError{StatusCode: resp.status, Err: err}
	}
	return page, nil
}

func decodeConversationPage(data []byte) (*ConversationPage, error) {
	trimmed := bytes.TrimSpace(data)
	var snaps []conversationSnapshot
	page := &ConversationPage{}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &snaps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		var r Result
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if !r.OK {
			if r.Error != nil {
				return nil, r.Error
			}
			return nil, fmt.Errorf("response not ok")
		}
		if err := r.Decode(&snaps); err != nil {
			return nil, fmt.Errorf("failed to decode conversations: %w", err)
		}
		if r.Meta != nil {
			page.TotalUnread = r.Meta.TotalUnread
		}
	}

	page.Conversations = make([]Conversation, 0, len(snaps))
	for _, s := range snaps {
		if s.ID == "" {
			continue
		}
		page.Conversations = append(page.Conversations, s.toConversation())
	}
	return page, nil
}

// MarkRead tells the server a conversation was read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, conversationsPath+"/"+url.PathEscape(conversationID)+"/read", nil)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status > 299 {
		if api := apiError(resp.body); api != nil {
			return fmt.Errorf("mark read: HTTP %d: %w", resp.status, api)
		}
		return fmt.Errorf("mark read: HTTP %d", resp.status)
	}
	return nil
}
