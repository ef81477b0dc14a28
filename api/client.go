// Package api is the HTTP client for the assistant backend: the streaming
// generation endpoint plus the plain request/response session endpoints
// (history, listing, rename, delete, share toggle).
package api

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

	"go.uber.org/zap"
)

// Client talks to one assistant backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client for non-streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the timeout for non-streaming requests. Streaming requests
// are bounded by their context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Turn is one history entry in the shape the backend expects as context.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one content part of a turn. Exactly one field is set.
type Part struct {
	Text  string    `json:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
	File  *FileRef  `json:"file,omitempty"`
}

// ImageRef points to a previously uploaded image. Legacy stored parts encode
// it as a bare path string, so decoding accepts both shapes.
type ImageRef struct {
	URLPath string `json:"url_path"`
}

func (i *ImageRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &i.URLPath)
	}
	type plain ImageRef
	return json.Unmarshal(data, (*plain)(i))
}

// FileRef points to a previously uploaded file attachment.
type FileRef struct {
	URLPath      string `json:"url_path"`
	MimeType     string `json:"mime_type"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size,omitempty"`
}

func (f *FileRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &f.URLPath)
	}
	type plain FileRef
	type compat struct {
		plain
		Name string `json:"name"`
	}
	var c compat
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*f = FileRef(c.plain)
	if f.OriginalName == "" {
		f.OriginalName = c.Name
	}
	return nil
}

// StoredMessage is one message of a persisted session history.
type StoredMessage struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Parts     []Part  `json:"parts"`
	Timestamp float64 `json:"timestamp"`
}

// SessionHistory is the response of the session history endpoint.
type SessionHistory struct {
	SessionID string          `json:"session_id"`
	History   []StoredMessage `json:"history"`
	IsPublic  bool            `json:"is_public"`
	IsOwner   bool            `json:"is_owner"`
	PublicID  string          `json:"public_id"`
	ShareURL  string          `json:"share_url"`
	ReadOnly  bool            `json:"read_only"`
}

// SessionSummary is one entry of the session listing.
type SessionSummary struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	UpdatedAt float64 `json:"updated_at"`
	IsPublic  bool    `json:"is_public"`
}

// SessionPage is one page of the session listing.
type SessionPage struct {
	Sessions []SessionSummary `json:"sessions"`
	HasMore  bool             `json:"has_more"`
}

// ShareState is the response of the share toggle endpoint.
type ShareState struct {
	SessionID string `json:"session_id"`
	IsPublic  bool   `json:"is_public"`
	PublicID  string `json:"public_id"`
	ShareURL  string `json:"share_url"`
}

type apiError struct {
	Message string `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, headers http.Header, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeHTTPError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Message)
	}
	if len(raw) > 0 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func bearerHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// SessionHistory fetches the full stored history of a session. bearer is the
// guest session token, if any.
func (c *Client) SessionHistory(ctx context.Context, sessionID, bearer string) (*SessionHistory, error) {
	var result SessionHistory
	path := "/sessions/" + url.PathEscape(sessionID) + "/history"
	if err := c.doRequest(ctx, http.MethodGet, path, bearerHeader(bearer), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListOptions filters the session listing.
type ListOptions struct {
	IDs      []string          // restrict to these session ids (guest continuity)
	Page     int               // 1-based; 0 means 1
	PageSize int               // 0 means server default
	Tokens   map[string]string // guest tokens, sent as X-Guest-Tokens
}

// ListSessions fetches one page of the session listing.
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) (*SessionPage, error) {
	q := url.Values{}
	if len(opts.IDs) > 0 {
		q.Set("ids", strings.Join(opts.IDs, ","))
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", fmt.Sprintf("%d", page))
	if opts.PageSize > 0 {
		q.Set("page_size", fmt.Sprintf("%d", opts.PageSize))
	}

	var headers http.Header
	if len(opts.Tokens) > 0 {
		raw, err := json.Marshal(opts.Tokens)
		if err == nil {
			headers = http.Header{}
			headers.Set("X-Guest-Tokens", string(raw))
		}
	}

	var result SessionPage
	if err := c.doRequest(ctx, http.MethodGet, "/sessions?"+q.Encode(), headers, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AllSessions walks the listing page by page until has_more is false.
func (c *Client) AllSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	var all []SessionSummary
	opts.Page = 1
	for {
		page, err := c.ListSessions(ctx, opts)
		if err != nil {
			return all, err
		}
		all = append(all, page.Sessions...)
		if !page.HasMore {
			return all, nil
		}
		opts.Page++
	}
}

// ToggleShare flips the public flag of a session.
func (c *Client) ToggleShare(ctx context.Context, sessionID string, public bool) (*ShareState, error) {
	var result ShareState
	path := "/sessions/" + url.PathEscape(sessionID) + "/share"
	body := map[string]bool{"is_public": public}
	if err := c.doRequest(ctx, http.MethodPost, path, nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RenameSession sets a new title on a session.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/rename"
	body := map[string]string{"title": title}
	return c.doRequest(ctx, http.MethodPost, path, nil, body, nil)
}

// DeleteSession deletes a session. bearer is the guest session token, if any.
func (c *Client) DeleteSession(ctx context.Context, sessionID, bearer string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	return c.doRequest(ctx, http.MethodDelete, path, bearerHeader(bearer), nil, nil)
}
