// Package transport delivers queued operations to the remote API over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20 // 4MB
	maxErrorDetail  = 512
)

var (
	// ErrTimeout marks an attempt that hit the per-request deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrCanceled marks an attempt abandoned because the caller's context ended.
	ErrCanceled = errors.New("request canceled")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	detail := strings.TrimSpace(e.Body)
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	if len(detail) > maxErrorDetail {
		cut := maxErrorDetail
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}
		detail = detail[:cut] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, detail)
}

// TokenSource yields the credential for the next request. An empty token
// means the request goes out without an Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// Request is one delivery attempt. Body is sent as-is.
type Request struct {
	Method   string
	Endpoint string
	Body     []byte
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client sends requests relative to a base URL with a hard per-request deadline.
type Client struct {
	baseURL    string
	timeout    time.Duration
	tokens     TokenSource
	httpClient *http.Client
}

// New creates a Client. A timeout <= 0 uses DefaultTimeout; tokens may be nil.
func New(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		tokens:     tokens,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the URL prefix requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send performs one attempt. Non-2xx replies return *StatusError; deadline and
// cancellation failures wrap ErrTimeout and ErrCanceled respectively.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, c.baseURL+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential provider: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.classify(ctx, reqCtx, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (c *Client) classify(parent, reqCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
	default:
		return fmt.Errorf("executing request: %w", err)
	}
}
