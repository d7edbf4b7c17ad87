// Package upstream is the client of the completion service the relay forwards to.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/sse"
)

// Request is the body of both completion endpoints.
type Request struct {
	Messages []chat.Turn `json:"messages"`
	UserID   string      `json:"user_id"`
	Stream   bool        `json:"stream"`
}

// StatusError is a non-2xx reply. Detail is the service's `detail` field when
// it sent a string one.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Client calls the completion service.
type Client struct {
	baseURL        string
	requestTimeout time.Duration
	httpClient     *http.Client
}

// NewClient creates a client. Streams are bounded by their context only;
// requestTimeout bounds non-streaming completions.
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		requestTimeout: requestTimeout,
		httpClient:     &http.Client{},
	}
}

// Stream is an open streaming response.
type Stream struct {
	*sse.Reader
	body io.Closer
}

// Close releases the connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Complete returns the full reply of a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req.Stream = false
	resp, err := c.post(ctx, "/chat/completion", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return out.Response, nil
}

// OpenStream starts a streaming completion. The caller must Close the stream.
func (c *Client) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	resp, err := c.post(ctx, "/chat/stream", req)
	if err != nil {
		return nil, err
	}
	return &Stream{Reader: sse.NewReader(resp.Body), body: resp.Body}, nil
}

func (c *Client) post(ctx context.Context, path string, payload Request) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeStatusError(resp)
	}
	return resp, nil
}

func decodeStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	statusErr := &StatusError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var detail string
		if json.Unmarshal(body.Detail, &detail) == nil {
			statusErr.Detail = detail
		}
	}
	return statusErr
}
