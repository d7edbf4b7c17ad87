package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/sse"
)

// Transport opens one reply stream for a conversation.
type Transport interface {
	Open(ctx context.Context, messages []chat.Turn) (FrameStream, error)
}

// FrameStream yields frames until io.EOF. Undecodable records are skipped.
type FrameStream interface {
	Next() (chat.Frame, error)
	Close() error
}

// StatusError is a non-2xx reply from the gateway.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway status %d", e.Status)
}

type chatRequest struct {
	Messages []chat.Turn `json:"messages"`
}

// endpoint is shared by the HTTP transports.
type endpoint struct {
	baseURL string
	token   string
	client  *http.Client
}

func (e endpoint) post(ctx context.Context, path string, messages []chat.Turn, accept string) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
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
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &StatusError{Status: resp.StatusCode, Message: body.Error}
}

// SSETransport posts to /api/chat/stream and reads the event stream.
type SSETransport struct {
	endpoint
}

// NewSSETransport creates a streaming transport. token is sent as a bearer
// credential when set.
func NewSSETransport(baseURL, token string, client *http.Client) *SSETransport {
	return &SSETransport{endpoint: newEndpoint(baseURL, token, client)}
}

func newEndpoint(baseURL, token string, client *http.Client) endpoint {
	if client == nil {
		client = &http.Client{}
	}
	return endpoint{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, client: client}
}

// Open implements Transport.
func (t *SSETransport) Open(ctx context.Context, messages []chat.Turn) (FrameStream, error) {
	resp, err := t.post(ctx, "/api/chat/stream", messages, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return &sseStream{reader: sse.NewReader(resp.Body), body: resp.Body}, nil
}

type sseStream struct {
	reader *sse.Reader
	body   io.Closer
}

func (s *sseStream) Next() (chat.Frame, error) {
	for {
		rec, err := s.reader.Next()
		if errors.Is(err, sse.ErrMalformed) {
			continue
		}
		if err != nil {
			return chat.Frame{}, err
		}
		if rec.HasData {
			return rec.Frame, nil
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// CompleteTransport posts to /api/chat and yields the whole reply as one
// token followed by done.
type CompleteTransport struct {
	endpoint
}

// NewCompleteTransport creates a non-streaming transport.
func NewCompleteTransport(baseURL, token string, client *http.Client) *CompleteTransport {
	return &CompleteTransport{endpoint: newEndpoint(baseURL, token, client)}
}

// Open implements Transport.
func (t *CompleteTransport) Open(ctx context.Context, messages []chat.Turn) (FrameStream, error) {
	resp, err := t.post(ctx, "/api/chat", messages, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		ID       string `json:"id"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &sliceStream{frames: []chat.Frame{{Token: out.Response}, {Done: true}}}, nil
}

type sliceStream struct {
	frames []chat.Frame
}

func (s *sliceStream) Next() (chat.Frame, error) {
	if len(s.frames) == 0 {
		return chat.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

// WSTransport runs one relay pass per WebSocket connection on /api/chat/ws.
type WSTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
}

// NewWSTransport derives the ws:// or wss:// URL from an http(s) base URL.
func NewWSTransport(baseURL, token string) (*WSTransport, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/api/chat/ws")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &WSTransport{url: u.String(), token: token, dialer: websocket.DefaultDialer}, nil
}

// Open implements Transport.
func (t *WSTransport) Open(ctx context.Context, messages []chat.Turn) (FrameStream, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeStatusError(resp)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.WriteJSON(chatRequest{Messages: messages}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send messages: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &wsStream{conn: conn, stop: stop}, nil
}

type wsStream struct {
	conn *websocket.Conn
	stop func() bool
}

func (s *wsStream) Next() (chat.Frame, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return chat.Frame{}, io.EOF
			}
			return chat.Frame{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return chat.Frame{Done: true}, nil
		}
		var frame chat.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		return frame, nil
	}
}

func (s *wsStream) Close() error {
	s.stop()
	return s.conn.Close()
}
