package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luma-therapy/luma/backend/internal/sse"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// ErrSinkClosed is returned by writes and closes after Close.
var ErrSinkClosed = errors.New("sink closed")

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSESink writes records to an event-stream response, flushing each one.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

// NewSSESink sets the event-stream headers on w.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	utils.SetupSSEHeaders(w)
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Write(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if _, err := s.w.Write(record); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close ends the stream. The HTTP response itself finishes when the handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true
	s.flusher.Flush()
	return nil
}

const wsWriteWait = 10 * time.Second

// WSSink sends the JSON payload of each data record as one text message.
type WSSink struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWSSink wraps an upgraded connection. Close closes the connection.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

func (s *WSSink) Write(record []byte) error {
	payload, ok := sse.Payload(record)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a normal closure and closes the connection.
func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	return s.conn.Close()
}
