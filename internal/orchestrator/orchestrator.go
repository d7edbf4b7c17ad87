// Package orchestrator drives a chat conversation against the gateway: it
// appends the user's turn, streams the reply and commits it as one message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

// FallbackMessage replaces a reply that could not be produced.
const FallbackMessage = "I'm sorry, I'm having trouble connecting. Please try again in a moment."

var (
	// ErrEmptyMessage is returned for blank input. Nothing is appended.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrEmptyReply is returned when the stream finished without any text.
	// Nothing is committed.
	ErrEmptyReply = errors.New("reply is empty")
	// ErrIncomplete is returned when the stream ended without a terminal frame.
	ErrIncomplete = errors.New("stream ended before completion")
)

// FrameError is an error frame received from the gateway.
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	return "stream error: " + e.Message
}

// Renderer presents a conversation as it changes.
type Renderer interface {
	// Appended is called for each committed message, including fallbacks.
	Appended(msg chat.Message)
	// Token is called for each streamed token in arrival order.
	Token(token string)
	// Discard is called when the live buffer is abandoned.
	Discard()
}

type nopRenderer struct{}

func (nopRenderer) Appended(chat.Message) {}

func (nopRenderer) Token(string) {}

func (nopRenderer) Discard() {}

// Orchestrator sends one turn at a time.
type Orchestrator struct {
	conv      *Conversation
	transport Transport
	renderer  Renderer
	log       zerolog.Logger

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRenderer sets the renderer.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.renderer = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithConversation continues an existing transcript.
func WithConversation(c *Conversation) Option {
	return func(o *Orchestrator) { o.conv = c }
}

// New creates an orchestrator over transport.
func New(transport Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conv:      NewConversation(),
		transport: transport,
		renderer:  nopRenderer{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Conversation returns the transcript.
func (o *Orchestrator) Conversation() *Conversation {
	return o.conv
}

// Send appends content as a user turn and streams the reply. On success the
// committed assistant message is returned. When the reply fails, the
// committed fallback message is returned together with the cause.
func (o *Orchestrator) Send(ctx context.Context, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	user := o.conv.Append(chat.RoleUser, content, false)
	o.renderer.Appended(user)

	reply, err := o.receive(ctx, o.conv.History())
	if errors.Is(err, ErrEmptyReply) {
		return chat.Message{}, err
	}
	if err != nil {
		o.renderer.Discard()
		o.log.Warn().Err(err).Msg("chat turn failed")
		fallback := o.conv.Append(chat.RoleAssistant, FallbackMessage, true)
		o.renderer.Appended(fallback)
		return fallback, err
	}

	msg := o.conv.Append(chat.RoleAssistant, reply, false)
	o.renderer.Appended(msg)
	return msg, nil
}

// receive accumulates tokens until a terminal frame.
func (o *Orchestrator) receive(ctx context.Context, history []chat.Turn) (string, error) {
	stream, err := o.transport.Open(ctx, history)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var buf strings.Builder
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return "", ErrIncomplete
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}

		if frame.Error != "" {
			return "", &FrameError{Message: frame.Error}
		}
		if frame.Token != "" {
			buf.WriteString(frame.Token)
			o.renderer.Token(frame.Token)
		}
		if frame.Done {
			if strings.TrimSpace(buf.String()) == "" {
				o.renderer.Discard()
				return "", ErrEmptyReply
			}
			return buf.String(), nil
		}
	}
}
