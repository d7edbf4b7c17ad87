// Package completion generates therapist replies from a conversation, in
// full or token by token.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

// ErrInvalidFormat is returned for a message without role or content.
var ErrInvalidFormat = errors.New("Invalid message format")

// InvalidRoleError is returned for a message with an unknown role.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return "Invalid role: " + e.Role
}

// TokenStream yields tokens until io.EOF. Close must be called.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// Generator is a chat model backend.
type Generator interface {
	Generate(ctx context.Context, messages []chat.Turn) (string, error)
	Stream(ctx context.Context, messages []chat.Turn) (TokenStream, error)
}

// Request is the body accepted by both completion endpoints.
type Request struct {
	Messages []chat.Turn
	UserID   string
	Stream   bool
}

type rawRequest struct {
	Messages []map[string]any `json:"messages"`
	UserID   *string          `json:"user_id"`
	Stream   bool             `json:"stream"`
}

// ParseRequest decodes and validates a request body.
func ParseRequest(body []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if raw.Messages == nil {
		return Request{}, ErrInvalidFormat
	}

	req := Request{Stream: raw.Stream, Messages: make([]chat.Turn, 0, len(raw.Messages))}
	if raw.UserID != nil {
		req.UserID = *raw.UserID
	}

	for _, msg := range raw.Messages {
		role, okRole := msg["role"].(string)
		content, okContent := msg["content"].(string)
		if !okRole || !okContent {
			return Request{}, ErrInvalidFormat
		}
		switch chat.Role(role) {
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant:
		default:
			return Request{}, &InvalidRoleError{Role: role}
		}
		req.Messages = append(req.Messages, chat.Turn{Role: chat.Role(role), Content: content})
	}
	return req, nil
}

// Service applies the Luma persona to a backend.
type Service struct {
	gen          Generator
	systemPrompt string
}

// NewService creates a service over gen.
func NewService(gen Generator) *Service {
	return &Service{gen: gen, systemPrompt: LumaSystemPrompt}
}

// Prepare prepends the system prompt unless the conversation opens with a
// system message. The input is not modified.
func (s *Service) Prepare(messages []chat.Turn) []chat.Turn {
	if len(messages) > 0 && messages[0].Role == chat.RoleSystem {
		return messages
	}
	out := make([]chat.Turn, 0, len(messages)+1)
	out = append(out, chat.Turn{Role: chat.RoleSystem, Content: s.systemPrompt})
	return append(out, messages...)
}

// Complete returns the whole reply.
func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	messages := s.Prepare(req.Messages)
	logging.FromContext(ctx).Debug().Str("user_id", req.UserID).Int("messages", len(messages)).Msg("completion request")

	reply, err := s.gen.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return reply, nil
}

// Stream starts a token stream of the reply.
func (s *Service) Stream(ctx context.Context, req Request) (TokenStream, error) {
	messages := s.Prepare(req.Messages)
	logging.FromContext(ctx).Debug().Str("user_id", req.UserID).Int("messages", len(messages)).Msg("streaming completion request")

	stream, err := s.gen.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return stream, nil
}
