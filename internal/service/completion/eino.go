package completion

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

// Eino runs a prepared conversation through an eino chat model chain.
type Eino struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewEino compiles a chain around chatModel.
func NewEino(ctx context.Context, chatModel model.ChatModel) (*Eino, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &Eino{chain: runnable}, nil
}

// Generate implements Generator.
func (e *Eino) Generate(ctx context.Context, messages []chat.Turn) (string, error) {
	msg, err := e.chain.Invoke(ctx, chainInput(messages))
	if err != nil {
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}
	return msg.Content, nil
}

// Stream implements Generator.
func (e *Eino) Stream(ctx context.Context, messages []chat.Turn) (TokenStream, error) {
	reader, err := e.chain.Stream(ctx, chainInput(messages))
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

func chainInput(messages []chat.Turn) map[string]any {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			history = append(history, schema.SystemMessage(msg.Content))
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return map[string]any{"history": history}
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv skips chunks with no content.
func (s *einoStream) Recv() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if chunk != nil && chunk.Content != "" {
			return chunk.Content, nil
		}
	}
}

func (s *einoStream) Close() {
	s.reader.Close()
}
