package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/luma-therapy/luma/backend/internal/config"
	"github.com/luma-therapy/luma/backend/internal/model/chat"
)

// OpenAI is a Generator backed by the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
	params config.CompletionConfig
}

// NewOpenAI creates a client from cfg.
func NewOpenAI(cfg config.CompletionConfig) (*OpenAI, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
	}

	clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), params: cfg}, nil
}

func (o *OpenAI) request(messages []chat.Turn, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return openai.ChatCompletionRequest{
		Model:            o.params.OpenAIModel,
		Messages:         out,
		Temperature:      o.params.Temperature,
		MaxTokens:        o.params.MaxTokens,
		FrequencyPenalty: o.params.FrequencyPenalty,
		PresencePenalty:  o.params.PresencePenalty,
		Stream:           stream,
	}
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, messages []chat.Turn) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.request(messages, false))
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Generator.
func (o *OpenAI) Stream(ctx context.Context, messages []chat.Turn) (TokenStream, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, o.request(messages, true))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openaiStream) Close() {
	_ = s.stream.Close()
}
