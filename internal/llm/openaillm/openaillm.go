// Package openaillm adapts github.com/openai/openai-go to the llm.Client
// contract, selected via LLM_PROVIDER=openai as an interchangeable
// alternative to anthropicllm.
package openaillm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ngaut/planengine/internal/llm"
)

// ChatClient captures the subset of the OpenAI SDK used here.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements llm.Client on top of OpenAI's chat completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds a Client from an already-constructed chat completions client.
func New(chat ChatClient, model string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openaillm: chat client is required")
	}
	if model == "" {
		return nil, errors.New("openaillm: model identifier is required")
	}
	return &Client{chat: chat, model: model}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openaillm: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, model)
}

// Generate issues a non-streaming chat completion request.
func (c *Client) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("openaillm: chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openaillm: empty completion")
	}
	return llm.Response{
		Text: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// GenerateStream is not wired to the streaming SDK surface; callers needing
// token-level streaming should select the anthropicllm provider. It
// satisfies llm.Client by returning the full completion as one chunk.
func (c *Client) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	resp, err := c.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk, 2)
	out <- llm.Chunk{Text: resp.Text}
	out <- llm.Chunk{Done: true}
	close(out)
	return out, nil
}
