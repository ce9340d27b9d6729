// Package anthropicllm adapts github.com/anthropics/anthropic-sdk-go to the
// llm.Client contract used by the Plan Generator, Optimizer, Label
// Classifier, the jmp handler, and the MCTS evaluator.
package anthropicllm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ngaut/planengine/internal/llm"
)

// ErrRateLimited wraps an Anthropic 429 response.
var ErrRateLimited = errors.New("anthropic: rate limited")

// MessagesClient captures the subset of the Anthropic SDK used here so
// tests can substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Client implements llm.Client on top of Anthropic Messages.
type Client struct {
	msg   MessagesClient
	model string
	maxTk int64
	temp  float64
}

// New builds a Client from an already-constructed Anthropic messages
// client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropicllm: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropicllm: model identifier is required")
	}
	maxTk := opts.MaxTokens
	if maxTk <= 0 {
		maxTk = 4096
	}
	return &Client{msg: msg, model: opts.Model, maxTk: maxTk, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicllm: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

func (c *Client) params(prompt string) sdk.MessageNewParams {
	return sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTk,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
}

// Generate issues a non-streaming Messages.New request.
func (c *Client) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	msg, err := c.msg.New(ctx, c.params(prompt))
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("anthropicllm: messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return llm.Response{
		Text: text,
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// GenerateStream invokes Messages.NewStreaming and forwards text deltas.
func (c *Client) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	stream := c.msg.NewStreaming(ctx, c.params(prompt))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropicllm: messages.new_streaming: %w", err)
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.Text; text != "" {
					out <- llm.Chunk{Text: text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.Chunk{Err: err, Done: true}
			return
		}
		out <- llm.Chunk{Done: true}
	}()
	return out, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
