// Package openaichat provides a model.Client implementation backed by the
// OpenAI Chat Completions API. It translates requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and classifies failures into
// fault kinds.
package openaichat

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI chat adapter.
type Options struct {
	// Client issues the API calls. Required unless APIKey is set.
	Client ChatClient

	// APIKey builds a default client when Client is nil.
	APIKey string

	// DefaultModel is used when Request.Model is empty. Defaults to gpt-4o.
	DefaultModel string

	// MaxTokens caps completions when Request.MaxTokens is zero.
	MaxTokens int

	// Temperature is used when Request.Temperature is zero.
	Temperature float32
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float32
}

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	chat := opts.Client
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("openaichat: client or api key is required")
		}
		chat = openai.NewClient(opts.APIKey)
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		modelID = openai.GPT4o
	}
	return &Client{
		chat:   chat,
		model:  modelID,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	return New(Options{APIKey: apiKey, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fault.New(fault.SchemaViolation, "model.complete", "messages are required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temp,
	})
	if err != nil {
		return model.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, fault.New(fault.Internal, "model.complete", "openai returned no choices")
	}
	choice := resp.Choices[0]
	return model.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Stream reports that buffered completions are the only supported mode for
// this adapter.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fault.Wrap(fault.RateLimited, "model.complete", err)
		case apiErr.HTTPStatusCode == 408:
			return fault.Wrap(fault.Timeout, "model.complete", err)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.Transient, "model.complete", err)
		default:
			return fault.Wrap(fault.Internal, "model.complete", err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == 429:
			return fault.Wrap(fault.RateLimited, "model.complete", err)
		case reqErr.HTTPStatusCode >= 500, reqErr.HTTPStatusCode == 0:
			return fault.Wrap(fault.Transient, "model.complete", err)
		default:
			return fault.Wrap(fault.Internal, "model.complete", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, "model.complete", err)
	}
	return fault.Wrap(fault.Transient, "model.complete", err)
}
