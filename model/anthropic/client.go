// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates requests into Messages.New
// calls using github.com/anthropics/anthropic-sdk-go and maps responses and
// streaming events back into the generic structures.
package anthropic

import (
	"context"
	"errors"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic adapter.
type Options struct {
	// DefaultModel is the Claude model identifier used when Request.Model is
	// empty. Use the typed constants from anthropic-sdk-go. Required.
	DefaultModel string

	// MaxTokens caps completions when Request.MaxTokens is zero. The
	// Messages API requires a positive cap, so one of the two must be set.
	MaxTokens int

	// Temperature is used when Request.Temperature is zero.
	Temperature float32
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg    MessagesClient
	model  string
	maxTok int
	temp   float32
}

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:    msg,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	if msg == nil {
		return model.Response{}, fault.New(fault.Internal, "model.complete", "anthropic returned a nil message")
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.Response{
		Text:       text,
		StopReason: string(msg.StopReason),
		Usage: model.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream invokes Messages.NewStreaming and adapts text deltas into chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.SchemaViolation, "model.complete", "messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, fault.New(fault.SchemaViolation, "model.complete", "max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fault.Errorf(fault.SchemaViolation, "model.complete", "unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, fault.New(fault.SchemaViolation, "model.complete", "at least one non-empty message is required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}
	return &params, nil
}

// streamer pulls Anthropic SSE events on demand and surfaces text deltas.
type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *streamer) Recv() (model.Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return model.Chunk{Text: delta.Text}, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, classify(err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error { return s.stream.Close() }

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fault.Wrap(fault.RateLimited, "model.complete", err)
		case apiErr.StatusCode == 408:
			return fault.Wrap(fault.Timeout, "model.complete", err)
		// Anthropic signals transient overload with 529.
		case apiErr.StatusCode >= 500:
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
