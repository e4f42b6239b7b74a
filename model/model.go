// Package model defines the provider-agnostic contract for chat completion
// clients. Adapters under model/openaichat, model/anthropic and model/bedrock
// translate Request/Response into the provider SDKs; agents and tools depend
// only on Client so tests can substitute Fake.
package model

import (
	"context"
	"errors"
)

// ErrStreamingUnsupported is returned by Stream on providers that only
// support buffered completions.
var ErrStreamingUnsupported = errors.New("model: streaming not supported by this provider")

type (
	// Client is the contract agents use to invoke LLM completions.
	// Implementations must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Errors are classified into fault kinds by the adapter.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental text. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental completion text. Recv returns chunks
	// until io.EOF. Callers must Close the streamer when done.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Chunk is one increment of streamed output.
	Chunk struct {
		Text string
	}

	// Role identifies the author of a message.
	Role string

	// Message is one turn of the conversation. System instructions travel in
	// Request.System, not as a message.
	Message struct {
		Role    Role
		Content string
	}

	// Request captures the normalized parameters of a completion call.
	Request struct {
		// Model overrides the adapter's configured default when set.
		Model string

		// System is the system prompt, empty for none.
		System string

		// Messages is the ordered conversation, oldest first.
		Messages []Message

		// MaxTokens caps completion length. Zero uses the adapter default.
		MaxTokens int

		// Temperature controls sampling. Zero uses the adapter default.
		Temperature float32
	}

	// Response is the buffered result of a completion call.
	Response struct {
		// Text is the assistant's reply with all text blocks joined.
		Text string

		// StopReason is the provider-specific reason generation ended.
		StopReason string

		// Usage reports token consumption when the provider supplies it.
		Usage Usage
	}

	// Usage reports token counts for one completion.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// User is a convenience constructor for a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant is a convenience constructor for an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
