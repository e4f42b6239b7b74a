package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	events     []ssestream.Event
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptedDecoder{events: s.events}, nil)
}

type scriptedDecoder struct {
	events []ssestream.Event
	idx    int
}

func (d *scriptedDecoder) Event() ssestream.Event { return d.events[d.idx-1] }
func (d *scriptedDecoder) Close() error           { return nil }
func (d *scriptedDecoder) Err() error             { return nil }

func (d *scriptedDecoder) Next() bool {
	if d.idx >= len(d.events) {
		return false
	}
	d.idx++
	return true
}

func deltaEvent(text string) ssestream.Event {
	data, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	return ssestream.Event{Type: "content_block_delta", Data: data}
}

func apiError(status int) *sdk.Error {
	req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	return &sdk.Error{
		StatusCode: status,
		Request:    req,
		Response:   &http.Response{StatusCode: status, Request: req},
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)

	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestCompleteJoinsTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Tailored in "},
			{Type: "text", Text: "Brussels."},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 30, OutputTokens: 8},
	}}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128, Temperature: 0.6})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		System:   "You write captions.",
		Messages: []model.Message{model.User("go")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Tailored in Brussels.", resp.Text)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, 30, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)

	params := stub.lastParams
	assert.Equal(t, int64(128), params.MaxTokens)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You write captions.", params.System[0].Text)
	require.True(t, params.Temperature.Valid())
	assert.InDelta(t, 0.6, params.Temperature.Value, 1e-6)
}

func TestCompleteRequiresMaxTokens(t *testing.T) {
	c, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{Messages: []model.Message{model.User("hi")}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestCompleteRejectsUnknownRole(t *testing.T) {
	c, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 64})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "tool", Content: "result"}},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestCompleteClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind fault.Kind
	}{
		{"rate limit", apiError(429), fault.RateLimited},
		{"overloaded", apiError(529), fault.Transient},
		{"auth", apiError(401), fault.Internal},
		{"network", errors.New("dial tcp: connection refused"), fault.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(&stubMessagesClient{err: tc.err}, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 64})
			require.NoError(t, err)
			_, err = c.Complete(context.Background(), model.Request{Messages: []model.Message{model.User("hi")}})
			require.Error(t, err)
			assert.True(t, fault.Is(err, tc.kind), "want %s, got %v", tc.kind, err)
		})
	}
}

func TestStreamYieldsTextDeltas(t *testing.T) {
	stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
	stub := &stubMessagesClient{events: []ssestream.Event{
		deltaEvent("Tail"),
		deltaEvent("ored."),
		{Type: "message_stop", Data: stop},
	}}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 64})
	require.NoError(t, err)

	s, err := c.Stream(context.Background(), model.Request{Messages: []model.Message{model.User("go")}})
	require.NoError(t, err)
	defer s.Close()

	var text string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += chunk.Text
	}
	assert.Equal(t, "Tailored.", text)
}
