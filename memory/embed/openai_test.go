package embed

import (
	"context"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
)

// stubEmbeddings scripts CreateEmbeddings responses in call order. A nil
// entry in errs means the call succeeds with a generated response.
type stubEmbeddings struct {
	errs    []error
	batches [][]string
	dims    int
}

func (s *stubEmbeddings) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	req, ok := conv.(openai.EmbeddingRequestStrings)
	if !ok {
		return openai.EmbeddingResponse{}, assert.AnError
	}
	s.batches = append(s.batches, req.Input)
	call := len(s.batches) - 1
	if call < len(s.errs) && s.errs[call] != nil {
		return openai.EmbeddingResponse{}, s.errs[call]
	}
	resp := openai.EmbeddingResponse{Usage: openai.Usage{PromptTokens: len(req.Input)}}
	for i := range req.Input {
		vec := make([]float32, s.dims)
		vec[0] = float32(i + 1)
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: vec})
	}
	return resp, nil
}

func newTestOpenAI(t *testing.T, stub *stubEmbeddings) *OpenAI {
	t.Helper()
	if stub.dims == 0 {
		stub.dims = 4
	}
	p, err := NewOpenAI(Options{
		Client:         stub,
		Dimensions:     stub.dims,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestNewOpenAIRequiresClientOrKey(t *testing.T) {
	_, err := NewOpenAI(Options{})
	require.Error(t, err)
}

func TestOpenAIEmbedEmptyInput(t *testing.T) {
	stub := &stubEmbeddings{}
	p := newTestOpenAI(t, stub)

	res, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)
	assert.Empty(t, stub.batches)
}

func TestOpenAIEmbedSplitsBatches(t *testing.T) {
	stub := &stubEmbeddings{}
	p := newTestOpenAI(t, stub)

	texts := make([]string, 250)
	for i := range texts {
		texts[i] = strings.Repeat("x", i%7+1)
	}

	res, err := p.Embed(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, stub.batches, 3)
	assert.Len(t, stub.batches[0], 100)
	assert.Len(t, stub.batches[1], 100)
	assert.Len(t, stub.batches[2], 50)
	assert.Len(t, res.Vectors, 250)
	assert.Equal(t, 250, res.Tokens)
}

func TestOpenAIEmbedRetriesRateLimit(t *testing.T) {
	stub := &stubEmbeddings{
		errs: []error{&openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}},
	}
	p := newTestOpenAI(t, stub)

	res, err := p.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, res.Vectors, 1)
	assert.Len(t, stub.batches, 2, "expected one retry after the 429")
}

func TestOpenAIEmbedStopsOnPermanentError(t *testing.T) {
	stub := &stubEmbeddings{
		errs: []error{&openai.APIError{HTTPStatusCode: 400, Message: "bad request"}},
	}
	p := newTestOpenAI(t, stub)

	_, err := p.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Equal(t, fault.Internal, fault.KindOf(err))
	assert.Len(t, stub.batches, 1, "permanent errors must not be retried")
}

func TestOpenAIEmbedGivesUpAfterMaxRetries(t *testing.T) {
	throttle := &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}
	stub := &stubEmbeddings{
		errs: []error{throttle, throttle, throttle, throttle, throttle, throttle},
	}
	p, err := NewOpenAI(Options{
		Client:         stub,
		Dimensions:     4,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.RateLimited))
	assert.Len(t, stub.batches, 3, "initial attempt plus two retries")
}

func TestOpenAIEmbedTruncatesLongInput(t *testing.T) {
	stub := &stubEmbeddings{}
	p := newTestOpenAI(t, stub)

	long := strings.Repeat("a", maxInputChars+100)
	res, err := p.Embed(context.Background(), []string{"short", long})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, res.Truncated)
	require.Len(t, stub.batches, 1)
	assert.Len(t, stub.batches[0][1], maxInputChars)
}

func TestOpenAIEmbedRejectsCountMismatch(t *testing.T) {
	stub := &mismatchEmbeddings{}
	p, err := NewOpenAI(Options{Client: stub, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, fault.Internal, fault.KindOf(err))
}

type mismatchEmbeddings struct{}

func (mismatchEmbeddings) CreateEmbeddings(context.Context, openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return openai.EmbeddingResponse{
		Data: []openai.Embedding{{Index: 0, Embedding: make([]float32, Dim)}},
	}, nil
}

func TestCacheDigest(t *testing.T) {
	d1 := CacheDigest("text-embedding-3-small", "hello")
	d2 := CacheDigest("text-embedding-3-small", "hello")
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)

	assert.NotEqual(t, d1, CacheDigest("text-embedding-3-small", "world"))
	assert.NotEqual(t, d1, CacheDigest("text-embedding-3-large", "hello"))
	// The separator keeps shifted (model, text) splits distinct.
	assert.NotEqual(t, CacheDigest("ab", "c"), CacheDigest("a", "bc"))
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("é", maxInputChars)
	cut, truncated := Truncate(text)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(cut), maxInputChars)
	assert.True(t, strings.HasSuffix(cut, "é"), "cut must not split a rune")
}

func TestFakeProviderDeterministic(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	a, err := f.Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	b, err := f.Embed(ctx, []string{"hello"})
	require.NoError(t, err)

	require.Len(t, a.Vectors, 1)
	assert.Equal(t, a.Vectors[0], b.Vectors[0])
	assert.Len(t, a.Vectors[0], Dim)
	assert.Equal(t, 2, f.Calls())

	var norm float64
	for _, v := range a.Vectors[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-3)
}
