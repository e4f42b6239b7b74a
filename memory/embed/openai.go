package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// EmbeddingsClient captures the subset of the go-openai client used by the
// provider.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// Options configures the OpenAI embedding provider.
type Options struct {
	// Client issues the embedding requests. Required unless APIKey is set.
	Client EmbeddingsClient
	// APIKey constructs a default go-openai client when Client is nil.
	APIKey string
	// Model is the embedding model identifier. Defaults to
	// text-embedding-3-small.
	Model string
	// Dimensions requested from the provider. Defaults to Dim.
	Dimensions int
	// MaxRetries bounds retry attempts for transient failures. Defaults
	// to 5.
	MaxRetries int
	// InitialBackoff is the first retry delay. Defaults to 500ms; later
	// delays double with jitter up to 30s.
	InitialBackoff time.Duration
	// Logger records retries and truncations. Defaults to a no-op logger.
	Logger telemetry.Logger
	// Metrics records token usage counters. Defaults to no-op metrics.
	Metrics telemetry.Metrics
}

// OpenAI implements Provider on the OpenAI embeddings API. Inputs beyond
// MaxBatch are split into successive calls and inputs beyond the token
// ceiling are truncated.
type OpenAI struct {
	client  EmbeddingsClient
	model   string
	dims    int
	retries uint64
	initial time.Duration
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewOpenAI builds an OpenAI embedding provider from the provided options.
func NewOpenAI(opts Options) (*OpenAI, error) {
	client := opts.Client
	if client == nil {
		if opts.APIKey == "" {
			return nil, errors.New("openai client or api key is required")
		}
		client = openai.NewClient(opts.APIKey)
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = string(openai.SmallEmbedding3)
	}
	dims := opts.Dimensions
	if dims == 0 {
		dims = Dim
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 5
	}
	initial := opts.InitialBackoff
	if initial == 0 {
		initial = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &OpenAI{
		client:  client,
		model:   modelID,
		dims:    dims,
		retries: uint64(retries),
		initial: initial,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Model returns the embedding model identifier.
func (p *OpenAI) Model() string { return p.model }

// Embed produces one vector per input text, in input order.
func (p *OpenAI) Embed(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}
	res := &Result{Vectors: make([][]float32, 0, len(texts))}
	prepared := make([]string, len(texts))
	for i, text := range texts {
		cut, truncated := Truncate(text)
		prepared[i] = cut
		if truncated {
			res.Truncated = append(res.Truncated, i)
			p.logger.Warn(ctx, "embedding input truncated", "index", i, "model", p.model)
		}
	}
	for start := 0; start < len(prepared); start += MaxBatch {
		end := start + MaxBatch
		if end > len(prepared) {
			end = len(prepared)
		}
		vectors, tokens, err := p.embedBatch(ctx, prepared[start:end])
		if err != nil {
			return nil, err
		}
		res.Vectors = append(res.Vectors, vectors...)
		res.Tokens += tokens
	}
	p.metrics.IncCounter("embed_tokens_total", float64(res.Tokens), "model", p.model)
	return res, nil
}

func (p *OpenAI) embedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	req := openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dims,
	}

	var resp openai.EmbeddingResponse
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		resp, err = p.client.CreateEmbeddings(ctx, req)
		if err == nil {
			return nil
		}
		ferr := classify(err)
		if !fault.Retryable(ferr) {
			return backoff.Permanent(ferr)
		}
		p.logger.Warn(ctx, "embedding request failed, retrying",
			"attempt", attempt, "model", p.model, "kind", string(fault.KindOf(ferr)))
		return ferr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initial
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx)); err != nil {
		return nil, 0, err
	}

	if len(resp.Data) != len(texts) {
		return nil, 0, fault.Errorf(fault.Internal, "embed",
			"provider returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, 0, fault.Errorf(fault.Internal, "embed",
				"provider returned out of range index %d", item.Index)
		}
		if len(item.Embedding) != p.dims {
			return nil, 0, fault.Errorf(fault.Internal, "embed",
				"provider returned %d-dimensional vector, want %d", len(item.Embedding), p.dims)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, resp.Usage.PromptTokens, nil
}

// classify maps go-openai errors onto the shared fault vocabulary so retry
// and HTTP layers treat provider failures uniformly.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fault.Wrap(fault.RateLimited, "embed", err)
		case apiErr.HTTPStatusCode == 408:
			return fault.Wrap(fault.Timeout, "embed", err)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.Transient, "embed", err)
		default:
			return fault.Wrap(fault.Internal, "embed", err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == 429:
			return fault.Wrap(fault.RateLimited, "embed", err)
		case reqErr.HTTPStatusCode >= 500, reqErr.HTTPStatusCode == 0:
			return fault.Wrap(fault.Transient, "embed", err)
		default:
			return fault.Wrap(fault.Internal, "embed", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, "embed", err)
	}
	return fault.Wrap(fault.Transient, "embed", fmt.Errorf("embedding request: %w", err))
}
