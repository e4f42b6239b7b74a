package eval

import (
	"context"
	"sync"

	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/model"
)

type (
	// ModelPrice is the per-token USD price of one completion model.
	ModelPrice struct {
		Prompt     float64 `json:"prompt"`
		Completion float64 `json:"completion"`
	}

	// PriceTable declares what tokens cost. Models maps completion model
	// identifiers to their prices; EmbeddingInput prices embedding tokens.
	// A recorded model absent from the table falls back to Fallback.
	PriceTable struct {
		Models         map[string]ModelPrice `json:"models"`
		EmbeddingInput float64               `json:"embedding_input"`
		Fallback       string                `json:"fallback"`
	}

	// CostSummary totals the tokens and spend of one evaluation run.
	CostSummary struct {
		PromptTokens     int64   `json:"prompt_tokens"`
		CompletionTokens int64   `json:"completion_tokens"`
		EmbeddingTokens  int64   `json:"embedding_tokens"`
		Completions      int64   `json:"completions"`
		TotalUSD         float64 `json:"total_usd"`
	}

	// CostTracker accumulates token usage and converts it to USD with a
	// price table. Wrap the model client and embedding provider under
	// evaluation so recording is transparent to the subject. Safe for
	// concurrent use.
	CostTracker struct {
		prices PriceTable

		mu          sync.Mutex
		prompt      int64
		completion  int64
		embedding   int64
		completions int64
		usd         float64
	}
)

// DefaultPriceTable returns the declared provider prices, in USD per token.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Models: map[string]ModelPrice{
			"gpt-4":           {Prompt: 0.03 / 1000, Completion: 0.06 / 1000},
			"gpt-3.5-turbo":   {Prompt: 0.0015 / 1000, Completion: 0.002 / 1000},
			"claude-3-sonnet": {Prompt: 0.003 / 1000, Completion: 0.015 / 1000},
		},
		EmbeddingInput: 0.02 / 1_000_000,
		Fallback:       "claude-3-sonnet",
	}
}

// NewCostTracker builds a tracker over a price table. A nil table selects
// DefaultPriceTable.
func NewCostTracker(prices *PriceTable) *CostTracker {
	table := DefaultPriceTable()
	if prices != nil {
		table = *prices
	}
	return &CostTracker{prices: table}
}

// RecordCompletion accounts one completion call's token usage.
func (t *CostTracker) RecordCompletion(modelID string, usage model.Usage) {
	price, ok := t.prices.Models[modelID]
	if !ok {
		price = t.prices.Models[t.prices.Fallback]
	}
	cost := float64(usage.PromptTokens)*price.Prompt + float64(usage.CompletionTokens)*price.Completion

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompt += int64(usage.PromptTokens)
	t.completion += int64(usage.CompletionTokens)
	t.completions++
	t.usd += cost
}

// RecordEmbedding accounts embedding input tokens.
func (t *CostTracker) RecordEmbedding(tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.embedding += int64(tokens)
	t.usd += float64(tokens) * t.prices.EmbeddingInput
}

// TotalUSD returns the spend recorded so far.
func (t *CostTracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usd
}

// Summary snapshots the accumulated totals.
func (t *CostTracker) Summary() CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostSummary{
		PromptTokens:     t.prompt,
		CompletionTokens: t.completion,
		EmbeddingTokens:  t.embedding,
		Completions:      t.completions,
		TotalUSD:         t.usd,
	}
}

// WrapModel returns a client that records every completion's usage into the
// tracker before returning it. Streams pass through unrecorded; evaluation
// subjects use buffered completions.
func (t *CostTracker) WrapModel(next model.Client) model.Client {
	return &trackedClient{next: next, tracker: t}
}

// WrapProvider returns an embedding provider that records billed input
// tokens into the tracker.
func (t *CostTracker) WrapProvider(next embed.Provider) embed.Provider {
	return &trackedProvider{next: next, tracker: t}
}

type trackedClient struct {
	next    model.Client
	tracker *CostTracker
}

func (c *trackedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	c.tracker.RecordCompletion(req.Model, resp.Usage)
	return resp, nil
}

func (c *trackedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return c.next.Stream(ctx, req)
}

type trackedProvider struct {
	next    embed.Provider
	tracker *CostTracker
}

func (p *trackedProvider) Model() string { return p.next.Model() }

func (p *trackedProvider) Embed(ctx context.Context, texts []string) (*embed.Result, error) {
	res, err := p.next.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	p.tracker.RecordEmbedding(res.Tokens)
	return res, nil
}
