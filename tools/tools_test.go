package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
)

func newRegistry(t *testing.T) (*Registry, *memory.Manager) {
	t.Helper()
	mgr, err := memory.New(memory.Config{Store: store.NewMem(), Provider: embed.NewFake()})
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureCollections(context.Background()))
	reg, err := New(Options{Memory: mgr})
	require.NoError(t, err)
	return reg, mgr
}

func dispatch(t *testing.T, reg *Registry, name, args string) map[string]any {
	t.Helper()
	out, err := reg.Dispatch(context.Background(), name, json.RawMessage(args))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded
}

func TestNewRequiresMemory(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestDefinitions(t *testing.T) {
	reg, _ := newRegistry(t)

	defs := reg.Definitions()
	require.Len(t, defs, 4)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{ToolSearchMemory, ToolSaveToMemory, ToolGetMemoryStats, ToolCheckDuplicate}, names)

	for _, d := range defs {
		assert.NotEmpty(t, d.Description, d.Name)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.InputSchema, &schema), d.Name)
		assert.Equal(t, "object", schema["type"], d.Name)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Dispatch(context.Background(), "resize_image", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestDispatchValidatesArguments(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"malformed json", ToolSearchMemory, `{"collection":`},
		{"missing query", ToolSearchMemory, `{"collection": "invoices"}`},
		{"unknown collection", ToolSearchMemory, `{"collection": "secrets", "query": "q"}`},
		{"top_k wrong type", ToolSearchMemory, `{"collection": "invoices", "query": "q", "top_k": "ten"}`},
		{"unexpected field", ToolSearchMemory, `{"collection": "invoices", "query": "q", "limit": 5}`},
		{"save without metadata", ToolSaveToMemory, `{"collection": "invoices", "content": "x"}`},
		{"stats with arguments", ToolGetMemoryStats, `{"verbose": true}`},
		{"threshold out of range", ToolCheckDuplicate, `{"collection": "invoices", "content": "x", "threshold": 1.5}`},
		{"non-object arguments", ToolSearchMemory, `[1, 2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Dispatch(ctx, tt.tool, json.RawMessage(tt.args))
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.SchemaViolation), "got %v", err)
		})
	}
}

func TestSaveThenSearch(t *testing.T) {
	reg, _ := newRegistry(t)

	saved := dispatch(t, reg, ToolSaveToMemory, `{
		"collection": "invoices",
		"content": "Colruyt €88.20 date:2025-02-10",
		"metadata": {"vendor_name": "Colruyt", "amount": 88.20}
	}`)
	assert.Equal(t, "invoices", saved["collection"])
	assert.NotZero(t, saved["id"])

	// The fake embedder only scores identical texts high, so query with
	// the stored content verbatim.
	found := dispatch(t, reg, ToolSearchMemory, `{
		"collection": "invoices",
		"query": "Colruyt €88.20 date:2025-02-10",
		"top_k": 3
	}`)
	assert.Equal(t, float64(1), found["count"])
	results := found["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.InDelta(t, 1.0, hit["score"].(float64), 1e-6)
	payload := hit["payload"].(map[string]any)
	assert.Equal(t, "Colruyt", payload["vendor_name"])
}

func TestSearchAppliesFilters(t *testing.T) {
	reg, mgr := newRegistry(t)
	ctx := context.Background()

	_, err := mgr.Save(ctx, memory.CollectionSocialPosts, "summer suit caption",
		map[string]any{"brand": "pomandi", "platform": "instagram"})
	require.NoError(t, err)
	_, err = mgr.Save(ctx, memory.CollectionSocialPosts, "summer suit caption",
		map[string]any{"brand": "costume", "platform": "instagram"})
	require.NoError(t, err)

	found := dispatch(t, reg, ToolSearchMemory, `{
		"collection": "social_posts",
		"query": "summer suit caption",
		"filters": {"brand": "pomandi"}
	}`)
	assert.Equal(t, float64(1), found["count"])
	hit := found["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "pomandi", hit["payload"].(map[string]any)["brand"])
}

func TestSearchEmptyResultIsNotNull(t *testing.T) {
	reg, _ := newRegistry(t)

	found := dispatch(t, reg, ToolSearchMemory, `{"collection": "invoices", "query": "nothing here"}`)
	assert.Equal(t, float64(0), found["count"])
	results, ok := found["results"].([]any)
	require.True(t, ok, "results must be an array, not null")
	assert.Empty(t, results)
}

func TestGetMemoryStats(t *testing.T) {
	reg, mgr := newRegistry(t)
	ctx := context.Background()

	_, err := mgr.Save(ctx, memory.CollectionInvoices, "Acme invoice 001", map[string]any{"vendor_name": "Acme"})
	require.NoError(t, err)

	stats := dispatch(t, reg, ToolGetMemoryStats, `{}`)
	collections := stats["collections"].(map[string]any)
	invoices := collections["invoices"].(map[string]any)
	assert.Equal(t, float64(1), invoices["count"])
	assert.Contains(t, stats, "cache")
	assert.Contains(t, stats, "embeddings")
}

func TestGetMemoryStatsAcceptsEmptyPayload(t *testing.T) {
	reg, _ := newRegistry(t)

	out, err := reg.Dispatch(context.Background(), ToolGetMemoryStats, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestCheckDuplicate(t *testing.T) {
	reg, mgr := newRegistry(t)
	ctx := context.Background()

	id, err := mgr.Save(ctx, memory.CollectionSocialPosts, "exact caption text", map[string]any{"brand": "pomandi"})
	require.NoError(t, err)

	dup := dispatch(t, reg, ToolCheckDuplicate, `{"collection": "social_posts", "content": "exact caption text"}`)
	assert.Equal(t, true, dup["is_duplicate"])
	assert.Equal(t, float64(id), dup["match_id"])
	assert.InDelta(t, 1.0, dup["top_score"].(float64), 1e-6)

	fresh := dispatch(t, reg, ToolCheckDuplicate, `{"collection": "social_posts", "content": "a very different caption"}`)
	assert.Equal(t, false, fresh["is_duplicate"])
}
