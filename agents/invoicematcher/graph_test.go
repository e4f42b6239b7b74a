package invoicematcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
)

func newMatcherEnv(t *testing.T) (*graph.Graph[*MatchState], *memory.Manager) {
	t.Helper()
	mgr, err := memory.New(memory.Config{Store: store.NewMem(), Provider: embed.NewFake()})
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureCollections(context.Background()))

	g, err := NewGraph(Deps{Memory: mgr})
	require.NoError(t, err)
	return g, mgr
}

func TestNewGraphRequiresMemory(t *testing.T) {
	_, err := NewGraph(Deps{})
	require.Error(t, err)
}

func TestMatchExactInvoice(t *testing.T) {
	g, mgr := newMatcherEnv(t)
	ctx := context.Background()

	state := &MatchState{
		Transaction: Transaction{
			TransactionID: "tx-001",
			VendorName:    "SNCB",
			Amount:        22.70,
			Date:          "2025-01-03",
		},
		Invoices: []Invoice{
			{InvoiceID: 1, VendorName: "SNCB", Amount: 22.70, Date: "2025-01-03"},
		},
	}
	_, err := g.Run(ctx, state)
	require.NoError(t, err)

	res := state.Result()
	assert.True(t, res.Matched)
	assert.Equal(t, int64(1), res.InvoiceID)
	assert.GreaterOrEqual(t, res.Confidence, 0.95)
	assert.Equal(t, DecisionAutoMatch, res.DecisionType)
	assert.Equal(t, []string{"build_query", "search_memory", "compare_invoices", "save_context"}, res.StepsCompleted)
	assert.Contains(t, res.Warnings, "no similar invoices in memory")

	// The decision is persisted for future agent runs.
	hits, err := mgr.Search(ctx, memory.CollectionAgentContext, "invoice match", 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "invoice_matcher", hits[0].Payload["agent_name"])
	assert.Equal(t, DecisionAutoMatch, hits[0].Payload["context_type"])
	assert.Equal(t, "tx-001", hits[0].Payload["transaction_id"])
}

func TestMatchFuzzyVendorGoesToReview(t *testing.T) {
	g, _ := newMatcherEnv(t)

	state := &MatchState{
		Transaction: Transaction{
			TransactionID: "tx-002",
			VendorName:    "NMBS",
			Amount:        22.50,
			Date:          "2025-01-03",
		},
		Invoices: []Invoice{
			{InvoiceID: 2, VendorName: "SNCB/NMBS", Amount: 22.70, Date: "2025-01-03"},
		},
	}
	_, err := g.Run(context.Background(), state)
	require.NoError(t, err)

	res := state.Result()
	assert.True(t, res.Matched)
	assert.Equal(t, int64(2), res.InvoiceID)
	assert.Equal(t, DecisionHumanReview, res.DecisionType)
	assert.GreaterOrEqual(t, res.Confidence, 0.70)
	assert.Less(t, res.Confidence, 0.90)
	assert.InDelta(t, 0.8545, res.Confidence, 0.01)
	assert.Contains(t, res.StepsCompleted, "save_context")
}

func TestMatchNothingCloseEnough(t *testing.T) {
	g, mgr := newMatcherEnv(t)
	ctx := context.Background()

	state := &MatchState{
		Transaction: Transaction{
			TransactionID: "tx-003",
			VendorName:    "Unknown Vendor",
			Amount:        100.00,
			Date:          "2025-01-03",
		},
		Invoices: []Invoice{
			{InvoiceID: 3, VendorName: "SNCB", Amount: 22.70, Date: "2025-01-03"},
		},
	}
	_, err := g.Run(ctx, state)
	require.NoError(t, err)

	res := state.Result()
	assert.False(t, res.Matched)
	assert.Zero(t, res.InvoiceID)
	assert.Less(t, res.Confidence, 0.70)
	assert.Equal(t, DecisionNoMatch, res.DecisionType)
	assert.NotContains(t, res.StepsCompleted, "save_context")
	assert.NotEmpty(t, res.Reasoning)

	// Nothing persisted when no decision is worth keeping.
	hits, err := mgr.Search(ctx, memory.CollectionAgentContext, "invoice match", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMatchRecallsInvoiceFromMemory(t *testing.T) {
	g, mgr := newMatcherEnv(t)
	ctx := context.Background()

	// Content mirrors the query the graph builds so the deterministic fake
	// embedder scores it as an exact hit.
	_, err := mgr.Save(ctx, memory.CollectionInvoices, "Colruyt €88.20 date:2025-02-10", map[string]any{
		"invoice_id":  int64(7),
		"vendor_name": "Colruyt",
		"amount":      88.20,
		"date":        "2025-02-10",
		"matched":     false,
	})
	require.NoError(t, err)

	state := &MatchState{
		Transaction: Transaction{
			TransactionID: "tx-004",
			VendorName:    "Colruyt",
			Amount:        88.20,
			Date:          "2025-02-10",
		},
	}
	_, err = g.Run(ctx, state)
	require.NoError(t, err)

	res := state.Result()
	assert.True(t, res.Matched)
	assert.Equal(t, int64(7), res.InvoiceID)
	assert.Equal(t, DecisionAutoMatch, res.DecisionType)
	assert.Empty(t, res.Warnings)
}

func TestMatchIgnoresAlreadyMatchedInvoices(t *testing.T) {
	g, mgr := newMatcherEnv(t)
	ctx := context.Background()

	_, err := mgr.Save(ctx, memory.CollectionInvoices, "Invoice 9: Colruyt €88.20 groceries 2025-02-10", map[string]any{
		"invoice_id":  int64(9),
		"vendor_name": "Colruyt",
		"amount":      88.20,
		"date":        "2025-02-10",
		"matched":     true,
	})
	require.NoError(t, err)

	state := &MatchState{
		Transaction: Transaction{
			TransactionID: "tx-005",
			VendorName:    "Colruyt",
			Amount:        88.20,
			Date:          "2025-02-10",
		},
	}
	_, err = g.Run(ctx, state)
	require.NoError(t, err)

	res := state.Result()
	assert.False(t, res.Matched)
	assert.Equal(t, DecisionNoMatch, res.DecisionType)
	assert.Contains(t, res.Warnings, "no similar invoices in memory")
}

func TestMatchRejectsEmptyTransaction(t *testing.T) {
	g, _ := newMatcherEnv(t)

	state := &MatchState{}
	_, err := g.Run(context.Background(), state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	var nerr *graph.NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "build_query", nerr.Node)
}
