package invoicematcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

// GraphName is the registry key for this agent's graph.
const GraphName = "invoice_matcher"

const searchTopK = 10

// Memory is the subset of memory operations the matcher needs. Satisfied by
// *memory.Manager.
type Memory interface {
	Search(ctx context.Context, collection, query string, topK int, filter *store.Filter) ([]memory.Hit, error)
	Save(ctx context.Context, collection, content string, metadata map[string]any) (uint64, error)
}

// Deps carries the collaborators node closures capture.
type Deps struct {
	Memory Memory
	Logger telemetry.Logger
}

// NewGraph compiles the matching graph with the given dependencies.
func NewGraph(deps Deps) (*graph.Graph[*MatchState], error) {
	if deps.Memory == nil {
		return nil, errors.New("invoicematcher: memory is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	return graph.New[*MatchState](GraphName).
		AddNode("build_query", buildQuery).
		AddNode("search_memory", searchMemory(deps)).
		AddNode("compare_invoices", compareInvoices(deps)).
		AddNode("save_context", saveContext(deps)).
		AddEdge("build_query", "search_memory").
		AddEdge("search_memory", "compare_invoices").
		AddConditionalEdges("compare_invoices", decisionRouter, map[string]string{
			"save_context": "save_context",
			"end":          graph.End,
		}).
		AddEdge("save_context", graph.End).
		SetEntryPoint("build_query").
		Compile()
}

// buildQuery assembles the memory search query from the transaction fields.
func buildQuery(_ context.Context, s *MatchState) error {
	t := s.Transaction
	parts := make([]string, 0, 4)
	if t.VendorName != "" {
		parts = append(parts, t.VendorName)
	}
	if t.Amount > 0 {
		parts = append(parts, fmt.Sprintf("€%.2f", t.Amount))
	}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	if t.Date != "" {
		parts = append(parts, "date:"+t.Date)
	}
	if len(parts) == 0 {
		return fault.New(fault.SchemaViolation, "invoice_matcher", "transaction has no searchable fields")
	}
	s.MemoryQuery = strings.Join(parts, " ")
	return nil
}

// searchMemory pulls similar unmatched invoices. An empty or weak result is
// a warning, not a failure: the caller-supplied invoices remain candidates.
func searchMemory(deps Deps) graph.NodeFunc[*MatchState] {
	return func(ctx context.Context, s *MatchState) error {
		hits, err := deps.Memory.Search(ctx, memory.CollectionInvoices, s.MemoryQuery, searchTopK,
			store.NewFilter(store.Eq("matched", false)))
		if err != nil {
			return err
		}
		s.MemoryResults = hits
		switch {
		case len(hits) == 0:
			s.AddWarning("no similar invoices in memory")
		case hits[0].Score < 0.5:
			s.AddWarning("low memory similarity (best %.0f%%)", hits[0].Score*100)
		}
		deps.Logger.Debug(ctx, "invoice memory searched",
			"transaction_id", s.Transaction.TransactionID,
			"results", len(hits))
		return nil
	}
}

// compareInvoices scores caller invoices and memory recalls and decides.
func compareInvoices(deps Deps) graph.NodeFunc[*MatchState] {
	return func(ctx context.Context, s *MatchState) error {
		candidates := make([]Invoice, 0, len(s.Invoices)+len(s.MemoryResults))
		candidates = append(candidates, s.Invoices...)
		for _, hit := range s.MemoryResults {
			if inv, ok := invoiceFromPayload(hit.Payload); ok {
				candidates = append(candidates, inv)
			}
		}
		best, confidence, found := BestMatch(s.Transaction, candidates)
		s.Confidence = confidence
		s.DecisionType = Decide(confidence)
		if found && s.DecisionType != DecisionNoMatch {
			s.MatchedInvoiceID = best.InvoiceID
			s.Reasoning = fmt.Sprintf("invoice %d: vendor %.2f, amount %.2f, date %.2f",
				best.InvoiceID,
				VendorScore(s.Transaction.VendorName, best.VendorName),
				AmountScore(s.Transaction.Amount, best.Amount),
				DateScore(s.Transaction.Date, best.Date))
		} else {
			s.MatchedInvoiceID = 0
			s.Reasoning = "no candidate reached the review threshold"
		}
		deps.Logger.Info(ctx, "invoices compared",
			"transaction_id", s.Transaction.TransactionID,
			"candidates", len(candidates),
			"confidence", s.Confidence,
			"decision", s.DecisionType)
		return nil
	}
}

// decisionRouter sends everything except a no-match to save_context.
func decisionRouter(s *MatchState) string {
	if s.DecisionType != DecisionNoMatch {
		return "save_context"
	}
	return "end"
}

// saveContext records the decision for future runs to recall.
func saveContext(deps Deps) graph.NodeFunc[*MatchState] {
	return func(ctx context.Context, s *MatchState) error {
		t := s.Transaction
		content := fmt.Sprintf("Invoice match: transaction %s (%s €%.2f) matched invoice %d with decision %s at confidence %.2f",
			t.TransactionID, t.VendorName, t.Amount, s.MatchedInvoiceID, s.DecisionType, s.Confidence)
		_, err := deps.Memory.Save(ctx, memory.CollectionAgentContext, content, map[string]any{
			"agent_name":     "invoice_matcher",
			"context_type":   s.DecisionType,
			"confidence":     s.Confidence,
			"transaction_id": t.TransactionID,
		})
		return err
	}
}

func invoiceFromPayload(payload map[string]any) (Invoice, bool) {
	id, ok := asInt64(payload["invoice_id"])
	if !ok {
		return Invoice{}, false
	}
	inv := Invoice{InvoiceID: id}
	if v, ok := payload["vendor_name"].(string); ok {
		inv.VendorName = v
	}
	if f, ok := asFloat(payload["amount"]); ok {
		inv.Amount = f
	}
	if v, ok := payload["date"].(string); ok {
		inv.Date = v
	}
	return inv, true
}

// asInt64 widens the numeric types a payload can carry after JSON or store
// round trips.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
