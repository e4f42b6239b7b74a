// Package invoicematcher implements the memory-aware invoice matching agent.
// It builds a search query from a bank transaction, pulls similar unmatched
// invoices from memory, scores every candidate with deterministic rules and
// records the decision in the agent context collection.
package invoicematcher

import (
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/memory"
)

// Decision types produced by the matcher.
const (
	DecisionAutoMatch   = "auto_match"
	DecisionHumanReview = "human_review"
	DecisionNoMatch     = "no_match"
)

type (
	// Transaction is the bank transaction to match.
	Transaction struct {
		TransactionID string  `json:"transaction_id,omitempty"`
		VendorName    string  `json:"vendor_name"`
		Amount        float64 `json:"amount"`
		Date          string  `json:"date"`
		Description   string  `json:"description,omitempty"`
	}

	// Invoice is one match candidate, either supplied by the caller or
	// recovered from a memory search hit.
	Invoice struct {
		InvoiceID  int64   `json:"invoice_id"`
		VendorName string  `json:"vendor_name"`
		Amount     float64 `json:"amount"`
		Date       string  `json:"date"`
	}

	// MatchState is the graph state for one matching run.
	MatchState struct {
		graph.Trace

		Transaction Transaction `json:"transaction"`
		Invoices    []Invoice   `json:"invoices,omitempty"`

		MemoryQuery   string       `json:"memory_query,omitempty"`
		MemoryResults []memory.Hit `json:"memory_results,omitempty"`

		MatchedInvoiceID int64   `json:"matched_invoice_id,omitempty"`
		Confidence       float64 `json:"confidence"`
		DecisionType     string  `json:"decision_type,omitempty"`
		Reasoning        string  `json:"reasoning,omitempty"`
	}

	// Result is the caller-facing outcome of a run.
	Result struct {
		Matched        bool     `json:"matched"`
		InvoiceID      int64    `json:"invoice_id,omitempty"`
		Confidence     float64  `json:"confidence"`
		DecisionType   string   `json:"decision_type"`
		Reasoning      string   `json:"reasoning,omitempty"`
		Warnings       []string `json:"warnings,omitempty"`
		StepsCompleted []string `json:"steps_completed"`
	}
)

// Result projects the final state into the caller-facing outcome.
func (s *MatchState) Result() Result {
	return Result{
		Matched:        s.DecisionType != "" && s.DecisionType != DecisionNoMatch,
		InvoiceID:      s.MatchedInvoiceID,
		Confidence:     s.Confidence,
		DecisionType:   s.DecisionType,
		Reasoning:      s.Reasoning,
		Warnings:       s.Warnings,
		StepsCompleted: s.StepsCompleted,
	}
}
