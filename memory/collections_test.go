package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCollections(t *testing.T) {
	schemas := Collections()
	for _, name := range []string{"invoices", "social_posts", "ad_reports", "agent_context"} {
		_, ok := schemas[name]
		assert.True(t, ok, "missing collection %q", name)
	}
	assert.Len(t, Specs(schemas), len(schemas))
}

func TestSchemaValidate(t *testing.T) {
	invoices := Collections()["invoices"]

	cases := []struct {
		name     string
		metadata map[string]any
		ok       bool
	}{
		{"nil metadata", nil, true},
		{"full payload", map[string]any{
			"invoice_id":  1,
			"vendor_name": "SNCB",
			"amount":      22.70,
			"date":        "2025-01-03",
			"description": "train ticket",
			"file_path":   "invoices/2025/01/sncb.pdf",
			"matched":     false,
			"created_at":  "2025-01-03T10:15:00Z",
		}, true},
		{"partial payload", map[string]any{"vendor_name": "SNCB"}, true},
		{"unknown field", map[string]any{"vendor": "SNCB"}, false},
		{"string for float", map[string]any{"amount": "22.70"}, false},
		{"bool for string", map[string]any{"vendor_name": true}, false},
		{"whole float for int", map[string]any{"invoice_id": float64(7)}, true},
		{"fractional float for int", map[string]any{"invoice_id": 7.5}, false},
		{"int for float", map[string]any{"amount": 23}, true},
		{"bad date", map[string]any{"date": "Jan 3 2025"}, false},
		{"timestamp for date", map[string]any{"date": "2025-01-03T00:00:00+01:00"}, true},
		{"oversized string", map[string]any{"description": strings.Repeat("x", MaxValueBytes+1)}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := invoices.Validate(tc.metadata)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSchemaValidateAgentContext(t *testing.T) {
	sch := Collections()["agent_context"]

	require.NoError(t, sch.Validate(map[string]any{
		"agent_name":     "invoice_matcher",
		"context_type":   "auto_match",
		"confidence":     0.97,
		"transaction_id": "tx-2025-0042",
		"timestamp":      "2025-01-03T10:15:00Z",
	}))

	err := sch.Validate(map[string]any{"confidence": "high"})
	require.Error(t, err)
}
