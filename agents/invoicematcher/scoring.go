package invoicematcher

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// Decision thresholds.
const (
	AutoMatchThreshold   = 0.90
	HumanReviewThreshold = 0.70
)

// Confidence weights. Vendor identity dominates, amount close behind, date
// proximity breaks near-ties.
const (
	vendorWeight = 0.45
	amountWeight = 0.40
	dateWeight   = 0.15
)

// Amount tolerance bands: full score within 0.5% relative difference,
// nothing beyond 15%.
const (
	amountExactBand = 0.005
	amountZeroBand  = 0.15
)

// VendorScore rates how well two vendor names agree: 1.0 for an exact
// case-insensitive match, 0.7 when one name contains the other, 0.5 when at
// least half of the shorter name's tokens appear in the longer one.
func VendorScore(a, b string) float64 {
	an := strings.ToLower(strings.TrimSpace(a))
	bn := strings.ToLower(strings.TrimSpace(b))
	if an == "" || bn == "" {
		return 0
	}
	if an == bn {
		return 1.0
	}
	if strings.Contains(an, bn) || strings.Contains(bn, an) {
		return 0.7
	}
	if tokenOverlap(an, bn) >= 0.5 {
		return 0.5
	}
	return 0
}

// AmountScore rates amount agreement by relative difference, falling off
// linearly between the exact band and the zero band.
func AmountScore(a, b float64) float64 {
	if a == b {
		return 1.0
	}
	if a <= 0 || b <= 0 {
		return 0
	}
	rel := math.Abs(a-b) / math.Max(a, b)
	switch {
	case rel <= amountExactBand:
		return 1.0
	case rel >= amountZeroBand:
		return 0
	default:
		return (amountZeroBand - rel) / (amountZeroBand - amountExactBand)
	}
}

// DateScore rates date proximity in day bands. Unparseable dates score 0.
func DateScore(a, b string) float64 {
	ta, ok := parseDay(a)
	if !ok {
		return 0
	}
	tb, ok := parseDay(b)
	if !ok {
		return 0
	}
	days := int(math.Abs(ta.Sub(tb).Hours()) / 24)
	switch {
	case days == 0:
		return 1.0
	case days <= 1:
		return 0.8
	case days <= 7:
		return 0.5
	case days <= 30:
		return 0.2
	default:
		return 0
	}
}

// Confidence combines the component scores for one candidate.
func Confidence(t Transaction, inv Invoice) float64 {
	v := VendorScore(t.VendorName, inv.VendorName)
	a := AmountScore(t.Amount, inv.Amount)
	d := DateScore(t.Date, inv.Date)
	return vendorWeight*v + amountWeight*a + dateWeight*d
}

// Decide maps a confidence to a decision type.
func Decide(confidence float64) string {
	switch {
	case confidence >= AutoMatchThreshold:
		return DecisionAutoMatch
	case confidence >= HumanReviewThreshold:
		return DecisionHumanReview
	default:
		return DecisionNoMatch
	}
}

// BestMatch scores every candidate against the transaction and returns the
// highest-confidence one. Earlier candidates win ties so caller-supplied
// invoices take precedence over memory recalls at equal confidence.
func BestMatch(t Transaction, candidates []Invoice) (Invoice, float64, bool) {
	var (
		best  Invoice
		score float64
		found bool
	)
	for _, inv := range candidates {
		c := Confidence(t, inv)
		if !found || c > score {
			best, score, found = inv, c, true
		}
	}
	return best, score, found
}

// tokenOverlap reports the fraction of the smaller name's tokens present in
// the larger one.
func tokenOverlap(a, b string) float64 {
	at := tokens(a)
	bt := tokens(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	small, large := at, bt
	if len(bt) < len(at) {
		small, large = bt, at
	}
	shared := 0
	for tok := range small {
		if large[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func tokens(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func parseDay(s string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(24 * time.Hour), true
	}
	return time.Time{}, false
}
