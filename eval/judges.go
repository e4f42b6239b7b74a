package eval

import (
	"math"

	"github.com/pomandi/mainstage/agents/feedpublisher"
	"github.com/pomandi/mainstage/agents/invoicematcher"
)

// QualityTolerance is how far a predicted caption quality may drift from
// the golden score and still count as correct.
const QualityTolerance = 0.15

type (
	// InvoiceCaseInput is the input document of one matching case: the
	// transaction under test plus its candidate invoices.
	InvoiceCaseInput struct {
		Transaction invoicematcher.Transaction `json:"transaction"`
		Invoices    []invoicematcher.Invoice   `json:"invoices,omitempty"`
	}

	// CaptionCaseInput is the input document of one caption case.
	CaptionCaseInput struct {
		Post feedpublisher.Post `json:"post"`
	}

	// InvoiceExpectation is the golden outcome of one matching case.
	InvoiceExpectation struct {
		Matched      bool    `json:"matched"`
		InvoiceID    int64   `json:"invoice_id,omitempty"`
		DecisionType string  `json:"decision_type,omitempty"`
		Confidence   float64 `json:"confidence,omitempty"`
	}

	// CaptionExpectation is the golden outcome of one caption case.
	CaptionExpectation struct {
		Quality  float64 `json:"quality"`
		Language string  `json:"language,omitempty"`
		Decision string  `json:"decision,omitempty"`
	}
)

// JudgeInvoiceMatch rules a match correct when the matched flag agrees and,
// for matches, the invoice ids agree. Decision accuracy and confidence
// calibration ride along as metrics.
func JudgeInvoiceMatch(actual invoicematcher.Result, expected InvoiceExpectation) Verdict {
	correct := expected.Matched == actual.Matched
	if correct && expected.Matched {
		correct = expected.InvoiceID == actual.InvoiceID
	}

	metrics := map[string]float64{
		"decision_correct": boolMetric(expected.DecisionType == "" || expected.DecisionType == actual.DecisionType),
		"confidence_error": math.Abs(expected.Confidence - actual.Confidence),
	}
	if actual.Matched && !expected.Matched {
		metrics[MetricFalsePositive] = 1
	}
	if !actual.Matched && expected.Matched {
		metrics[MetricFalseNegative] = 1
	}
	return Verdict{Correct: correct, Metrics: metrics}
}

// JudgeCaptionQuality rules a caption correct when the predicted quality is
// within QualityTolerance of the golden score and the language matches when
// the expectation names one.
func JudgeCaptionQuality(actual feedpublisher.Result, expected CaptionExpectation) Verdict {
	qualityError := math.Abs(expected.Quality - actual.Quality.Overall)
	correct := qualityError <= QualityTolerance
	if expected.Language != "" && actual.Language != expected.Language {
		correct = false
	}

	metrics := map[string]float64{
		"quality_error":    qualityError,
		"decision_correct": boolMetric(expected.Decision == "" || expected.Decision == actual.Decision),
		"language_correct": boolMetric(expected.Language == "" || expected.Language == actual.Language),
	}
	return Verdict{Correct: correct, Metrics: metrics}
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
