// Package alert turns risk verdicts into prioritized, deduplicated alerts and
// fans them out to notification channels.
package alert

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Classify maps a verdict to an alert priority. ok is false when the verdict
// does not warrant an alert. LOW is never produced here; it is reachable only
// through a caller override.
func Classify(v *domain.RiskVerdict, risk domain.RiskConfig) (p domain.Priority, ok bool) {
	switch {
	case v.Score >= risk.HighThreshold:
		return domain.PriorityHigh, true
	case v.Amount >= risk.LargeAmountThreshold && v.Score >= risk.MediumThreshold:
		return domain.PriorityHigh, true
	case v.Score >= risk.MediumThreshold:
		return domain.PriorityMedium, true
	default:
		return "", false
	}
}

// DefaultRecommendations are used when the verdict carries none.
func DefaultRecommendations(p domain.Priority) []string {
	switch p {
	case domain.PriorityHigh:
		return []string{"Block transaction", "Contact customer immediately"}
	case domain.PriorityMedium:
		return []string{"Additional verification recommended"}
	default:
		return []string{"Normal processing"}
	}
}

// Signature identifies the verdict an alert was raised for.
func Signature(v *domain.RiskVerdict, p domain.Priority) string {
	return fmt.Sprintf("%s|%.6f|%s|%s", v.TxID, v.Score, v.Method, p)
}

func summarize(v *domain.RiskVerdict, p domain.Priority) string {
	s := fmt.Sprintf("%s priority: transaction %s scored %.3f (%s analysis, confidence %.2f)",
		p, v.TxID, v.Score, v.Method, v.Confidence)
	if len(v.Factors) > 0 {
		s += "; " + v.Factors[0]
	}
	return s
}
