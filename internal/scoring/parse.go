package scoring

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// assessment is the JSON shape both remote scorers return.
type assessment struct {
	RiskScore       *float64 `json:"risk_score"`
	Confidence      *float64 `json:"confidence"`
	FraudIndicators []string `json:"fraud_indicators"`
	Recommendations []string `json:"recommendations"`
	AnalysisSummary string   `json:"analysis_summary"`
}

const defaultRemoteConfidence = 0.5

// parseAssessment decodes a remote response. Text around the outermost JSON
// object (markdown fences, prose) is ignored.
func parseAssessment(scorer string, text string) (*domain.ScoreResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", domain.ErrMalformedScore)
	}

	var a assessment
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedScore, err)
	}
	if a.RiskScore == nil {
		return nil, fmt.Errorf("%w: risk_score missing", domain.ErrMalformedScore)
	}
	if *a.RiskScore < 0 || *a.RiskScore > 1 {
		return nil, fmt.Errorf("%w: risk_score %.3f out of range", domain.ErrMalformedScore, *a.RiskScore)
	}

	confidence := defaultRemoteConfidence
	if a.Confidence != nil {
		if *a.Confidence < 0 || *a.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %.3f out of range", domain.ErrMalformedScore, *a.Confidence)
		}
		confidence = *a.Confidence
	}

	factors := append([]string(nil), a.FraudIndicators...)
	if a.AnalysisSummary != "" {
		factors = append(factors, a.AnalysisSummary)
	}

	return &domain.ScoreResult{
		Scorer:          scorer,
		Score:           *a.RiskScore,
		Confidence:      confidence,
		Factors:         factors,
		Recommendations: a.Recommendations,
	}, nil
}

// transactionView is the transaction as presented to remote scorers.
type transactionView struct {
	TransactionID string             `json:"transaction_id"`
	Amount        float64            `json:"amount"`
	Currency      string             `json:"currency,omitempty"`
	Merchant      string             `json:"merchant,omitempty"`
	Location      string             `json:"location,omitempty"`
	CardType      string             `json:"card_type,omitempty"`
	Timestamp     string             `json:"timestamp"`
	Features      map[string]float64 `json:"features,omitempty"`
}

func viewOf(tx *domain.Transaction) transactionView {
	v := transactionView{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Merchant:      tx.Merchant,
		Location:      tx.Location,
		CardType:      tx.CardType,
		Timestamp:     tx.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if len(tx.Features) > 0 {
		v.Features = make(map[string]float64, len(tx.Features))
		for i, f := range tx.Features {
			v.Features[fmt.Sprintf("V%d", i+1)] = f
		}
	}
	return v
}
