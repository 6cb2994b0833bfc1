// Package notify implements the alert notification channels.
package notify

import (
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AlertType tags every structured alert event.
const AlertType = "FRAUD_DETECTION_ALERT"

// Event is the structured alert published on the bus and on RabbitMQ.
type Event struct {
	AlertType       string   `json:"alert_type"`
	Priority        string   `json:"priority"`
	AlertID         string   `json:"alert_id"`
	TransactionID   string   `json:"transaction_id"`
	RiskScore       float64  `json:"risk_score"`
	Amount          float64  `json:"amount"`
	FraudIndicators []string `json:"fraud_indicators"`
	Recommendations []string `json:"recommendations"`
	AnalysisSummary string   `json:"analysis_summary"`
	Timestamp       string   `json:"timestamp"`
	AnalysisMethod  string   `json:"analysis_method"`
}

// NewEvent converts an alert to its wire form.
func NewEvent(a *domain.Alert) Event {
	indicators := a.Factors
	if indicators == nil {
		indicators = []string{}
	}
	recs := a.Recommendations
	if recs == nil {
		recs = []string{}
	}
	return Event{
		AlertType:       AlertType,
		Priority:        string(a.Priority),
		AlertID:         a.ID,
		TransactionID:   a.TxID,
		RiskScore:       a.Score,
		Amount:          a.Amount,
		FraudIndicators: indicators,
		Recommendations: recs,
		AnalysisSummary: a.Summary,
		Timestamp:       a.CreatedAt.UTC().Format(time.RFC3339),
		AnalysisMethod:  string(a.Method),
	}
}

func marshalEvent(a *domain.Alert) ([]byte, error) {
	return json.Marshal(NewEvent(a))
}
