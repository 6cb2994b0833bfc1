package domain

import (
	"context"
	"time"
)

// AnalysisMethod tags how a final verdict was produced.
type AnalysisMethod string

const (
	MethodLocal    AnalysisMethod = "local"
	MethodRemote   AnalysisMethod = "remote"
	MethodHybrid   AnalysisMethod = "hybrid"
	MethodDegraded AnalysisMethod = "degraded"
)

// ScreenResult is the output of the first-pass monitor.
type ScreenResult struct {
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons,omitempty"`
}

// ScoreResult is what a single RiskScorer returns for a transaction.
type ScoreResult struct {
	Scorer          string        `json:"scorer"`
	Score           float64       `json:"score"`
	Confidence      float64       `json:"confidence"`
	Factors         []string      `json:"factors,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Latency         time.Duration `json:"latency"`
}

// RiskScorer returns a risk estimate in [0,1] for a transaction.
// Local and remote implementations satisfy the same contract.
type RiskScorer interface {
	Name() string
	Score(ctx context.Context, tx *Transaction) (*ScoreResult, error)
}

// RiskVerdict is the reconciled risk outcome for one transaction.
type RiskVerdict struct {
	TxID            string         `json:"txId"`
	Score           float64        `json:"score"`
	IsFraud         bool           `json:"isFraud"`
	Method          AnalysisMethod `json:"method"`
	Confidence      float64        `json:"confidence"`
	Factors         []string       `json:"factors"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Amount          float64        `json:"amount"`
	Flagged         bool           `json:"flagged"`
	CreatedAt       time.Time      `json:"createdAt"`
	Latency         time.Duration  `json:"latency"`
	Contributors    []ScoreResult  `json:"contributors,omitempty"`
}

// StepTiming records how long one pipeline stage took.
type StepTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// PipelineResult is what the orchestrator hands back to its caller.
type PipelineResult struct {
	TxID        string           `json:"txId"`
	Screen      ScreenResult     `json:"screen"`
	Verdict     *RiskVerdict     `json:"verdict"`
	Alert       *Alert           `json:"alert"`
	Outcomes    []ChannelOutcome `json:"outcomes,omitempty"`
	StepTimings []StepTiming     `json:"stepTimings,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
}
