package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LocalName identifies the local scorer in logs and metrics.
const LocalName = "local"

// Local is the in-process statistical scorer: a logistic model plus CEL rule
// adjustments. It never blocks on I/O.
type Local struct {
	model *Model
	rules *RuleSet
	risk  domain.RiskConfig
}

// NewLocal builds the local scorer from configuration. With no model path the
// built-in weights are used; with no rules the built-in rules are used.
func NewLocal(cfg domain.LocalScorerConfig, risk domain.RiskConfig) (*Local, error) {
	model := DefaultModel()
	if cfg.ModelPath != "" {
		m, err := LoadModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		model = m
	}

	ruleConfigs := cfg.Rules
	if len(ruleConfigs) == 0 {
		ruleConfigs = DefaultRules()
	}
	rules, err := NewRuleSet(ruleConfigs)
	if err != nil {
		return nil, err
	}

	return &Local{model: model, rules: rules, risk: risk}, nil
}

// Name implements domain.RiskScorer.
func (l *Local) Name() string {
	return LocalName
}

// Score implements domain.RiskScorer.
func (l *Local) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	z := l.model.Logit(tx.Features, tx.Amount)

	var factors []string
	for _, hit := range l.rules.Evaluate(tx) {
		z += hit.Adjustment
		if hit.Factor != "" {
			factors = append(factors, hit.Factor)
		}
	}

	p := sigmoid(z)
	confidence := math.Abs(2*p - 1)
	if !tx.HasFeatures() {
		confidence /= 2
	}

	factors = append(factors, fmt.Sprintf("local model score %.3f", p))

	return &domain.ScoreResult{
		Scorer:          LocalName,
		Score:           p,
		Confidence:      confidence,
		Factors:         factors,
		Recommendations: Recommendations(p, l.risk),
		Latency:         time.Since(start),
	}, nil
}

// Recommendations returns the default actions for a score band.
func Recommendations(score float64, risk domain.RiskConfig) []string {
	switch {
	case score >= risk.HighThreshold:
		return []string{"Immediate review required", "Consider blocking transaction"}
	case score >= risk.MediumThreshold:
		return []string{"Additional verification recommended", "Monitor account activity"}
	default:
		return []string{"Transaction appears normal", "Standard processing"}
	}
}
