package scoring

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// RuleSet holds compiled CEL rules that adjust the local model's logit.
type RuleSet struct {
	env   *cel.Env
	rules []*compiledRule
}

type compiledRule struct {
	config  domain.ScoringRule
	program cel.Program
}

// RuleHit is a rule that fired for a transaction.
type RuleHit struct {
	ID         string
	Adjustment float64
	Factor     string
}

// DefaultRules returns the built-in rule adjustments.
func DefaultRules() []domain.ScoringRule {
	return []domain.ScoringRule{
		{
			ID:         "overnight-spend",
			Expression: "hour < 5 && amount > 1000.0",
			Weight:     0.8,
			Factor:     "large transaction during overnight hours",
		},
		{
			ID:         "round-amount",
			Expression: "amount >= 1000.0 && amount == double(int(amount)) && int(amount) % 100 == 0",
			Weight:     0.4,
			Factor:     "round-figure amount",
		},
		{
			ID:         "blind-large-amount",
			Expression: "size(features) == 0 && amount > 2000.0",
			Weight:     0.3,
			Factor:     "large amount without behavioural features",
		},
	}
}

// NewRuleSet compiles rules. An invalid expression fails the whole set.
func NewRuleSet(configs []domain.ScoringRule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("features", cel.ListType(cel.DoubleType)),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("card_type", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{env: env}
	for _, cfg := range configs {
		compiled, err := rs.compile(cfg)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, compiled)
	}

	// Stable order keeps factor lists deterministic.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].config.ID < rs.rules[j].config.ID
	})
	return rs, nil
}

func (rs *RuleSet) compile(cfg domain.ScoringRule) (*compiledRule, error) {
	ast, issues := rs.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := rs.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Evaluate runs every rule against tx. Rules that error are skipped.
func (rs *RuleSet) Evaluate(tx *domain.Transaction) []RuleHit {
	if len(rs.rules) == 0 {
		return nil
	}

	features := tx.Features
	if features == nil {
		features = []float64{}
	}
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	activation := map[string]any{
		"amount":    tx.Amount,
		"features":  features,
		"merchant":  tx.Merchant,
		"location":  tx.Location,
		"card_type": tx.CardType,
		"hour":      int64(tx.Timestamp.UTC().Hour()),
		"metadata":  metadata,
	}

	var hits []RuleHit
	for _, rule := range rs.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			continue
		}
		value := toValue(out)
		if value == 0 {
			continue
		}
		hits = append(hits, RuleHit{
			ID:         rule.config.ID,
			Adjustment: rule.config.Weight * value,
			Factor:     rule.config.Factor,
		})
	}
	return hits
}

// toValue converts a CEL result to a numeric multiplier.
func toValue(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
