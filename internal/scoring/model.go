// Package scoring provides the local and remote RiskScorer implementations.
package scoring

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Model is a logistic model over the anonymized feature vector and amount.
type Model struct {
	Bias         float64   `yaml:"bias"`
	AmountWeight float64   `yaml:"amount_weight"`
	Weights      []float64 `yaml:"weights"`
}

// DefaultModel returns the built-in weights. Signs follow the usual card-fraud
// PCA profile: low V14, V12, V10, V17 and high V4, V11 indicate fraud.
func DefaultModel() *Model {
	return &Model{
		Bias:         -4.0,
		AmountWeight: 0.15,
		Weights: []float64{
			-0.1, 0.2, -0.4, 0.6, -0.1, -0.1, -0.3, 0.0, -0.2, -0.6, // V1..V10
			0.5, -0.7, 0.0, -0.9, 0.0, -0.3, -0.6, -0.2, 0.1, 0.1, // V11..V20
			0.1, 0.0, 0.0, 0.0, 0.0, 0.0, 0.1, 0.1, // V21..V28
		},
	}
}

// LoadModel reads model weights from a YAML file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model %s has no weights", path)
	}
	return &m, nil
}

// Logit returns the linear predictor for a feature vector and amount.
// Features beyond the weight vector are ignored.
func (m *Model) Logit(features []float64, amount float64) float64 {
	z := m.Bias + m.AmountWeight*math.Log1p(math.Max(amount, 0))
	for i, v := range features {
		if i >= len(m.Weights) {
			break
		}
		z += m.Weights[i] * v
	}
	return z
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
