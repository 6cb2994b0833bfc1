package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultFeatureVectorLength is the number of anonymized features (V1..V28)
// carried by a card transaction.
const DefaultFeatureVectorLength = 28

// Transaction represents an incoming card transaction to be screened.
// It is read-only once it enters the pipeline.
type Transaction struct {
	// Core identifiers
	ID string `json:"id"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`

	// Anonymized feature vector (V1..Vn)
	Features []float64 `json:"features,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Optional metadata
	Merchant string            `json:"merchant,omitempty"`
	Location string            `json:"location,omitempty"`
	CardType string            `json:"cardType,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate rejects malformed input before any stage runs.
// An empty feature vector is accepted and treated as "no feature signal".
func (t *Transaction) Validate(featureLen int) error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrInvalidTransaction)
	}
	for _, f := range []struct{ name, value string }{
		{"id", t.ID},
		{"currency", t.Currency},
		{"merchant", t.Merchant},
		{"location", t.Location},
		{"cardType", t.CardType},
	} {
		if strings.IndexFunc(f.value, unicode.IsControl) >= 0 {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidTransaction, f.name)
		}
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return fmt.Errorf("%w: amount must be a finite number", ErrInvalidTransaction)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative, got %.2f", ErrInvalidTransaction, t.Amount)
	}
	if n := len(t.Features); n != 0 && n != featureLen {
		return fmt.Errorf("%w: feature vector must have %d entries, got %d", ErrInvalidTransaction, featureLen, n)
	}
	for i, v := range t.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature V%d is not a finite number", ErrInvalidTransaction, i+1)
		}
	}
	return nil
}

// Normalize fills caller-omitted fields: a generated ID and an ingestion timestamp.
func (t *Transaction) Normalize() {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
}

// HasFeatures reports whether the transaction carries a feature vector.
func (t *Transaction) HasFeatures() bool {
	return len(t.Features) > 0
}
