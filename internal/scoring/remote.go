package scoring

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewRemote creates the remote reasoning scorer selected by configuration.
func NewRemote(cfg domain.RemoteScorerConfig) (domain.RiskScorer, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg), nil

	case "http":
		return NewService(cfg.Endpoint, cfg.APIKey), nil

	case "disabled", "":
		return Disabled{}, nil

	default:
		return nil, fmt.Errorf("unsupported remote scorer provider: %s", cfg.Provider)
	}
}

// Disabled is a remote scorer that never answers.
type Disabled struct{}

// Name implements domain.RiskScorer.
func (Disabled) Name() string {
	return "disabled"
}

// Score implements domain.RiskScorer.
func (Disabled) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	return nil, fmt.Errorf("%w: remote scoring is disabled", domain.ErrScorerUnavailable)
}
