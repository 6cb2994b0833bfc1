// Package monitor implements the cheap first-pass transaction screen.
package monitor

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stage flags transactions that warrant deeper analysis.
// It is pure and safe for concurrent use.
type Stage struct {
	amountThreshold float64
	deviationBound  float64
	maxOutliers     int
	means           []float64
	stdDevs         []float64
}

// New creates a screening stage from configuration.
func New(cfg domain.MonitorConfig) *Stage {
	return &Stage{
		amountThreshold: cfg.AmountThreshold,
		deviationBound:  cfg.DeviationBound,
		maxOutliers:     cfg.MaxOutlierFeatures,
		means:           append([]float64(nil), cfg.ReferenceMeans...),
		stdDevs:         append([]float64(nil), cfg.ReferenceStdDevs...),
	}
}

// Screen decides whether tx proceeds as flagged. It never fails; missing
// features contribute no signal.
func (s *Stage) Screen(tx *domain.Transaction) domain.ScreenResult {
	var result domain.ScreenResult
	if tx == nil {
		return result
	}

	if s.amountThreshold > 0 && tx.Amount > s.amountThreshold {
		result.Flagged = true
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("amount %.2f exceeds screening threshold %.2f", tx.Amount, s.amountThreshold))
	}

	outliers, worst, worstIdx := s.deviations(tx.Features)
	if outliers > s.maxOutliers {
		result.Flagged = true
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%d features outside reference envelope (max deviation %.2f on V%d)", outliers, worst, worstIdx+1))
	}

	return result
}

// deviations counts features whose z-score exceeds the bound and reports the
// largest deviation seen.
func (s *Stage) deviations(features []float64) (count int, worst float64, worstIdx int) {
	for i, v := range features {
		z := math.Abs(v-s.mean(i)) / s.stdDev(i)
		if z > s.deviationBound {
			count++
		}
		if z > worst {
			worst, worstIdx = z, i
		}
	}
	return count, worst, worstIdx
}

func (s *Stage) mean(i int) float64 {
	if i < len(s.means) {
		return s.means[i]
	}
	return 0
}

func (s *Stage) stdDev(i int) float64 {
	if i < len(s.stdDevs) && s.stdDevs[i] > 0 {
		return s.stdDevs[i]
	}
	return 1
}
