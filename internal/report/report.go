// Package report builds periodic screening summaries.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TypeDaily labels the scheduled daily summary.
const TypeDaily = "daily"

// Source is where summaries are computed and stored.
type Source interface {
	Summarize(ctx context.Context, since time.Time) (*domain.Summary, error)
	SaveReport(ctx context.Context, r *domain.Report) error
}

// Generator produces summary reports over a trailing window.
type Generator struct {
	src    Source
	bus    domain.EventBus
	window time.Duration
	now    func() time.Time
}

// NewGenerator creates a report generator. bus may be nil.
func NewGenerator(src Source, bus domain.EventBus, window time.Duration) *Generator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Generator{
		src:    src,
		bus:    bus,
		window: window,
		now:    time.Now,
	}
}

// Generate summarizes the trailing window, stores the report and announces
// it on the report topic. A publish failure does not fail the report.
func (g *Generator) Generate(ctx context.Context) (*domain.Report, error) {
	now := g.now().UTC()

	summary, err := g.src.Summarize(ctx, now.Add(-g.window))
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	rep := &domain.Report{
		ID:          ulid.Make().String(),
		Type:        TypeDaily,
		GeneratedAt: now,
		Summary:     *summary,
	}

	if err := g.src.SaveReport(ctx, rep); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	if g.bus != nil {
		payload, _ := json.Marshal(rep)
		if err := g.bus.Publish(ctx, domain.TopicReport, payload); err != nil {
			slog.Warn("failed to publish report", "report_id", rep.ID, "error", err)
		}
	}

	slog.Info("summary report generated",
		"report_id", rep.ID,
		"total_transactions", summary.TotalTransactions,
		"high_risk", summary.HighRiskCount,
		"medium_risk", summary.MediumRiskCount,
		"low_risk", summary.LowRiskCount,
		"detection_rate", summary.DetectionRate,
		"alerts", summary.AlertCount,
	)

	return rep, nil
}
