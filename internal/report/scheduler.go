package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the generator on a cron schedule (seconds field included).
type Scheduler struct {
	cron    *cron.Cron
	gen     *Generator
	ctx     context.Context
	timeout time.Duration
}

// NewScheduler creates a scheduler. Jobs run under ctx.
func NewScheduler(ctx context.Context, gen *Generator) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		gen:     gen,
		ctx:     ctx,
		timeout: time.Minute,
	}
}

// Register schedules the daily report.
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("register daily report: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("report scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("report scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.gen.Generate(ctx); err != nil {
		slog.Error("scheduled report failed", "error", err)
	}
}
