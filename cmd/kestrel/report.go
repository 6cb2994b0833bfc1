package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func reportCmd() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and store a summary report now",
		Long: `Summarize recent verdicts and alerts from the repository, store the
report and print it as JSON.

Examples:
  kestrel report
  kestrel report --window 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runReport(cmd.Context(), path, window, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "summary window (default report.window)")

	return cmd
}

func runReport(ctx context.Context, configPath string, window time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(os.Stderr, cfg.Logging)

	if window <= 0 {
		window = cfg.Report.Window
	}

	repo, err := repository.New(cfg.Repository, repository.WithRiskBands(cfg.Risk))
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()

	r, err := report.NewGenerator(repo, nil, window).Generate(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
