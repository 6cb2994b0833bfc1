package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// screenOutput is one line of `kestrel screen` output.
type screenOutput struct {
	Index  int                    `json:"index"`
	Result *domain.PipelineResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func screenCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen a JSON array of transactions and print the results",
		Long: `Screen transactions offline through the full pipeline.

The input is a JSON array of transactions. Results are written to stdout as
one JSON object per line.

Examples:
  kestrel screen --file txs.json
  cat txs.json | kestrel screen --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runScreen(cmd.Context(), path, file, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file of transactions (- for stdin)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runScreen(ctx context.Context, configPath, file string, stdin io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays machine readable.
	setupLogger(os.Stderr, cfg.Logging)

	txs, err := readTransactions(file, stdin)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	enc := json.NewEncoder(out)
	var failed int
	for i := range txs {
		line := screenOutput{Index: i}
		res, err := a.pipeline.Process(ctx, &txs[i])
		if err != nil {
			failed++
			line.Error = err.Error()
		} else {
			line.Result = res
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	slog.Info("screening complete", "total", len(txs), "failed", failed)
	return nil
}

func readTransactions(file string, stdin io.Reader) ([]domain.Transaction, error) {
	var r io.Reader
	if file == "-" {
		r = stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open transactions: %w", err)
		}
		defer f.Close()
		r = f
	}

	var txs []domain.Transaction
	if err := json.NewDecoder(r).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("no transactions in %s", file)
	}
	return txs, nil
}
