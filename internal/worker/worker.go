// Package worker consumes transactions published to the ingest topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor runs one transaction through the screening pipeline.
type Processor interface {
	Process(ctx context.Context, tx *domain.Transaction) (*domain.PipelineResult, error)
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	return &Worker{
		bus:       bus,
		processor: processor,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// handleMessage decodes a transaction and processes it. Malformed payloads
// are dropped; there is nothing to retry.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	res, err := w.processor.Process(ctx, &tx)
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		w.rejected.Add(1)
		slog.Warn("invalid transaction dropped",
			"message_id", msg.ID,
			"tx_id", tx.ID,
			"error", err,
		)
		return nil
	case err != nil:
		w.failed.Add(1)
		return fmt.Errorf("process %s: %w", tx.ID, err)
	}

	w.processed.Add(1)
	slog.Debug("queued transaction processed",
		"message_id", msg.ID,
		"tx_id", res.TxID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
