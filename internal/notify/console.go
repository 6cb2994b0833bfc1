package notify

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Console writes alerts to the structured log.
type Console struct {
	logger *slog.Logger
}

// NewConsole creates a console channel. A nil logger uses slog.Default.
func NewConsole(logger *slog.Logger) *Console {
	return &Console{logger: logger}
}

// Name implements domain.NotificationChannel.
func (c *Console) Name() string {
	return domain.ChannelConsole
}

// Send implements domain.NotificationChannel.
func (c *Console) Send(ctx context.Context, a *domain.Alert) error {
	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	switch a.Priority {
	case domain.PriorityHigh:
		level = slog.LevelError
	case domain.PriorityMedium:
		level = slog.LevelWarn
	}

	logger.Log(ctx, level, string(a.Priority)+" PRIORITY FRAUD ALERT",
		"alert_id", a.ID,
		"tx_id", a.TxID,
		"score", a.Score,
		"amount", a.Amount,
		"method", a.Method,
		"summary", a.Summary,
	)
	return nil
}
