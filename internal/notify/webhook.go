package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxSummaryLen  = 3000
	webhookTimeout = 10 * time.Second
)

// Webhook posts HIGH alerts to a Slack incoming webhook as Block Kit.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates the secondary chat channel.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout:   webhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements domain.NotificationChannel.
func (w *Webhook) Name() string {
	return domain.ChannelWebhook
}

// Send implements domain.NotificationChannel.
func (w *Webhook) Send(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(a *domain.Alert) map[string]any {
	return map[string]any{
		"text": Subject(a),
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(a),
			summaryBlock(a),
			contextBlock(a),
		},
	}
}

func headerBlock(a *domain.Alert) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s fraud alert: %s", priorityEmoji(a.Priority), a.Priority, a.TxID),
		},
	}
}

func fieldsBlock(a *domain.Alert) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Risk score:* %.3f", a.Score)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Amount:* %.2f", a.Amount)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Method:* %s", a.Method)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Alert:* %s", a.ID)},
		},
	}
}

func summaryBlock(a *domain.Alert) map[string]any {
	var b strings.Builder
	b.WriteString("*Summary*\n")
	b.WriteString(a.Summary)
	if len(a.Factors) > 0 {
		b.WriteString("\n\n*Indicators*")
		for _, f := range a.Factors {
			b.WriteString("\n• " + f)
		}
	}
	if len(a.Recommendations) > 0 {
		b.WriteString("\n\n*Recommended actions*")
		for _, r := range a.Recommendations {
			b.WriteString("\n• " + r)
		}
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(b.String(), maxSummaryLen),
		},
	}
}

func contextBlock(a *domain.Alert) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("kestrel • %s", a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func priorityEmoji(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return "\U0001f534" // red circle
	case domain.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
