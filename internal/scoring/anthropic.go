package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// AnthropicName identifies the LLM scorer in logs and metrics.
const AnthropicName = "anthropic"

const systemPrompt = `You are a payment fraud analyst. Assess the card transaction you are given.
Respond with a single JSON object and nothing else, using the keys:
risk_score (number 0.0 = safe to 1.0 = certain fraud), confidence (number 0.0 to 1.0),
fraud_indicators (array of short strings), recommendations (array of short strings),
analysis_summary (one sentence).`

// Anthropic scores transactions with a Claude model through the Messages API.
// The SDK's own retries are disabled; a failed call is simply a non-response.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an LLM scorer. Extra options are appended after the
// configured ones, which lets tests point the client at a local server.
func NewAnthropic(cfg domain.RemoteScorerConfig, opts ...option.RequestOption) *Anthropic {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if cfg.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Endpoint))
	}
	reqOpts = append(reqOpts, opts...)

	return &Anthropic{
		client:    anthropic.NewClient(reqOpts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Name implements domain.RiskScorer.
func (a *Anthropic) Name() string {
	return AnthropicName
}

// Score implements domain.RiskScorer.
func (a *Anthropic) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	start := time.Now()

	body, err := json.Marshal(viewOf(tx))
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0.1),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Transaction:\n" + string(body))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result, err := parseAssessment(AnthropicName, text.String())
	if err != nil {
		return nil, err
	}
	result.Latency = time.Since(start)
	return result, nil
}
