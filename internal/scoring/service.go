package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServiceName identifies the HTTP scoring service in logs and metrics.
const ServiceName = "service"

const maxServiceResponse = 1 << 20

// Service calls an external JSON scoring endpoint. The deadline comes from
// the caller's context.
type Service struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewService creates an HTTP scorer for endpoint.
func NewService(endpoint, apiKey string) *Service {
	return &Service{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name implements domain.RiskScorer.
func (s *Service) Name() string {
	return ServiceName
}

// Score implements domain.RiskScorer.
func (s *Service) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoreResult, error) {
	start := time.Now()

	body, err := json.Marshal(viewOf(tx))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxServiceResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: scoring service returned %d", domain.ErrScorerUnavailable, resp.StatusCode)
	}

	result, err := parseAssessment(ServiceName, string(respBody))
	if err != nil {
		return nil, err
	}
	result.Latency = time.Since(start)
	return result, nil
}
