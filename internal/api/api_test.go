package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// fakePipeline flags transactions above 1000 and alerts on them.
type fakePipeline struct {
	mu       sync.Mutex
	results  map[string]*domain.PipelineResult
	calls    atomic.Int64
	err      error
	escalate func(txID string, p domain.Priority) (*domain.DispatchResult, error)
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{results: make(map[string]*domain.PipelineResult)}
}

func (f *fakePipeline) Process(ctx context.Context, tx *domain.Transaction) (*domain.PipelineResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if err := tx.Validate(domain.DefaultFeatureVectorLength); err != nil {
		return nil, err
	}
	tx.Normalize()

	res := &domain.PipelineResult{
		TxID:    tx.ID,
		Verdict: &domain.RiskVerdict{TxID: tx.ID, Score: 0.1, Method: domain.MethodLocal},
	}
	if tx.Amount > 1000 {
		res.Screen = domain.ScreenResult{Flagged: true, Reasons: []string{"large amount"}}
		res.Verdict.Score = 0.9
		res.Alert = &domain.Alert{ID: "alert-" + tx.ID, TxID: tx.ID, Priority: domain.PriorityHigh}
	}

	f.mu.Lock()
	f.results[tx.ID] = res
	f.mu.Unlock()
	return res, nil
}

func (f *fakePipeline) Latest(ctx context.Context, txID string) (*domain.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[txID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return res, nil
}

func (f *fakePipeline) Escalate(ctx context.Context, txID string, p domain.Priority) (*domain.DispatchResult, error) {
	if f.escalate != nil {
		return f.escalate(txID, p)
	}
	if _, err := f.Latest(ctx, txID); err != nil {
		return nil, err
	}
	a := &domain.Alert{ID: "alert-" + txID, TxID: txID, Priority: p}
	return &domain.DispatchResult{Alert: a}, nil
}

func (f *fakePipeline) InFlight() int64 { return 3 }

type fakeStats struct{}

func (fakeStats) Snapshot() alert.StatsSnapshot {
	return alert.StatsSnapshot{TotalAlerts: 4, HighAlerts: 1, MediumAlerts: 3}
}

type fakeCache struct {
	domain.Cache
	pingErr error
}

func (c *fakeCache) Ping(ctx context.Context) error { return c.pingErr }

func newTestServer(deps Deps) *Server {
	if deps.Pipeline == nil {
		deps.Pipeline = newFakePipeline()
	}
	deps.Version = "test-v1"
	return NewServer(domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}, deps)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestProcessTransaction(t *testing.T) {
	server := newTestServer(Deps{})

	t.Run("Flagged", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{ID: "tx-1", Amount: 5000})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[ProcessResponse](t, rr)
		if resp.TxID != "tx-1" || !resp.Screen.Flagged || resp.Alert == nil {
			t.Errorf("unexpected result %+v", resp.PipelineResult)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %q", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected trace id in metadata")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("GeneratedID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{Amount: 10})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if resp := decode[ProcessResponse](t, rr); resp.TxID == "" {
			t.Error("expected generated transaction id")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/transactions", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{ID: "neg", Amount: -5})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		if resp := decode[errorResponse](t, rr); !strings.Contains(resp.Error, "negative") {
			t.Errorf("unexpected error %q", resp.Error)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"capacity", fmt.Errorf("%w: %w", domain.ErrCapacityExceeded, context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("scoring: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"not found", repository.ErrNotFound, http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePipeline()
			p.err = tt.err
			server := newTestServer(Deps{Pipeline: p})

			rr := do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{ID: "tx", Amount: 1})
			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus == http.StatusServiceUnavailable && rr.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
		})
	}
}

func TestProcessBulk(t *testing.T) {
	t.Run("MixedResults", func(t *testing.T) {
		p := newFakePipeline()
		server := newTestServer(Deps{Pipeline: p})

		req := BulkRequest{Transactions: []domain.Transaction{
			{ID: "b-1", Amount: 10},
			{ID: "b-2", Amount: 5000},
			{ID: "b-3", Amount: -1},
		}}
		rr := do(t, server, http.MethodPost, "/v1/transactions/bulk", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[BulkResponse](t, rr)
		if len(resp.Results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(resp.Results))
		}
		for i, it := range resp.Results {
			if it.Index != i {
				t.Errorf("result %d has index %d", i, it.Index)
			}
		}
		if resp.Results[2].Error == "" || resp.Results[2].TxID != "b-3" {
			t.Errorf("expected error for b-3, got %+v", resp.Results[2])
		}
		s := resp.Summary
		if s.Total != 3 || s.Succeeded != 2 || s.Failed != 1 || s.Flagged != 1 || s.Alerts != 1 {
			t.Errorf("unexpected summary %+v", s)
		}
		if p.calls.Load() != 3 {
			t.Errorf("expected 3 pipeline calls, got %d", p.calls.Load())
		}
	})

	t.Run("Empty", func(t *testing.T) {
		server := newTestServer(Deps{})
		rr := do(t, server, http.MethodPost, "/v1/transactions/bulk", BulkRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("TooMany", func(t *testing.T) {
		server := newTestServer(Deps{BulkMaxItems: 2})
		req := BulkRequest{Transactions: make([]domain.Transaction, 3)}
		rr := do(t, server, http.MethodPost, "/v1/transactions/bulk", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestEnqueueTransaction(t *testing.T) {
	t.Run("Published", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()

		received := make(chan *domain.Message, 1)
		_, err := b.Subscribe(context.Background(), domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		server := newTestServer(Deps{Bus: b})
		rr := do(t, server, http.MethodPost, "/v1/transactions/async", domain.Transaction{Amount: 42})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[map[string]string](t, rr)
		if resp["txId"] == "" || resp["status"] != "queued" {
			t.Errorf("unexpected response %v", resp)
		}

		select {
		case msg := <-received:
			var tx domain.Transaction
			if err := json.Unmarshal(msg.Payload, &tx); err != nil {
				t.Fatalf("payload is not a transaction: %v", err)
			}
			if tx.ID != resp["txId"] || tx.Amount != 42 || tx.Timestamp.IsZero() {
				t.Errorf("unexpected queued transaction %+v", tx)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for queued transaction")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()
		server := newTestServer(Deps{Bus: b})

		rr := do(t, server, http.MethodPost, "/v1/transactions/async", domain.Transaction{Amount: 1, Features: []float64{1, 2}})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("NoBus", func(t *testing.T) {
		server := newTestServer(Deps{})
		rr := do(t, server, http.MethodPost, "/v1/transactions/async", domain.Transaction{Amount: 1})
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rr.Code)
		}
	})
}

func TestGetTransaction(t *testing.T) {
	p := newFakePipeline()
	server := newTestServer(Deps{Pipeline: p})

	do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{ID: "known", Amount: 5000})

	t.Run("Found", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/v1/transactions/known", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp := decode[TransactionResponse](t, rr)
		if resp.PipelineResult == nil || resp.TxID != "known" || resp.Alert == nil {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/v1/transactions/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestCreateAlert(t *testing.T) {
	p := newFakePipeline()
	server := newTestServer(Deps{Pipeline: p})
	do(t, server, http.MethodPost, "/v1/transactions", domain.Transaction{ID: "tx-a", Amount: 10})

	t.Run("Created", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{TransactionID: "tx-a", Priority: "high"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[domain.DispatchResult](t, rr)
		if resp.Alert == nil || resp.Alert.Priority != domain.PriorityHigh {
			t.Errorf("unexpected alert %+v", resp.Alert)
		}
	})

	t.Run("DefaultPriority", func(t *testing.T) {
		var got domain.Priority
		p.escalate = func(txID string, pr domain.Priority) (*domain.DispatchResult, error) {
			got = pr
			return &domain.DispatchResult{Alert: &domain.Alert{TxID: txID, Priority: pr}}, nil
		}
		defer func() { p.escalate = nil }()

		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{TransactionID: "tx-a"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
		if got != domain.PriorityLow {
			t.Errorf("expected LOW priority, got %s", got)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		p.escalate = func(txID string, pr domain.Priority) (*domain.DispatchResult, error) {
			return &domain.DispatchResult{Alert: &domain.Alert{TxID: txID, Priority: domain.PriorityMedium}, Duplicate: true}, nil
		}
		defer func() { p.escalate = nil }()

		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{TransactionID: "tx-a", Priority: "HIGH"})
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200 for duplicate, got %d", rr.Code)
		}
	})

	t.Run("BadPriority", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{TransactionID: "tx-a", Priority: "urgent"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{Priority: "HIGH"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/v1/alerts", AlertRequest{TransactionID: "nope", Priority: "HIGH"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestAlertStats(t *testing.T) {
	t.Run("Available", func(t *testing.T) {
		server := newTestServer(Deps{Alerts: fakeStats{}})
		rr := do(t, server, http.MethodGet, "/v1/alerts/stats", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if s := decode[alert.StatsSnapshot](t, rr); s.TotalAlerts != 4 || s.MediumAlerts != 3 {
			t.Errorf("unexpected stats %+v", s)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		server := newTestServer(Deps{})
		rr := do(t, server, http.MethodGet, "/v1/alerts/stats", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rr.Code)
		}
	})
}

func TestHealthAndReady(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		server := newTestServer(Deps{Cache: &fakeCache{}})

		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" || resp["inFlight"] != float64(3) {
			t.Errorf("unexpected health %v", resp)
		}

		if rr := do(t, server, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
			t.Errorf("expected ready 200, got %d", rr.Code)
		}
	})

	t.Run("CacheDown", func(t *testing.T) {
		server := newTestServer(Deps{Cache: &fakeCache{pingErr: errors.New("connection refused")}})

		rr := do(t, server, http.MethodGet, "/health", nil)
		if resp := decode[map[string]any](t, rr); resp["status"] != "degraded" {
			t.Errorf("expected degraded, got %v", resp["status"])
		}

		rr = do(t, server, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		resp := decode[map[string]any](t, rr)
		failed, _ := resp["failed"].(map[string]any)
		if _, ok := failed["cache"]; !ok {
			t.Errorf("expected cache in failed checks, got %v", resp)
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	t.Run("Mounted", func(t *testing.T) {
		metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("kestrel_alerts_total 1\n"))
		})
		server := newTestServer(Deps{Metrics: metrics})
		rr := do(t, server, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "kestrel_alerts_total") {
			t.Errorf("unexpected metrics response %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("Absent", func(t *testing.T) {
		server := newTestServer(Deps{})
		if rr := do(t, server, http.MethodGet, "/metrics", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	server := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}
	// Without a tracer provider the request id doubles as the trace id.
	if got := rr.Header().Get(TraceIDHeader); got != "req-abc" {
		t.Errorf("expected trace id to fall back to request id, got %q", got)
	}
}
