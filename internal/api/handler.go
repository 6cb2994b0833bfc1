package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Pipeline is the screening pipeline as seen by the API.
type Pipeline interface {
	Process(ctx context.Context, tx *domain.Transaction) (*domain.PipelineResult, error)
	Latest(ctx context.Context, txID string) (*domain.PipelineResult, error)
	Escalate(ctx context.Context, txID string, p domain.Priority) (*domain.DispatchResult, error)
	InFlight() int64
}

// StatsSource reports dispatcher statistics.
type StatsSource interface {
	Snapshot() alert.StatsSnapshot
}

// Deps are the handler's collaborators. Repo, Cache, Bus and Metrics are
// optional.
type Deps struct {
	Pipeline            Pipeline
	Alerts              StatsSource
	Repo                domain.Repository
	Cache               domain.Cache
	Bus                 domain.EventBus
	Metrics             http.Handler
	Version             string
	BulkMaxItems        int
	FeatureVectorLength int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.BulkMaxItems <= 0 {
		deps.BulkMaxItems = 100
	}
	if deps.FeatureVectorLength <= 0 {
		deps.FeatureVectorLength = domain.DefaultFeatureVectorLength
	}
	return &Handler{deps: deps}
}

type errorResponse struct {
	Error string `json:"error"`
}

// ResponseMetadata accompanies synchronous processing responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ProcessResponse is the response for POST /v1/transactions.
type ProcessResponse struct {
	*domain.PipelineResult
	Metadata ResponseMetadata `json:"metadata"`
}

// ProcessTransaction handles POST /v1/transactions.
func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	res, err := h.deps.Pipeline.Process(r.Context(), &tx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{
		PipelineResult: res,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(r.Context()),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.deps.Version,
		},
	})
}

// BulkRequest is the request body for POST /v1/transactions/bulk.
type BulkRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// BulkItem is the outcome for one transaction of a bulk request.
type BulkItem struct {
	Index  int                    `json:"index"`
	TxID   string                 `json:"txId,omitempty"`
	Result *domain.PipelineResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// BulkSummary aggregates a bulk request.
type BulkSummary struct {
	Total     int   `json:"total"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Flagged   int   `json:"flagged"`
	Alerts    int   `json:"alerts"`
	TotalMs   int64 `json:"totalMs"`
}

// BulkResponse is the response for POST /v1/transactions/bulk.
type BulkResponse struct {
	Results []BulkItem  `json:"results"`
	Summary BulkSummary `json:"summary"`
}

// ProcessBulk handles POST /v1/transactions/bulk. Items are processed
// concurrently; one item failing does not fail the request.
func (h *Handler) ProcessBulk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	n := len(req.Transactions)
	if n == 0 || n > h.deps.BulkMaxItems {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "transactions must contain between 1 and " + strconv.Itoa(h.deps.BulkMaxItems) + " items",
		})
		return
	}

	items := make([]BulkItem, n)
	var wg sync.WaitGroup
	for i := range req.Transactions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items[i].Index = i
			res, err := h.deps.Pipeline.Process(r.Context(), &req.Transactions[i])
			if err != nil {
				items[i].TxID = req.Transactions[i].ID
				items[i].Error = err.Error()
				return
			}
			items[i].TxID = res.TxID
			items[i].Result = res
		}(i)
	}
	wg.Wait()

	summary := BulkSummary{Total: n}
	for _, it := range items {
		if it.Result == nil {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		if it.Result.Screen.Flagged {
			summary.Flagged++
		}
		if it.Result.Alert != nil {
			summary.Alerts++
		}
	}
	summary.TotalMs = time.Since(start).Milliseconds()

	slog.Info("bulk request processed",
		"total", summary.Total,
		"failed", summary.Failed,
		"alerts", summary.Alerts,
		"duration_ms", summary.TotalMs,
	)

	writeJSON(w, http.StatusOK, BulkResponse{Results: items, Summary: summary})
}

// EnqueueTransaction handles POST /v1/transactions/async. The transaction is
// validated, published to the ingest topic and processed by a worker.
func (h *Handler) EnqueueTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event bus not available"})
		return
	}

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if err := tx.Validate(h.deps.FeatureVectorLength); err != nil {
		writeError(w, err)
		return
	}
	tx.Normalize()

	payload, err := json.Marshal(&tx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to encode transaction"})
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "failed to enqueue transaction"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"txId":   tx.ID,
		"status": "queued",
	})
}

// TransactionResponse is the response for GET /v1/transactions/{id}.
type TransactionResponse struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	*domain.PipelineResult
}

// GetTransaction handles GET /v1/transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	res, err := h.deps.Pipeline.Latest(ctx, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TransactionResponse{PipelineResult: res}
	if h.deps.Repo != nil {
		tx, err := h.deps.Repo.GetTransaction(ctx, txID)
		if err == nil {
			resp.Transaction = tx
		} else if !errors.Is(err, repository.ErrNotFound) {
			slog.Warn("failed to load transaction", "tx_id", txID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// AlertRequest is the request body for POST /v1/alerts.
type AlertRequest struct {
	TransactionID string `json:"transaction_id"`
	Priority      string `json:"priority"`
}

// CreateAlert handles POST /v1/alerts: raise an alert for an already
// analyzed transaction at the requested priority.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if req.TransactionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "transaction_id is required"})
		return
	}
	if req.Priority == "" {
		req.Priority = string(domain.PriorityLow)
	}
	p, err := domain.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	dr, err := h.deps.Pipeline.Escalate(r.Context(), req.TransactionID, p)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if dr.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, dr)
}

// AlertStats handles GET /v1/alerts/stats.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "alert statistics not available"})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Alerts.Snapshot())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if len(h.failedChecks(r.Context())) > 0 {
		status = "degraded"
	}

	resp := map[string]any{
		"status":  status,
		"version": h.deps.Version,
	}
	if h.deps.Pipeline != nil {
		resp["inFlight"] = h.deps.Pipeline.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether every backing service answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	failed := h.failedChecks(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"failed": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) failedChecks(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("bus", h.deps.Bus.Ping)
	}
	return failed
}

// writeError maps pipeline errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "transaction not found"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads this.
		writeJSON(w, http.StatusRequestTimeout, errorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
