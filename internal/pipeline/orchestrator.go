// Package pipeline drives a transaction through screening, risk analysis and
// alert dispatch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Stage names used in step timings and cancellation errors.
const (
	StageMonitor  = "monitor"
	StageRouter   = "router"
	StageDispatch = "dispatch"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("pipeline closed")

// recentResults bounds the in-process index Latest reads before the cache.
const recentResults = 10000

// Screener is the first-pass monitor.
type Screener interface {
	Screen(tx *domain.Transaction) domain.ScreenResult
}

// Analyzer produces the final risk verdict.
type Analyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction, screen domain.ScreenResult) *domain.RiskVerdict
}

// Alerter turns verdicts into alerts.
type Alerter interface {
	Dispatch(ctx context.Context, v *domain.RiskVerdict) *domain.DispatchResult
	DispatchWithPriority(ctx context.Context, v *domain.RiskVerdict, p domain.Priority) *domain.DispatchResult
}

// Store is the persistence the orchestrator writes to and reads back from.
type Store interface {
	domain.PersistenceSink
	GetLatestVerdict(ctx context.Context, txID string) (*domain.RiskVerdict, error)
	GetAlertByTx(ctx context.Context, txID string) (*domain.Alert, error)
}

// Hooks receive orchestrator events. Nil fields are skipped.
type Hooks struct {
	OnProcessed func(d time.Duration)
	OnRejected  func()
	OnInFlight  func(n int64)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore records transactions, verdicts and alerts in s.
func WithStore(s Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithBus publishes results to the event bus.
func WithBus(b domain.EventBus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithCache shares the latest result per transaction through c for ttl
// (default 1h).
func WithCache(c domain.Cache, ttl time.Duration) Option {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithHooks installs metric hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// Orchestrator runs monitor, router and dispatcher in order under a bound on
// concurrent transactions.
type Orchestrator struct {
	cfg        domain.PipelineConfig
	monitor    Screener
	router     Analyzer
	dispatcher Alerter

	store    Store
	bus      domain.EventBus
	cache    domain.Cache
	cacheTTL time.Duration
	recent   *cache.LRUCache
	hooks    Hooks

	sem      chan struct{}
	inFlight atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg domain.PipelineConfig, monitor Screener, router Analyzer, dispatcher Alerter, opts ...Option) *Orchestrator {
	size := cfg.MaxInFlight
	if size < 1 {
		size = 1
	}
	if cfg.FeatureVectorLength < 1 {
		cfg.FeatureVectorLength = domain.DefaultFeatureVectorLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		cfg:        cfg,
		monitor:    monitor,
		router:     router,
		dispatcher: dispatcher,
		sem:        make(chan struct{}, size),
		cacheTTL:   time.Hour,
		recent:     cache.NewLRUCache(recentResults),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight reports how many transactions are currently admitted.
func (o *Orchestrator) InFlight() int64 {
	return o.inFlight.Load()
}

// Process screens, analyzes and, when warranted, alerts on tx.
//
// Once admitted, a started stage always runs to completion; the caller's
// context is consulted only between stages. The result is visible to Latest
// before Process returns. Persistence, publishing and shared caching happen
// in the background and never change the result.
func (o *Orchestrator) Process(ctx context.Context, tx *domain.Transaction) (*domain.PipelineResult, error) {
	if err := tx.Validate(o.cfg.FeatureVectorLength); err != nil {
		return nil, err
	}

	if o.isClosed() {
		return nil, ErrClosed
	}

	if err := o.acquire(ctx); err != nil {
		if o.hooks.OnRejected != nil {
			o.hooks.OnRejected()
		}
		slog.Warn("transaction rejected", "tx_id", tx.ID, "error", err)
		return nil, err
	}
	defer o.release()

	start := time.Now()

	// The caller's copy is never touched.
	t := *tx
	t.Normalize()
	tx = &t

	stageCtx := context.WithoutCancel(ctx)
	res := &domain.PipelineResult{TxID: tx.ID}

	o.background(ctx, "save transaction", func(bg context.Context) error {
		return o.store.SaveTransaction(bg, tx)
	}, o.store != nil)

	stepStart := time.Now()
	res.Screen = o.monitor.Screen(tx)
	res.StepTimings = append(res.StepTimings, domain.StepTiming{Stage: StageMonitor, Duration: time.Since(stepStart)})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before %s: %w", StageRouter, err)
	}

	stepStart = time.Now()
	res.Verdict = o.router.Analyze(stageCtx, tx, res.Screen)
	res.StepTimings = append(res.StepTimings, domain.StepTiming{Stage: StageRouter, Duration: time.Since(stepStart)})

	verdict := res.Verdict
	o.background(ctx, "save verdict", func(bg context.Context) error {
		return o.store.SaveVerdict(bg, verdict)
	}, o.store != nil)

	if err := ctx.Err(); err != nil {
		o.publish(ctx, res)
		return nil, fmt.Errorf("cancelled before %s: %w", StageDispatch, err)
	}

	stepStart = time.Now()
	dr := o.dispatcher.Dispatch(stageCtx, res.Verdict)
	res.StepTimings = append(res.StepTimings, domain.StepTiming{Stage: StageDispatch, Duration: time.Since(stepStart)})

	if dr != nil {
		res.Alert = dr.Alert
		res.Outcomes = dr.Outcomes
		res.Duplicate = dr.Duplicate
	}
	if res.Alert != nil && !res.Duplicate {
		alert := res.Alert.Clone()
		o.background(ctx, "save alert", func(bg context.Context) error {
			return o.store.SaveAlert(bg, alert)
		}, o.store != nil)
	}

	o.publish(ctx, res)

	elapsed := time.Since(start)
	if o.hooks.OnProcessed != nil {
		o.hooks.OnProcessed(elapsed)
	}

	attrs := []any{
		"tx_id", tx.ID,
		"flagged", res.Screen.Flagged,
		"method", res.Verdict.Method,
		"score", res.Verdict.Score,
		"duration_ms", elapsed.Milliseconds(),
	}
	if res.Alert != nil {
		attrs = append(attrs, "alert_id", res.Alert.ID, "priority", res.Alert.Priority)
	}
	slog.Info("transaction processed", attrs...)

	return res, nil
}

// Latest returns the most recent result for txID. Results this process
// produced are served first, then the shared cache, then the store. It
// returns repository.ErrNotFound when none has it.
func (o *Orchestrator) Latest(ctx context.Context, txID string) (*domain.PipelineResult, error) {
	if data, _ := o.recent.Get(ctx, resultKey(txID)); data != nil {
		var res domain.PipelineResult
		if err := json.Unmarshal(data, &res); err == nil {
			return &res, nil
		}
	}

	if o.cache != nil {
		data, err := o.cache.Get(ctx, resultKey(txID))
		if err != nil {
			slog.Warn("result cache read failed", "tx_id", txID, "error", err)
		} else if data != nil {
			var res domain.PipelineResult
			if err := json.Unmarshal(data, &res); err == nil {
				return &res, nil
			}
		}
	}

	if o.store == nil {
		return nil, repository.ErrNotFound
	}

	v, err := o.store.GetLatestVerdict(ctx, txID)
	if err != nil {
		return nil, err
	}

	res := &domain.PipelineResult{
		TxID:    txID,
		Screen:  domain.ScreenResult{Flagged: v.Flagged},
		Verdict: v,
	}

	a, err := o.store.GetAlertByTx(ctx, txID)
	switch {
	case err == nil:
		res.Alert = a
		res.Outcomes = a.Deliveries
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}

	return res, nil
}

// Escalate raises an alert at priority p for an already analyzed
// transaction, regardless of its score.
func (o *Orchestrator) Escalate(ctx context.Context, txID string, p domain.Priority) (*domain.DispatchResult, error) {
	prev, err := o.Latest(ctx, txID)
	if err != nil {
		return nil, err
	}
	if prev.Verdict == nil {
		return nil, repository.ErrNotFound
	}

	dr := o.dispatcher.DispatchWithPriority(context.WithoutCancel(ctx), prev.Verdict, p)
	if dr.Alert != nil && !dr.Duplicate {
		alert := dr.Alert.Clone()
		o.background(ctx, "save alert", func(bg context.Context) error {
			return o.store.SaveAlert(bg, alert)
		}, o.store != nil)

		prev.Alert = dr.Alert
		prev.Outcomes = dr.Outcomes
		o.cacheResult(ctx, prev)
	}

	slog.Info("manual alert requested",
		"tx_id", txID,
		"priority", p,
		"duplicate", dr.Duplicate,
	)
	return dr, nil
}

// Close waits for background work to finish. Process fails with ErrClosed
// afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// acquire takes an in-flight slot, waiting until ctx is done. Without a
// caller deadline the configured queue timeout bounds the wait.
func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		o.admitted()
		return nil
	default:
	}

	if _, ok := ctx.Deadline(); !ok && o.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.QueueTimeout)
		defer cancel()
	}

	select {
	case o.sem <- struct{}{}:
		o.admitted()
		return nil
	case <-ctx.Done():
		// A caller that gave up is not a capacity problem.
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", domain.ErrCapacityExceeded, ctx.Err())
	}
}

func (o *Orchestrator) admitted() {
	n := o.inFlight.Add(1)
	if o.hooks.OnInFlight != nil {
		o.hooks.OnInFlight(n)
	}
}

func (o *Orchestrator) release() {
	n := o.inFlight.Add(-1)
	<-o.sem
	if o.hooks.OnInFlight != nil {
		o.hooks.OnInFlight(n)
	}
}

// background runs fn detached from the caller's cancellation, bounded by the
// persist timeout. Failures are logged only.
func (o *Orchestrator) background(ctx context.Context, what string, fn func(context.Context) error, enabled bool) {
	if !enabled {
		return
	}

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return
	}
	o.wg.Add(1)
	o.mu.RUnlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		bg, cancel := context.WithTimeout(bg, o.cfg.PersistTimeout)
		defer cancel()
		if err := fn(bg); err != nil {
			slog.Error("background write failed", "op", what, "error", err)
		}
	}()
}

// publish caches res and announces it on the bus.
func (o *Orchestrator) publish(ctx context.Context, res *domain.PipelineResult) {
	o.cacheResult(ctx, res)

	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		slog.Error("failed to encode pipeline result", "tx_id", res.TxID, "error", err)
		return
	}
	topic := domain.TopicAnalysisResult
	if res.Screen.Flagged {
		topic = domain.TopicTransactionFlagged
	}
	o.background(ctx, "publish "+topic, func(bg context.Context) error {
		return o.bus.Publish(bg, topic, payload)
	}, true)
}

// cacheResult records res in the in-process index synchronously and in the
// shared cache in the background.
func (o *Orchestrator) cacheResult(ctx context.Context, res *domain.PipelineResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		slog.Error("failed to encode pipeline result", "tx_id", res.TxID, "error", err)
		return
	}
	key := resultKey(res.TxID)
	_ = o.recent.Set(ctx, key, payload, o.cacheTTL)

	if o.cache == nil {
		return
	}
	o.background(ctx, "cache result", func(bg context.Context) error {
		return o.cache.Set(bg, key, payload, o.cacheTTL)
	}, true)
}

func resultKey(txID string) string {
	return "result:" + txID
}
