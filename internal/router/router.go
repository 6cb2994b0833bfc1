// Package router reconciles the local and remote risk scorers into a single
// verdict per transaction.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Scorer call outcomes, as logged and reported to hooks.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

const (
	noteRemoteDown = "degraded analysis: remote scorer unavailable"
	noteAllDown    = "degraded analysis: local and remote scorers unavailable"
)

// Hooks receive router events. Nil fields are skipped. OnScorerCall may be
// invoked concurrently.
type Hooks struct {
	OnScorerCall func(scorer, outcome string, latency time.Duration)
	OnVerdict    func(method domain.AnalysisMethod, latency time.Duration)
}

// Option configures a Router.
type Option func(*Router)

// WithHooks installs metric hooks.
func WithHooks(h Hooks) Option {
	return func(r *Router) { r.hooks = h }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) { r.tracer = tp.Tracer("kestrel-router") }
}

// Router decides which scorers to consult and merges their answers.
type Router struct {
	local         domain.RiskScorer
	remote        domain.RiskScorer
	risk          domain.RiskConfig
	localTimeout  time.Duration
	remoteTimeout time.Duration
	tracer        trace.Tracer
	hooks         Hooks
}

// New creates a router over the two scorers.
func New(local, remote domain.RiskScorer, risk domain.RiskConfig, sc domain.ScoringConfig, opts ...Option) *Router {
	r := &Router{
		local:         local,
		remote:        remote,
		risk:          risk,
		localTimeout:  sc.LocalTimeout(),
		remoteTimeout: sc.RemoteTimeout(),
		tracer:        otel.Tracer("kestrel-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// attempt is the result of one scorer call. result is nil unless outcome is ok.
type attempt struct {
	scorer  string
	result  *domain.ScoreResult
	outcome string
	err     error
}

func (a *attempt) ok() bool {
	return a != nil && a.outcome == OutcomeOK
}

// Analyze produces a verdict for tx. It never fails: scorer errors, timeouts
// and panics are absorbed and reflected in the verdict's method and factors.
func (r *Router) Analyze(ctx context.Context, tx *domain.Transaction, screen domain.ScreenResult) *domain.RiskVerdict {
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "router.analyze",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.Bool("screen.flagged", screen.Flagged),
		),
	)
	defer span.End()

	var local, remote *attempt

	if !screen.Flagged {
		local = r.call(ctx, r.local, r.localTimeout, tx)
		if local.ok() && local.result.Confidence >= r.risk.LowConfidenceThreshold {
			return r.finish(span, start, tx, screen, local, nil)
		}
		// Escalate. The local answer (or failure) is reused as is.
		remote = r.call(ctx, r.remote, r.remoteTimeout, tx)
	} else {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			local = r.call(ctx, r.local, r.localTimeout, tx)
		}()
		go func() {
			defer wg.Done()
			remote = r.call(ctx, r.remote, r.remoteTimeout, tx)
		}()
		wg.Wait()
	}

	return r.finish(span, start, tx, screen, local, remote)
}

// call runs one scorer under its own deadline. The scorer runs in its own
// goroutine so a scorer that ignores its context cannot hold the router past
// the deadline.
func (r *Router) call(ctx context.Context, scorer domain.RiskScorer, timeout time.Duration, tx *domain.Transaction) *attempt {
	name := scorer.Name()
	ctx, span := r.tracer.Start(ctx, "scorer."+name, trace.WithAttributes(attribute.String("scorer", name)))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan *attempt, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &attempt{scorer: name, outcome: OutcomeError, err: fmt.Errorf("scorer panic: %v", p)}
			}
		}()
		res, err := scorer.Score(ctx, tx)
		done <- classify(name, res, err)
	}()

	var a *attempt
	select {
	case a = <-done:
	case <-ctx.Done():
		a = classify(name, nil, ctx.Err())
	}

	latency := time.Since(start)
	span.SetAttributes(attribute.String("outcome", a.outcome))

	if a.ok() {
		span.SetAttributes(attribute.Float64("score", a.result.Score))
		slog.Debug("scorer responded",
			"tx_id", tx.ID,
			"scorer", name,
			"latency_ms", latency.Milliseconds(),
			"outcome", a.outcome,
			"score", a.result.Score,
			"confidence", a.result.Confidence,
		)
	} else {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.outcome)
		slog.Warn("scorer did not respond",
			"tx_id", tx.ID,
			"scorer", name,
			"latency_ms", latency.Milliseconds(),
			"outcome", a.outcome,
			"error", a.err,
		)
	}

	if r.hooks.OnScorerCall != nil {
		r.hooks.OnScorerCall(name, a.outcome, latency)
	}
	return a
}

func classify(name string, res *domain.ScoreResult, err error) *attempt {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &attempt{scorer: name, outcome: OutcomeTimeout, err: err}
	case err != nil:
		return &attempt{scorer: name, outcome: OutcomeError, err: err}
	case res == nil:
		return &attempt{scorer: name, outcome: OutcomeError, err: fmt.Errorf("%w: empty result", domain.ErrMalformedScore)}
	case !inUnit(res.Score) || !inUnit(res.Confidence):
		return &attempt{scorer: name, outcome: OutcomeError,
			err: fmt.Errorf("%w: score %v confidence %v", domain.ErrMalformedScore, res.Score, res.Confidence)}
	}
	return &attempt{scorer: name, result: res, outcome: OutcomeOK}
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// finish merges the attempts into a verdict. remote is nil when the remote
// scorer was never asked.
func (r *Router) finish(span trace.Span, start time.Time, tx *domain.Transaction, screen domain.ScreenResult, local, remote *attempt) *domain.RiskVerdict {
	v := &domain.RiskVerdict{
		TxID:    tx.ID,
		Amount:  tx.Amount,
		Flagged: screen.Flagged,
	}

	var notes []string
	var contributors []*domain.ScoreResult

	switch {
	case local.ok() && remote.ok():
		v.Method = domain.MethodHybrid
		v.Score = math.Max(local.result.Score, remote.result.Score)
		v.Confidence = combineConfidence(r.risk.HybridConfidence, local.result.Confidence, remote.result.Confidence)
		contributors = append(contributors, remote.result, local.result)

	case remote.ok():
		v.Method = domain.MethodRemote
		v.Score = remote.result.Score
		v.Confidence = remote.result.Confidence
		contributors = append(contributors, remote.result)

	case local.ok():
		v.Method = domain.MethodLocal
		v.Score = local.result.Score
		v.Confidence = local.result.Confidence
		contributors = append(contributors, local.result)
		if remote != nil {
			notes = append(notes, noteRemoteDown)
		}

	default:
		v.Method = domain.MethodDegraded
		v.Score = r.risk.DegradedScore
		v.Confidence = 0
		notes = append(notes, noteAllDown)
	}

	var factors, recs []string
	for _, c := range contributors {
		factors = append(factors, c.Factors...)
		recs = append(recs, c.Recommendations...)
		v.Contributors = append(v.Contributors, *c)
	}
	v.Factors = dedupe(append(factors, notes...))
	v.Recommendations = dedupe(recs)
	if len(v.Recommendations) == 0 {
		v.Recommendations = scoring.Recommendations(v.Score, r.risk)
	}

	v.IsFraud = v.Score >= r.risk.HighThreshold
	v.CreatedAt = time.Now().UTC()
	v.Latency = time.Since(start)

	span.SetAttributes(
		attribute.String("verdict.method", string(v.Method)),
		attribute.Float64("verdict.score", v.Score),
		attribute.Bool("verdict.is_fraud", v.IsFraud),
	)

	if r.hooks.OnVerdict != nil {
		r.hooks.OnVerdict(v.Method, v.Latency)
	}
	return v
}

func combineConfidence(mode string, a, b float64) float64 {
	switch mode {
	case "min":
		return math.Min(a, b)
	case "max":
		return math.Max(a, b)
	default:
		return (a + b) / 2
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
