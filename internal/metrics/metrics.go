// Package metrics exposes Prometheus metrics for the screening pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/router"
)

// Metrics holds Prometheus metrics for the screening pipeline.
type Metrics struct {
	ScorerCallsTotal   *prometheus.CounterVec
	ScorerDuration     *prometheus.HistogramVec
	VerdictsTotal      *prometheus.CounterVec
	AnalysisDuration   *prometheus.HistogramVec
	AlertsTotal        *prometheus.CounterVec
	DuplicateAlerts    prometheus.Counter
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryAttempts   *prometheus.HistogramVec
	PipelineDuration   prometheus.Histogram
	InFlight           prometheus.Gauge
	CapacityRejections prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScorerCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_scorer_calls_total",
			Help: "Total scorer calls by scorer and outcome.",
		}, []string{"scorer", "outcome"}),
		ScorerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_scorer_duration_seconds",
			Help:    "Duration of scorer calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms .. ~16s
		}, []string{"scorer"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_verdicts_total",
			Help: "Total risk verdicts by analysis method.",
		}, []string{"method"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_analysis_duration_seconds",
			Help:    "Duration of router analysis in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_alerts_total",
			Help: "Total alerts created by priority.",
		}, []string{"priority"}),
		DuplicateAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_alerts_duplicate_total",
			Help: "Total dispatch requests answered from the idempotency ledger.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_channel_deliveries_total",
			Help: "Total channel deliveries by channel and final status.",
		}, []string{"channel", "status"}),
		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_channel_delivery_attempts",
			Help:    "Send attempts per channel delivery.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}, []string{"channel"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_pipeline_duration_seconds",
			Help:    "End-to-end duration of processed transactions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_pipeline_in_flight",
			Help: "Transactions currently admitted to the pipeline.",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_pipeline_capacity_rejections_total",
			Help: "Transactions rejected because no in-flight slot freed up in time.",
		}),
	}

	reg.MustRegister(
		m.ScorerCallsTotal,
		m.ScorerDuration,
		m.VerdictsTotal,
		m.AnalysisDuration,
		m.AlertsTotal,
		m.DuplicateAlerts,
		m.DeliveriesTotal,
		m.DeliveryAttempts,
		m.PipelineDuration,
		m.InFlight,
		m.CapacityRejections,
	)

	return m
}

// RouterHooks returns router hooks that feed the scorer and verdict metrics.
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		OnScorerCall: func(scorer, outcome string, latency time.Duration) {
			m.ScorerCallsTotal.WithLabelValues(scorer, outcome).Inc()
			m.ScorerDuration.WithLabelValues(scorer).Observe(latency.Seconds())
		},
		OnVerdict: func(method domain.AnalysisMethod, latency time.Duration) {
			m.VerdictsTotal.WithLabelValues(string(method)).Inc()
			m.AnalysisDuration.WithLabelValues(string(method)).Observe(latency.Seconds())
		},
	}
}

// AlertHooks returns dispatcher hooks that feed the alert metrics.
func (m *Metrics) AlertHooks() alert.Hooks {
	return alert.Hooks{
		OnAlert: func(p domain.Priority) {
			m.AlertsTotal.WithLabelValues(string(p)).Inc()
		},
		OnDelivery: func(channel string, status domain.DeliveryStatus, attempts int) {
			m.DeliveriesTotal.WithLabelValues(channel, string(status)).Inc()
			m.DeliveryAttempts.WithLabelValues(channel).Observe(float64(attempts))
		},
		OnDuplicate: func() {
			m.DuplicateAlerts.Inc()
		},
	}
}

// PipelineHooks returns orchestrator hooks that feed the pipeline metrics.
func (m *Metrics) PipelineHooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnProcessed: func(d time.Duration) {
			m.PipelineDuration.Observe(d.Seconds())
		},
		OnRejected: func() {
			m.CapacityRejections.Inc()
		},
		OnInFlight: func(n int64) {
			m.InFlight.Set(float64(n))
		},
	}
}

