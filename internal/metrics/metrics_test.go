package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	rh := m.RouterHooks()
	rh.OnScorerCall("local", "ok", 3*time.Millisecond)
	rh.OnScorerCall("local", "ok", 2*time.Millisecond)
	rh.OnScorerCall("anthropic", "timeout", time.Second)
	rh.OnVerdict(domain.MethodHybrid, 10*time.Millisecond)

	ah := m.AlertHooks()
	ah.OnAlert(domain.PriorityHigh)
	ah.OnDelivery(domain.ChannelEmail, domain.DeliverySkippedRateLimited, 0)
	ah.OnDelivery(domain.ChannelWebhook, domain.DeliverySent, 2)
	ah.OnDuplicate()

	ph := m.PipelineHooks()
	ph.OnInFlight(3)
	ph.OnRejected()
	ph.OnProcessed(40 * time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"local ok", testutil.ToFloat64(m.ScorerCallsTotal.WithLabelValues("local", "ok")), 2},
		{"remote timeout", testutil.ToFloat64(m.ScorerCallsTotal.WithLabelValues("anthropic", "timeout")), 1},
		{"hybrid verdicts", testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("hybrid")), 1},
		{"high alerts", testutil.ToFloat64(m.AlertsTotal.WithLabelValues("HIGH")), 1},
		{"email skipped", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("email", "skipped_rate_limited")), 1},
		{"webhook sent", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("webhook", "sent")), 1},
		{"duplicates", testutil.ToFloat64(m.DuplicateAlerts), 1},
		{"in flight", testutil.ToFloat64(m.InFlight), 3},
		{"rejections", testutil.ToFloat64(m.CapacityRejections), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(m.PipelineDuration); n != 1 {
		t.Errorf("expected pipeline duration to be collected, got %d series", n)
	}
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}
