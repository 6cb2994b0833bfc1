package alert

import (
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats counts alerts and deliveries. All counters are atomic.
type Stats struct {
	total      atomic.Int64
	high       atomic.Int64
	medium     atomic.Int64
	low        atomic.Int64
	duplicates atomic.Int64
	deliveries map[string]*deliveryCounters
}

type deliveryCounters struct {
	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalAlerts        int64                       `json:"totalAlerts"`
	HighAlerts         int64                       `json:"highAlerts"`
	MediumAlerts       int64                       `json:"mediumAlerts"`
	LowAlerts          int64                       `json:"lowAlerts"`
	Duplicates         int64                       `json:"duplicates"`
	HighRiskPercentage float64                     `json:"highRiskPercentage"`
	Distribution       map[string]float64          `json:"distribution"`
	Deliveries         map[string]map[string]int64 `json:"deliveries"`
}

func newStats() *Stats {
	s := &Stats{deliveries: make(map[string]*deliveryCounters)}
	for _, ch := range []string{domain.ChannelConsole, domain.ChannelEvent, domain.ChannelEmail, domain.ChannelWebhook} {
		s.deliveries[ch] = &deliveryCounters{}
	}
	return s
}

func (s *Stats) record(a *domain.Alert) {
	s.total.Add(1)
	switch a.Priority {
	case domain.PriorityHigh:
		s.high.Add(1)
	case domain.PriorityMedium:
		s.medium.Add(1)
	case domain.PriorityLow:
		s.low.Add(1)
	}

	for _, o := range a.Deliveries {
		c, ok := s.deliveries[o.Channel]
		if !ok {
			continue
		}
		switch o.Status {
		case domain.DeliverySent:
			c.sent.Add(1)
		case domain.DeliveryFailed:
			c.failed.Add(1)
		case domain.DeliverySkippedRateLimited:
			c.skipped.Add(1)
		}
	}
}

// Snapshot returns the current counters with derived percentages.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalAlerts:  s.total.Load(),
		HighAlerts:   s.high.Load(),
		MediumAlerts: s.medium.Load(),
		LowAlerts:    s.low.Load(),
		Duplicates:   s.duplicates.Load(),
		Distribution: map[string]float64{
			string(domain.PriorityHigh):   0,
			string(domain.PriorityMedium): 0,
			string(domain.PriorityLow):    0,
		},
		Deliveries: make(map[string]map[string]int64, len(s.deliveries)),
	}

	if snap.TotalAlerts > 0 {
		total := float64(snap.TotalAlerts)
		snap.Distribution[string(domain.PriorityHigh)] = float64(snap.HighAlerts) / total * 100
		snap.Distribution[string(domain.PriorityMedium)] = float64(snap.MediumAlerts) / total * 100
		snap.Distribution[string(domain.PriorityLow)] = float64(snap.LowAlerts) / total * 100
		snap.HighRiskPercentage = snap.Distribution[string(domain.PriorityHigh)]
	}

	for ch, c := range s.deliveries {
		snap.Deliveries[ch] = map[string]int64{
			string(domain.DeliverySent):               c.sent.Load(),
			string(domain.DeliveryFailed):             c.failed.Load(),
			string(domain.DeliverySkippedRateLimited): c.skipped.Load(),
		}
	}
	return snap
}
