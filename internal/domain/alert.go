package domain

import (
	"context"
	"fmt"
	"time"
)

// Priority is the alert severity tier that drives channel selection.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Rank orders priorities so callers can compare them.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority accepts LOW, MEDIUM or HIGH.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// DeliveryStatus is the state of one channel delivery.
type DeliveryStatus string

const (
	DeliveryPending            DeliveryStatus = "pending"
	DeliverySent               DeliveryStatus = "sent"
	DeliveryFailed             DeliveryStatus = "failed"
	DeliverySkippedRateLimited DeliveryStatus = "skipped_rate_limited"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliverySkippedRateLimited
}

// Channel names used in outcomes and metrics.
const (
	ChannelConsole = "console"
	ChannelEvent   = "event"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// ChannelOutcome is the delivery record for a single channel.
type ChannelOutcome struct {
	Channel   string         `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Advance moves the outcome to next. Transitions out of a terminal state are
// rejected so a delivered alert can never fall back to pending.
func (o *ChannelOutcome) Advance(next DeliveryStatus, at time.Time) bool {
	if o.Status.Terminal() || next == DeliveryPending {
		return false
	}
	o.Status = next
	o.UpdatedAt = at
	return true
}

// Alert is the notification record created from a final verdict.
type Alert struct {
	ID              string           `json:"id"`
	TxID            string           `json:"txId"`
	Score           float64          `json:"score"`
	Amount          float64          `json:"amount"`
	Priority        Priority         `json:"priority"`
	Method          AnalysisMethod   `json:"method"`
	Summary         string           `json:"summary"`
	Factors         []string         `json:"factors,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Signature       string           `json:"signature"`
	CreatedAt       time.Time        `json:"createdAt"`
	Deliveries      []ChannelOutcome `json:"deliveries"`
	RetryCount      int              `json:"retryCount"`
}

// Clone returns a deep copy safe to hand to callers.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Factors = append([]string(nil), a.Factors...)
	c.Recommendations = append([]string(nil), a.Recommendations...)
	c.Deliveries = append([]ChannelOutcome(nil), a.Deliveries...)
	return &c
}

// DispatchResult is returned by the alert dispatcher.
type DispatchResult struct {
	Alert     *Alert           `json:"alert"`
	Outcomes  []ChannelOutcome `json:"outcomes"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// NotificationChannel delivers an alert to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}
