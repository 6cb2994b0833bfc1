package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
)

// Channels are the notification destinations. Email and Webhook are optional
// and only used for HIGH alerts.
type Channels struct {
	Console domain.NotificationChannel
	Event   domain.NotificationChannel
	Email   domain.NotificationChannel
	Webhook domain.NotificationChannel
}

// Hooks receive dispatcher events. Nil fields are skipped. OnDelivery may be
// invoked concurrently.
type Hooks struct {
	OnAlert     func(p domain.Priority)
	OnDelivery  func(channel string, status domain.DeliveryStatus, attempts int)
	OnDuplicate func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHooks installs metric hooks.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) { d.hooks = h }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher creates alerts from verdicts and delivers them.
type Dispatcher struct {
	risk     domain.RiskConfig
	cfg      domain.AlertingConfig
	channels Channels
	limiter  *ratelimit.SlidingWindow
	ledger   *ledger
	stats    *Stats
	hooks    Hooks
	now      func() time.Time
}

// New creates a dispatcher. limiter gates the email channel; it may be nil
// when email is disabled.
func New(risk domain.RiskConfig, cfg domain.AlertingConfig, channels Channels, limiter *ratelimit.SlidingWindow, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		risk:     risk,
		cfg:      cfg,
		channels: channels,
		limiter:  limiter,
		stats:    newStats(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ledger = newLedger(cfg.DedupTTL, d.now)
	return d
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// Dispatch classifies v and, when it warrants an alert, delivers one. A
// verdict below the medium threshold yields an empty result.
func (d *Dispatcher) Dispatch(ctx context.Context, v *domain.RiskVerdict) *domain.DispatchResult {
	p, ok := Classify(v, d.risk)
	if !ok {
		return &domain.DispatchResult{}
	}
	return d.dispatch(ctx, v, p)
}

// DispatchWithPriority delivers an alert at a caller-chosen priority.
func (d *Dispatcher) DispatchWithPriority(ctx context.Context, v *domain.RiskVerdict, p domain.Priority) *domain.DispatchResult {
	return d.dispatch(ctx, v, p)
}

func (d *Dispatcher) dispatch(ctx context.Context, v *domain.RiskVerdict, p domain.Priority) *domain.DispatchResult {
	sig := Signature(v, p)

	entry, owner := d.ledger.reserve(v.TxID)
	if !owner {
		return d.duplicate(ctx, entry, v.TxID, sig)
	}

	a := &domain.Alert{
		ID:              ulid.Make().String(),
		TxID:            v.TxID,
		Score:           v.Score,
		Amount:          v.Amount,
		Priority:        p,
		Method:          v.Method,
		Summary:         summarize(v, p),
		Factors:         append([]string(nil), v.Factors...),
		Recommendations: append([]string(nil), v.Recommendations...),
		Signature:       sig,
		CreatedAt:       d.now().UTC(),
	}
	if len(a.Recommendations) == 0 {
		a.Recommendations = DefaultRecommendations(p)
	}

	defer func() { d.ledger.complete(entry, a.Clone()) }()

	channels := d.channelsFor(p)
	outcomes := make([]domain.ChannelOutcome, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		outcomes[i] = domain.ChannelOutcome{
			Channel:   ch.Name(),
			Status:    domain.DeliveryPending,
			UpdatedAt: a.CreatedAt,
		}
		wg.Add(1)
		go func(o *domain.ChannelOutcome, ch domain.NotificationChannel) {
			defer wg.Done()
			d.deliver(ctx, ch, a, o)
		}(&outcomes[i], ch)
	}
	wg.Wait()

	a.Deliveries = outcomes
	for _, o := range outcomes {
		if o.Attempts > 1 {
			a.RetryCount += o.Attempts - 1
		}
	}

	d.stats.record(a)
	if d.hooks.OnAlert != nil {
		d.hooks.OnAlert(p)
	}

	slog.Info("alert dispatched",
		"alert_id", a.ID,
		"tx_id", a.TxID,
		"priority", a.Priority,
		"channels", len(outcomes),
		"retries", a.RetryCount,
	)

	out := a.Clone()
	return &domain.DispatchResult{Alert: out, Outcomes: out.Deliveries}
}

func (d *Dispatcher) duplicate(ctx context.Context, entry *ledgerEntry, txID, sig string) *domain.DispatchResult {
	existing := d.ledger.wait(ctx, entry)

	d.stats.duplicates.Add(1)
	if d.hooks.OnDuplicate != nil {
		d.hooks.OnDuplicate()
	}

	if existing == nil {
		slog.Warn("duplicate alert request abandoned", "tx_id", txID, "error", ctx.Err())
		return &domain.DispatchResult{Duplicate: true}
	}
	if existing.Signature != sig {
		slog.Warn("transaction already alerted with a different verdict",
			"tx_id", txID,
			"alert_id", existing.ID,
			"existing_signature", existing.Signature,
			"signature", sig,
		)
	}

	out := existing.Clone()
	return &domain.DispatchResult{Alert: out, Outcomes: out.Deliveries, Duplicate: true}
}

func (d *Dispatcher) channelsFor(p domain.Priority) []domain.NotificationChannel {
	var out []domain.NotificationChannel
	add := func(ch domain.NotificationChannel) {
		if ch != nil {
			out = append(out, ch)
		}
	}

	add(d.channels.Console)
	switch p {
	case domain.PriorityHigh:
		add(d.channels.Event)
		add(d.channels.Email)
		add(d.channels.Webhook)
	case domain.PriorityMedium:
		add(d.channels.Event)
	}
	return out
}

// deliver sends to one channel with bounded retries and moves o to a terminal
// status. The email limiter is consulted once per alert, before any attempt.
func (d *Dispatcher) deliver(ctx context.Context, ch domain.NotificationChannel, a *domain.Alert, o *domain.ChannelOutcome) {
	defer func() {
		if d.hooks.OnDelivery != nil {
			d.hooks.OnDelivery(o.Channel, o.Status, o.Attempts)
		}
	}()

	if o.Channel == domain.ChannelEmail && d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx)
		if err != nil {
			o.Error = err.Error()
			o.Advance(domain.DeliveryFailed, d.now().UTC())
			slog.Error("email rate limiter unavailable", "alert_id", a.ID, "error", err)
			return
		}
		if !allowed {
			o.Advance(domain.DeliverySkippedRateLimited, d.now().UTC())
			slog.Warn("email alert rate limited",
				"alert_id", a.ID,
				"tx_id", a.TxID,
				"limit_per_hour", d.limiter.Limit(),
			)
			return
		}
	}

	b := backoff.NewExponentialBackOff()
	if d.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = d.cfg.RetryInitialInterval
	}
	if d.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = d.cfg.RetryMaxInterval
	}

	maxTries := d.cfg.MaxChannelRetryAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		o.Attempts++
		return struct{}{}, d.send(ctx, ch, a)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("channel send failed, retrying",
				"alert_id", a.ID,
				"channel", o.Channel,
				"attempt", o.Attempts,
				"retry_in_ms", next.Milliseconds(),
				"error", err,
			)
		}),
	)

	if err != nil {
		o.Error = err.Error()
		o.Advance(domain.DeliveryFailed, d.now().UTC())
		slog.Warn("channel delivery failed",
			"alert_id", a.ID,
			"channel", o.Channel,
			"attempts", o.Attempts,
			"error", err,
		)
		return
	}
	o.Advance(domain.DeliverySent, d.now().UTC())
}

// send runs a single attempt under the channel timeout. Panics in a channel
// become errors.
func (d *Dispatcher) send(ctx context.Context, ch domain.NotificationChannel, a *domain.Alert) (err error) {
	if d.cfg.ChannelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ChannelTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), p)
		}
	}()
	return ch.Send(ctx, a)
}
