package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/router"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// app is the wired service graph shared by serve and screen.
type app struct {
	cfg        *domain.Config
	repo       *repository.SQLRepository
	cache      domain.Cache
	bus        domain.EventBus
	dispatcher *alert.Dispatcher
	pipeline   *pipeline.Orchestrator
	registry   *prometheus.Registry

	closers []func() error
}

func setupLogger(w io.Writer, cfg domain.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupTracing installs the global tracer provider. The returned shutdown
// flushes pending spans; it is a no-op when tracing is disabled.
func setupTracing(ctx context.Context, cfg domain.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// buildApp wires storage, transport, scorers, channels and the pipeline.
// On error everything opened so far is closed.
func buildApp(cfg *domain.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.repo, err = repository.New(cfg.Repository, repository.WithRiskBands(cfg.Risk))
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewMetrics(a.registry)
	}

	local, err := scoring.NewLocal(cfg.Scoring.Local, cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("initialize local scorer: %w", err)
	}
	remote, err := scoring.NewRemote(cfg.Scoring.Remote)
	if err != nil {
		return nil, fmt.Errorf("initialize remote scorer: %w", err)
	}
	slog.Info("scorers initialized", "local", local.Name(), "remote", remote.Name())

	var routerOpts []router.Option
	if m != nil {
		routerOpts = append(routerOpts, router.WithHooks(m.RouterHooks()))
	}
	rt := router.New(local, remote, cfg.Risk, cfg.Scoring, routerOpts...)

	channels, limiter, err := a.buildChannels()
	if err != nil {
		return nil, err
	}

	var alertOpts []alert.Option
	if m != nil {
		alertOpts = append(alertOpts, alert.WithHooks(m.AlertHooks()))
	}
	a.dispatcher = alert.New(cfg.Risk, cfg.Alerting, channels, limiter, alertOpts...)

	pipelineOpts := []pipeline.Option{
		pipeline.WithStore(a.repo),
		pipeline.WithBus(a.bus),
		pipeline.WithCache(a.cache, cfg.Cache.ResultTTL),
	}
	if m != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithHooks(m.PipelineHooks()))
	}
	a.pipeline = pipeline.New(cfg.Pipeline, monitor.New(cfg.Monitor), rt, a.dispatcher, pipelineOpts...)

	return a, nil
}

func (a *app) buildChannels() (alert.Channels, *ratelimit.SlidingWindow, error) {
	cfg := a.cfg.Alerting
	channels := alert.Channels{
		Console: notify.NewConsole(slog.Default()),
	}

	switch cfg.EventChannel {
	case "rabbitmq":
		mq, err := notify.NewRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			return channels, nil, fmt.Errorf("initialize rabbitmq channel: %w", err)
		}
		a.closers = append(a.closers, mq.Close)
		channels.Event = mq
	default:
		channels.Event = notify.NewBusEvent(a.bus)
	}

	var limiter *ratelimit.SlidingWindow
	if cfg.Email.Enabled {
		channels.Email = notify.NewEmail(cfg.Email, nil)
		limiter = ratelimit.NewSlidingWindow(a.cache, "email_alerts", cfg.Email.RateLimitPerHour, time.Hour)
	}
	if cfg.Webhook.URL != "" {
		channels.Webhook = notify.NewWebhook(cfg.Webhook.URL)
	}

	slog.Info("alert channels initialized",
		"event_channel", channels.Event.Name(),
		"email", channels.Email != nil,
		"webhook", channels.Webhook != nil,
	)
	return channels, limiter, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
