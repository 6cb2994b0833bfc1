package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
// It is built once at startup and passed by value afterwards.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Tier determines the default backing services
	Tier Tier `yaml:"tier" json:"tier"`

	// Screening pipeline
	Risk     RiskConfig     `yaml:"risk" json:"risk"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Scoring  ScoringConfig  `yaml:"scoring" json:"scoring"`
	Alerting AlertingConfig `yaml:"alerting" json:"alerting"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Report   ReportConfig   `yaml:"report" json:"report"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus" json:"eventBus"`

	// Observability
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RiskConfig holds the thresholds shared by the router and the dispatcher.
type RiskConfig struct {
	HighThreshold        float64 `yaml:"high_threshold" json:"highThreshold"`
	MediumThreshold      float64 `yaml:"medium_threshold" json:"mediumThreshold"`
	LargeAmountThreshold float64 `yaml:"large_amount_threshold" json:"largeAmountThreshold"`

	// LowConfidenceThreshold escalates an unflagged transaction to both
	// scorers when the local scorer is less sure than this.
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold" json:"lowConfidenceThreshold"`

	// DegradedScore is used when no scorer answers.
	DegradedScore float64 `yaml:"degraded_score" json:"degradedScore"`

	// HybridConfidence combines scorer confidences: "mean", "min" or "max".
	HybridConfidence string `yaml:"hybrid_confidence" json:"hybridConfidence"`
}

// MonitorConfig configures the first-pass screen.
type MonitorConfig struct {
	AmountThreshold    float64 `yaml:"amount_threshold" json:"amountThreshold"`
	DeviationBound     float64 `yaml:"deviation_bound" json:"deviationBound"`
	MaxOutlierFeatures int     `yaml:"max_outlier_features" json:"maxOutlierFeatures"`

	// Reference envelope per feature. Missing entries default to mean 0, stddev 1.
	ReferenceMeans   []float64 `yaml:"reference_means" json:"referenceMeans,omitempty"`
	ReferenceStdDevs []float64 `yaml:"reference_std_devs" json:"referenceStdDevs,omitempty"`
}

// ScoringConfig configures both scorers.
type ScoringConfig struct {
	Local  LocalScorerConfig  `yaml:"local" json:"local"`
	Remote RemoteScorerConfig `yaml:"remote" json:"remote"`
}

// LocalScorerConfig configures the in-process statistical scorer.
type LocalScorerConfig struct {
	TimeoutMs int           `yaml:"timeout_ms" json:"timeoutMs"`
	ModelPath string        `yaml:"model_path" json:"modelPath"`
	Rules     []ScoringRule `yaml:"rules" json:"rules,omitempty"`
}

// ScoringRule is a CEL expression that nudges the local model's logit.
type ScoringRule struct {
	ID         string  `yaml:"id" json:"id"`
	Expression string  `yaml:"expression" json:"expression"`
	Weight     float64 `yaml:"weight" json:"weight"`
	Factor     string  `yaml:"factor" json:"factor"`
}

// RemoteScorerConfig configures the remote reasoning scorer.
type RemoteScorerConfig struct {
	// Provider is "anthropic", "http" or "disabled".
	Provider  string `yaml:"provider" json:"provider"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	APIKey    string `yaml:"api_key" json:"-"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int    `yaml:"max_tokens" json:"maxTokens"`
}

// AlertingConfig configures the dispatcher and its channels.
type AlertingConfig struct {
	MaxChannelRetryAttempts int           `yaml:"max_channel_retry_attempts" json:"maxChannelRetryAttempts"`
	RetryInitialInterval    time.Duration `yaml:"retry_initial_interval" json:"retryInitialInterval"`
	RetryMaxInterval        time.Duration `yaml:"retry_max_interval" json:"retryMaxInterval"`
	ChannelTimeout          time.Duration `yaml:"channel_timeout" json:"channelTimeout"`
	DedupTTL                time.Duration `yaml:"dedup_ttl" json:"dedupTtl"`

	// EventChannel selects the structured event transport: "bus" or "rabbitmq".
	EventChannel string `yaml:"event_channel" json:"eventChannel"`

	Email    EmailConfig    `yaml:"email" json:"email"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	RateLimitPerHour int      `yaml:"rate_limit_per_hour" json:"rateLimitPerHour"`
	SMTPHost         string   `yaml:"smtp_host" json:"smtpHost"`
	SMTPPort         int      `yaml:"smtp_port" json:"smtpPort"`
	Username         string   `yaml:"username" json:"username"`
	Password         string   `yaml:"password" json:"-"`
	Sender           string   `yaml:"sender" json:"sender"`
	Recipients       []string `yaml:"recipients" json:"recipients"`
}

// WebhookConfig configures the secondary chat channel.
type WebhookConfig struct {
	URL string `yaml:"url" json:"url"`
}

// RabbitMQConfig configures the RabbitMQ event channel.
type RabbitMQConfig struct {
	URL      string `yaml:"url" json:"-"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	MaxInFlight         int           `yaml:"max_in_flight" json:"maxInFlight"`
	QueueTimeout        time.Duration `yaml:"queue_timeout" json:"queueTimeout"`
	FeatureVectorLength int           `yaml:"feature_vector_length" json:"featureVectorLength"`
	PersistTimeout      time.Duration `yaml:"persist_timeout" json:"persistTimeout"`
	BulkMaxItems        int           `yaml:"bulk_max_items" json:"bulkMaxItems"`
}

// ReportConfig configures the scheduled summary report.
type ReportConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	DailyCron string        `yaml:"daily_cron" json:"dailyCron"`
	Window    time.Duration `yaml:"window" json:"window"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"serviceName"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"` // OTLP gRPC host:port
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs with SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// LocalTimeout returns the local scorer deadline.
func (c ScoringConfig) LocalTimeout() time.Duration {
	return time.Duration(c.Local.TimeoutMs) * time.Millisecond
}

// RemoteTimeout returns the remote scorer deadline.
func (c ScoringConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutMs) * time.Millisecond
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Risk: RiskConfig{
			HighThreshold:          0.8,
			MediumThreshold:        0.5,
			LargeAmountThreshold:   5000,
			LowConfidenceThreshold: 0.6,
			DegradedScore:          0.5,
			HybridConfidence:       "mean",
		},
		Monitor: MonitorConfig{
			AmountThreshold:    5000,
			DeviationBound:     3.0,
			MaxOutlierFeatures: 2,
		},
		Scoring: ScoringConfig{
			Local: LocalScorerConfig{
				TimeoutMs: 100,
			},
			Remote: RemoteScorerConfig{
				Provider:  "disabled",
				TimeoutMs: 10000,
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 1024,
			},
		},
		Alerting: AlertingConfig{
			MaxChannelRetryAttempts: 3,
			RetryInitialInterval:    500 * time.Millisecond,
			RetryMaxInterval:        10 * time.Second,
			ChannelTimeout:          10 * time.Second,
			DedupTTL:                24 * time.Hour,
			EventChannel:            "bus",
			Email: EmailConfig{
				Enabled:          false,
				RateLimitPerHour: 100,
				SMTPHost:         "smtp.gmail.com",
				SMTPPort:         587,
			},
			RabbitMQ: RabbitMQConfig{
				Exchange: "kestrel.alerts",
			},
		},
		Pipeline: PipelineConfig{
			MaxInFlight:         64,
			FeatureVectorLength: DefaultFeatureVectorLength,
			PersistTimeout:      5 * time.Second,
			BulkMaxItems:        100,
		},
		Report: ReportConfig{
			Enabled:   true,
			DailyCron: "0 0 1 * * *",
			Window:    24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ResultTTL:      time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	var errs []error

	r := c.Risk
	if r.MediumThreshold <= 0 || r.MediumThreshold > 1 {
		errs = append(errs, fmt.Errorf("risk.medium_threshold %.2f must be in (0,1]", r.MediumThreshold))
	}
	if r.HighThreshold < r.MediumThreshold || r.HighThreshold > 1 {
		errs = append(errs, fmt.Errorf("risk.high_threshold %.2f must be in [medium_threshold,1]", r.HighThreshold))
	}
	if r.LargeAmountThreshold < 0 {
		errs = append(errs, fmt.Errorf("risk.large_amount_threshold must not be negative"))
	}
	if r.LowConfidenceThreshold < 0 || r.LowConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("risk.low_confidence_threshold %.2f must be in [0,1]", r.LowConfidenceThreshold))
	}
	if r.DegradedScore < 0 || r.DegradedScore > 1 {
		errs = append(errs, fmt.Errorf("risk.degraded_score %.2f must be in [0,1]", r.DegradedScore))
	}
	switch r.HybridConfidence {
	case "mean", "min", "max":
	default:
		errs = append(errs, fmt.Errorf("risk.hybrid_confidence %q must be mean, min or max", r.HybridConfidence))
	}

	if c.Monitor.DeviationBound <= 0 {
		errs = append(errs, errors.New("monitor.deviation_bound must be positive"))
	}
	if c.Scoring.Local.TimeoutMs <= 0 {
		errs = append(errs, errors.New("scoring.local.timeout_ms must be positive"))
	}
	if c.Scoring.Remote.TimeoutMs <= 0 {
		errs = append(errs, errors.New("scoring.remote.timeout_ms must be positive"))
	}
	switch c.Scoring.Remote.Provider {
	case "disabled":
	case "anthropic":
		if c.Scoring.Remote.APIKey == "" {
			errs = append(errs, errors.New("scoring.remote.api_key is required for the anthropic provider"))
		}
	case "http":
		if c.Scoring.Remote.Endpoint == "" {
			errs = append(errs, errors.New("scoring.remote.endpoint is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported scoring.remote.provider %q", c.Scoring.Remote.Provider))
	}

	a := c.Alerting
	if a.MaxChannelRetryAttempts < 1 {
		errs = append(errs, errors.New("alerting.max_channel_retry_attempts must be at least 1"))
	}
	if a.ChannelTimeout <= 0 {
		errs = append(errs, errors.New("alerting.channel_timeout must be positive"))
	}
	if a.DedupTTL <= 0 {
		errs = append(errs, errors.New("alerting.dedup_ttl must be positive"))
	}
	if a.Email.Enabled {
		if a.Email.RateLimitPerHour < 0 {
			errs = append(errs, errors.New("alerting.email.rate_limit_per_hour must not be negative"))
		}
		if a.Email.Sender == "" || len(a.Email.Recipients) == 0 {
			errs = append(errs, errors.New("alerting.email.sender and recipients are required when email is enabled"))
		}
	}
	switch a.EventChannel {
	case "bus":
	case "rabbitmq":
		if a.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("alerting.rabbitmq.url is required for the rabbitmq event channel"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported alerting.event_channel %q", a.EventChannel))
	}

	if c.Pipeline.MaxInFlight < 1 {
		errs = append(errs, errors.New("pipeline.max_in_flight must be at least 1"))
	}
	if c.Pipeline.FeatureVectorLength < 1 {
		errs = append(errs, errors.New("pipeline.feature_vector_length must be at least 1"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d (must be 1..65535)", c.Server.Port))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
