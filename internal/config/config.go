// Package config loads the Kestrel configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load builds the configuration: tier defaults, then the YAML file at path
// (optional; a missing file is not an error), then KESTREL_* environment
// overrides. The result is validated.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	tier, err := resolveTier(data)
	if err != nil {
		return nil, err
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resolveTier picks the preset. KESTREL_TIER wins over the file.
func resolveTier(data []byte) (domain.Tier, error) {
	if v := os.Getenv("KESTREL_TIER"); v != "" {
		return domain.Tier(v), nil
	}
	var head struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &head); err != nil {
			return "", fmt.Errorf("parse config: %w", err)
		}
	}
	return head.Tier, nil
}

func applyEnv(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	var errs []string
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	if v := os.Getenv("KESTREL_TIER"); v != "" {
		cfg.Tier = domain.Tier(v)
	}

	str("KESTREL_HOST", &cfg.Server.Host)
	num("KESTREL_PORT", &cfg.Server.Port)
	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)

	str("KESTREL_REMOTE_PROVIDER", &cfg.Scoring.Remote.Provider)
	str("KESTREL_REMOTE_ENDPOINT", &cfg.Scoring.Remote.Endpoint)
	str("KESTREL_REMOTE_MODEL", &cfg.Scoring.Remote.Model)
	str("ANTHROPIC_API_KEY", &cfg.Scoring.Remote.APIKey)
	str("KESTREL_REMOTE_API_KEY", &cfg.Scoring.Remote.APIKey)
	str("KESTREL_MODEL_PATH", &cfg.Scoring.Local.ModelPath)

	flag("KESTREL_EMAIL_ENABLED", &cfg.Alerting.Email.Enabled)
	num("KESTREL_EMAIL_RATE_LIMIT", &cfg.Alerting.Email.RateLimitPerHour)
	str("KESTREL_SMTP_HOST", &cfg.Alerting.Email.SMTPHost)
	num("KESTREL_SMTP_PORT", &cfg.Alerting.Email.SMTPPort)
	str("KESTREL_SMTP_USERNAME", &cfg.Alerting.Email.Username)
	str("KESTREL_SMTP_PASSWORD", &cfg.Alerting.Email.Password)
	str("KESTREL_EMAIL_SENDER", &cfg.Alerting.Email.Sender)
	if v := os.Getenv("KESTREL_EMAIL_RECIPIENTS"); v != "" {
		cfg.Alerting.Email.Recipients = strings.Split(v, ",")
	}
	str("KESTREL_WEBHOOK_URL", &cfg.Alerting.Webhook.URL)
	str("KESTREL_EVENT_CHANNEL", &cfg.Alerting.EventChannel)
	str("KESTREL_RABBITMQ_URL", &cfg.Alerting.RabbitMQ.URL)

	num("KESTREL_MAX_IN_FLIGHT", &cfg.Pipeline.MaxInFlight)

	flag("KESTREL_TRACING_ENABLED", &cfg.Tracing.Enabled)
	if v := os.Getenv("KESTREL_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}
