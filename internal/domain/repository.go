// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// PersistenceSink records pipeline output. The pipeline calls it
// fire-and-forget and never depends on it succeeding.
type PersistenceSink interface {
	SaveTransaction(ctx context.Context, tx *Transaction) error
	SaveVerdict(ctx context.Context, v *RiskVerdict) error
	SaveAlert(ctx context.Context, a *Alert) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	PersistenceSink

	// Queries
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetLatestVerdict(ctx context.Context, txID string) (*RiskVerdict, error)
	GetAlertByTx(ctx context.Context, txID string) (*Alert, error)
	ListAlerts(ctx context.Context, since time.Time, limit int) ([]*Alert, error)

	// Reporting
	Summarize(ctx context.Context, since time.Time) (*Summary, error)
	SaveReport(ctx context.Context, r *Report) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Summary aggregates verdicts and alerts over a period.
type Summary struct {
	Since             time.Time `json:"since"`
	TotalTransactions int64     `json:"totalTransactions"`
	HighRiskCount     int64     `json:"highRiskCount"`
	MediumRiskCount   int64     `json:"mediumRiskCount"`
	LowRiskCount      int64     `json:"lowRiskCount"`
	AvgRiskScore      float64   `json:"avgRiskScore"`
	AvgLatencyMs      float64   `json:"avgLatencyMs"`
	DetectionRate     float64   `json:"detectionRate"`
	AlertCount        int64     `json:"alertCount"`
}

// Report is a stored summary.
type Report struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	GeneratedAt time.Time `json:"generatedAt"`
	Summary     Summary   `json:"summary"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `yaml:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `yaml:"postgres_port" json:"postgresPort"`
	PostgresUser     string `yaml:"postgres_user" json:"postgresUser"`
	PostgresPassword string `yaml:"postgres_password" json:"-"`
	PostgresDB       string `yaml:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgres_ssl_mode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"connMaxLifetime"`
}
