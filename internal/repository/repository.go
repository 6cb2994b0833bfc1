// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and with PostgreSQL through lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
	risk   domain.RiskConfig
}

// Option configures a SQLRepository.
type Option func(*SQLRepository)

// WithRiskBands sets the thresholds Summarize uses to band verdicts.
func WithRiskBands(risk domain.RiskConfig) Option {
	return func(r *SQLRepository) { r.risk = risk }
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig, opts ...Option) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "pgx":
		db, err = openPgx(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	defaults := domain.DefaultConfig().Risk
	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		risk:   defaults,
	}
	for _, opt := range opts {
		opt(repo)
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction. Saving the same ID twice keeps the
// latest copy.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(tx.Features)
	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, amount, currency, features, timestamp,
			merchant, location, card_type, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			features = excluded.features,
			timestamp = excluded.timestamp,
			merchant = excluded.merchant,
			location = excluded.location,
			card_type = excluded.card_type,
			metadata = excluded.metadata
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.Amount, tx.Currency, string(features), tx.Timestamp.UTC(),
		tx.Merchant, tx.Location, tx.CardType, string(metadata),
		time.Now().UnixMilli(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, amount, currency, features, timestamp,
			   merchant, location, card_type, metadata
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var currency, features, merchant, location, cardType, metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.Amount, &currency, &features, &tx.Timestamp,
		&merchant, &location, &cardType, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Currency = currency.String
	tx.Merchant = merchant.String
	tx.Location = location.String
	tx.CardType = cardType.String
	tx.Timestamp = tx.Timestamp.UTC()
	unmarshalText(features, &tx.Features)
	unmarshalText(metadata, &tx.Metadata)

	return &tx, nil
}

// SaveVerdict appends a verdict. A transaction reprocessed later gets a new
// row; GetLatestVerdict returns the newest.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.RiskVerdict) error {
	if v == nil || v.TxID == "" {
		return fmt.Errorf("%w: verdict tx id is required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(nonNil(v.Factors))
	recs, _ := json.Marshal(v.Recommendations)
	contributors, _ := json.Marshal(v.Contributors)

	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO verdicts (
			id, tx_id, score, confidence, is_fraud, flagged, method, amount,
			factors, recommendations, contributors, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), v.TxID, v.Score, v.Confidence,
		boolInt(v.IsFraud), boolInt(v.Flagged), string(v.Method), v.Amount,
		string(factors), string(recs), string(contributors),
		v.Latency.Milliseconds(), createdAt.UnixMilli(),
	)
	return err
}

// GetLatestVerdict returns the most recent verdict for a transaction.
func (r *SQLRepository) GetLatestVerdict(ctx context.Context, txID string) (*domain.RiskVerdict, error) {
	query := `
		SELECT tx_id, score, confidence, is_fraud, flagged, method, amount,
			   factors, recommendations, contributors, latency_ms, created_at
		FROM verdicts
		WHERE tx_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var v domain.RiskVerdict
	var isFraud, flagged int
	var method string
	var factors, recs, contributors sql.NullString
	var latencyMs, createdAt int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&v.TxID, &v.Score, &v.Confidence, &isFraud, &flagged, &method, &v.Amount,
		&factors, &recs, &contributors, &latencyMs, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.IsFraud = isFraud != 0
	v.Flagged = flagged != 0
	v.Method = domain.AnalysisMethod(method)
	v.Latency = time.Duration(latencyMs) * time.Millisecond
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	unmarshalText(factors, &v.Factors)
	unmarshalText(recs, &v.Recommendations)
	unmarshalText(contributors, &v.Contributors)

	return &v, nil
}

// SaveAlert upserts an alert by ID so delivery outcomes can be rewritten.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if a == nil || a.ID == "" || a.TxID == "" {
		return fmt.Errorf("%w: alert id and tx id are required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(a.Factors)
	recs, _ := json.Marshal(a.Recommendations)
	deliveries, _ := json.Marshal(nonNilOutcomes(a.Deliveries))

	query := `
		INSERT INTO alerts (
			id, tx_id, score, amount, priority, method, summary, factors,
			recommendations, signature, deliveries, retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deliveries = excluded.deliveries,
			retry_count = excluded.retry_count
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TxID, a.Score, a.Amount, string(a.Priority), string(a.Method),
		a.Summary, string(factors), string(recs), a.Signature,
		string(deliveries), a.RetryCount, a.CreatedAt.UnixMilli(),
	)
	return err
}

const alertColumns = `
	id, tx_id, score, amount, priority, method, summary, factors,
	recommendations, signature, deliveries, retry_count, created_at
`

// GetAlertByTx returns the newest alert raised for a transaction.
func (r *SQLRepository) GetAlertByTx(ctx context.Context, txID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE tx_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAlerts returns alerts created at or after since, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, since time.Time, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var priority, method string
	var factors, recs, deliveries sql.NullString
	var createdAt int64

	err := row.Scan(
		&a.ID, &a.TxID, &a.Score, &a.Amount, &priority, &method, &a.Summary,
		&factors, &recs, &a.Signature, &deliveries, &a.RetryCount, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.Priority = domain.Priority(priority)
	a.Method = domain.AnalysisMethod(method)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	unmarshalText(factors, &a.Factors)
	unmarshalText(recs, &a.Recommendations)
	unmarshalText(deliveries, &a.Deliveries)

	return &a, nil
}

// Summarize aggregates verdicts and alerts created at or after since.
// Verdicts are banded with the repository's risk thresholds.
func (r *SQLRepository) Summarize(ctx context.Context, since time.Time) (*domain.Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN score >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN score >= ? AND score < ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(score), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM verdicts
		WHERE created_at >= ?
	`

	s := &domain.Summary{Since: since.UTC()}
	high, medium := r.risk.HighThreshold, r.risk.MediumThreshold

	err := r.db.QueryRowContext(ctx, r.rebind(query), high, medium, high, since.UnixMilli()).Scan(
		&s.TotalTransactions, &s.HighRiskCount, &s.MediumRiskCount,
		&s.AvgRiskScore, &s.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize verdicts: %w", err)
	}

	s.LowRiskCount = s.TotalTransactions - s.HighRiskCount - s.MediumRiskCount
	if s.TotalTransactions > 0 {
		s.DetectionRate = float64(s.HighRiskCount) / float64(s.TotalTransactions)
	}

	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM alerts WHERE created_at >= ?`),
		since.UnixMilli(),
	).Scan(&s.AlertCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}

	return s, nil
}

// SaveReport stores a generated summary report.
func (r *SQLRepository) SaveReport(ctx context.Context, rep *domain.Report) error {
	if rep == nil || rep.ID == "" {
		return fmt.Errorf("%w: report id is required", ErrInvalidInput)
	}

	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode report summary: %w", err)
	}

	query := `
		INSERT INTO reports (id, type, generated_at, summary)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			generated_at = excluded.generated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rep.ID, rep.Type, rep.GeneratedAt.UnixMilli(), string(summary),
	)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver == "sqlite" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func unmarshalText(s sql.NullString, v any) {
	if s.Valid && s.String != "" && s.String != "null" {
		json.Unmarshal([]byte(s.String), v)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilOutcomes(o []domain.ChannelOutcome) []domain.ChannelOutcome {
	if o == nil {
		return []domain.ChannelOutcome{}
	}
	return o
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
