package repository

// Schema definitions for the Kestrel database.
// Compatible with SQLite and PostgreSQL. Event times used for range queries
// are stored as unix milliseconds so both engines compare them numerically.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    amount DOUBLE PRECISION NOT NULL,
    currency TEXT,
    features TEXT,
    timestamp TIMESTAMP NOT NULL,
    merchant TEXT,
    location TEXT,
    card_type TEXT,
    metadata TEXT,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    is_fraud INTEGER NOT NULL DEFAULT 0,
    flagged INTEGER NOT NULL DEFAULT 0,
    method TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    factors TEXT NOT NULL,
    recommendations TEXT,
    contributors TEXT,
    latency_ms BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_tx ON verdicts(tx_id, created_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_created ON verdicts(created_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    priority TEXT NOT NULL,
    method TEXT NOT NULL,
    summary TEXT NOT NULL,
    factors TEXT,
    recommendations TEXT,
    signature TEXT NOT NULL,
    deliveries TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(tx_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_priority ON alerts(priority, created_at);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    generated_at BIGINT NOT NULL,
    summary TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_generated ON reports(type, generated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaVerdicts,
		schemaAlerts,
		schemaReports,
	}
}
