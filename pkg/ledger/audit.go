// Package ledger records mint outcomes in a small Postgres-backed audit
// table for operators. It is purely additive bookkeeping (C11): a write
// failure here is logged and never affects ack/ordering semantics or
// causes a batch to retry — the commit-correctness invariant in §7 holds
// with or without this package.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Entry is one row recorded after a batch commits (mint succeeded or was
// already-exists).
type Entry struct {
	BatchID        string
	OrganizationID string
	DatabaseName   string
	MerkleRoot     string
	TokenID        string
	Status         string // the orchestrator records "minted" for both fresh and already-minted batches
	CommittedAt    time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cdc_agent_audit_ledger (
	batch_id        TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	database_name   TEXT NOT NULL,
	merkle_root     TEXT NOT NULL,
	token_id        TEXT NOT NULL,
	status          TEXT NOT NULL,
	committed_at    TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO cdc_agent_audit_ledger
	(batch_id, organization_id, database_name, merkle_root, token_id, status, committed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (batch_id) DO UPDATE SET
	status = EXCLUDED.status, committed_at = EXCLUDED.committed_at
`

// AuditLedger wraps a *sql.DB (driven by lib/pq) for the single Record
// operation the orchestrator needs. A nil-backed AuditLedger (Required ==
// false and no DSN configured) makes Record a no-op, so the agent runs
// without Postgres configured at all.
type AuditLedger struct {
	db       *sql.DB
	required bool
	logger   *log.Logger
}

// Open connects to dsn and ensures the audit table exists. If dsn is empty
// and required is false, Open returns a disabled AuditLedger whose Record
// calls are no-ops; if required is true an empty dsn is a configuration
// error.
func Open(ctx context.Context, dsn string, required bool, logger *log.Logger) (*AuditLedger, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[ledger] ", log.LstdFlags)
	}
	if dsn == "" {
		if required {
			return nil, fmt.Errorf("audit ledger: AUDIT_DATABASE_URL required but not set")
		}
		return &AuditLedger{logger: logger}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		if required {
			return nil, fmt.Errorf("audit ledger: open: %w", err)
		}
		logger.Printf("audit ledger disabled: open failed: %v", err)
		return &AuditLedger{logger: logger}, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if required {
			return nil, fmt.Errorf("audit ledger: ping: %w", err)
		}
		logger.Printf("audit ledger disabled: ping failed: %v", err)
		return &AuditLedger{logger: logger}, nil
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		_ = db.Close()
		if required {
			return nil, fmt.Errorf("audit ledger: create table: %w", err)
		}
		logger.Printf("audit ledger disabled: create table failed: %v", err)
		return &AuditLedger{logger: logger}, nil
	}

	return &AuditLedger{db: db, required: required, logger: logger}, nil
}

// Enabled reports whether this ledger is backed by a live connection.
func (l *AuditLedger) Enabled() bool {
	return l != nil && l.db != nil
}

// Record inserts (or updates) one audit row. Failures are logged and
// swallowed, also when the ledger was opened with required=true, matching
// the "never on the commit-correctness critical path" rule from the
// component design.
func (l *AuditLedger) Record(ctx context.Context, e Entry) {
	if l == nil || l.db == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(writeCtx, insertSQL,
		e.BatchID, e.OrganizationID, e.DatabaseName, e.MerkleRoot, e.TokenID, e.Status, e.CommittedAt)
	if err != nil {
		l.logger.Printf("audit ledger write failed for batch %s: %v", e.BatchID, err)
	}
}

// Health pings the underlying connection; used by the metrics /healthz
// endpoint. A disabled ledger always reports healthy.
func (l *AuditLedger) Health(ctx context.Context) error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.PingContext(ctx)
}

// Close releases the underlying connection, if any.
func (l *AuditLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
