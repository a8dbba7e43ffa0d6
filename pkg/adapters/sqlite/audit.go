// Package sqlite persists the audit log in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/espalier/pkg/ports"
	_ "modernc.org/sqlite"
)

// AuditLog implements ports.AuditLog on an append-only table.
type AuditLog struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*AuditLog, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AuditLog{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

func (a *AuditLog) Append(ctx context.Context, entry ports.AuditEntry) error {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_log(run_id, iteration, kind, ref, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Iteration, string(entry.Kind), entry.Ref, string(payload), a.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (a *AuditLog) Query(ctx context.Context, runID string) ([]ports.AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, run_id, iteration, kind, ref, payload, created_at FROM audit_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []ports.AuditEntry
	for rows.Next() {
		var (
			e       ports.AuditEntry
			kind    string
			payload string
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Iteration, &kind, &e.Ref, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = ports.AuditKind(kind)
		e.Payload = json.RawMessage(payload)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs lists the run IDs present in the log, most recent first.
func (a *AuditLog) Runs(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT run_id FROM audit_log GROUP BY run_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list audited runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
