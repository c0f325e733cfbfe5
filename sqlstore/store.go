// Package sqlstore persists auditry log entries into an append-only SQL table.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/internal/ident"
)

// DefaultTable is the log table used when Config.Table is empty.
const DefaultTable = "auditlog_entries"

// Config defines the options of a Store.
type Config struct {
	Table           string // possibly schema-qualified (default: auditlog_entries)
	SkipIfNotExists bool   // drop entries silently while the table does not exist
}

// Executor is the subset of *sql.DB and *sql.Tx the store needs.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// WithTx makes stores write through tx for calls made with the returned context.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// executor returns the transaction attached to ctx, or db.
func executor(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// Store is an auditry.Store backed by database/sql.
type Store struct {
	db     *sql.DB
	cfg    Config
	table  string
	insert string
	query  string
}

var _ auditry.Store = (*Store)(nil)

// New returns a Store writing to cfg.Table.
func New(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	parts := ident.SplitQualified(cfg.Table)
	if !ident.Valid(parts) {
		return nil, fmt.Errorf("auditry: invalid table identifier %q", cfg.Table)
	}
	table := ident.QuoteQualified(parts)
	return &Store{
		db:    db,
		cfg:   cfg,
		table: table,
		insert: fmt.Sprintf(`
INSERT INTO %s (entity_type, entity_id, action, changes, actor, trace_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, table),
		query: fmt.Sprintf(`
SELECT entity_type, entity_id, action, changes, actor, trace_id, reason, created_at
FROM %s
WHERE entity_type = $1 AND entity_id = $2
ORDER BY id
`, table),
	}, nil
}

// Append inserts e. Write errors are returned as is.
func (s *Store) Append(ctx context.Context, e auditry.LogEntry) error {
	exec := executor(ctx, s.db)
	if s.cfg.SkipIfNotExists {
		var exists bool
		if err := exec.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, s.table).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return nil
		}
	}
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("auditry: failed to marshal changes: %w", err)
	}
	_, err = exec.ExecContext(ctx, s.insert,
		e.EntityType,
		e.EntityID,
		string(e.Action),
		string(changes),
		nullString(e.Actor),
		nullString(e.TraceID),
		nullString(e.Reason),
		e.Timestamp,
	)
	return err
}

// Entries returns the log of one entity instance, oldest first.
func (s *Store) Entries(ctx context.Context, entityType, entityID string) ([]auditry.LogEntry, error) {
	rows, err := executor(ctx, s.db).QueryContext(ctx, s.query, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []auditry.LogEntry
	for rows.Next() {
		var (
			e                      auditry.LogEntry
			action                 string
			changes                []byte
			actor, traceID, reason sql.NullString
		)
		if err := rows.Scan(&e.EntityType, &e.EntityID, &action, &changes, &actor, &traceID, &reason, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("auditry: failed to decode changes: %w", err)
		}
		e.Action = auditry.Action(action)
		e.Actor, e.TraceID, e.Reason = actor.String, traceID.String, reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
