package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mickamy/auditry/internal/ident"
)

// MigrateConfig controls log table generation.
type MigrateConfig struct {
	Table       string // possibly schema-qualified (default: auditlog_entries)
	CreateIndex bool   // create an index on (entity_type, entity_id)
}

// Migrate creates the log table if it does not exist. The DDL targets PostgreSQL.
func Migrate(ctx context.Context, db *sql.DB, cfg MigrateConfig) error {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	parts := ident.SplitQualified(cfg.Table)
	if !ident.Valid(parts) {
		return fmt.Errorf("auditry: invalid table identifier %q", cfg.Table)
	}
	table := ident.QuoteQualified(parts)

	columns := []string{
		"id BIGSERIAL PRIMARY KEY",
		"entity_type TEXT NOT NULL",
		"entity_id TEXT NOT NULL",
		"action TEXT NOT NULL",
		"changes JSONB NOT NULL",
		"actor TEXT",
		"trace_id TEXT",
		"reason TEXT",
		"created_at TIMESTAMPTZ NOT NULL",
	}
	ddl := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s
    );
    `, table, strings.Join(columns, ",\n\t"))

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	if cfg.CreateIndex {
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_type, entity_id);`,
			ident.Quote(ident.IndexName(parts, "entity")), table)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
