package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Tables are created one statement at a time; legacy tables that predate a
// column are patched by migrate before the indexes are built.
var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id         TEXT NOT NULL REFERENCES sources(id),
		natural_key       TEXT NOT NULL,
		title             TEXT NOT NULL,
		rank              INTEGER,
		url               TEXT NOT NULL,
		media_url         TEXT NOT NULL DEFAULT '',
		published_at      TEXT,
		first_seen_at     TEXT NOT NULL,
		last_seen_at      TEXT NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 1,
		UNIQUE (source_id, natural_key)
	)`,
	`CREATE TABLE IF NOT EXISTS title_changes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id    INTEGER NOT NULL REFERENCES items(id),
		old_title  TEXT NOT NULL,
		new_title  TEXT NOT NULL,
		changed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rank_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id     INTEGER NOT NULL REFERENCES items(id),
		rank        INTEGER,
		observed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		crawl_time  TEXT NOT NULL UNIQUE,
		total_items INTEGER NOT NULL DEFAULT 0,
		status      TEXT,
		created_at  TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_source_status (
		crawl_record_id INTEGER NOT NULL REFERENCES crawl_records(id),
		source_id       TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('success', 'failed', 'partial')),
		recorded_at     TEXT NOT NULL,
		PRIMARY KEY (crawl_record_id, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS push_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		date        TEXT NOT NULL,
		report_type TEXT NOT NULL,
		pushed      INTEGER NOT NULL DEFAULT 1,
		pushed_at   TEXT NOT NULL,
		UNIQUE (date, report_type)
	)`,
	`CREATE TABLE IF NOT EXISTS pushed_content (
		fingerprint TEXT PRIMARY KEY,
		source_id   TEXT NOT NULL,
		title       TEXT NOT NULL,
		url         TEXT NOT NULL,
		pushed_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_items_last_seen ON items(last_seen_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rank_history_item ON rank_history(item_id, observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rank_history_observed ON rank_history(observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_title_changes_item ON title_changes(item_id)`,
}

// columnMigrations lists columns added after the first release.
var columnMigrations = []struct {
	table  string
	column string
	ddl    string
	// backfill copies data from a legacy column when it exists.
	legacy string
}{
	{
		table:  "items",
		column: "media_url",
		ddl:    `ALTER TABLE items ADD COLUMN media_url TEXT NOT NULL DEFAULT ''`,
		legacy: "image_url",
	},
	{
		table:  "items",
		column: "published_at",
		ddl:    `ALTER TABLE items ADD COLUMN published_at TEXT`,
	},
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaTables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	for _, stmt := range schemaIndexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range columnMigrations {
		cols, err := tableColumns(ctx, s.db, m.table)
		if err != nil {
			return err
		}
		if _, ok := cols[m.column]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("migrated legacy table",
			zap.String("table", m.table),
			zap.String("column", m.column),
		)
		if m.legacy == "" {
			continue
		}
		if _, ok := cols[m.legacy]; !ok {
			continue
		}
		backfill := fmt.Sprintf(
			`UPDATE %s SET %s = COALESCE(%s, '') WHERE %s = ''`,
			m.table, m.column, m.legacy, m.column,
		)
		if _, err := s.db.ExecContext(ctx, backfill); err != nil {
			return fmt.Errorf("backfill %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		cols[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	return cols, nil
}
