package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id                BIGSERIAL PRIMARY KEY,
		source_id         TEXT NOT NULL REFERENCES sources(id),
		natural_key       TEXT NOT NULL,
		title             TEXT NOT NULL,
		rank              INTEGER,
		url               TEXT NOT NULL,
		first_seen_at     TEXT NOT NULL,
		last_seen_at      TEXT NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 1,
		UNIQUE (source_id, natural_key)
	)`,
	// Columns added after the first release.
	`ALTER TABLE items ADD COLUMN IF NOT EXISTS media_url TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE items ADD COLUMN IF NOT EXISTS published_at TEXT`,
	`CREATE TABLE IF NOT EXISTS title_changes (
		id         BIGSERIAL PRIMARY KEY,
		item_id    BIGINT NOT NULL REFERENCES items(id),
		old_title  TEXT NOT NULL,
		new_title  TEXT NOT NULL,
		changed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rank_history (
		id          BIGSERIAL PRIMARY KEY,
		item_id     BIGINT NOT NULL REFERENCES items(id),
		rank        INTEGER,
		observed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_records (
		id          BIGSERIAL PRIMARY KEY,
		crawl_time  TEXT NOT NULL UNIQUE,
		total_items INTEGER NOT NULL DEFAULT 0,
		status      TEXT,
		created_at  TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_source_status (
		crawl_record_id BIGINT NOT NULL REFERENCES crawl_records(id),
		source_id       TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('success', 'failed', 'partial')),
		recorded_at     TEXT NOT NULL,
		PRIMARY KEY (crawl_record_id, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS push_records (
		id          BIGSERIAL PRIMARY KEY,
		date        TEXT NOT NULL,
		report_type TEXT NOT NULL,
		pushed      BOOLEAN NOT NULL DEFAULT TRUE,
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
	`CREATE INDEX IF NOT EXISTS idx_rank_history_item ON rank_history(item_id, observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rank_history_observed ON rank_history(observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_title_changes_item ON title_changes(item_id)`,
}

// EnsureSchema creates missing tables and adds columns missing from older
// deployments. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
