// Package sqlite implements trend.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It is the reference backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/trendradar/internal/retry"
	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

const (
	backendName = "sqlite"
	// inChunk stays well below SQLite's bound-parameter limit.
	inChunk = 500
)

// Config controls how the database file is opened.
type Config struct {
	Path          string
	BusyTimeoutMs int
	Logger        *zap.Logger
	Clock         trend.Clock
}

// Store is the SQLite-backed incremental store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	retry  retry.Policy
}

// Open opens (creating if needed) the database and brings its schema up to date.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection: SQLite serializes writers anyway and a single
	// connection keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store.sqlite")
	s := &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		retry:  store.TransientRetry(backendName, logger),
	}
	if cfg.Clock != nil {
		s.now = cfg.Clock.Now
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(cfg Config) string {
	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 10_000
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isBusy(err error) bool {
	if code, ok := sqliteCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if code, ok := sqliteCode(err); ok {
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// classify maps a driver error onto the storage taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case isBusy(err):
		return store.Transient(op, err)
	default:
		return store.Fatal(op, err)
	}
}

// withTx runs fn in one transaction and retries the whole transaction on
// transient errors. fn must classify its own driver errors.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(op+": begin", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return classify(op+": commit", err)
		}
		return nil
	})
}

func nullRank(r *int) any {
	if r == nil {
		return nil
	}
	return *r
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}

func rankPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return trend.IntPtr(int(v.Int64))
}

// BeginCrawlBatch inserts the crawl record; a repeated crawl time is rejected
// by the unique constraint before anything else is written.
func (s *Store) BeginCrawlBatch(ctx context.Context, crawlTime time.Time) (trend.BatchHandle, error) {
	crawlTime = crawlTime.UTC()
	var h trend.BatchHandle
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO crawl_records (crawl_time, created_at) VALUES (?, ?)`,
			store.FormatTime(crawlTime), store.FormatTime(s.now()),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("begin crawl batch %s: %w", store.FormatTime(crawlTime), trend.ErrDuplicateBatch)
			}
			return classify("begin crawl batch", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return classify("begin crawl batch", err)
		}
		h = trend.BatchHandle{ID: id, CrawlTime: crawlTime}
		return nil
	})
	if err != nil {
		return trend.BatchHandle{}, err
	}
	return h, nil
}

func checkOpen(ctx context.Context, tx *sql.Tx, h trend.BatchHandle) error {
	var finished sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT finished_at FROM crawl_records WHERE id = ?`, h.ID).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Fatal("lookup batch", fmt.Errorf("crawl batch %d not found", h.ID))
	}
	if err != nil {
		return classify("lookup batch", err)
	}
	if finished.Valid {
		return trend.ErrBatchFinished
	}
	return nil
}

// RecordSourceStatus upserts the outcome of one source for the batch.
func (s *Store) RecordSourceStatus(ctx context.Context, h trend.BatchHandle, sourceID string, status trend.CrawlStatus) error {
	if err := store.ValidateStatus(status); err != nil {
		return err
	}
	return s.withTx(ctx, "record source status", func(tx *sql.Tx) error {
		if err := checkOpen(ctx, tx, h); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crawl_source_status (crawl_record_id, source_id, status, recorded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (crawl_record_id, source_id) DO UPDATE
			SET status = excluded.status, recorded_at = excluded.recorded_at`,
			h.ID, sourceID, string(status), store.FormatTime(s.now()),
		)
		return classify("record source status", err)
	})
}

// UpsertObservations applies one source's observations in order inside a
// single transaction. A failure leaves nothing of this source committed.
func (s *Store) UpsertObservations(
	ctx context.Context,
	h trend.BatchHandle,
	source trend.Source,
	obs []trend.Observation,
) (trend.Delta, error) {
	var delta trend.Delta
	err := s.withTx(ctx, "upsert observations", func(tx *sql.Tx) error {
		delta = trend.Delta{}
		if err := checkOpen(ctx, tx, h); err != nil {
			return err
		}
		at := store.FormatTime(h.CrawlTime)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sources (id, name, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE
			SET name = excluded.name, kind = excluded.kind, updated_at = excluded.updated_at`,
			source.ID, source.DisplayName(), string(source.Kind), at, at,
		)
		if err != nil {
			return classify("upsert source", err)
		}
		for pos, o := range obs {
			ref, err := upsertItem(ctx, tx, source.ID, o, h.CrawlTime)
			if err != nil {
				return err
			}
			ref.Position = pos
			if ref.Kind == trend.DeltaNew {
				delta.New = append(delta.New, ref)
			} else {
				delta.Seen = append(delta.Seen, ref)
			}
		}
		return nil
	})
	if err != nil {
		return trend.Delta{}, err
	}
	return delta, nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, sourceID string, o trend.Observation, crawlTime time.Time) (trend.ItemRef, error) {
	at := store.FormatTime(crawlTime)
	var (
		id        int64
		title     string
		count     int
		firstSeen string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, title, observation_count, first_seen_at FROM items WHERE source_id = ? AND natural_key = ?`,
		sourceID, o.NaturalKey,
	).Scan(&id, &title, &count, &firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (source_id, natural_key, title, rank, url, media_url, published_at,
				first_seen_at, last_seen_at, observation_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			sourceID, o.NaturalKey, o.Title, nullRank(o.Rank), o.URL, o.MediaURL, nullTime(o.PublishedAt), at, at,
		)
		if err != nil {
			return trend.ItemRef{}, classify("insert item", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return trend.ItemRef{}, classify("insert item", err)
		}
		if err := appendRank(ctx, tx, id, o.Rank, at); err != nil {
			return trend.ItemRef{}, err
		}
		return trend.ItemRef{
			ItemID:           id,
			Kind:             trend.DeltaNew,
			Observation:      o,
			ObservationCount: 1,
			FirstSeenAt:      crawlTime,
		}, nil
	}
	if err != nil {
		return trend.ItemRef{}, classify("lookup item", err)
	}

	if title != o.Title {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO title_changes (item_id, old_title, new_title, changed_at) VALUES (?, ?, ?, ?)`,
			id, title, o.Title, at,
		); err != nil {
			return trend.ItemRef{}, classify("insert title change", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE items
		SET title = ?, rank = ?, url = ?,
			media_url = CASE WHEN ? = '' THEN media_url ELSE ? END,
			published_at = COALESCE(?, published_at),
			last_seen_at = ?, observation_count = observation_count + 1
		WHERE id = ?`,
		o.Title, nullRank(o.Rank), o.URL, o.MediaURL, o.MediaURL, nullTime(o.PublishedAt), at, id,
	); err != nil {
		return trend.ItemRef{}, classify("update item", err)
	}
	if err := appendRank(ctx, tx, id, o.Rank, at); err != nil {
		return trend.ItemRef{}, err
	}
	first, err := store.ParseTime(firstSeen)
	if err != nil {
		return trend.ItemRef{}, store.Fatal("decode first_seen_at", err)
	}
	return trend.ItemRef{
		ItemID:           id,
		Kind:             trend.DeltaSeen,
		Observation:      o,
		ObservationCount: count + 1,
		FirstSeenAt:      first,
	}, nil
}

func appendRank(ctx context.Context, tx *sql.Tx, itemID int64, rank *int, at string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rank_history (item_id, rank, observed_at) VALUES (?, ?, ?)`,
		itemID, nullRank(rank), at,
	)
	return classify("insert rank history", err)
}

// FinishCrawlBatch writes the total, derives the batch status and closes it.
func (s *Store) FinishCrawlBatch(ctx context.Context, h trend.BatchHandle, totalItems int) error {
	return s.withTx(ctx, "finish crawl batch", func(tx *sql.Tx) error {
		if err := checkOpen(ctx, tx, h); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT status FROM crawl_source_status WHERE crawl_record_id = ?`, h.ID)
		if err != nil {
			return classify("read source status", err)
		}
		var statuses []trend.CrawlStatus
		for rows.Next() {
			var st string
			if err := rows.Scan(&st); err != nil {
				_ = rows.Close()
				return classify("scan source status", err)
			}
			statuses = append(statuses, trend.CrawlStatus(st))
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return classify("iterate source status", err)
		}
		_ = rows.Close()

		_, err = tx.ExecContext(ctx,
			`UPDATE crawl_records SET total_items = ?, status = ?, finished_at = ? WHERE id = ?`,
			totalItems, string(store.DeriveBatchStatus(statuses)), store.FormatTime(s.now()), h.ID,
		)
		return classify("finish crawl batch", err)
	})
}

// FrequencySince counts history rows for the item at or after since.
func (s *Store) FrequencySince(ctx context.Context, itemID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rank_history WHERE item_id = ? AND observed_at >= ?`,
		itemID, store.FormatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, classify("frequency since", err)
	}
	return n, nil
}

// HasPushRecord reports whether the report was already pushed.
func (s *Store) HasPushRecord(ctx context.Context, date string, reportType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_records WHERE date = ? AND report_type = ? AND pushed = 1`,
		date, reportType,
	).Scan(&n)
	if err != nil {
		return false, classify("has push record", err)
	}
	return n > 0, nil
}

// WritePushRecord stores the push record, failing with ErrAlreadyPushed on a repeat.
func (s *Store) WritePushRecord(ctx context.Context, date string, reportType string, pushedAt time.Time) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO push_records (date, report_type, pushed, pushed_at) VALUES (?, ?, 1, ?)`,
			date, reportType, store.FormatTime(pushedAt),
		)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("push record %s/%s: %w", date, reportType, trend.ErrAlreadyPushed)
		}
		return classify("write push record", err)
	})
}

// IsPushed looks up fingerprints in the pushed-content set.
func (s *Store) IsPushed(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fingerprints))
	for _, chunk := range store.Chunk(fingerprints, inChunk) {
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := s.db.QueryContext(ctx,
			`SELECT fingerprint FROM pushed_content WHERE fingerprint IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, classify("lookup pushed content", err)
		}
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				_ = rows.Close()
				return nil, classify("scan pushed content", err)
			}
			out[fp] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, classify("iterate pushed content", err)
		}
	}
	return out, nil
}

// RecordPushed inserts fingerprints; existing ones are left untouched.
func (s *Store) RecordPushed(ctx context.Context, items []trend.PushedContent) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, "record pushed content", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pushed_content (fingerprint, source_id, title, url, pushed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (fingerprint) DO NOTHING`)
		if err != nil {
			return classify("prepare pushed content", err)
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, it.Fingerprint, it.SourceID, it.Title, it.URL, store.FormatTime(it.PushedAt)); err != nil {
				return classify("insert pushed content", err)
			}
		}
		return nil
	})
}
