// Package postgres implements trend.Store on Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/retry"
	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

const backendName = "postgres"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Logger          *zap.Logger
	Clock           trend.Clock
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres-backed incremental store.
type Store struct {
	pool   Pool
	logger *zap.Logger
	now    func() time.Time
	retry  retry.Policy
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Logger, cfg.Clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, logger *zap.Logger, clock trend.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store.postgres")
	s := &Store{
		pool:   pool,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		retry:  store.TransientRetry(backendName, logger),
	}
	if clock != nil {
		s.now = clock.Now
	}
	return s, nil
}

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57P03": {}, // cannot_connect_now
	"53300": {}, // too_many_connections
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientCodes[pgErr.Code]; ok {
			return store.Transient(op, err)
		}
		return store.Fatal(op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return store.Transient(op, err)
	}
	return store.Fatal(op, err)
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classify(op+": begin", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
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

// BeginCrawlBatch inserts the crawl record.
func (s *Store) BeginCrawlBatch(ctx context.Context, crawlTime time.Time) (trend.BatchHandle, error) {
	crawlTime = crawlTime.UTC()
	var h trend.BatchHandle
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO crawl_records (crawl_time, created_at) VALUES ($1, $2) RETURNING id`,
			store.FormatTime(crawlTime), store.FormatTime(s.now()),
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("begin crawl batch %s: %w", store.FormatTime(crawlTime), trend.ErrDuplicateBatch)
			}
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

// Batch row lock modes. Source writes share the row so they run concurrently;
// finishing takes it exclusively, waiting for in-flight source writes and
// making later ones observe the finished batch.
const (
	lockShare  = "FOR SHARE"
	lockUpdate = "FOR UPDATE"
)

func checkOpen(ctx context.Context, tx pgx.Tx, h trend.BatchHandle, lock string) error {
	var finished bool
	err := tx.QueryRow(ctx,
		`SELECT finished_at IS NOT NULL FROM crawl_records WHERE id = $1 `+lock, h.ID,
	).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Fatal("lookup batch", fmt.Errorf("crawl batch %d not found", h.ID))
	}
	if err != nil {
		return classify("lookup batch", err)
	}
	if finished {
		return trend.ErrBatchFinished
	}
	return nil
}

// RecordSourceStatus upserts the outcome of one source for the batch.
func (s *Store) RecordSourceStatus(ctx context.Context, h trend.BatchHandle, sourceID string, status trend.CrawlStatus) error {
	if err := store.ValidateStatus(status); err != nil {
		return err
	}
	return s.withTx(ctx, "record source status", func(tx pgx.Tx) error {
		if err := checkOpen(ctx, tx, h, lockShare); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO crawl_source_status (crawl_record_id, source_id, status, recorded_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (crawl_record_id, source_id) DO UPDATE
			SET status = EXCLUDED.status, recorded_at = EXCLUDED.recorded_at`,
			h.ID, sourceID, string(status), store.FormatTime(s.now()),
		)
		return classify("record source status", err)
	})
}

// UpsertObservations applies one source's observations in order inside a
// single transaction.
func (s *Store) UpsertObservations(
	ctx context.Context,
	h trend.BatchHandle,
	source trend.Source,
	obs []trend.Observation,
) (trend.Delta, error) {
	var delta trend.Delta
	err := s.withTx(ctx, "upsert observations", func(tx pgx.Tx) error {
		delta = trend.Delta{}
		if err := checkOpen(ctx, tx, h, lockShare); err != nil {
			return err
		}
		at := store.FormatTime(h.CrawlTime)
		_, err := tx.Exec(ctx, `
			INSERT INTO sources (id, name, kind, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, kind = EXCLUDED.kind, updated_at = EXCLUDED.updated_at`,
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

func upsertItem(ctx context.Context, tx pgx.Tx, sourceID string, o trend.Observation, crawlTime time.Time) (trend.ItemRef, error) {
	at := store.FormatTime(crawlTime)
	var (
		id        int64
		title     string
		count     int
		firstSeen string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, title, observation_count, first_seen_at
		FROM items WHERE source_id = $1 AND natural_key = $2
		FOR UPDATE`,
		sourceID, o.NaturalKey,
	).Scan(&id, &title, &count, &firstSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `
			INSERT INTO items (source_id, natural_key, title, rank, url, media_url, published_at,
				first_seen_at, last_seen_at, observation_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 1)
			RETURNING id`,
			sourceID, o.NaturalKey, o.Title, nullRank(o.Rank), o.URL, o.MediaURL, nullTime(o.PublishedAt), at,
		).Scan(&id)
		if err != nil {
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO title_changes (item_id, old_title, new_title, changed_at) VALUES ($1, $2, $3, $4)`,
			id, title, o.Title, at,
		); err != nil {
			return trend.ItemRef{}, classify("insert title change", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE items
		SET title = $1, rank = $2, url = $3,
			media_url = CASE WHEN $4 = '' THEN media_url ELSE $4 END,
			published_at = COALESCE($5, published_at),
			last_seen_at = $6, observation_count = observation_count + 1
		WHERE id = $7`,
		o.Title, nullRank(o.Rank), o.URL, o.MediaURL, nullTime(o.PublishedAt), at, id,
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

func appendRank(ctx context.Context, tx pgx.Tx, itemID int64, rank *int, at string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO rank_history (item_id, rank, observed_at) VALUES ($1, $2, $3)`,
		itemID, nullRank(rank), at,
	)
	return classify("insert rank history", err)
}

// FinishCrawlBatch writes the total, derives the batch status and closes it.
func (s *Store) FinishCrawlBatch(ctx context.Context, h trend.BatchHandle, totalItems int) error {
	return s.withTx(ctx, "finish crawl batch", func(tx pgx.Tx) error {
		if err := checkOpen(ctx, tx, h, lockUpdate); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT status FROM crawl_source_status WHERE crawl_record_id = $1`, h.ID)
		if err != nil {
			return classify("read source status", err)
		}
		statuses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (trend.CrawlStatus, error) {
			var st string
			err := row.Scan(&st)
			return trend.CrawlStatus(st), err
		})
		if err != nil {
			return classify("scan source status", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE crawl_records SET total_items = $1, status = $2, finished_at = $3 WHERE id = $4`,
			totalItems, string(store.DeriveBatchStatus(statuses)), store.FormatTime(s.now()), h.ID,
		)
		return classify("finish crawl batch", err)
	})
}

// FrequencySince counts history rows for the item at or after since.
func (s *Store) FrequencySince(ctx context.Context, itemID int64, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rank_history WHERE item_id = $1 AND observed_at >= $2`,
		itemID, store.FormatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, classify("frequency since", err)
	}
	return n, nil
}

// HasPushRecord reports whether the report was already pushed.
func (s *Store) HasPushRecord(ctx context.Context, date string, reportType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM push_records WHERE date = $1 AND report_type = $2 AND pushed)`,
		date, reportType,
	).Scan(&exists)
	if err != nil {
		return false, classify("has push record", err)
	}
	return exists, nil
}

// WritePushRecord stores the push record, failing with ErrAlreadyPushed on a repeat.
func (s *Store) WritePushRecord(ctx context.Context, date string, reportType string, pushedAt time.Time) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO push_records (date, report_type, pushed, pushed_at) VALUES ($1, $2, TRUE, $3)`,
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
	if len(fingerprints) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint FROM pushed_content WHERE fingerprint = ANY($1)`, fingerprints)
	if err != nil {
		return nil, classify("lookup pushed content", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan pushed content", err)
	}
	for _, fp := range found {
		out[fp] = true
	}
	return out, nil
}

// RecordPushed inserts fingerprints in one statement; existing ones are kept.
func (s *Store) RecordPushed(ctx context.Context, items []trend.PushedContent) error {
	if len(items) == 0 {
		return nil
	}
	fps := make([]string, len(items))
	sources := make([]string, len(items))
	titles := make([]string, len(items))
	urls := make([]string, len(items))
	ats := make([]string, len(items))
	for i, it := range items {
		fps[i], sources[i], titles[i], urls[i] = it.Fingerprint, it.SourceID, it.Title, it.URL
		ats[i] = store.FormatTime(it.PushedAt)
	}
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO pushed_content (fingerprint, source_id, title, url, pushed_at)
			SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[])
			ON CONFLICT (fingerprint) DO NOTHING`,
			fps, sources, titles, urls, ats,
		)
		return classify("record pushed content", err)
	})
}
