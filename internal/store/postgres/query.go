package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// RankHistory returns the item's time series in observation order.
func (s *Store) RankHistory(ctx context.Context, itemID int64) ([]trend.RankPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rank, observed_at FROM rank_history WHERE item_id = $1 ORDER BY observed_at, id`, itemID)
	if err != nil {
		return nil, classify("rank history", err)
	}
	defer rows.Close()

	var out []trend.RankPoint
	for rows.Next() {
		var (
			rank *int
			at   string
		)
		if err := rows.Scan(&rank, &at); err != nil {
			return nil, classify("scan rank history", err)
		}
		observed, err := store.ParseTime(at)
		if err != nil {
			return nil, store.Fatal("decode observed_at", err)
		}
		out = append(out, trend.RankPoint{ItemID: itemID, Rank: rank, ObservedAt: observed})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rank history", err)
	}
	return out, nil
}

// TitleChanges returns the item's title change log.
func (s *Store) TitleChanges(ctx context.Context, itemID int64) ([]trend.TitleChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT old_title, new_title, changed_at FROM title_changes WHERE item_id = $1 ORDER BY changed_at, id`, itemID)
	if err != nil {
		return nil, classify("title changes", err)
	}
	defer rows.Close()

	var out []trend.TitleChange
	for rows.Next() {
		tc := trend.TitleChange{ItemID: itemID}
		var at string
		if err := rows.Scan(&tc.OldTitle, &tc.NewTitle, &at); err != nil {
			return nil, classify("scan title changes", err)
		}
		if tc.ChangedAt, err = store.ParseTime(at); err != nil {
			return nil, store.Fatal("decode changed_at", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate title changes", err)
	}
	return out, nil
}

// DailyTrends aggregates every item sighted in [start, end), most frequent first.
func (s *Store) DailyTrends(ctx context.Context, start, end time.Time) ([]trend.DailyTrend, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.source_id, i.title, i.url,
			MIN(r.observed_at), MAX(r.observed_at), MIN(r.rank), COUNT(*)
		FROM rank_history r
		JOIN items i ON i.id = r.item_id
		WHERE r.observed_at >= $1 AND r.observed_at < $2
		GROUP BY i.id, i.source_id, i.title, i.url
		ORDER BY COUNT(*) DESC, MIN(r.rank) NULLS LAST, i.id`,
		store.FormatTime(start), store.FormatTime(end),
	)
	if err != nil {
		return nil, classify("daily trends", err)
	}
	defer rows.Close()

	var out []trend.DailyTrend
	for rows.Next() {
		var (
			dt          trend.DailyTrend
			first, last string
		)
		if err := rows.Scan(&dt.ItemID, &dt.SourceID, &dt.Title, &dt.URL, &first, &last, &dt.BestRank, &dt.Occurrences); err != nil {
			return nil, classify("scan daily trends", err)
		}
		if dt.FirstSeen, err = store.ParseTime(first); err != nil {
			return nil, store.Fatal("decode first seen", err)
		}
		if dt.LastSeen, err = store.ParseTime(last); err != nil {
			return nil, store.Fatal("decode last seen", err)
		}
		out = append(out, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate daily trends", err)
	}
	return out, nil
}

// CrawlBatches lists batches newest first. A non-positive limit lists all.
func (s *Store) CrawlBatches(ctx context.Context, limit int) ([]trend.CrawlRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, crawl_time, total_items, COALESCE(status, ''), finished_at
		FROM crawl_records
		ORDER BY crawl_time DESC
		LIMIT $1`, lim)
	if err != nil {
		return nil, classify("list crawl batches", err)
	}
	type row struct {
		rec      trend.CrawlRecord
		at       string
		finished *string
	}
	scanned, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var (
			out    row
			status string
		)
		err := r.Scan(&out.rec.ID, &out.at, &out.rec.TotalItems, &status, &out.finished)
		out.rec.Status = trend.CrawlStatus(status)
		return out, err
	})
	if err != nil {
		return nil, classify("scan crawl batches", err)
	}

	out := make([]trend.CrawlRecord, 0, len(scanned))
	for _, r := range scanned {
		rec := r.rec
		if rec.CrawlTime, err = store.ParseTime(r.at); err != nil {
			return nil, store.Fatal("decode crawl_time", err)
		}
		if r.finished != nil {
			ft, err := store.ParseTime(*r.finished)
			if err != nil {
				return nil, store.Fatal("decode finished_at", err)
			}
			rec.FinishedAt = &ft
		}
		if rec.Sources, err = s.sourceStatuses(ctx, rec.ID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) sourceStatuses(ctx context.Context, batchID int64) (map[string]trend.CrawlStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, status FROM crawl_source_status WHERE crawl_record_id = $1`, batchID)
	if err != nil {
		return nil, classify("list source status", err)
	}
	defer rows.Close()

	out := make(map[string]trend.CrawlStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, classify("scan source status", err)
		}
		out[id] = trend.CrawlStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate source status", err)
	}
	return out, nil
}

// GetMeta returns a stored setting.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get meta", err)
	}
	return v, true, nil
}

// SetMeta stores a setting.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO meta (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
		return classify("set meta", err)
	})
}
