package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// RankHistory returns the item's time series in observation order.
func (s *Store) RankHistory(ctx context.Context, itemID int64) ([]trend.RankPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rank, observed_at FROM rank_history WHERE item_id = ? ORDER BY observed_at, id`, itemID)
	if err != nil {
		return nil, classify("rank history", err)
	}
	defer rows.Close()

	var out []trend.RankPoint
	for rows.Next() {
		var (
			rank sql.NullInt64
			at   string
		)
		if err := rows.Scan(&rank, &at); err != nil {
			return nil, classify("scan rank history", err)
		}
		observed, err := store.ParseTime(at)
		if err != nil {
			return nil, store.Fatal("decode observed_at", err)
		}
		out = append(out, trend.RankPoint{ItemID: itemID, Rank: rankPtr(rank), ObservedAt: observed})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rank history", err)
	}
	return out, nil
}

// TitleChanges returns the item's title change log.
func (s *Store) TitleChanges(ctx context.Context, itemID int64) ([]trend.TitleChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT old_title, new_title, changed_at FROM title_changes WHERE item_id = ? ORDER BY changed_at, id`, itemID)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.source_id, i.title, i.url,
			MIN(r.observed_at), MAX(r.observed_at), MIN(r.rank), COUNT(*)
		FROM rank_history r
		JOIN items i ON i.id = r.item_id
		WHERE r.observed_at >= ? AND r.observed_at < ?
		GROUP BY i.id, i.source_id, i.title, i.url
		ORDER BY COUNT(*) DESC, MIN(r.rank) IS NULL, MIN(r.rank), i.id`,
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
			best        sql.NullInt64
		)
		if err := rows.Scan(&dt.ItemID, &dt.SourceID, &dt.Title, &dt.URL, &first, &last, &best, &dt.Occurrences); err != nil {
			return nil, classify("scan daily trends", err)
		}
		if dt.FirstSeen, err = store.ParseTime(first); err != nil {
			return nil, store.Fatal("decode first seen", err)
		}
		if dt.LastSeen, err = store.ParseTime(last); err != nil {
			return nil, store.Fatal("decode last seen", err)
		}
		dt.BestRank = rankPtr(best)
		out = append(out, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate daily trends", err)
	}
	return out, nil
}

// CrawlBatches lists batches newest first. A non-positive limit lists all.
func (s *Store) CrawlBatches(ctx context.Context, limit int) ([]trend.CrawlRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, crawl_time, total_items, COALESCE(status, ''), finished_at
		FROM crawl_records
		ORDER BY crawl_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify("list crawl batches", err)
	}
	var out []trend.CrawlRecord
	for rows.Next() {
		var (
			rec      trend.CrawlRecord
			at       string
			status   string
			finished sql.NullString
		)
		if err := rows.Scan(&rec.ID, &at, &rec.TotalItems, &status, &finished); err != nil {
			_ = rows.Close()
			return nil, classify("scan crawl batches", err)
		}
		rec.Status = trend.CrawlStatus(status)
		if rec.CrawlTime, err = store.ParseTime(at); err != nil {
			_ = rows.Close()
			return nil, store.Fatal("decode crawl_time", err)
		}
		if finished.Valid {
			ft, err := store.ParseTime(finished.String)
			if err != nil {
				_ = rows.Close()
				return nil, store.Fatal("decode finished_at", err)
			}
			rec.FinishedAt = &ft
		}
		out = append(out, rec)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, classify("iterate crawl batches", err)
	}

	for i := range out {
		sources, err := s.sourceStatuses(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Sources = sources
	}
	return out, nil
}

func (s *Store) sourceStatuses(ctx context.Context, batchID int64) (map[string]trend.CrawlStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, status FROM crawl_source_status WHERE crawl_record_id = ?`, batchID)
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
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
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
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
		return classify("set meta", err)
	})
}
