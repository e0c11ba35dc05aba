// Package storetest is a behavioral suite every trend.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Factory opens an empty store. The suite closes it.
type Factory func(t *testing.T) trend.Store

var (
	hot  = trend.Source{ID: "weibo", Name: "Weibo", Kind: trend.SourceKindHotlist}
	feed = trend.Source{ID: "hn", Name: "Hacker News", Kind: trend.SourceKindFeed}

	t0 = time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC)
)

func obs(src trend.Source, key, title string, rank *int) trend.Observation {
	return trend.Observation{SourceID: src.ID, NaturalKey: key, Title: title, URL: key, Rank: rank}
}

// Run executes the full contract suite.
func Run(t *testing.T, open Factory) {
	t.Helper()

	cases := map[string]func(t *testing.T, s trend.Store){
		"DuplicateBatch":          testDuplicateBatch,
		"RepeatedObservation":     testRepeatedObservation,
		"TitleChange":             testTitleChange,
		"RankHistoryMatchesCount": testRankHistoryMatchesCount,
		"UnrankedObservation":     testUnrankedObservation,
		"DeltaPositions":          testDeltaPositions,
		"FrequencySince":          testFrequencySince,
		"SourceStatus":            testSourceStatus,
		"FinishedBatch":           testFinishedBatch,
		"PushRecord":              testPushRecord,
		"PushedContent":           testPushedContent,
		"ConcurrentSources":       testConcurrentSources,
		"Meta":                    testMeta,
		"DailyTrends":             testDailyTrends,
	}
	for name, fn := range cases {
		name, fn := name, fn
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func begin(t *testing.T, s trend.Store, at time.Time) trend.BatchHandle {
	t.Helper()
	h, err := s.BeginCrawlBatch(context.Background(), at)
	require.NoError(t, err)
	return h
}

func history(t *testing.T, s trend.Store) trend.ItemHistory {
	t.Helper()
	h, ok := s.(trend.ItemHistory)
	if !ok {
		t.Skip("store does not expose item history")
	}
	return h
}

func testDuplicateBatch(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h := begin(t, s, t0)
	_, err := s.UpsertObservations(ctx, h, hot, []trend.Observation{obs(hot, "u1", "X", trend.IntPtr(1))})
	require.NoError(t, err)

	_, err = s.BeginCrawlBatch(ctx, t0)
	require.ErrorIs(t, err, trend.ErrDuplicateBatch)

	if reader, ok := s.(trend.BatchReader); ok {
		records, err := reader.CrawlBatches(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
	}
}

func testRepeatedObservation(t *testing.T, s trend.Store) {
	ctx := context.Background()
	item := obs(hot, "u1", "X", trend.IntPtr(1))

	h1 := begin(t, s, t0)
	d1, err := s.UpsertObservations(ctx, h1, hot, []trend.Observation{item})
	require.NoError(t, err)
	require.Len(t, d1.New, 1)
	require.Empty(t, d1.Seen)
	require.Equal(t, 1, d1.New[0].ObservationCount)
	require.Equal(t, trend.DeltaNew, d1.New[0].Kind)
	require.NoError(t, s.FinishCrawlBatch(ctx, h1, 1))

	h2 := begin(t, s, t0.Add(30*time.Minute))
	d2, err := s.UpsertObservations(ctx, h2, hot, []trend.Observation{item})
	require.NoError(t, err)
	require.Empty(t, d2.New)
	require.Len(t, d2.Seen, 1)
	ref := d2.Seen[0]
	require.Equal(t, d1.New[0].ItemID, ref.ItemID)
	require.Equal(t, 2, ref.ObservationCount)
	require.Equal(t, trend.DeltaSeen, ref.Kind)
	require.True(t, ref.FirstSeenAt.Equal(t0))

	hist := history(t, s)
	points, err := hist.RankHistory(ctx, ref.ItemID)
	require.NoError(t, err)
	require.Len(t, points, 2)
	for _, p := range points {
		require.NotNil(t, p.Rank)
		require.Equal(t, 1, *p.Rank)
	}
	changes, err := hist.TitleChanges(ctx, ref.ItemID)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func testTitleChange(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h1 := begin(t, s, t0)
	d1, err := s.UpsertObservations(ctx, h1, hot, []trend.Observation{obs(hot, "u1", "Old", trend.IntPtr(2))})
	require.NoError(t, err)

	h2 := begin(t, s, t0.Add(time.Hour))
	_, err = s.UpsertObservations(ctx, h2, hot, []trend.Observation{obs(hot, "u1", "New", trend.IntPtr(1))})
	require.NoError(t, err)

	h3 := begin(t, s, t0.Add(2*time.Hour))
	_, err = s.UpsertObservations(ctx, h3, hot, []trend.Observation{obs(hot, "u1", "New", trend.IntPtr(1))})
	require.NoError(t, err)

	changes, err := history(t, s).TitleChanges(ctx, d1.New[0].ItemID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "Old", changes[0].OldTitle)
	require.Equal(t, "New", changes[0].NewTitle)
	require.True(t, changes[0].ChangedAt.Equal(t0.Add(time.Hour)))
}

func testRankHistoryMatchesCount(t *testing.T, s trend.Store) {
	ctx := context.Background()
	var last trend.ItemRef
	for i := 0; i < 4; i++ {
		h := begin(t, s, t0.Add(time.Duration(i)*time.Minute))
		d, err := s.UpsertObservations(ctx, h, hot, []trend.Observation{obs(hot, "u1", "X", trend.IntPtr(i+1))})
		require.NoError(t, err)
		last = d.All()[0]
	}
	points, err := history(t, s).RankHistory(ctx, last.ItemID)
	require.NoError(t, err)
	require.Len(t, points, last.ObservationCount)
	require.Equal(t, 4, last.ObservationCount)
	require.Equal(t, 1, *points[0].Rank)
	require.Equal(t, 4, *points[3].Rank)
}

func testUnrankedObservation(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h := begin(t, s, t0)
	d, err := s.UpsertObservations(ctx, h, feed, []trend.Observation{obs(feed, "f1", "Story", nil)})
	require.NoError(t, err)
	require.Len(t, d.New, 1)
	require.Nil(t, d.New[0].Observation.Rank)

	points, err := history(t, s).RankHistory(ctx, d.New[0].ItemID)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Nil(t, points[0].Rank)
}

func testDeltaPositions(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h1 := begin(t, s, t0)
	_, err := s.UpsertObservations(ctx, h1, hot, []trend.Observation{obs(hot, "b", "B", trend.IntPtr(1))})
	require.NoError(t, err)

	h2 := begin(t, s, t0.Add(time.Minute))
	batch := []trend.Observation{
		obs(hot, "a", "A", trend.IntPtr(1)),
		obs(hot, "b", "B", trend.IntPtr(2)),
		obs(hot, "c", "C", trend.IntPtr(3)),
	}
	d, err := s.UpsertObservations(ctx, h2, hot, batch)
	require.NoError(t, err)
	require.Len(t, d.New, 2)
	require.Len(t, d.Seen, 1)
	all := d.All()
	for i, ref := range all {
		require.Equal(t, i, ref.Position)
		require.Equal(t, batch[i].NaturalKey, ref.Observation.NaturalKey)
	}
}

func testFrequencySince(t *testing.T, s trend.Store) {
	ctx := context.Background()
	var id int64
	for i := 0; i < 5; i++ {
		h := begin(t, s, t0.Add(time.Duration(i)*time.Hour))
		d, err := s.UpsertObservations(ctx, h, hot, []trend.Observation{obs(hot, "u1", "X", trend.IntPtr(1))})
		require.NoError(t, err)
		id = d.All()[0].ItemID
	}
	n, err := s.FrequencySince(ctx, id, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = s.FrequencySince(ctx, id, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = s.FrequencySince(ctx, id+1000, t0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testSourceStatus(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h := begin(t, s, t0)
	require.NoError(t, s.RecordSourceStatus(ctx, h, "weibo", trend.CrawlStatusSuccess))
	require.NoError(t, s.RecordSourceStatus(ctx, h, "zhihu", trend.CrawlStatusPartial))
	require.NoError(t, s.RecordSourceStatus(ctx, h, "zhihu", trend.CrawlStatusFailed))
	require.Error(t, s.RecordSourceStatus(ctx, h, "x", trend.CrawlStatus("running")))
	require.NoError(t, s.FinishCrawlBatch(ctx, h, 7))

	reader, ok := s.(trend.BatchReader)
	if !ok {
		return
	}
	records, err := reader.CrawlBatches(ctx, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, 7, rec.TotalItems)
	require.Equal(t, trend.CrawlStatusPartial, rec.Status)
	require.Equal(t, trend.CrawlStatusFailed, rec.Sources["zhihu"])
	require.Equal(t, trend.CrawlStatusSuccess, rec.Sources["weibo"])
	require.NotNil(t, rec.FinishedAt)
	require.True(t, rec.CrawlTime.Equal(t0))
}

func testFinishedBatch(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h := begin(t, s, t0)
	require.NoError(t, s.FinishCrawlBatch(ctx, h, 0))

	_, err := s.UpsertObservations(ctx, h, hot, []trend.Observation{obs(hot, "u1", "X", trend.IntPtr(1))})
	require.ErrorIs(t, err, trend.ErrBatchFinished)
	require.ErrorIs(t, s.RecordSourceStatus(ctx, h, "weibo", trend.CrawlStatusSuccess), trend.ErrBatchFinished)
	require.ErrorIs(t, s.FinishCrawlBatch(ctx, h, 0), trend.ErrBatchFinished)

	if reader, ok := s.(trend.BatchReader); ok {
		records, err := reader.CrawlBatches(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, trend.CrawlStatusSuccess, records[0].Status)
		require.Empty(t, records[0].Sources)
	}
}

func testPushRecord(t *testing.T, s trend.Store) {
	ctx := context.Background()
	ok, err := s.HasPushRecord(ctx, "2026-01-16", "daily")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.WritePushRecord(ctx, "2026-01-16", "daily", t0))
	err = s.WritePushRecord(ctx, "2026-01-16", "daily", t0.Add(time.Minute))
	require.ErrorIs(t, err, trend.ErrAlreadyPushed)

	ok, err = s.HasPushRecord(ctx, "2026-01-16", "daily")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HasPushRecord(ctx, "2026-01-16", "incremental")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.WritePushRecord(ctx, "2026-01-17", "daily", t0))
}

func testPushedContent(t *testing.T, s trend.Store) {
	ctx := context.Background()
	got, err := s.IsPushed(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, got)

	items := []trend.PushedContent{
		{Fingerprint: "fp1", SourceID: "weibo", Title: "A", URL: "u1", PushedAt: t0},
		{Fingerprint: "fp2", SourceID: "weibo", Title: "B", URL: "u2", PushedAt: t0},
	}
	require.NoError(t, s.RecordPushed(ctx, items))
	require.NoError(t, s.RecordPushed(ctx, items[:1]))
	require.NoError(t, s.RecordPushed(ctx, nil))

	got, err = s.IsPushed(ctx, []string{"fp1", "fp2", "fp3"})
	require.NoError(t, err)
	require.True(t, got["fp1"])
	require.True(t, got["fp2"])
	require.False(t, got["fp3"])
}

func testConcurrentSources(t *testing.T, s trend.Store) {
	ctx := context.Background()
	h := begin(t, s, t0)
	sources := []trend.Source{
		{ID: "a", Kind: trend.SourceKindHotlist},
		{ID: "b", Kind: trend.SourceKindHotlist},
		{ID: "c", Kind: trend.SourceKindFeed},
		{ID: "d", Kind: trend.SourceKindFeed},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(sources))
	for _, src := range sources {
		wg.Add(1)
		go func(src trend.Source) {
			defer wg.Done()
			batch := make([]trend.Observation, 0, 10)
			for i := 0; i < 10; i++ {
				key := src.ID + "/" + string(rune('a'+i))
				batch = append(batch, obs(src, key, key, trend.IntPtr(i+1)))
			}
			if _, err := s.UpsertObservations(ctx, h, src, batch); err != nil {
				errs <- err
				return
			}
			errs <- s.RecordSourceStatus(ctx, h, src.ID, trend.CrawlStatusSuccess)
		}(src)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.FinishCrawlBatch(ctx, h, 40))
}

func testMeta(t *testing.T, s trend.Store) {
	meta, ok := s.(trend.MetaStore)
	if !ok {
		t.Skip("store does not expose meta")
	}
	ctx := context.Background()
	_, found, err := meta.GetMeta(ctx, "dedup_mode")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, meta.SetMeta(ctx, "dedup_mode", "url_hash"))
	require.NoError(t, meta.SetMeta(ctx, "dedup_mode", "title_source_hash"))
	v, found, err := meta.GetMeta(ctx, "dedup_mode")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "title_source_hash", v)
}

func testDailyTrends(t *testing.T, s trend.Store) {
	q, ok := s.(trend.TrendQuerier)
	if !ok {
		t.Skip("store does not support daily trends")
	}
	ctx := context.Background()
	for i, rank := range []int{5, 2, 3} {
		h := begin(t, s, t0.Add(time.Duration(i)*time.Hour))
		batch := []trend.Observation{obs(hot, "u1", "Rising", trend.IntPtr(rank))}
		if i == 0 {
			batch = append(batch, obs(hot, "u2", "Once", trend.IntPtr(9)))
		}
		_, err := s.UpsertObservations(ctx, h, hot, batch)
		require.NoError(t, err)
	}
	h := begin(t, s, t0.Add(24*time.Hour))
	_, err := s.UpsertObservations(ctx, h, hot, []trend.Observation{obs(hot, "u3", "Tomorrow", trend.IntPtr(1))})
	require.NoError(t, err)

	day := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	trends, err := q.DailyTrends(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trends, 2)
	require.Equal(t, "Rising", trends[0].Title)
	require.Equal(t, 3, trends[0].Occurrences)
	require.Equal(t, 2, *trends[0].BestRank)
	require.True(t, trends[0].FirstSeen.Equal(t0))
	require.True(t, trends[0].LastSeen.Equal(t0.Add(2*time.Hour)))
	require.Equal(t, "Once", trends[1].Title)
	require.Equal(t, 1, trends[1].Occurrences)
}
