package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trendradar/internal/archive"
	"github.com/JakeFAU/trendradar/internal/archive/memory"
	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/dedup"
	"github.com/JakeFAU/trendradar/internal/delivery"
	"github.com/JakeFAU/trendradar/internal/digest"
	"github.com/JakeFAU/trendradar/internal/hash/sha256"
	"github.com/JakeFAU/trendradar/internal/scoring"
	"github.com/JakeFAU/trendradar/internal/store"
	memstore "github.com/JakeFAU/trendradar/internal/store/memory"
	"github.com/JakeFAU/trendradar/internal/trend"
)

var (
	crawl1 = time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC)
	crawl2 = crawl1.Add(30 * time.Minute)
	crawl3 = crawl2.Add(30 * time.Minute)
)

var testSources = []trend.Source{
	{ID: "weibo", Name: "Weibo", Kind: trend.SourceKindHotlist},
	{ID: "hn", Name: "Hacker News", Kind: trend.SourceKindFeed},
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

// staticFetcher serves fixed raw items per source and fails for sources
// listed in fail.
type staticFetcher struct {
	items map[string][]trend.RawItem
	fail  map[string]error
}

func (f staticFetcher) Fetch(_ context.Context, sourceID string) ([]trend.RawItem, error) {
	if err, ok := f.fail[sourceID]; ok {
		return nil, err
	}
	return f.items[sourceID], nil
}

func defaultItems() map[string][]trend.RawItem {
	return map[string][]trend.RawItem{
		"weibo": {
			{Title: "AI breakthrough", URL: "https://weibo.example/1"},
			{Title: "Sports final", URL: "https://weibo.example/2"},
			{Title: "  ", URL: "https://weibo.example/3"},
		},
		"hn": {
			{Title: "Show HN: AI agents", URL: "https://news.example/a"},
			{Title: "No link"},
		},
	}
}

type harness struct {
	store   trend.Store
	mem     *memstore.Store
	channel *delivery.Memory
	blobs   *memory.BlobStore
	runner  *Runner
}

type harnessOpts struct {
	store    trend.Store
	fetcher  trend.Fetcher
	mode     string
	keywords []scoring.Keyword
	sources  []trend.Source
	limits   trend.Limits
	conc     int
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	mem := memstore.New(fixedClock{crawl1})
	var st trend.Store = mem
	if o.store != nil {
		st = o.store
	}
	if o.fetcher == nil {
		o.fetcher = staticFetcher{items: defaultItems()}
	}
	if o.sources == nil {
		o.sources = testSources
	}
	if o.conc == 0 {
		o.conc = 2
	}

	engine, err := scoring.New(scoring.Options{
		Weights:          scoring.Weights{Rank: 1, Frequency: 1, Keyword: 1},
		FrequencyCeiling: 10,
		NeutralRankTerm:  5,
		InclusiveOnly:    true,
		Keywords:         o.keywords,
	})
	require.NoError(t, err)
	gate, err := dedup.NewGate(st, dedup.Options{Enabled: true, Mode: dedup.ModeURLHash, Hasher: sha256.New()})
	require.NoError(t, err)

	ch := delivery.NewMemory("memory", o.limits)
	dispatcher, err := digest.NewDispatcher(digest.Options{
		Channels:  []trend.Channel{ch},
		Committer: gate,
		Records:   st,
		Clock:     fixedClock{crawl1},
	})
	require.NoError(t, err)

	blobs := memory.NewBlobStore()
	arch, err := archive.New(blobs, "snapshots", time.UTC, nil)
	require.NoError(t, err)

	r, err := New(Options{
		Store:       st,
		Sources:     o.sources,
		Fetcher:     o.fetcher,
		Engine:      engine,
		Gate:        gate,
		Dispatcher:  dispatcher,
		Archiver:    arch,
		ReportMode:  o.mode,
		Concurrency: o.conc,
		IDs:         &seqIDs{},
		Clock:       fixedClock{crawl1},
	})
	require.NoError(t, err)
	return &harness{store: st, mem: mem, channel: ch, blobs: blobs, runner: r}
}

func TestRunOnceStoresAndPushesNewItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{limits: trend.Limits{MaxItems: 2}})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, "run-1", summary.RunID)
	require.Equal(t, trend.CrawlStatusSuccess, summary.Status)
	require.Equal(t, 3, summary.NewCount)
	require.Equal(t, 0, summary.SeenCount)
	require.Equal(t, 2, summary.MalformedCount)
	require.Equal(t, 3, summary.PushedCount)
	require.Empty(t, summary.PushSkipped)
	require.Equal(t, trend.CrawlStatusSuccess, summary.Sources["weibo"].Status)
	require.Equal(t, 1, summary.Sources["weibo"].Malformed)

	batches := h.channel.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Entries, 2)
	for i := 1; i < len(h.channel.Entries()); i++ {
		require.GreaterOrEqual(t, h.channel.Entries()[i-1].Score, h.channel.Entries()[i].Score)
	}

	records, err := h.mem.CrawlBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 3, records[0].TotalItems)
	require.NotNil(t, records[0].FinishedAt)

	require.Len(t, h.blobs.Paths(), 2)
}

func TestRunOnceSecondCrawlIsSeenNotNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{conc: 1})

	_, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	summary, err := h.runner.RunOnce(ctx, crawl2)
	require.NoError(t, err)

	require.Equal(t, 0, summary.NewCount)
	require.Equal(t, 3, summary.SeenCount)
	require.Equal(t, 0, summary.PushedCount)
	require.Equal(t, digest.SkipEmpty, summary.PushSkipped)

	history, err := h.mem.RankHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, *history[0].Rank)
	require.Equal(t, 1, *history[1].Rank)
	changes, err := h.mem.TitleChanges(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestRunOnceDuplicateCrawlTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{conc: 1})

	_, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	pushedBefore := len(h.channel.Entries())

	_, err = h.runner.RunOnce(ctx, crawl1)
	require.ErrorIs(t, err, trend.ErrDuplicateBatch)

	records, err := h.mem.CrawlBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	history, err := h.mem.RankHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, h.channel.Entries(), pushedBefore)
}

func TestRunOnceIsolatesSourceFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	items := defaultItems()
	fetcher := staticFetcher{items: items, fail: map[string]error{"hn": errors.New("503 from upstream")}}
	h := newHarness(t, harnessOpts{fetcher: fetcher})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusPartial, summary.Status)
	require.Equal(t, trend.CrawlStatusFailed, summary.Sources["hn"].Status)
	require.Contains(t, summary.Sources["hn"].Error, "503")
	require.Equal(t, trend.CrawlStatusSuccess, summary.Sources["weibo"].Status)
	require.Equal(t, 2, summary.PushedCount)

	records, err := h.mem.CrawlBatches(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusPartial, records[0].Status)
	require.Equal(t, trend.CrawlStatusFailed, records[0].Sources["hn"])
}

func TestRunOnceAllSourcesFailedStillRecordsBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("down")
	h := newHarness(t, harnessOpts{fetcher: staticFetcher{fail: map[string]error{"weibo": boom, "hn": boom}}})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusFailed, summary.Status)
	require.Equal(t, SkipNoSource, summary.PushSkipped)

	records, err := h.mem.CrawlBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, trend.CrawlStatusFailed, records[0].Status)
}

// faultyStore fails UpsertObservations for one source.
type faultyStore struct {
	*memstore.Store
	failSource string
	err        error
}

func (s *faultyStore) UpsertObservations(ctx context.Context, h trend.BatchHandle, src trend.Source, obs []trend.Observation) (trend.Delta, error) {
	if src.ID == s.failSource {
		return trend.Delta{}, s.err
	}
	return s.Store.UpsertObservations(ctx, h, src, obs)
}

func TestRunOnceFatalStorageAbortsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := memstore.New(fixedClock{crawl1})
	st := &faultyStore{Store: mem, failSource: "hn", err: store.Fatal("upsert", errors.New("disk full"))}
	h := newHarness(t, harnessOpts{store: st})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.ErrorIs(t, err, trend.ErrStorageFatal)
	require.Equal(t, SkipStorage, summary.PushSkipped)
	require.Equal(t, trend.CrawlStatusSuccess, summary.Sources["weibo"].Status)
	require.Equal(t, trend.CrawlStatusFailed, summary.Sources["hn"].Status)
	require.Empty(t, h.channel.Batches())

	records, err := mem.CrawlBatches(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, records[0].FinishedAt)
	require.Equal(t, trend.CrawlStatusSuccess, records[0].Sources["weibo"])
}

func TestRunOnceTransientStorageFailsOnlyThatSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := memstore.New(fixedClock{crawl1})
	st := &faultyStore{Store: mem, failSource: "hn", err: store.Transient("upsert", errors.New("database is locked"))}
	h := newHarness(t, harnessOpts{store: st})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusFailed, summary.Sources["hn"].Status)
	require.Equal(t, trend.CrawlStatusPartial, summary.Status)
	require.Equal(t, 2, summary.PushedCount)
}

func TestRunOnceKeywordFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{keywords: []scoring.Keyword{{Pattern: "AI", Mode: scoring.ModeSubstring}}})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.FilteredCount)
	require.Equal(t, 2, summary.PushedCount)
	for _, e := range h.channel.Entries() {
		require.NotEqual(t, "Sports final", e.Title)
		require.Equal(t, []string{"AI"}, e.Keywords)
	}
}

func TestRunOnceFailedDeliveryIsRetriedNextRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{mode: config.ReportCurrent})
	h.channel.Fail = func(trend.Batch) error { return trend.ErrDeliveryRejected }

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, 0, summary.PushedCount)
	require.Equal(t, 1, summary.Channels[0].FailedBatches)

	h.channel.Fail = nil
	summary, err = h.runner.RunOnce(ctx, crawl2)
	require.NoError(t, err)
	require.Equal(t, 0, summary.DuplicateCount)
	require.Equal(t, 3, summary.PushedCount)

	summary, err = h.runner.RunOnce(ctx, crawl3)
	require.NoError(t, err)
	require.Equal(t, 3, summary.DuplicateCount)
	require.Equal(t, 0, summary.PushedCount)
	require.Len(t, h.channel.Entries(), 3)
}

func TestRunOnceIncrementalRetriesUndeliveredSeenItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{mode: config.ReportIncremental, conc: 1})
	h.channel.Fail = func(trend.Batch) error { return trend.ErrDeliveryRejected }

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, 3, summary.NewCount)
	require.Equal(t, 0, summary.PushedCount)
	require.Equal(t, 1, summary.Channels[0].FailedBatches)

	h.channel.Fail = nil
	summary, err = h.runner.RunOnce(ctx, crawl2)
	require.NoError(t, err)
	require.Equal(t, 0, summary.NewCount)
	require.Equal(t, 3, summary.SeenCount)
	require.Equal(t, 0, summary.DuplicateCount)
	require.Equal(t, 3, summary.PushedCount)
	for _, e := range h.channel.Entries() {
		require.Equal(t, trend.DeltaSeen, e.Kind)
	}

	summary, err = h.runner.RunOnce(ctx, crawl3)
	require.NoError(t, err)
	require.Equal(t, 0, summary.PushedCount)
	require.Equal(t, digest.SkipEmpty, summary.PushSkipped)
	require.Len(t, h.channel.Entries(), 3)
}

func TestRunOnceIncrementalRetriesOnlyFailedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{mode: config.ReportIncremental, conc: 1, limits: trend.Limits{MaxItems: 2}})
	h.channel.Fail = func(b trend.Batch) error {
		if b.Index == 0 {
			return trend.ErrDeliveryRejected
		}
		return nil
	}

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PushedCount)
	delivered := h.channel.Entries()
	require.Len(t, delivered, 1)

	h.channel.Fail = nil
	summary, err = h.runner.RunOnce(ctx, crawl2)
	require.NoError(t, err)
	require.Equal(t, 2, summary.PushedCount)

	all := h.channel.Entries()
	require.Len(t, all, 3)
	for _, e := range all[1:] {
		require.NotEqual(t, delivered[0].URL, e.URL)
	}
}

func TestRunOnceDailyPushesOncePerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, harnessOpts{mode: config.ReportDaily})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, 3, summary.PushedCount)
	done, err := h.store.HasPushRecord(ctx, "2026-01-16", config.ReportDaily)
	require.NoError(t, err)
	require.True(t, done)

	summary, err = h.runner.RunOnce(ctx, crawl2)
	require.NoError(t, err)
	require.Equal(t, digest.SkipAlreadyPushed, summary.PushSkipped)
}

func TestRunOnceCanceledBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusPartial, summary.Status)
	require.Equal(t, SkipCanceled, summary.PushSkipped)
	require.Empty(t, h.channel.Batches())

	records, err := h.mem.CrawlBatches(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusPartial, records[0].Status)
	require.Equal(t, trend.CrawlStatusPartial, records[0].Sources["weibo"])
	require.Equal(t, trend.CrawlStatusPartial, records[0].Sources["hn"])
}

func TestRunOnceCanceledMidRunKeepsCommittedSources(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := defaultItems()
	fetcher := trend.FetcherFunc(func(ctx context.Context, sourceID string) ([]trend.RawItem, error) {
		if sourceID == "hn" {
			cancel()
			return nil, ctx.Err()
		}
		return items[sourceID], nil
	})
	h := newHarness(t, harnessOpts{fetcher: fetcher, conc: 1})

	summary, err := h.runner.RunOnce(ctx, crawl1)
	require.NoError(t, err)
	require.Equal(t, trend.CrawlStatusSuccess, summary.Sources["weibo"].Status)
	require.Equal(t, trend.CrawlStatusPartial, summary.Sources["hn"].Status)
	require.Equal(t, trend.CrawlStatusPartial, summary.Status)
	require.Equal(t, 2, summary.NewCount)

	history, err := h.mem.RankHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRunOnceRejectsOverlappingRuns(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetcher := trend.FetcherFunc(func(context.Context, string) ([]trend.RawItem, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	h := newHarness(t, harnessOpts{fetcher: fetcher})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.RunOnce(context.Background(), crawl1)
		done <- err
	}()
	<-started
	_, err := h.runner.RunOnce(context.Background(), crawl2)
	require.ErrorIs(t, err, ErrRunInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	var active, peak atomic.Int32
	sources := make([]trend.Source, 8)
	for i := range sources {
		sources[i] = trend.Source{ID: fmt.Sprintf("s%d", i)}
	}
	p := pool{size: 3, work: func(_ context.Context, src trend.Source) sourceOutcome {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return sourceOutcome{source: src, status: trend.CrawlStatusSuccess, recorded: true}
	}}

	out := p.run(context.Background(), sources)
	require.Len(t, out, 8)
	require.LessOrEqual(t, peak.Load(), int32(3))
	for i, o := range out {
		require.Equal(t, sources[i].ID, o.source.ID)
		require.Equal(t, trend.CrawlStatusSuccess, o.status)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)

	h := newHarness(t, harnessOpts{})
	_, err = New(Options{
		Store:      h.store,
		Fetcher:    staticFetcher{},
		Engine:     h.runner.engine,
		Gate:       h.runner.gate,
		Dispatcher: h.runner.dispatcher,
		ReportMode: "weekly",
	})
	require.Error(t, err)
	require.Equal(t, config.ReportIncremental, h.runner.ReportMode())
}
