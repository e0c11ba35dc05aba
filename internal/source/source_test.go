package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/trend"
)

const hotlistBody = `{
  "status": "success",
  "items": [
    {"title": "AI breakthrough", "url": "https://weibo.com/1", "mobileUrl": "https://m.weibo.com/1", "pic": "https://img/1.png", "extra": {"hover": "details", "views": 1200}},
    {"title": 2026, "url": "https://weibo.com/2"},
    {"title": "", "url": "https://weibo.com/3"}
  ]
}`

func newHotlist(url string, retries int) *Hotlist {
	return NewHotlist(HotlistConfig{
		APIURL:     url,
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    time.Millisecond,
	}, NewHostLimiter(0, 1))
}

func TestHotlistFetchParsesItems(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, hotlistBody)
	}))
	defer srv.Close()

	items, err := newHotlist(srv.URL, 0).Fetch(context.Background(), "weibo")
	require.NoError(t, err)
	require.Contains(t, gotQuery, "id=weibo")
	require.Contains(t, gotQuery, "latest")
	require.Len(t, items, 3)

	require.Equal(t, "AI breakthrough", items[0].Title)
	require.Equal(t, "https://m.weibo.com/1", items[0].MobileURL)
	require.Equal(t, "https://img/1.png", items[0].MediaURL)
	require.Equal(t, map[string]string{"hover": "details", "views": "1200"}, items[0].Extra)
	require.Nil(t, items[0].Rank)

	require.Equal(t, "2026", items[1].Title)
	require.Empty(t, items[2].Title, "blank titles are left for the normalizer to count")
}

func TestHotlistFetchRepeatsAcrossCrawls(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"status":"success","items":[]}`)
	}))
	defer srv.Close()

	h := newHotlist(srv.URL, 0)
	for i := 0; i < 2; i++ {
		_, err := h.Fetch(context.Background(), "weibo")
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestHotlistStatusErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"status":"error","message":"unknown id"}`)
	}))
	defer srv.Close()

	_, err := newHotlist(srv.URL, 2).Fetch(context.Background(), "nope")
	require.ErrorIs(t, err, trend.ErrSourceFetchFailed)
	require.ErrorContains(t, err, "unknown id")
	require.Equal(t, int32(1), hits.Load())
}

func TestHotlistRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"cache","items":[{"title":"x","url":"https://x"}]}`)
	}))
	defer srv.Close()

	items, err := newHotlist(srv.URL, 2).Fetch(context.Background(), "weibo")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int32(3), hits.Load())
}

func TestHotlistGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newHotlist(srv.URL, 1).Fetch(context.Background(), "weibo")
	require.ErrorIs(t, err, trend.ErrSourceFetchFailed)
	require.Equal(t, int32(2), hits.Load())
}

func TestHotlistRespectsCancellation(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newHotlist(srv.URL, 3).Fetch(ctx, "weibo")
	require.ErrorIs(t, err, trend.ErrSourceFetchFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example</title>
  <item>
    <title> Go 1.26 released </title>
    <link>https://go.dev/blog/go1.26</link>
    <pubDate>Fri, 16 Jan 2026 08:00:00 +0800</pubDate>
  </item>
  <item>
    <title>No link</title>
    <guid>https://example.com/guid-1</guid>
  </item>
</channel>
</rss>`

func TestFeedFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssBody)
	}))
	defer srv.Close()

	f, err := NewFeed(FeedConfig{URL: srv.URL, Client: srv.Client()}, nil)
	require.NoError(t, err)
	items, err := f.Fetch(context.Background(), "go-blog")
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, "Go 1.26 released", items[0].Title)
	require.Equal(t, "https://go.dev/blog/go1.26", items[0].URL)
	require.Nil(t, items[0].Rank)
	require.NotNil(t, items[0].PublishedAt)
	require.True(t, items[0].PublishedAt.Equal(time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)))

	require.Equal(t, "https://example.com/guid-1", items[1].URL)
}

func TestFeedFetchHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewFeed(FeedConfig{URL: srv.URL}, NewHostLimiter(100, 1))
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "gone")
	require.ErrorIs(t, err, trend.ErrSourceFetchFailed)
}

func TestNewFeedRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := NewFeed(FeedConfig{}, nil)
	require.Error(t, err)
}

func TestRegistryBuildAndDispatch(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(trend.SourceKindHotlist, func(src trend.Source) (trend.Fetcher, error) {
		return trend.FetcherFunc(func(_ context.Context, id string) ([]trend.RawItem, error) {
			return []trend.RawItem{{Title: src.Name + ":" + id, URL: "https://x"}}, nil
		}), nil
	})

	set, err := reg.Build([]trend.Source{{ID: "weibo", Name: "Weibo", Kind: trend.SourceKindHotlist}})
	require.NoError(t, err)

	items, err := set.Fetch(context.Background(), "weibo")
	require.NoError(t, err)
	require.Equal(t, "Weibo:weibo", items[0].Title)

	_, err = set.Fetch(context.Background(), "baidu")
	require.ErrorIs(t, err, trend.ErrUnknownSource)
}

func TestRegistryBuildErrors(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Build([]trend.Source{{ID: "hn", Kind: trend.SourceKindFeed}})
	require.Error(t, err, "no adapter for kind")

	reg.Register(trend.SourceKindFeed, func(trend.Source) (trend.Fetcher, error) {
		return nil, errors.New("bad feed")
	})
	_, err = reg.Build([]trend.Source{{ID: "hn", Kind: trend.SourceKindFeed}})
	require.ErrorContains(t, err, "bad feed")

	reg.Register(trend.SourceKindHotlist, func(trend.Source) (trend.Fetcher, error) {
		return trend.FetcherFunc(func(context.Context, string) ([]trend.RawItem, error) { return nil, nil }), nil
	})
	_, err = reg.Build([]trend.Source{{ID: "a", Kind: trend.SourceKindHotlist}, {ID: "a", Kind: trend.SourceKindHotlist}})
	require.ErrorContains(t, err, "duplicate")
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		Crawler: config.CrawlerConfig{TimeoutSeconds: 5, MaxRetries: 1, RetryBackoffMs: 10},
		Hotlist: config.HotlistConfig{APIURL: "https://newsnow.example/api/s"},
	}
	sources := FromConfig([]config.SourceConfig{
		{ID: "weibo", Name: "Weibo"},
		{ID: "hn", Type: "feed", URL: "https://news.ycombinator.com/rss"},
	})
	require.Equal(t, trend.SourceKindHotlist, sources[0].Kind)
	require.Equal(t, trend.SourceKindFeed, sources[1].Kind)

	set, err := NewDefaultRegistry(cfg, NewHostLimiter(1, 1)).Build(sources)
	require.NoError(t, err)
	require.Len(t, set.fetchers, 2)
}

func TestHostLimiterWait(t *testing.T) {
	t.Parallel()
	l := NewHostLimiter(1000, 1)
	require.NoError(t, l.Wait(context.Background(), "https://a.example/x"))
	require.NoError(t, l.Wait(context.Background(), "https://a.example/y"))

	slow := NewHostLimiter(0.001, 1)
	require.NoError(t, slow.Wait(context.Background(), "https://b.example"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, slow.Wait(ctx, "https://b.example"))

	var nilLimiter *HostLimiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://c.example"))
}
