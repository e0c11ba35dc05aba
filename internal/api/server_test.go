package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/pipeline"
	"github.com/JakeFAU/trendradar/internal/store/memory"
	"github.com/JakeFAU/trendradar/internal/trend"
)

var noon = time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)

func TestServer_TriggerRun_Succeeds(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: trend.RunSummary{RunID: "run-1", PushedCount: 3}}
	server := newTestServer(runner, memory.New(nil), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got trend.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, 3, got.PushedCount)
	require.True(t, runner.lastTime().Equal(noon), "defaults crawl time to the clock")
}

func TestServer_TriggerRun_UsesRequestedCrawlTime(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(runner, memory.New(nil), config.Config{})

	body := bytes.NewBufferString(`{"crawl_time":"2026-01-16T08:30:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, runner.lastTime().Equal(time.Date(2026, 1, 16, 8, 30, 0, 0, time.UTC)))
}

func TestServer_TriggerRun_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{name: "duplicate batch", err: trend.ErrDuplicateBatch, code: http.StatusConflict},
		{name: "run in progress", err: pipeline.ErrRunInProgress, code: http.StatusConflict},
		{name: "fatal storage", err: trend.ErrStorageFatal, code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeRunner{err: tc.err}, memory.New(nil), config.Config{})
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
			require.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestServer_TriggerRun_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.New(nil), config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DailyTrends(t *testing.T) {
	t.Parallel()

	store := &trendStore{Store: memory.New(nil), trends: []trend.DailyTrend{{ItemID: 7, Title: "AI", Occurrences: 3}}}
	server := newTestServer(&fakeRunner{}, store, config.Config{App: config.AppConfig{Timezone: "Asia/Shanghai"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/trends?date=2026-01-16", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"occurrences":3`)
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	require.True(t, store.start.Equal(time.Date(2026, 1, 16, 0, 0, 0, 0, shanghai)))
	require.Equal(t, 24*time.Hour, store.end.Sub(store.start))
}

func TestServer_DailyTrends_BadDate(t *testing.T) {
	t.Parallel()

	store := &trendStore{Store: memory.New(nil)}
	server := newTestServer(&fakeRunner{}, store, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trends?date=16-01-2026", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DailyTrends_NotImplemented(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.New(nil), config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trends", nil))

	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_CrawlBatchesAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.New(nil)
	h, err := store.BeginCrawlBatch(ctx, noon)
	require.NoError(t, err)
	_, err = store.UpsertObservations(ctx, h, trend.Source{ID: "weibo", Kind: trend.SourceKindHotlist}, []trend.Observation{
		{SourceID: "weibo", NaturalKey: "https://x/1", Title: "AI", URL: "https://x/1", Rank: trend.IntPtr(2)},
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordSourceStatus(ctx, h, "weibo", trend.CrawlStatusSuccess))
	require.NoError(t, store.FinishCrawlBatch(ctx, h, 1))

	server := newTestServer(&fakeRunner{}, store, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_items":1`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rank":2`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/99/history", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/abc/history", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	store := &pingStore{Store: memory.New(nil)}
	server := newTestServer(&fakeRunner{}, store, config.Config{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	store.err = errors.New("connection refused")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(&fakeRunner{}, memory.New(nil), cfg)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, memory.New(nil), config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	hj := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hj}
	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, hj.CloseClient())
}

// --- helpers/fakes ---

type fakeRunner struct {
	mu      sync.Mutex
	summary trend.RunSummary
	err     error
	times   []time.Time
}

func (f *fakeRunner) RunOnce(_ context.Context, crawlTime time.Time) (trend.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, crawlTime)
	return f.summary, f.err
}

func (f *fakeRunner) lastTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.times) == 0 {
		return time.Time{}
	}
	return f.times[len(f.times)-1]
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type trendStore struct {
	*memory.Store
	trends     []trend.DailyTrend
	start, end time.Time
}

func (s *trendStore) DailyTrends(_ context.Context, start, end time.Time) ([]trend.DailyTrend, error) {
	s.start, s.end = start, end
	return s.trends, nil
}

type pingStore struct {
	*memory.Store
	err error
}

func (s *pingStore) Ping(context.Context) error { return s.err }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func newTestServer(runner Runner, store trend.Store, cfg config.Config) *Server {
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = "UTC"
	}
	return NewServer(runner, store, fakeClock{now: noon}, cfg, zap.NewNop())
}
