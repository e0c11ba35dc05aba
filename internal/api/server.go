package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/pipeline"
	"github.com/JakeFAU/trendradar/internal/trend"
)

const (
	readTimeout       = 30 * time.Second
	defaultBatchLimit = 20
	maxBatchLimit     = 500
)

// Runner triggers one crawl run.
type Runner interface {
	RunOnce(ctx context.Context, crawlTime time.Time) (trend.RunSummary, error)
}

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the runner and the store's read capabilities.
type Server struct {
	router chi.Router
	runner Runner
	store  trend.Store
	loc    *time.Location
	clock  trend.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner Runner,
	store trend.Store,
	clock trend.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		runner: runner,
		store:  store,
		loc:    cfg.Location(),
		clock:  clock,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/runs", s.triggerRun)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(readTimeout))
			r.Get("/trends", s.dailyTrends)
			r.Get("/batches", s.crawlBatches)
			r.Get("/items/{item_id}/history", s.itemHistory)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	CrawlTime *time.Time `json:"crawl_time"`
}

// triggerRun runs synchronously. The run is detached from the request
// context so a dropped client does not leave a half-written batch; the
// runner's own timeout bounds it.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var crawlTime time.Time
	if req.CrawlTime != nil {
		crawlTime = *req.CrawlTime
	} else if s.clock != nil {
		crawlTime = s.clock.Now()
	}

	summary, err := s.runner.RunOnce(context.WithoutCancel(r.Context()), crawlTime)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trend.ErrDuplicateBatch):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "crawl time already recorded", "summary": summary})
	default:
		s.logger.Error("triggered run failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": summary})
	}
}

func (s *Server) dailyTrends(w http.ResponseWriter, r *http.Request) {
	q, ok := s.store.(trend.TrendQuerier)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support trend queries")
		return
	}
	day := time.Now().In(s.loc)
	if s.clock != nil {
		day = s.clock.Now().In(s.loc)
	}
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	end := start.AddDate(0, 0, 1)

	trends, err := q.DailyTrends(r.Context(), start, end)
	if err != nil {
		s.logger.Error("daily trends query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query trends")
		return
	}
	if trends == nil {
		trends = []trend.DailyTrend{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": start.Format("2006-01-02"), "trends": trends})
}

func (s *Server) crawlBatches(w http.ResponseWriter, r *http.Request) {
	br, ok := s.store.(trend.BatchReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support batch listing")
		return
	}
	limit := defaultBatchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxBatchLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	batches, err := br.CrawlBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("crawl batch listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	if batches == nil {
		batches = []trend.CrawlRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) itemHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store.(trend.ItemHistory)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support item history")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "item_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	ranks, err := h.RankHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("rank history query failed", zap.Int64("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	titles, err := h.TitleChanges(r.Context(), id)
	if err != nil {
		s.logger.Error("title change query failed", zap.Int64("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if len(ranks) == 0 {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if titles == nil {
		titles = []trend.TitleChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "rank_history": ranks, "title_changes": titles})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
