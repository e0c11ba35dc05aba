package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// HotlistConfig controls the aggregated hot-list adapter.
type HotlistConfig struct {
	APIURL     string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

// Hotlist fetches ranked lists from a NewsNow-compatible API:
// GET {api}?id={source}&latest returning {status, items:[...]}.
type Hotlist struct {
	cfg       HotlistConfig
	limiter   *HostLimiter
	collector *colly.Collector
}

// NewHotlist builds the adapter.
func NewHotlist(cfg HotlistConfig, limiter *HostLimiter) *Hotlist {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	return &Hotlist{cfg: cfg, limiter: limiter, collector: c}
}

// WithAPIURL returns a copy of the adapter pointing at another API base.
func (h *Hotlist) WithAPIURL(api string) *Hotlist {
	cp := *h
	cp.cfg.APIURL = api
	return &cp
}

type hotlistResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Items   []hotlistItem `json:"items"`
}

type hotlistItem struct {
	Title     flexString                 `json:"title"`
	URL       string                     `json:"url"`
	MobileURL string                     `json:"mobileUrl"`
	Pic       string                     `json:"pic"`
	Img       string                     `json:"img"`
	Extra     map[string]json.RawMessage `json:"extra"`
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("title: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

var errStatus = errors.New("hot-list api reported error")

// Fetch implements trend.Fetcher.
func (h *Hotlist) Fetch(ctx context.Context, sourceID string) ([]trend.RawItem, error) {
	endpoint := h.cfg.APIURL + "?id=" + url.QueryEscape(sourceID) + "&latest"
	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, h.cfg.Backoff*time.Duration(attempt)); err != nil {
				return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, err)
			}
		}
		if err := h.limiter.Wait(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, err)
		}
		body, err := h.get(ctx, endpoint)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		items, err := parseHotlist(body)
		if errors.Is(err, errStatus) {
			// The API answered; retrying will not change its mind.
			return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, err)
		}
		if err != nil {
			lastErr = err
			continue
		}
		return items, nil
	}
	return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, lastErr)
}

func (h *Hotlist) get(ctx context.Context, endpoint string) ([]byte, error) {
	c := h.collector.Clone()
	c.AllowURLRevisit = true
	c.SetRequestTimeout(h.cfg.Timeout)
	if h.cfg.UserAgent != "" {
		c.UserAgent = h.cfg.UserAgent
	}

	var (
		body     []byte
		fetchErr error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json, text/plain, */*")
		r.Headers.Set("Cache-Control", "no-cache")
	})
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(endpoint)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("hot-list fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", endpoint, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", endpoint, fetchErr)
		}
		return body, nil
	}
}

func parseHotlist(body []byte) ([]trend.RawItem, error) {
	var resp hotlistResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode hot-list response: %w", err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("%w: %s", errStatus, resp.Message)
	}
	out := make([]trend.RawItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		raw := trend.RawItem{
			Title:     strings.TrimSpace(string(it.Title)),
			URL:       it.URL,
			MobileURL: it.MobileURL,
			MediaURL:  it.Pic,
		}
		if raw.MediaURL == "" {
			raw.MediaURL = it.Img
		}
		if len(it.Extra) > 0 {
			raw.Extra = make(map[string]string, len(it.Extra))
			for k, v := range it.Extra {
				var s string
				if err := json.Unmarshal(v, &s); err == nil {
					raw.Extra[k] = s
					continue
				}
				if n, err := strconv.ParseFloat(string(v), 64); err == nil {
					raw.Extra[k] = strconv.FormatFloat(n, 'f', -1, 64)
				}
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
