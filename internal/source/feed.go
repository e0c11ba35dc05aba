package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// FeedConfig controls one RSS/Atom/JSON feed.
type FeedConfig struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

// Feed fetches an RSS, Atom or JSON feed. Feed items are unranked.
type Feed struct {
	url     string
	parser  *gofeed.Parser
	timeout time.Duration
	limiter *HostLimiter
}

// NewFeed builds a feed adapter.
func NewFeed(cfg FeedConfig, limiter *HostLimiter) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	parser := gofeed.NewParser()
	if cfg.Client != nil {
		parser.Client = cfg.Client
	} else {
		parser.Client = &http.Client{Timeout: timeout}
	}
	if cfg.UserAgent != "" {
		parser.UserAgent = cfg.UserAgent
	}
	return &Feed{url: cfg.URL, parser: parser, timeout: timeout, limiter: limiter}, nil
}

// Fetch implements trend.Fetcher.
func (f *Feed) Fetch(ctx context.Context, sourceID string) ([]trend.RawItem, error) {
	if err := f.limiter.Wait(ctx, f.url); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	feed, err := f.parser.ParseURLWithContext(f.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", sourceID, trend.ErrSourceFetchFailed, err)
	}
	out := make([]trend.RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		raw := trend.RawItem{
			Title: strings.TrimSpace(it.Title),
			URL:   strings.TrimSpace(it.Link),
		}
		switch {
		case it.PublishedParsed != nil:
			raw.PublishedAt = it.PublishedParsed
		case it.UpdatedParsed != nil:
			raw.PublishedAt = it.UpdatedParsed
		}
		if it.Image != nil {
			raw.MediaURL = it.Image.URL
		}
		if raw.URL == "" && it.GUID != "" && strings.HasPrefix(it.GUID, "http") {
			raw.URL = it.GUID
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil && it.Authors[0].Name != "" {
			raw.Extra = map[string]string{"author": it.Authors[0].Name}
		}
		out = append(out, raw)
	}
	return out, nil
}
