package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// Factory builds the fetcher for one configured source.
type Factory func(src trend.Source) (trend.Fetcher, error)

// Registry maps source kinds to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[trend.SourceKind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[trend.SourceKind]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind trend.SourceKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build creates one fetcher per source and returns them as a Set.
func (r *Registry) Build(sources []trend.Source) (*Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := &Set{fetchers: make(map[string]trend.Fetcher, len(sources))}
	for _, src := range sources {
		factory, ok := r.factories[src.Kind]
		if !ok {
			return nil, fmt.Errorf("source %s: no adapter registered for kind %q", src.ID, src.Kind)
		}
		if _, dup := set.fetchers[src.ID]; dup {
			return nil, fmt.Errorf("source %s: duplicate id", src.ID)
		}
		f, err := factory(src)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		set.fetchers[src.ID] = f
	}
	return set, nil
}

// Set dispatches fetches to the fetcher built for each source id.
type Set struct {
	fetchers map[string]trend.Fetcher
}

// Fetch implements trend.Fetcher.
func (s *Set) Fetch(ctx context.Context, sourceID string) ([]trend.RawItem, error) {
	f, ok := s.fetchers[sourceID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sourceID, trend.ErrUnknownSource)
	}
	return f.Fetch(ctx, sourceID)
}

// FromConfig converts the configured sources.
func FromConfig(cfgs []config.SourceConfig) []trend.Source {
	out := make([]trend.Source, 0, len(cfgs))
	for _, c := range cfgs {
		kind := trend.SourceKind(c.Type)
		if kind == "" {
			kind = trend.SourceKindHotlist
		}
		out = append(out, trend.Source{ID: c.ID, Name: c.Name, Kind: kind, URL: c.URL})
	}
	return out
}

// NewDefaultRegistry registers the hot-list and feed adapters from cfg.
func NewDefaultRegistry(cfg config.Config, limiter *HostLimiter) *Registry {
	reg := NewRegistry()
	hot := NewHotlist(HotlistConfig{
		APIURL:     cfg.Hotlist.APIURL,
		UserAgent:  cfg.Crawler.UserAgent,
		Timeout:    cfg.FetchTimeout(),
		MaxRetries: cfg.Crawler.MaxRetries,
		Backoff:    msDuration(cfg.Crawler.RetryBackoffMs),
	}, limiter)
	reg.Register(trend.SourceKindHotlist, func(src trend.Source) (trend.Fetcher, error) {
		if src.URL != "" {
			return hot.WithAPIURL(src.URL), nil
		}
		return hot, nil
	})
	reg.Register(trend.SourceKindFeed, func(src trend.Source) (trend.Fetcher, error) {
		return NewFeed(FeedConfig{
			URL:       src.URL,
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		}, limiter)
	})
	return reg
}
