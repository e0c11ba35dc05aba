package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/metrics"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// MetaKeyMode is the meta key holding the mode the history was built with.
const MetaKeyMode = "dedup_mode"

// Decision is the outcome of admitting one fingerprint.
type Decision string

// Admission outcomes.
const (
	Accept          Decision = "accept"
	RejectDuplicate Decision = "reject_duplicate"
)

// Options configures a Gate.
type Options struct {
	Enabled  bool
	Mode     Mode
	Hasher   trend.Hasher
	Cache    Cache
	CacheTTL time.Duration
	Logger   *zap.Logger
	Clock    trend.Clock
}

// Gate filters already-delivered items. Admit never writes; Commit records
// fingerprints after a successful delivery.
type Gate struct {
	store   trend.Store
	fp      Fingerprinter
	enabled bool
	cache   Cache
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewGate builds a gate over the store's pushed-content set.
func NewGate(store trend.Store, opts Options) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	fp, err := NewFingerprinter(opts.Mode, opts.Hasher)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		store:   store,
		fp:      fp,
		enabled: opts.Enabled,
		cache:   opts.Cache,
		ttl:     opts.CacheTTL,
		logger:  logger.Named("dedup"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if opts.Clock != nil {
		g.now = opts.Clock.Now
	}
	return g, nil
}

// Enabled reports whether deduplication is active.
func (g *Gate) Enabled() bool { return g.enabled }

// CheckMode compares the configured mode with the one recorded in the store.
// The first run records it; a mismatch fails with ErrDedupModeChanged. Stores
// without meta support are not checked.
func (g *Gate) CheckMode(ctx context.Context) error {
	if !g.enabled {
		return nil
	}
	meta, ok := g.store.(trend.MetaStore)
	if !ok {
		return nil
	}
	recorded, found, err := meta.GetMeta(ctx, MetaKeyMode)
	if err != nil {
		return fmt.Errorf("read dedup mode: %w", err)
	}
	if !found {
		if err := meta.SetMeta(ctx, MetaKeyMode, string(g.fp.Mode())); err != nil {
			return fmt.Errorf("record dedup mode: %w", err)
		}
		return nil
	}
	if recorded != string(g.fp.Mode()) {
		return fmt.Errorf("history built with %q, configured %q: %w", recorded, g.fp.Mode(), trend.ErrDedupModeChanged)
	}
	return nil
}

// Fingerprint computes an item's fingerprint in the configured mode.
func (g *Gate) Fingerprint(sourceID, title, url string) (string, error) {
	return g.fp.Fingerprint(sourceID, title, url)
}

// Admit returns one decision per fingerprint. A fingerprint repeated within
// the list is accepted only at its first position.
func (g *Gate) Admit(ctx context.Context, fingerprints []string) ([]Decision, error) {
	decisions := make([]Decision, len(fingerprints))
	if !g.enabled {
		for i := range decisions {
			decisions[i] = Accept
		}
		return decisions, nil
	}

	unique := make([]string, 0, len(fingerprints))
	seen := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		unique = append(unique, fp)
	}

	pushed, err := g.pushedSet(ctx, unique)
	if err != nil {
		return nil, err
	}

	first := make(map[string]struct{}, len(unique))
	accepted, rejected := 0, 0
	for i, fp := range fingerprints {
		_, dup := first[fp]
		first[fp] = struct{}{}
		if dup || pushed[fp] {
			decisions[i] = RejectDuplicate
			rejected++
			continue
		}
		decisions[i] = Accept
		accepted++
	}
	metrics.ObserveDedup("accept", accepted)
	metrics.ObserveDedup("reject_duplicate", rejected)
	return decisions, nil
}

// pushedSet returns the subset of fingerprints already delivered, consulting
// the cache before the store.
func (g *Gate) pushedSet(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	pushed := make(map[string]bool, len(fingerprints))
	lookup := fingerprints
	if g.cache != nil {
		hits, err := g.cache.Seen(ctx, fingerprints)
		if err != nil {
			g.logger.Warn("dedup cache lookup failed", zap.Error(err))
		} else {
			lookup = lookup[:0:0]
			for _, fp := range fingerprints {
				if hits[fp] {
					pushed[fp] = true
					continue
				}
				lookup = append(lookup, fp)
			}
		}
	}
	if len(lookup) > 0 {
		found, err := g.store.IsPushed(ctx, lookup)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		for fp, ok := range found {
			if ok {
				pushed[fp] = true
			}
		}
	}
	return pushed, nil
}

// Undelivered returns the refs whose fingerprint has not been pushed yet, in
// order. Incremental runs use it to retry seen items a failed delivery left
// behind. With deduplication disabled nothing is tracked, so nothing is
// returned.
func (g *Gate) Undelivered(ctx context.Context, refs []trend.ItemRef) ([]trend.ItemRef, error) {
	if !g.enabled || len(refs) == 0 {
		return nil, nil
	}
	fps := make([]string, len(refs))
	for i, ref := range refs {
		fp, err := g.Fingerprint(ref.Observation.SourceID, ref.Observation.Title, ref.Observation.URL)
		if err != nil {
			return nil, err
		}
		fps[i] = fp
	}
	pushed, err := g.pushedSet(ctx, fps)
	if err != nil {
		return nil, err
	}
	var out []trend.ItemRef
	for i, ref := range refs {
		if !pushed[fps[i]] {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Filter fingerprints entries and keeps the accepted ones in order. Entries
// with an empty Fingerprint get one computed.
func (g *Gate) Filter(ctx context.Context, entries []trend.DigestEntry) ([]trend.DigestEntry, int, error) {
	fps := make([]string, len(entries))
	for i := range entries {
		if entries[i].Fingerprint == "" {
			fp, err := g.Fingerprint(entries[i].SourceID, entries[i].Title, entries[i].URL)
			if err != nil {
				return nil, 0, err
			}
			entries[i].Fingerprint = fp
		}
		fps[i] = entries[i].Fingerprint
	}
	decisions, err := g.Admit(ctx, fps)
	if err != nil {
		return nil, 0, err
	}
	accepted := make([]trend.DigestEntry, 0, len(entries))
	duplicates := 0
	for i, d := range decisions {
		if d == Accept {
			accepted = append(accepted, entries[i])
			continue
		}
		duplicates++
	}
	return accepted, duplicates, nil
}

// Commit marks delivered entries as pushed. It is idempotent.
func (g *Gate) Commit(ctx context.Context, entries []trend.DigestEntry) error {
	if !g.enabled || len(entries) == 0 {
		return nil
	}
	at := g.now()
	items := make([]trend.PushedContent, 0, len(entries))
	fps := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Fingerprint == "" {
			return errors.New("commit: entry without fingerprint")
		}
		items = append(items, trend.PushedContent{
			Fingerprint: e.Fingerprint,
			SourceID:    e.SourceID,
			Title:       e.Title,
			URL:         e.URL,
			PushedAt:    at,
		})
		fps = append(fps, e.Fingerprint)
	}
	if err := g.store.RecordPushed(ctx, items); err != nil {
		return fmt.Errorf("commit pushed content: %w", err)
	}
	if g.cache != nil {
		if err := g.cache.Remember(ctx, fps, g.ttl); err != nil {
			g.logger.Warn("dedup cache write failed", zap.Int("count", len(fps)), zap.Error(err))
		}
	}
	return nil
}
