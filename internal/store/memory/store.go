// Package memory provides an in-memory trend.Store for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/trendradar/internal/store"
	"github.com/JakeFAU/trendradar/internal/trend"
)

var errUnknownBatch = errors.New("unknown crawl batch")

type itemKey struct {
	sourceID   string
	naturalKey string
}

type itemRow struct {
	id          int64
	obs         trend.Observation
	firstSeenAt time.Time
	lastSeenAt  time.Time
	count       int
}

type batchRow struct {
	rec      trend.CrawlRecord
	finished bool
}

// Store keeps every entity in maps guarded by one mutex. Each call is
// atomic, which gives the same per-source isolation as a transaction.
type Store struct {
	mu sync.RWMutex

	now func() time.Time

	batches     map[int64]*batchRow
	batchByTime map[string]int64
	sources     map[string]trend.Source
	items       map[int64]*itemRow
	itemByKey   map[itemKey]int64
	titles      map[int64][]trend.TitleChange
	ranks       map[int64][]trend.RankPoint
	pushRecords map[string]time.Time
	pushed      map[string]trend.PushedContent
	meta        map[string]string

	nextBatchID int64
	nextItemID  int64
}

// New constructs an empty Store. A nil clock uses the wall clock.
func New(clock trend.Clock) *Store {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{
		now:         now,
		batches:     make(map[int64]*batchRow),
		batchByTime: make(map[string]int64),
		sources:     make(map[string]trend.Source),
		items:       make(map[int64]*itemRow),
		itemByKey:   make(map[itemKey]int64),
		titles:      make(map[int64][]trend.TitleChange),
		ranks:       make(map[int64][]trend.RankPoint),
		pushRecords: make(map[string]time.Time),
		pushed:      make(map[string]trend.PushedContent),
		meta:        make(map[string]string),
	}
}

// BeginCrawlBatch records a new crawl batch.
func (s *Store) BeginCrawlBatch(_ context.Context, crawlTime time.Time) (trend.BatchHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := store.FormatTime(crawlTime)
	if _, exists := s.batchByTime[key]; exists {
		return trend.BatchHandle{}, fmt.Errorf("begin crawl batch %s: %w", key, trend.ErrDuplicateBatch)
	}
	s.nextBatchID++
	h := trend.BatchHandle{ID: s.nextBatchID, CrawlTime: crawlTime.UTC()}
	s.batches[h.ID] = &batchRow{rec: trend.CrawlRecord{
		ID:        h.ID,
		CrawlTime: h.CrawlTime,
		Sources:   make(map[string]trend.CrawlStatus),
	}}
	s.batchByTime[key] = h.ID
	return h, nil
}

func (s *Store) openBatch(h trend.BatchHandle) (*batchRow, error) {
	b, ok := s.batches[h.ID]
	if !ok {
		return nil, store.Fatal("lookup batch", errUnknownBatch)
	}
	if b.finished {
		return nil, trend.ErrBatchFinished
	}
	return b, nil
}

// RecordSourceStatus upserts the outcome of one source for the batch.
func (s *Store) RecordSourceStatus(_ context.Context, h trend.BatchHandle, sourceID string, status trend.CrawlStatus) error {
	if err := store.ValidateStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.openBatch(h)
	if err != nil {
		return err
	}
	b.rec.Sources[sourceID] = status
	return nil
}

// UpsertObservations applies one source's observations in order.
func (s *Store) UpsertObservations(
	_ context.Context,
	h trend.BatchHandle,
	source trend.Source,
	obs []trend.Observation,
) (trend.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.openBatch(h); err != nil {
		return trend.Delta{}, err
	}
	s.sources[source.ID] = source

	var delta trend.Delta
	at := h.CrawlTime
	for pos, o := range obs {
		key := itemKey{sourceID: source.ID, naturalKey: o.NaturalKey}
		id, exists := s.itemByKey[key]
		if !exists {
			s.nextItemID++
			id = s.nextItemID
			s.items[id] = &itemRow{id: id, obs: o, firstSeenAt: at, lastSeenAt: at, count: 1}
			s.itemByKey[key] = id
			s.ranks[id] = append(s.ranks[id], trend.RankPoint{ItemID: id, Rank: copyRank(o.Rank), ObservedAt: at})
			delta.New = append(delta.New, s.ref(s.items[id], trend.DeltaNew, o, pos))
			continue
		}
		row := s.items[id]
		if row.obs.Title != o.Title {
			s.titles[id] = append(s.titles[id], trend.TitleChange{
				ItemID: id, OldTitle: row.obs.Title, NewTitle: o.Title, ChangedAt: at,
			})
		}
		media := row.obs.MediaURL
		row.obs = o
		if row.obs.MediaURL == "" {
			row.obs.MediaURL = media
		}
		row.lastSeenAt = at
		row.count++
		s.ranks[id] = append(s.ranks[id], trend.RankPoint{ItemID: id, Rank: copyRank(o.Rank), ObservedAt: at})
		delta.Seen = append(delta.Seen, s.ref(row, trend.DeltaSeen, o, pos))
	}
	return delta, nil
}

func (s *Store) ref(row *itemRow, kind trend.DeltaKind, o trend.Observation, pos int) trend.ItemRef {
	return trend.ItemRef{
		ItemID:           row.id,
		Kind:             kind,
		Observation:      o,
		ObservationCount: row.count,
		FirstSeenAt:      row.firstSeenAt,
		Position:         pos,
	}
}

// FinishCrawlBatch writes the total and closes the batch.
func (s *Store) FinishCrawlBatch(_ context.Context, h trend.BatchHandle, totalItems int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.openBatch(h)
	if err != nil {
		return err
	}
	statuses := make([]trend.CrawlStatus, 0, len(b.rec.Sources))
	for _, st := range b.rec.Sources {
		statuses = append(statuses, st)
	}
	finished := s.now().UTC()
	b.rec.TotalItems = totalItems
	b.rec.Status = store.DeriveBatchStatus(statuses)
	b.rec.FinishedAt = &finished
	b.finished = true
	return nil
}

// FrequencySince counts history rows for the item at or after since.
func (s *Store) FrequencySince(_ context.Context, itemID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.ranks[itemID] {
		if !p.ObservedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func pushKey(date, reportType string) string {
	return date + "|" + reportType
}

// HasPushRecord reports whether the report was already pushed.
func (s *Store) HasPushRecord(_ context.Context, date string, reportType string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pushRecords[pushKey(date, reportType)]
	return ok, nil
}

// WritePushRecord stores the push record, failing if one exists.
func (s *Store) WritePushRecord(_ context.Context, date string, reportType string, pushedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pushKey(date, reportType)
	if _, ok := s.pushRecords[key]; ok {
		return fmt.Errorf("push record %s/%s: %w", date, reportType, trend.ErrAlreadyPushed)
	}
	s.pushRecords[key] = pushedAt.UTC()
	return nil
}

// IsPushed looks up fingerprints in the pushed-content set.
func (s *Store) IsPushed(_ context.Context, fingerprints []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		if _, ok := s.pushed[fp]; ok {
			out[fp] = true
		}
	}
	return out, nil
}

// RecordPushed inserts fingerprints, keeping the first entry of each.
func (s *Store) RecordPushed(_ context.Context, items []trend.PushedContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if _, ok := s.pushed[it.Fingerprint]; ok {
			continue
		}
		s.pushed[it.Fingerprint] = it
	}
	return nil
}

// RankHistory returns the item's time series in observation order.
func (s *Store) RankHistory(_ context.Context, itemID int64) ([]trend.RankPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trend.RankPoint, 0, len(s.ranks[itemID]))
	for _, p := range s.ranks[itemID] {
		p.Rank = copyRank(p.Rank)
		out = append(out, p)
	}
	return out, nil
}

// TitleChanges returns the item's title change log.
func (s *Store) TitleChanges(_ context.Context, itemID int64) ([]trend.TitleChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]trend.TitleChange(nil), s.titles[itemID]...), nil
}

// CrawlBatches lists batches newest first.
func (s *Store) CrawlBatches(_ context.Context, limit int) ([]trend.CrawlRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trend.CrawlRecord, 0, len(s.batches))
	for _, b := range s.batches {
		rec := b.rec
		rec.Sources = make(map[string]trend.CrawlStatus, len(b.rec.Sources))
		for k, v := range b.rec.Sources {
			rec.Sources[k] = v
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrawlTime.After(out[j].CrawlTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMeta returns a stored setting.
func (s *Store) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

// SetMeta stores a setting.
func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func copyRank(r *int) *int {
	if r == nil {
		return nil
	}
	return trend.IntPtr(*r)
}
