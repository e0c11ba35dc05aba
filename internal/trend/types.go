package trend

import (
	"time"
)

// SourceKind distinguishes ranked hot-list platforms from unranked feeds.
type SourceKind string

// Supported source kinds.
const (
	SourceKindHotlist SourceKind = "hotlist"
	SourceKindFeed    SourceKind = "feed"
)

// Source identifies a platform or feed that is polled on every crawl.
type Source struct {
	ID   string     `json:"id" mapstructure:"id"`
	Name string     `json:"name" mapstructure:"name"`
	Kind SourceKind `json:"kind" mapstructure:"type"`
	URL  string     `json:"url,omitempty" mapstructure:"url"`
}

// DisplayName falls back to the id when no name is configured.
func (s Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// RawItem is what a source adapter returns before normalization.
type RawItem struct {
	Title       string
	URL         string
	MobileURL   string
	MediaURL    string
	Rank        *int
	PublishedAt *time.Time
	Extra       map[string]string
}

// Observation is one normalized sighting of an item during one crawl.
type Observation struct {
	SourceID    string            `json:"source_id"`
	NaturalKey  string            `json:"natural_key"`
	Title       string            `json:"title"`
	Rank        *int              `json:"rank,omitempty"`
	URL         string            `json:"url"`
	MediaURL    string            `json:"media_url,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RankValue returns the rank and whether one was observed.
func (o Observation) RankValue() (int, bool) {
	if o.Rank == nil {
		return 0, false
	}
	return *o.Rank, true
}

// IntPtr is a small helper for optional ranks.
func IntPtr(v int) *int {
	return &v
}

// CrawlStatus is the per-source outcome recorded for a crawl batch.
type CrawlStatus string

// Crawl statuses persisted in crawl_source_status.status and crawl_records.status.
const (
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusFailed  CrawlStatus = "failed"
	CrawlStatusPartial CrawlStatus = "partial"
)

// BatchHandle identifies an open crawl batch.
type BatchHandle struct {
	ID        int64
	CrawlTime time.Time
}

// DeltaKind tells whether an observation was the first sighting of its item.
type DeltaKind string

// Delta kinds.
const (
	DeltaNew  DeltaKind = "new"
	DeltaSeen DeltaKind = "seen"
)

// ItemRef is the store's answer for one upserted observation.
type ItemRef struct {
	ItemID           int64
	Kind             DeltaKind
	Observation      Observation
	ObservationCount int
	FirstSeenAt      time.Time
	// Position is the observation's index in the normalizer output.
	Position int
}

// Delta is the new-vs-seen classification of one source's observations.
type Delta struct {
	New  []ItemRef
	Seen []ItemRef
}

// All returns new and seen refs merged back into observation order.
func (d Delta) All() []ItemRef {
	out := make([]ItemRef, 0, len(d.New)+len(d.Seen))
	i, j := 0, 0
	for i < len(d.New) || j < len(d.Seen) {
		switch {
		case j >= len(d.Seen):
			out = append(out, d.New[i])
			i++
		case i >= len(d.New):
			out = append(out, d.Seen[j])
			j++
		case d.New[i].Position <= d.Seen[j].Position:
			out = append(out, d.New[i])
			i++
		default:
			out = append(out, d.Seen[j])
			j++
		}
	}
	return out
}

// Len returns the number of refs in the delta.
func (d Delta) Len() int {
	return len(d.New) + len(d.Seen)
}

// TitleChange is one row of the append-only title change log.
type TitleChange struct {
	ItemID    int64     `json:"item_id"`
	OldTitle  string    `json:"old_title"`
	NewTitle  string    `json:"new_title"`
	ChangedAt time.Time `json:"changed_at"`
}

// RankPoint is one row of an item's observation time series. Rank is nil
// for sources that do not rank their items.
type RankPoint struct {
	ItemID     int64     `json:"item_id"`
	Rank       *int      `json:"rank,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// DailyTrend aggregates one item's sightings within a day.
type DailyTrend struct {
	ItemID      int64     `json:"item_id"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	BestRank    *int      `json:"best_rank,omitempty"`
	Occurrences int       `json:"occurrences"`
}

// PushedContent is one entry of the durable deduplication memory.
type PushedContent struct {
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PushedAt    time.Time `json:"pushed_at"`
}

// DigestEntry is one prioritized, deduplicated item handed to delivery.
type DigestEntry struct {
	Fingerprint string    `json:"fingerprint"`
	ItemID      int64     `json:"item_id"`
	SourceID    string    `json:"source_id"`
	SourceName  string    `json:"source_name"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Rank        *int      `json:"rank,omitempty"`
	Score       float64   `json:"score"`
	Kind        DeltaKind `json:"kind"`
	Keywords    []string  `json:"keywords,omitempty"`
}

// Limits bounds a channel's delivery batches.
type Limits struct {
	MaxItems int `json:"max_items"`
	MaxBytes int `json:"max_bytes"`
}

// Batch is a channel-size-bounded group of digest entries sent in one call.
type Batch struct {
	Channel    string        `json:"channel"`
	ReportType string        `json:"report_type"`
	Index      int           `json:"index"`
	Total      int           `json:"total"`
	Entries    []DigestEntry `json:"entries"`
}

// SourceResult summarizes one source's part of a run.
type SourceResult struct {
	SourceID  string      `json:"source_id"`
	Status    CrawlStatus `json:"status"`
	New       int         `json:"new"`
	Seen      int         `json:"seen"`
	Malformed int         `json:"malformed"`
	Error     string      `json:"error,omitempty"`
}

// ChannelResult summarizes delivery on one channel.
type ChannelResult struct {
	Channel       string `json:"channel"`
	Batches       int    `json:"batches"`
	FailedBatches int    `json:"failed_batches"`
	Delivered     int    `json:"delivered"`
	Error         string `json:"error,omitempty"`
}

// RunSummary is returned by every run, including partially failed ones.
type RunSummary struct {
	RunID          string                  `json:"run_id"`
	CrawlTime      time.Time               `json:"crawl_time"`
	Status         CrawlStatus             `json:"status"`
	Sources        map[string]SourceResult `json:"sources"`
	Channels       []ChannelResult         `json:"channels,omitempty"`
	NewCount       int                     `json:"new_count"`
	SeenCount      int                     `json:"seen_count"`
	MalformedCount int                     `json:"malformed_count"`
	FilteredCount  int                     `json:"filtered_count"`
	DuplicateCount int                     `json:"duplicate_count"`
	PushedCount    int                     `json:"pushed_count"`
	PushSkipped    string                  `json:"push_skipped,omitempty"`
	Duration       time.Duration           `json:"duration"`
}

// CrawlRecord is the persisted view of one crawl batch.
type CrawlRecord struct {
	ID         int64                  `json:"id"`
	CrawlTime  time.Time              `json:"crawl_time"`
	TotalItems int                    `json:"total_items"`
	Status     CrawlStatus            `json:"status,omitempty"`
	Sources    map[string]CrawlStatus `json:"sources"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}
