// Package config loads and validates trendradar configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Report modes select which observations become notification candidates.
const (
	ReportIncremental = "incremental"
	ReportCurrent     = "current"
	ReportDaily       = "daily"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Sources    []SourceConfig   `mapstructure:"sources"`
	Hotlist    HotlistConfig    `mapstructure:"hotlist"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	PushWindow PushWindowConfig `mapstructure:"push_window"`
	Channels   []ChannelConfig  `mapstructure:"channels"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// AppConfig holds report-level settings.
type AppConfig struct {
	Timezone   string `mapstructure:"timezone"`
	ReportMode string `mapstructure:"report_mode"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the fetch pool and adapter behavior.
type CrawlerConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RetryBackoffMs    int     `mapstructure:"retry_backoff_ms"`
	UserAgent         string  `mapstructure:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RunTimeoutSeconds int     `mapstructure:"run_timeout_seconds"`
	IntervalMinutes   int     `mapstructure:"interval_minutes"`
}

// SourceConfig declares one polled source.
type SourceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

// HotlistConfig points at the aggregated hot-list API.
type HotlistConfig struct {
	APIURL string `mapstructure:"api_url"`
}

// StorageConfig selects and configures the incremental store backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// KeywordConfig is one configured interest keyword.
type KeywordConfig struct {
	Pattern  string   `mapstructure:"pattern" yaml:"pattern"`
	Mode     string   `mapstructure:"mode" yaml:"mode"`
	Weight   *float64 `mapstructure:"weight" yaml:"weight"`
	Required bool     `mapstructure:"required" yaml:"required"`
	Exclude  bool     `mapstructure:"exclude" yaml:"exclude"`
	Display  string   `mapstructure:"display" yaml:"display"`
}

// ScoringConfig carries the weights and thresholds of the scoring engine.
type ScoringConfig struct {
	RankWeight            float64         `mapstructure:"rank_weight"`
	FrequencyWeight       float64         `mapstructure:"frequency_weight"`
	KeywordWeight         float64         `mapstructure:"keyword_weight"`
	FrequencyWindowHours  int             `mapstructure:"frequency_window_hours"`
	FrequencyCeiling      int             `mapstructure:"frequency_ceiling"`
	NeutralRankTerm       float64         `mapstructure:"neutral_rank_term"`
	RankThreshold         int             `mapstructure:"rank_threshold"`
	FirstAppearanceWeight float64         `mapstructure:"first_appearance_weight"`
	HotnessWeight         float64         `mapstructure:"hotness_weight"`
	InclusiveOnly         bool            `mapstructure:"inclusive_only"`
	Keywords              []KeywordConfig `mapstructure:"keywords"`
	KeywordsFile          string          `mapstructure:"keywords_file"`
}

// DedupConfig controls the deduplication gate and its optional cache.
type DedupConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Mode          string `mapstructure:"mode"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisTTLHours int    `mapstructure:"redis_ttl_hours"`
}

// PushWindowConfig restricts when notifications may go out.
type PushWindowConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Start      string `mapstructure:"start"`
	End        string `mapstructure:"end"`
	OncePerDay bool   `mapstructure:"once_per_day"`
}

// ChannelConfig declares one delivery channel.
type ChannelConfig struct {
	Name           string `mapstructure:"name"`
	Type           string `mapstructure:"type"`
	URL            string `mapstructure:"url"`
	Topic          string `mapstructure:"topic"`
	MaxItems       int    `mapstructure:"max_items"`
	MaxBytes       int    `mapstructure:"max_bytes"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ArchiveConfig sets where crawl snapshots are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe delivery.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRENDRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.report_mode", ReportIncremental)
	v.SetDefault("logging.development", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_backoff_ms", 1000)
	v.SetDefault("crawler.user_agent", "trendradar/0.1")
	v.SetDefault("crawler.requests_per_second", 2.0)
	v.SetDefault("crawler.run_timeout_seconds", 300)
	v.SetDefault("crawler.interval_minutes", 30)
	v.SetDefault("hotlist.api_url", "https://newsnow.busiyi.world/api/s")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/trendradar.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("scoring.rank_weight", 0.4)
	v.SetDefault("scoring.frequency_weight", 0.3)
	v.SetDefault("scoring.keyword_weight", 0.3)
	v.SetDefault("scoring.frequency_window_hours", 24)
	v.SetDefault("scoring.frequency_ceiling", 10)
	v.SetDefault("scoring.neutral_rank_term", 5.0)
	v.SetDefault("scoring.rank_threshold", 3)
	v.SetDefault("scoring.first_appearance_weight", 0.0)
	v.SetDefault("scoring.hotness_weight", 0.0)
	v.SetDefault("scoring.inclusive_only", true)
	v.SetDefault("scoring.keywords_file", "")
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.mode", "url_hash")
	v.SetDefault("dedup.redis_addr", "")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.redis_ttl_hours", 72)
	v.SetDefault("push_window.enabled", false)
	v.SetDefault("push_window.start", "08:00")
	v.SetDefault("push_window.end", "22:00")
	v.SetDefault("push_window.once_per_day", false)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("pubsub.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err)
	}
	switch c.App.ReportMode {
	case ReportIncremental, ReportCurrent, ReportDaily:
	default:
		return fmt.Errorf("app.report_mode must be one of incremental|current|daily, got %q", c.App.ReportMode)
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateScoring(); err != nil {
		return err
	}
	switch c.Dedup.Mode {
	case "url_hash", "title_source_hash":
	default:
		return fmt.Errorf("dedup.mode must be url_hash or title_source_hash, got %q", c.Dedup.Mode)
	}
	if c.PushWindow.Enabled {
		if _, err := ParseClock(c.PushWindow.Start); err != nil {
			return fmt.Errorf("push_window.start: %w", err)
		}
		if _, err := ParseClock(c.PushWindow.End); err != nil {
			return fmt.Errorf("push_window.end: %w", err)
		}
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none|local|gcs|memory, got %q", c.Archive.Backend)
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id must be set", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, src.ID)
		}
		seen[src.ID] = struct{}{}
		switch src.Type {
		case "hotlist":
			if c.Hotlist.APIURL == "" {
				return fmt.Errorf("hotlist.api_url must be set for hotlist source %q", src.ID)
			}
		case "feed":
			if src.URL == "" {
				return fmt.Errorf("sources[%d].url must be set for feed source %q", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d].type must be hotlist or feed, got %q", i, src.Type)
		}
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of sqlite|postgres|memory, got %q", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateScoring() error {
	s := c.Scoring
	if s.RankWeight < 0 || s.FrequencyWeight < 0 || s.KeywordWeight < 0 {
		return fmt.Errorf("scoring weights must be >= 0")
	}
	if s.FrequencyCeiling <= 0 {
		return fmt.Errorf("scoring.frequency_ceiling must be > 0")
	}
	if s.FrequencyWindowHours <= 0 {
		return fmt.Errorf("scoring.frequency_window_hours must be > 0")
	}
	for i, kw := range s.Keywords {
		if strings.TrimSpace(kw.Pattern) == "" {
			return fmt.Errorf("scoring.keywords[%d].pattern must be set", i)
		}
		if kw.Weight != nil && *kw.Weight < 0 {
			return fmt.Errorf("scoring.keywords[%d].weight must be >= 0", i)
		}
		switch kw.Mode {
		case "", "substring", "regex":
		default:
			return fmt.Errorf("scoring.keywords[%d].mode must be substring or regex, got %q", i, kw.Mode)
		}
	}
	return nil
}

func (c Config) validateChannels() error {
	names := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name must be set", i)
		}
		if _, dup := names[ch.Name]; dup {
			return fmt.Errorf("channels[%d].name %q is duplicated", i, ch.Name)
		}
		names[ch.Name] = struct{}{}
		if ch.MaxItems < 0 || ch.MaxBytes < 0 {
			return fmt.Errorf("channels[%d] limits must be >= 0", i)
		}
		switch ch.Type {
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channels[%d].url must be set for webhook channel %q", i, ch.Name)
			}
		case "pubsub":
			if ch.Topic == "" {
				return fmt.Errorf("channels[%d].topic must be set for pubsub channel %q", i, ch.Name)
			}
			if c.PubSub.ProjectID == "" {
				return fmt.Errorf("pubsub.project_id must be set when a pubsub channel is configured")
			}
		case "log":
		default:
			return fmt.Errorf("channels[%d].type must be one of webhook|pubsub|log, got %q", i, ch.Type)
		}
	}
	return nil
}

// Location resolves the report timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FetchTimeout bounds a single source fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// RunTimeout bounds a whole run; zero disables the bound.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Crawler.RunTimeoutSeconds) * time.Second
}

// Interval is the period of the serve-mode loop.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Crawler.IntervalMinutes) * time.Minute
}

// FrequencyWindow is the trailing window counted by frequency scoring.
func (c Config) FrequencyWindow() time.Duration {
	return time.Duration(c.Scoring.FrequencyWindowHours) * time.Hour
}

// ParseClock parses an HH:MM wall-clock time into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
