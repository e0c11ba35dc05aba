// Package dedup decides whether an item was already delivered, keyed by a
// content fingerprint, and records fingerprints once delivery succeeds.
package dedup

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Mode selects the fingerprint function. Modes must not be switched on a
// deployment without clearing pushed-content history.
type Mode string

// Supported fingerprint modes.
const (
	ModeURLHash         Mode = "url_hash"
	ModeTitleSourceHash Mode = "title_source_hash"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeURLHash, ModeTitleSourceHash:
		return Mode(s), nil
	case "":
		return ModeURLHash, nil
	}
	return "", fmt.Errorf("unknown dedup mode %q", s)
}

// Fingerprinter computes content fingerprints for one mode.
type Fingerprinter struct {
	mode   Mode
	hasher trend.Hasher
}

// NewFingerprinter builds a fingerprinter.
func NewFingerprinter(mode Mode, hasher trend.Hasher) (Fingerprinter, error) {
	if hasher == nil {
		return Fingerprinter{}, fmt.Errorf("hasher is required")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return Fingerprinter{}, err
	}
	return Fingerprinter{mode: mode, hasher: hasher}, nil
}

// Mode returns the active mode.
func (f Fingerprinter) Mode() Mode { return f.mode }

// Fingerprint hashes the item. url_hash falls back to title+source when the
// item has no URL.
func (f Fingerprinter) Fingerprint(sourceID, title, rawURL string) (string, error) {
	var key string
	normalized := NormalizeURL(rawURL)
	if f.mode == ModeURLHash && normalized != "" {
		key = "url:" + normalized
	} else {
		key = "title:" + sourceID + ":" + strings.ToLower(strings.TrimSpace(title))
	}
	fp, err := f.hasher.Hash([]byte(key))
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fp, nil
}

// NormalizeURL lower-cases scheme and host, drops the fragment and a trailing
// slash. Unparseable input is only trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	return u.String()
}
