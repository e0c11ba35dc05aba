package scoring

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/trendradar/internal/config"
)

// Mode selects how a keyword pattern is matched against a title.
type Mode string

// Supported keyword modes.
const (
	ModeSubstring Mode = "substring"
	ModeRegex     Mode = "regex"
)

// Keyword is one interest keyword. Required keywords must all match for an
// item to survive filtering; an Exclude match drops the item. A nil Weight
// means the default of 1; an explicit 0 keeps the match but adds nothing.
type Keyword struct {
	Pattern  string
	Mode     Mode
	Weight   *float64
	Required bool
	Exclude  bool
	Display  string

	needle string
	re     *regexp.Regexp
}

// Match records a positive keyword hit on a title.
type Match struct {
	Keyword string
	Weight  float64
}

// Label is the name used when reporting the match.
func (k Keyword) Label() string {
	if k.Display != "" {
		return k.Display
	}
	return k.Pattern
}

// EffectiveWeight is the weight a match contributes.
func (k Keyword) EffectiveWeight() float64 {
	if k.Weight == nil {
		return 1
	}
	return *k.Weight
}

func (k *Keyword) compile() error {
	if strings.TrimSpace(k.Pattern) == "" {
		return fmt.Errorf("keyword pattern is empty")
	}
	if k.Mode == "" {
		k.Mode = ModeSubstring
	}
	switch k.Mode {
	case ModeSubstring:
		k.needle = strings.ToLower(strings.TrimSpace(k.Pattern))
	case ModeRegex:
		re, err := regexp.Compile("(?i)" + k.Pattern)
		if err != nil {
			return fmt.Errorf("compile keyword %q: %w", k.Pattern, err)
		}
		k.re = re
	default:
		return fmt.Errorf("keyword %q: unknown mode %q", k.Pattern, k.Mode)
	}
	return nil
}

func (k Keyword) matches(normalized string) bool {
	if k.re != nil {
		return k.re.MatchString(normalized)
	}
	return strings.Contains(normalized, k.needle)
}

// NormalizeTitle is the form keywords are matched against.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// FromConfig converts configured keywords.
func FromConfig(cfgs []config.KeywordConfig) []Keyword {
	out := make([]Keyword, 0, len(cfgs))
	for _, c := range cfgs {
		var weight *float64
		if c.Weight != nil {
			w := *c.Weight
			weight = &w
		}
		out = append(out, Keyword{
			Pattern:  c.Pattern,
			Mode:     Mode(c.Mode),
			Weight:   weight,
			Required: c.Required,
			Exclude:  c.Exclude,
			Display:  c.Display,
		})
	}
	return out
}

// ParseKeywordLines reads the line-oriented keyword syntax:
//
//	word          substring keyword
//	+word         required keyword
//	!word         exclude keyword
//	/regex/       regex keyword
//	word => Name  display name
//	word @2.5     weight
//
// Blank lines and lines starting with # are skipped.
func ParseKeywordLines(r io.Reader) ([]Keyword, error) {
	var out []Keyword
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kw, err := parseKeywordLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, kw)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keywords: %w", err)
	}
	return out, nil
}

func parseKeywordLine(line string) (Keyword, error) {
	var kw Keyword
	if pattern, display, ok := strings.Cut(line, "=>"); ok {
		line = strings.TrimSpace(pattern)
		kw.Display = strings.TrimSpace(display)
	}
	if i := strings.LastIndex(line, " @"); i >= 0 {
		w, err := strconv.ParseFloat(strings.TrimSpace(line[i+2:]), 64)
		if err != nil {
			return Keyword{}, fmt.Errorf("invalid weight in %q: %w", line, err)
		}
		kw.Weight = &w
		line = strings.TrimSpace(line[:i])
	}
	switch {
	case strings.HasPrefix(line, "+"):
		kw.Required = true
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		kw.Exclude = true
		line = line[1:]
	}
	kw.Mode = ModeSubstring
	if len(line) >= 2 && strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/") {
		kw.Mode = ModeRegex
		line = line[1 : len(line)-1]
	}
	kw.Pattern = line
	if err := kw.compile(); err != nil {
		return Keyword{}, err
	}
	return kw, nil
}

// LoadKeywordFile reads keywords from a .txt (line syntax) or .yaml file
// (a list of keyword objects).
func LoadKeywordFile(path string) ([]Keyword, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyword file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var cfgs []config.KeywordConfig
		if err := yaml.NewDecoder(f).Decode(&cfgs); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode keyword file %s: %w", path, err)
		}
		return FromConfig(cfgs), nil
	default:
		kws, err := ParseKeywordLines(f)
		if err != nil {
			return nil, fmt.Errorf("parse keyword file %s: %w", path, err)
		}
		return kws, nil
	}
}

// Matcher applies a compiled keyword set to titles.
type Matcher struct {
	include  []Keyword
	required []Keyword
	exclude  []Keyword
}

// NewMatcher compiles the keyword set.
func NewMatcher(keywords []Keyword) (*Matcher, error) {
	m := &Matcher{}
	for _, kw := range keywords {
		if err := kw.compile(); err != nil {
			return nil, err
		}
		switch {
		case kw.Exclude:
			m.exclude = append(m.exclude, kw)
		case kw.Required:
			m.required = append(m.required, kw)
		default:
			m.include = append(m.include, kw)
		}
	}
	return m, nil
}

// HasPositive reports whether any include or required keyword is configured.
func (m *Matcher) HasPositive() bool {
	return m != nil && len(m.include)+len(m.required) > 0
}

// Match returns the positive matches for title. ok is false when an exclude
// keyword hits or a required keyword is missing.
func (m *Matcher) Match(title string) (matches []Match, ok bool) {
	if m == nil {
		return nil, true
	}
	normalized := NormalizeTitle(title)
	for _, kw := range m.exclude {
		if kw.matches(normalized) {
			return nil, false
		}
	}
	for _, kw := range m.required {
		if !kw.matches(normalized) {
			return nil, false
		}
		matches = append(matches, Match{Keyword: kw.Label(), Weight: kw.EffectiveWeight()})
	}
	for _, kw := range m.include {
		if kw.matches(normalized) {
			matches = append(matches, Match{Keyword: kw.Label(), Weight: kw.EffectiveWeight()})
		}
	}
	return matches, true
}
