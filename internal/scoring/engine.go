package scoring

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/trend"
)

const (
	// BaseRankScore minus the capped rank gives the rank term.
	BaseRankScore = 11
	// MaxRankScore caps both the rank and the frequency count.
	MaxRankScore = 10
	// FrequencyMultiplier scales the capped frequency.
	FrequencyMultiplier = 10
)

// Weights are opaque multipliers for the three base terms.
type Weights struct {
	Rank      float64
	Frequency float64
	Keyword   float64
}

// Options configures an Engine.
type Options struct {
	Weights          Weights
	FrequencyCeiling int
	NeutralRankTerm  float64
	InclusiveOnly    bool
	Keywords         []Keyword
	Signals          []WeightedSignal
	Logger           *zap.Logger
}

// Input is everything needed to score one item.
type Input struct {
	ItemID      int64
	Observation trend.Observation
	Kind        trend.DeltaKind
	Frequency   int
	Matches     []Match
}

// Candidate is an item from the current crawl eligible for the digest.
type Candidate struct {
	Ref        trend.ItemRef
	SourceName string
	Frequency  int
}

// Scored is a candidate that survived filtering.
type Scored struct {
	Candidate
	Score   float64
	Matches []Match
}

// Keywords returns the display names of the matched keywords.
func (s Scored) Keywords() []string {
	if len(s.Matches) == 0 {
		return nil
	}
	out := make([]string, len(s.Matches))
	for i, m := range s.Matches {
		out[i] = m.Keyword
	}
	return out
}

// Engine scores and filters candidates.
type Engine struct {
	weights       Weights
	ceiling       int
	neutral       float64
	inclusiveOnly bool
	matcher       *Matcher
	signals       []WeightedSignal
	logger        *zap.Logger
}

// New builds an Engine from explicit options.
func New(opts Options) (*Engine, error) {
	matcher, err := NewMatcher(opts.Keywords)
	if err != nil {
		return nil, err
	}
	ceiling := opts.FrequencyCeiling
	if ceiling <= 0 {
		ceiling = MaxRankScore
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		weights:       opts.Weights,
		ceiling:       ceiling,
		neutral:       opts.NeutralRankTerm,
		inclusiveOnly: opts.InclusiveOnly,
		matcher:       matcher,
		signals:       opts.Signals,
		logger:        logger.Named("scoring"),
	}, nil
}

// NewFromConfig builds an Engine from the scoring section, loading the keyword
// file when one is set. history may be nil, which disables the hotness signal.
func NewFromConfig(cfg config.ScoringConfig, history trend.ItemHistory, logger *zap.Logger) (*Engine, error) {
	keywords := FromConfig(cfg.Keywords)
	if cfg.KeywordsFile != "" {
		fromFile, err := LoadKeywordFile(cfg.KeywordsFile)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, fromFile...)
	}
	var signals []WeightedSignal
	if cfg.FirstAppearanceWeight > 0 {
		signals = append(signals, WeightedSignal{Signal: FirstAppearanceSignal{}, Weight: cfg.FirstAppearanceWeight})
	}
	if cfg.HotnessWeight > 0 && history != nil {
		signals = append(signals, WeightedSignal{
			Signal: HotnessSignal{History: history, Threshold: cfg.RankThreshold},
			Weight: cfg.HotnessWeight,
		})
	}
	engine, err := New(Options{
		Weights: Weights{
			Rank:      cfg.RankWeight,
			Frequency: cfg.FrequencyWeight,
			Keyword:   cfg.KeywordWeight,
		},
		FrequencyCeiling: cfg.FrequencyCeiling,
		NeutralRankTerm:  cfg.NeutralRankTerm,
		InclusiveOnly:    cfg.InclusiveOnly,
		Keywords:         keywords,
		Signals:          signals,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build scoring engine: %w", err)
	}
	return engine, nil
}

// RankTerm is inversely monotonic in rank; a missing rank yields the neutral term.
func (e *Engine) RankTerm(rank *int) float64 {
	if rank == nil {
		return e.neutral
	}
	r := *rank
	if r < 1 {
		r = 1
	}
	return float64(BaseRankScore - min(r, MaxRankScore))
}

// FrequencyTerm saturates at the configured ceiling.
func (e *Engine) FrequencyTerm(n int) float64 {
	if n < 0 {
		n = 0
	}
	return float64(min(n, e.ceiling) * FrequencyMultiplier)
}

// KeywordTerm sums match weights.
func KeywordTerm(matches []Match) float64 {
	var sum float64
	for _, m := range matches {
		sum += m.Weight
	}
	return sum
}

// Score computes the weighted score of one item. Signal failures are logged
// and contribute nothing.
func (e *Engine) Score(ctx context.Context, in Input) float64 {
	score := e.RankTerm(in.Observation.Rank)*e.weights.Rank +
		e.FrequencyTerm(in.Frequency)*e.weights.Frequency +
		KeywordTerm(in.Matches)*e.weights.Keyword
	for _, ws := range e.signals {
		v, err := ws.Signal.Score(ctx, in)
		if err != nil {
			e.logger.Warn("signal failed",
				zap.String("signal", ws.Signal.Name()),
				zap.Int64("item_id", in.ItemID),
				zap.Error(err),
			)
			continue
		}
		score += v * ws.Weight
	}
	return score
}

// Filter reports the keyword matches for title and whether the item is kept.
func (e *Engine) Filter(title string) ([]Match, bool) {
	matches, ok := e.matcher.Match(title)
	if !ok {
		return nil, false
	}
	if e.inclusiveOnly && e.matcher.HasPositive() && len(matches) == 0 {
		return nil, false
	}
	return matches, true
}

// Rank filters, scores and orders candidates by score descending. Ties keep
// earlier first-seen items first, then input order. filtered counts the
// candidates dropped by keyword filtering.
func (e *Engine) Rank(ctx context.Context, candidates []Candidate) (ranked []Scored, filtered int) {
	ranked = make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		matches, ok := e.Filter(c.Ref.Observation.Title)
		if !ok {
			filtered++
			continue
		}
		score := e.Score(ctx, Input{
			ItemID:      c.Ref.ItemID,
			Observation: c.Ref.Observation,
			Kind:        c.Ref.Kind,
			Frequency:   c.Frequency,
			Matches:     matches,
		})
		ranked = append(ranked, Scored{Candidate: c, Score: score, Matches: matches})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Ref.FirstSeenAt.Before(ranked[j].Ref.FirstSeenAt)
	})
	return ranked, filtered
}
