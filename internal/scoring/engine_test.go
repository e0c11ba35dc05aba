package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/trend"
)

func defaultOptions(keywords ...Keyword) Options {
	return Options{
		Weights:          Weights{Rank: 0.4, Frequency: 0.3, Keyword: 0.3},
		FrequencyCeiling: 10,
		NeutralRankTerm:  5,
		InclusiveOnly:    true,
		Keywords:         keywords,
	}
}

func weight(w float64) *float64 { return &w }

func candidate(id int64, title string, rank *int, freq int) Candidate {
	return Candidate{
		Ref: trend.ItemRef{
			ItemID:      id,
			Kind:        trend.DeltaNew,
			Observation: trend.Observation{SourceID: "weibo", Title: title, Rank: rank, URL: "https://x/" + title},
			FirstSeenAt: time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC),
		},
		Frequency: freq,
	}
}

func TestRankTermIsInverselyMonotonic(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions())
	require.NoError(t, err)

	prev := e.RankTerm(trend.IntPtr(1))
	require.Equal(t, 10.0, prev)
	for r := 2; r <= 15; r++ {
		cur := e.RankTerm(trend.IntPtr(r))
		require.LessOrEqual(t, cur, prev, "rank %d", r)
		prev = cur
	}
	require.Equal(t, 1.0, e.RankTerm(trend.IntPtr(50)))
	require.Equal(t, 5.0, e.RankTerm(nil))
}

func TestFrequencyTermSaturates(t *testing.T) {
	t.Parallel()
	e, err := New(Options{FrequencyCeiling: 3})
	require.NoError(t, err)

	require.Equal(t, 0.0, e.FrequencyTerm(0))
	require.Equal(t, 20.0, e.FrequencyTerm(2))
	require.Equal(t, 30.0, e.FrequencyTerm(3))
	require.Equal(t, 30.0, e.FrequencyTerm(100))
}

func TestScoreCombinesTerms(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions())
	require.NoError(t, err)

	in := Input{
		Observation: trend.Observation{Title: "x", Rank: trend.IntPtr(1)},
		Frequency:   2,
		Matches:     []Match{{Keyword: "a", Weight: 1}, {Keyword: "b", Weight: 2}},
	}
	// 10*0.4 + 20*0.3 + 3*0.3
	require.InDelta(t, 10.9, e.Score(context.Background(), in), 1e-9)
}

func TestInclusiveOnlyKeywordScenario(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions(Keyword{Pattern: "AI", Mode: ModeSubstring}))
	require.NoError(t, err)

	matches, ok := e.Filter("AI breakthrough")
	require.True(t, ok)
	require.GreaterOrEqual(t, KeywordTerm(matches), 1.0)

	_, ok = e.Filter("Sports")
	require.False(t, ok)

	ranked, filtered := e.Rank(context.Background(), []Candidate{
		candidate(1, "AI breakthrough", trend.IntPtr(2), 1),
		candidate(2, "Sports", trend.IntPtr(1), 1),
	})
	require.Equal(t, 1, filtered)
	require.Len(t, ranked, 1)
	require.Equal(t, int64(1), ranked[0].Ref.ItemID)
	require.Equal(t, []string{"AI"}, ranked[0].Keywords())
}

func TestFilterWithoutKeywordsKeepsEverything(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions())
	require.NoError(t, err)

	_, ok := e.Filter("Sports")
	require.True(t, ok)
}

func TestFilterNotInclusiveKeepsUnmatched(t *testing.T) {
	t.Parallel()
	opts := defaultOptions(Keyword{Pattern: "AI"})
	opts.InclusiveOnly = false
	e, err := New(opts)
	require.NoError(t, err)

	matches, ok := e.Filter("Sports")
	require.True(t, ok)
	require.Empty(t, matches)
}

func TestRequiredAndExcludeKeywords(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions(
		Keyword{Pattern: "chip"},
		Keyword{Pattern: "nvidia", Required: true},
		Keyword{Pattern: "rumor", Exclude: true},
	))
	require.NoError(t, err)

	tests := []struct {
		title string
		keep  bool
	}{
		{title: "Nvidia unveils chip", keep: true},
		{title: "New chip from AMD", keep: false},
		{title: "Nvidia chip rumor", keep: false},
	}
	for _, tt := range tests {
		_, ok := e.Filter(tt.title)
		require.Equal(t, tt.keep, ok, tt.title)
	}
}

func TestRegexKeywordIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions(Keyword{Pattern: `\bgpt-\d+`, Mode: ModeRegex, Weight: weight(2)}))
	require.NoError(t, err)

	matches, ok := e.Filter("OpenAI ships GPT-5")
	require.True(t, ok)
	require.Equal(t, []Match{{Keyword: `\bgpt-\d+`, Weight: 2}}, matches)
}

func TestZeroWeightKeywordMatchesWithoutScore(t *testing.T) {
	t.Parallel()
	e, err := New(defaultOptions(
		Keyword{Pattern: "ai", Weight: weight(0)},
		Keyword{Pattern: "chip"},
	))
	require.NoError(t, err)

	matches, ok := e.Filter("AI news")
	require.True(t, ok)
	require.Equal(t, []Match{{Keyword: "ai", Weight: 0}}, matches)
	require.Zero(t, KeywordTerm(matches))

	matches, ok = e.Filter("AI chip news")
	require.True(t, ok)
	require.InDelta(t, 1.0, KeywordTerm(matches), 1e-9)
}

func TestNewRejectsBadRegex(t *testing.T) {
	t.Parallel()
	_, err := New(defaultOptions(Keyword{Pattern: "(", Mode: ModeRegex}))
	require.Error(t, err)
}

func TestRankOrdersByScoreThenFirstSeen(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Weights: Weights{Rank: 1}})
	require.NoError(t, err)

	older := candidate(3, "c", trend.IntPtr(5), 0)
	older.Ref.FirstSeenAt = older.Ref.FirstSeenAt.Add(-time.Hour)

	ranked, _ := e.Rank(context.Background(), []Candidate{
		candidate(1, "a", trend.IntPtr(5), 0),
		candidate(2, "b", trend.IntPtr(1), 0),
		older,
		candidate(4, "d", trend.IntPtr(5), 0),
	})
	ids := make([]int64, len(ranked))
	for i, s := range ranked {
		ids[i] = s.Ref.ItemID
	}
	require.Equal(t, []int64{2, 3, 1, 4}, ids)
}

type staticSignal struct {
	value float64
	err   error
}

func (s staticSignal) Name() string { return "static" }

func (s staticSignal) Score(context.Context, Input) (float64, error) { return s.value, s.err }

func TestSignalsAddWeightedScore(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Signals: []WeightedSignal{
		{Signal: staticSignal{value: 10}, Weight: 0.5},
		{Signal: staticSignal{value: 99, err: errors.New("boom")}, Weight: 1},
	}})
	require.NoError(t, err)

	require.Equal(t, 5.0, e.Score(context.Background(), Input{}))
}

func TestFirstAppearanceSignal(t *testing.T) {
	t.Parallel()
	s := FirstAppearanceSignal{}
	v, err := s.Score(context.Background(), Input{Kind: trend.DeltaNew})
	require.NoError(t, err)
	require.Equal(t, 100.0, v)

	v, err = s.Score(context.Background(), Input{Kind: trend.DeltaSeen})
	require.NoError(t, err)
	require.Zero(t, v)
}

type fakeHistory struct {
	points []trend.RankPoint
	err    error
}

func (f fakeHistory) RankHistory(context.Context, int64) ([]trend.RankPoint, error) {
	return f.points, f.err
}

func (f fakeHistory) TitleChanges(context.Context, int64) ([]trend.TitleChange, error) {
	return nil, nil
}

func TestHotnessSignal(t *testing.T) {
	t.Parallel()
	history := fakeHistory{points: []trend.RankPoint{
		{Rank: trend.IntPtr(1)},
		{Rank: trend.IntPtr(2)},
		{Rank: trend.IntPtr(8)},
		{Rank: nil},
		{Rank: trend.IntPtr(9)},
	}}
	v, err := HotnessSignal{History: history, Threshold: 3}.Score(context.Background(), Input{ItemID: 1})
	require.NoError(t, err)
	require.Equal(t, 50.0, v)

	v, err = HotnessSignal{History: fakeHistory{}, Threshold: 3}.Score(context.Background(), Input{})
	require.NoError(t, err)
	require.Zero(t, v)

	_, err = HotnessSignal{History: fakeHistory{err: errors.New("down")}}.Score(context.Background(), Input{})
	require.Error(t, err)
}

func TestNewFromConfigWiresSignals(t *testing.T) {
	t.Parallel()
	cfg := config.ScoringConfig{
		RankWeight:            0.4,
		FrequencyWeight:       0.3,
		KeywordWeight:         0.3,
		FrequencyCeiling:      10,
		NeutralRankTerm:       5,
		RankThreshold:         3,
		FirstAppearanceWeight: 0.1,
		HotnessWeight:         0.2,
		InclusiveOnly:         true,
		Keywords:              []config.KeywordConfig{{Pattern: "AI"}},
	}
	e, err := NewFromConfig(cfg, fakeHistory{}, nil)
	require.NoError(t, err)
	require.Len(t, e.signals, 2)

	e, err = NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, e.signals, 1)
}
