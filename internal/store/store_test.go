package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// TestFormatTimeSortsLexically verifies the text encoding preserves time order.
func TestFormatTimeSortsLexically(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC)
	a := FormatTime(base)
	b := FormatTime(base.Add(500 * time.Millisecond))
	c := FormatTime(base.Add(time.Second))
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.Len(t, a, len(c))

	parsed, err := ParseTime(b)
	require.NoError(t, err)
	require.True(t, parsed.Equal(base.Add(500*time.Millisecond)))
}

func TestFormatTimeNormalizesZone(t *testing.T) {
	t.Parallel()

	shanghai := time.FixedZone("CST", 8*3600)
	local := time.Date(2026, 1, 16, 16, 0, 0, 0, shanghai)
	require.Equal(t, "2026-01-16T08:00:00.000000000Z", FormatTime(local))
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	t.Parallel()

	got, err := ParseTime("2026-01-16T08:00:00+08:00")
	require.NoError(t, err)
	require.Equal(t, time.UTC, got.Location())
	require.Equal(t, 0, got.Hour())

	_, err = ParseTime("yesterday")
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("database is locked")
	err := Transient("upsert", cause)
	require.ErrorIs(t, err, trend.ErrStorageTransient)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, trend.ErrStorageFatal)

	err = Fatal("upsert", cause)
	require.ErrorIs(t, err, trend.ErrStorageFatal)
	require.Contains(t, err.Error(), "upsert")
}

// TestTransientRetryOnlyRetriesTransient checks the classifier wiring.
func TestTransientRetryOnlyRetriesTransient(t *testing.T) {
	t.Parallel()

	p := TransientRetry("test", nil)
	require.True(t, p.ShouldRetry(Transient("op", errors.New("busy")), 1))
	require.False(t, p.ShouldRetry(Fatal("op", errors.New("disk")), 1))
}

func TestDeriveBatchStatus(t *testing.T) {
	t.Parallel()

	s, f, p := trend.CrawlStatusSuccess, trend.CrawlStatusFailed, trend.CrawlStatusPartial
	tests := []struct {
		name string
		in   []trend.CrawlStatus
		want trend.CrawlStatus
	}{
		{name: "no sources", in: nil, want: s},
		{name: "all success", in: []trend.CrawlStatus{s, s}, want: s},
		{name: "all failed", in: []trend.CrawlStatus{f, f}, want: f},
		{name: "mixed", in: []trend.CrawlStatus{s, f}, want: p},
		{name: "interrupted", in: []trend.CrawlStatus{s, p}, want: p},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DeriveBatchStatus(tt.in))
		})
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	require.Nil(t, Chunk(nil, 10))
	require.Equal(t, [][]string{{"a", "b"}}, Chunk([]string{"a", "b"}, 10))
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, Chunk([]string{"a", "b", "c"}, 2))
}

func TestValidateStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateStatus(trend.CrawlStatusPartial))
	require.Error(t, ValidateStatus("running"))
}
