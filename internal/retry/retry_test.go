package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func fastPolicy(retryable func(error) bool) Policy {
	p := NewPolicy(retryable)
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

// TestDoRetriesUntilSuccess verifies transient failures are retried.
func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	retries := 0
	p := fastPolicy(nil)
	p.OnRetry = func(int, error) { retries++ }
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

// TestDoStopsAfterMaxAttempts verifies the attempt budget is bounded.
func TestDoStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(nil).Do(context.Background(), func(context.Context) error {
		calls++
		return errBusy
	})
	require.ErrorIs(t, err, errBusy)
	require.Equal(t, 3, calls)
}

// TestDoSkipsNonRetryable verifies the classifier short-circuits retries.
func TestDoSkipsNonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	p := fastPolicy(func(err error) bool { return errors.Is(err, errBusy) })
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestShouldRetryContextErrors(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.True(t, p.ShouldRetry(errBusy, 1))
	require.False(t, p.ShouldRetry(errBusy, 3))
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.LessOrEqual(t, d, p.MaxDelay)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
}
