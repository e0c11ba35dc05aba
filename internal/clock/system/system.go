// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Clock implements trend.Clock with time.Now in UTC.
type Clock struct{}

var _ trend.Clock = Clock{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock that always returns T. Useful for one-shot runs pinned to
// a crawl time and for tests.
type Fixed struct {
	T time.Time
}

// Now returns T.
func (f Fixed) Now() time.Time {
	return f.T
}
