package digest

import (
	"fmt"
	"time"

	"github.com/JakeFAU/trendradar/internal/config"
)

// Window restricts pushes to a time-of-day range in a location. Start and End
// are minutes after midnight; a Start later than End wraps past midnight.
type Window struct {
	Enabled    bool
	Start      int
	End        int
	OncePerDay bool
	Location   *time.Location
}

// WindowFromConfig converts the push_window section.
func WindowFromConfig(cfg config.PushWindowConfig, loc *time.Location) (Window, error) {
	w := Window{Enabled: cfg.Enabled, OncePerDay: cfg.OncePerDay, Location: loc}
	if !cfg.Enabled {
		return w, nil
	}
	var err error
	if w.Start, err = config.ParseClock(cfg.Start); err != nil {
		return Window{}, fmt.Errorf("push_window.start: %w", err)
	}
	if w.End, err = config.ParseClock(cfg.End); err != nil {
		return Window{}, fmt.Errorf("push_window.end: %w", err)
	}
	return w, nil
}

// Allows reports whether t falls inside the window. Both ends are inclusive.
func (w Window) Allows(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	if w.Location != nil {
		t = t.In(w.Location)
	}
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}
