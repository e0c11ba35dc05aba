package scoring

import (
	"context"
	"fmt"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Signal is an extra scoring term added on top of the base formula.
type Signal interface {
	Name() string
	Score(ctx context.Context, in Input) (float64, error)
}

// WeightedSignal pairs a signal with its multiplier.
type WeightedSignal struct {
	Signal Signal
	Weight float64
}

// FirstAppearanceSignal boosts items seen for the first time in this crawl.
type FirstAppearanceSignal struct{}

// Name implements Signal.
func (FirstAppearanceSignal) Name() string { return "first_appearance" }

// Score implements Signal.
func (FirstAppearanceSignal) Score(_ context.Context, in Input) (float64, error) {
	if in.Kind == trend.DeltaNew {
		return 100, nil
	}
	return 0, nil
}

// HotnessSignal is the share of the item's ranked history at or above the
// threshold, scaled to 100.
type HotnessSignal struct {
	History   trend.ItemHistory
	Threshold int
}

// Name implements Signal.
func (HotnessSignal) Name() string { return "hotness" }

// Score implements Signal.
func (h HotnessSignal) Score(ctx context.Context, in Input) (float64, error) {
	if h.History == nil {
		return 0, nil
	}
	points, err := h.History.RankHistory(ctx, in.ItemID)
	if err != nil {
		return 0, fmt.Errorf("hotness rank history: %w", err)
	}
	var ranked, high int
	for _, p := range points {
		if p.Rank == nil {
			continue
		}
		ranked++
		if *p.Rank <= h.Threshold {
			high++
		}
	}
	if ranked == 0 {
		return 0, nil
	}
	return float64(high) / float64(ranked) * 100, nil
}
