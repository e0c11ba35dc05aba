// Package digest splits the ranked, deduplicated digest into channel-sized
// batches and hands them to delivery channels.
package digest

import "github.com/JakeFAU/trendradar/internal/trend"

// ItemOverhead approximates the per-entry framing of a serialized batch.
const ItemOverhead = 64

// EstimateSize is a conservative serialized size of one entry.
func EstimateSize(e trend.DigestEntry) int {
	return len(e.Title) + len(e.URL) + len(e.SourceName) + ItemOverhead
}

// Assemble groups entries into batches preserving order. A batch is closed
// before adding an entry would exceed either limit; a zero limit is
// unbounded. An entry larger than MaxBytes on its own gets its own batch.
func Assemble(entries []trend.DigestEntry, limits trend.Limits) []trend.Batch {
	if len(entries) == 0 {
		return nil
	}
	var (
		batches []trend.Batch
		current []trend.DigestEntry
		size    int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, trend.Batch{Entries: current})
		current, size = nil, 0
	}
	for _, e := range entries {
		es := EstimateSize(e)
		full := limits.MaxItems > 0 && len(current) >= limits.MaxItems
		tooBig := limits.MaxBytes > 0 && size+es > limits.MaxBytes
		if len(current) > 0 && (full || tooBig) {
			flush()
		}
		current = append(current, e)
		size += es
	}
	flush()
	for i := range batches {
		batches[i].Index = i
		batches[i].Total = len(batches)
	}
	return batches
}
