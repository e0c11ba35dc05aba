// Package normalize turns raw adapter output into ordered observations.
//
// Items without a resolvable URL or with a blank title are dropped and
// counted as malformed. Hot-list items that arrive without a rank are
// ranked by their list position. When ranks are present the output is
// ordered by rank, with the source order breaking ties, so downstream
// consumers can rely on slice order as an implicit tiebreak.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// ExtraMobileURL is the Extra key holding a hot-list item's mobile link.
const ExtraMobileURL = "mobile_url"

// Result is the normalizer output for one source.
type Result struct {
	Observations []trend.Observation
	// Malformed counts dropped items, including repeated natural keys.
	Malformed int
	// Errors holds one error per dropped item, each wrapping
	// trend.ErrMalformedObservation.
	Errors []error
}

func (r *Result) drop(index int, reason string) {
	r.Malformed++
	r.Errors = append(r.Errors, fmt.Errorf("item %d: %s: %w", index, reason, trend.ErrMalformedObservation))
}

type candidate struct {
	obs   trend.Observation
	index int
}

// Normalize converts raw items of one source into observations.
func Normalize(source trend.Source, raw []trend.RawItem) Result {
	res := Result{}
	kept := make([]candidate, 0, len(raw))
	for i, item := range raw {
		obs, reason := observe(source, item, i)
		if reason != "" {
			res.drop(i, reason)
			continue
		}
		kept = append(kept, candidate{obs: obs, index: i})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		ri, iok := kept[i].obs.RankValue()
		rj, jok := kept[j].obs.RankValue()
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return false
		}
	})

	seen := make(map[string]struct{}, len(kept))
	res.Observations = make([]trend.Observation, 0, len(kept))
	for _, c := range kept {
		if _, dup := seen[c.obs.NaturalKey]; dup {
			res.drop(c.index, "repeated url "+c.obs.NaturalKey)
			continue
		}
		seen[c.obs.NaturalKey] = struct{}{}
		res.Observations = append(res.Observations, c.obs)
	}
	return res
}

// observe returns the observation or, for an unusable item, the reason it
// was dropped.
func observe(source trend.Source, item trend.RawItem, index int) (trend.Observation, string) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return trend.Observation{}, "blank title"
	}
	url := strings.TrimSpace(item.URL)
	mobile := strings.TrimSpace(item.MobileURL)
	if url == "" {
		url = mobile
	}
	if url == "" {
		return trend.Observation{}, "missing url"
	}

	var rank *int
	if item.Rank != nil && *item.Rank > 0 {
		rank = trend.IntPtr(*item.Rank)
	} else if source.Kind == trend.SourceKindHotlist {
		rank = trend.IntPtr(index + 1)
	}

	var extra map[string]string
	if len(item.Extra) > 0 || (mobile != "" && mobile != url) {
		extra = make(map[string]string, len(item.Extra)+1)
		for k, v := range item.Extra {
			extra[k] = v
		}
		if mobile != "" && mobile != url {
			extra[ExtraMobileURL] = mobile
		}
	}

	published := item.PublishedAt
	if published != nil {
		p := published.UTC()
		published = &p
	}

	return trend.Observation{
		SourceID:    source.ID,
		NaturalKey:  url,
		Title:       title,
		Rank:        rank,
		URL:         url,
		MediaURL:    strings.TrimSpace(item.MediaURL),
		PublishedAt: published,
		Extra:       extra,
	}, ""
}
