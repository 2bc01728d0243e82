package service

import (
	"sort"

	"trainsync/internal/strava"
)

// Merge combines a freshly fetched batch with the previously persisted
// corpus. The result is a set union keyed by activity id: for a duplicate
// the copy carrying streams wins; when both or neither have streams the
// existing side is kept. The result is sorted by start date descending.
// Merging the same batch twice changes nothing.
func Merge(existing, incoming []strava.Activity) []strava.Activity {
	byID := make(map[int64]strava.Activity, len(existing)+len(incoming))
	order := make([]int64, 0, len(existing)+len(incoming))

	for _, a := range existing {
		if _, ok := byID[a.ID]; !ok {
			order = append(order, a.ID)
		}
		byID[a.ID] = a
	}

	for _, a := range incoming {
		cur, ok := byID[a.ID]
		if !ok {
			byID[a.ID] = a
			order = append(order, a.ID)
			continue
		}
		if !cur.HasStreams() && a.HasStreams() {
			byID[a.ID] = a
		}
	}

	merged := make([]strava.Activity, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartDate.After(merged[j].StartDate)
	})
	return merged
}

// computeDelta returns the listed activities whose ids are not yet cached,
// preserving listing order (newest first).
func computeDelta(cached map[int64]bool, listed []strava.Activity) []strava.Activity {
	var delta []strava.Activity
	for _, a := range listed {
		if !cached[a.ID] {
			delta = append(delta, a)
		}
	}
	return delta
}
