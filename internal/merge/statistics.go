// Package merge reconciles two copies of multi-valued records (reading
// statistics and reading goals) into one canonical set plus a watermark, the
// newest modification time in the result. All functions are pure: inputs are
// never modified.
package merge

import (
	"slices"
	"strings"

	"github.com/njoerd114/bookrelay/internal/model"
)

// Statistics combines incoming and existing entries into one entry per
// (title, dateKey). With newOnly an incoming entry replaces an existing one
// only when it is strictly newer; otherwise incoming always wins. Existing
// entries keep their order, new keys are appended in incoming order.
func Statistics(incoming, existing []model.Statistic, newOnly bool) []model.Statistic {
	out := make([]model.Statistic, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	for _, s := range existing {
		if i, ok := index[s.Key()]; ok {
			out[i] = s
			continue
		}
		index[s.Key()] = len(out)
		out = append(out, s)
	}

	for _, s := range incoming {
		i, ok := index[s.Key()]
		if !ok {
			index[s.Key()] = len(out)
			out = append(out, s)
			continue
		}
		if !newOnly || s.LastStatisticModified > out[i].LastStatisticModified {
			out[i] = s
		}
	}
	return out
}

// FinalizeStatistics prepares a merged set for storage. Per title, only the
// entry with the greatest LastStatisticModified among those flagged
// CompletedBook keeps the flag (the first one wins a tie); the flag and its
// snapshot are stripped from every other entry. The result is sorted by
// dateKey and returned with its watermark, or fallback when the set is empty
// or carries no timestamps.
func FinalizeStatistics(merged []model.Statistic, fallback int64) ([]model.Statistic, int64) {
	out := slices.Clone(merged)

	completion := make(map[string]int)
	for i, s := range out {
		if !s.CompletedBook {
			continue
		}
		best, ok := completion[s.Title]
		if !ok || s.LastStatisticModified > out[best].LastStatisticModified {
			completion[s.Title] = i
		}
	}

	var watermark int64
	for i := range out {
		if best, ok := completion[out[i].Title]; !ok || best != i {
			out[i].CompletedBook = false
			out[i].CompletedData = nil
		}
		watermark = max(watermark, out[i].LastStatisticModified)
	}

	slices.SortStableFunc(out, func(a, b model.Statistic) int {
		if c := strings.Compare(a.DateKey, b.DateKey); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})

	if watermark == 0 {
		watermark = fallback
	}
	return out, watermark
}

// StatisticsWatermark returns the newest LastStatisticModified in set, or 0.
func StatisticsWatermark(set []model.Statistic) int64 {
	var w int64
	for _, s := range set {
		w = max(w, s.LastStatisticModified)
	}
	return w
}
