package merge

import (
	"slices"
	"strings"

	"github.com/njoerd114/bookrelay/internal/model"
)

// candidate is a closed goal in the sweep work list.
type candidate struct {
	goal       model.ReadingGoal
	fromSource bool
}

// ReadingGoals merges two goal timelines so that closed goals never overlap
// and at most one open goal remains.
//
// Closed goals of both sides are sorted by (start, end) and swept left to
// right. Whenever the goal at the cursor overlaps later goals, one survivor is
// chosen by a left-to-right pairwise reduction (see prefer) and the others are
// dropped; the cursor then re-evaluates the same position. A goal with no
// overlap is emitted and the cursor advances.
//
// Open goals only survive when they start after the last emitted closed goal
// ends; the most recently modified of them is appended.
//
// A goal counts as "from source" when newOnly is false and incoming holds an
// identical goal with the same start date. The returned watermark is the
// newest LastGoalModified in the result, or fallback.
func ReadingGoals(incoming, existing []model.ReadingGoal, newOnly bool, fallback int64) ([]model.ReadingGoal, int64) {
	fromSource := make(map[string]model.ReadingGoal)
	if !newOnly {
		for _, g := range incoming {
			fromSource[g.GoalStartDate] = g
		}
	}

	work := make([]candidate, 0, len(incoming)+len(existing))
	for _, side := range [][]model.ReadingGoal{existing, incoming} {
		for _, g := range side {
			if g.IsOpen() {
				continue
			}
			src, ok := fromSource[g.GoalStartDate]
			work = append(work, candidate{goal: g, fromSource: ok && sameGoal(src, g)})
		}
	}
	slices.SortStableFunc(work, func(a, b candidate) int {
		return compareGoals(a.goal, b.goal)
	})

	var merged []model.ReadingGoal
	for cursor := 0; cursor < len(work); {
		ref := work[cursor].goal

		overlapping := []int{cursor}
		for i := cursor + 1; i < len(work); i++ {
			if ref.Overlaps(work[i].goal) {
				overlapping = append(overlapping, i)
			}
		}

		if len(overlapping) == 1 {
			merged = append(merged, ref)
			cursor++
			continue
		}

		survivor := overlapping[0]
		for _, i := range overlapping[1:] {
			if prefer(work[survivor], work[i]) {
				survivor = i
			}
		}

		kept := make([]candidate, 0, len(work)-len(overlapping)+1)
		drop := make(map[int]bool, len(overlapping))
		for _, i := range overlapping {
			drop[i] = i != survivor
		}
		for i, c := range work {
			if !drop[i] {
				kept = append(kept, c)
			}
		}
		work = kept
	}

	var maxEnd string
	for _, g := range merged {
		if g.GoalEndDate > maxEnd {
			maxEnd = g.GoalEndDate
		}
	}

	var open *model.ReadingGoal
	for _, side := range [][]model.ReadingGoal{incoming, existing} {
		for i := range side {
			g := side[i]
			if !g.IsOpen() || g.GoalStartDate <= maxEnd {
				continue
			}
			if open == nil || g.LastGoalModified > open.LastGoalModified {
				open = &g
			}
		}
	}
	if open != nil {
		merged = append(merged, *open)
	}

	var watermark int64
	for _, g := range merged {
		watermark = max(watermark, g.LastGoalModified)
	}
	if watermark == 0 {
		watermark = fallback
	}
	return merged, watermark
}

// prefer reports whether challenger should replace best as survivor. A goal
// mirrored from the source displaces one that is not; a goal that is not from
// the source never displaces one that is; otherwise the newer goal wins.
func prefer(best, challenger candidate) bool {
	if !best.fromSource && challenger.fromSource {
		return true
	}
	if best.fromSource && !challenger.fromSource {
		return false
	}
	return challenger.goal.LastGoalModified > best.goal.LastGoalModified
}

// sameGoal compares the fields a backend round-trips for a goal.
func sameGoal(a, b model.ReadingGoal) bool {
	return a.GoalStartDate == b.GoalStartDate &&
		a.GoalEndDate == b.GoalEndDate &&
		a.TimeGoal == b.TimeGoal &&
		a.CharacterGoal == b.CharacterGoal &&
		a.GoalFrequency == b.GoalFrequency &&
		a.LastGoalModified == b.LastGoalModified
}

// SortReadingGoals orders goals by start date, then end date. Open goals sort
// before closed goals with the same start.
func SortReadingGoals(goals []model.ReadingGoal) {
	slices.SortStableFunc(goals, compareGoals)
}

func compareGoals(a, b model.ReadingGoal) int {
	if c := strings.Compare(a.GoalStartDate, b.GoalStartDate); c != 0 {
		return c
	}
	return strings.Compare(a.GoalEndDate, b.GoalEndDate)
}

// ReadingGoalsWatermark returns the newest LastGoalModified in set, or 0.
func ReadingGoalsWatermark(set []model.ReadingGoal) int64 {
	var w int64
	for _, g := range set {
		w = max(w, g.LastGoalModified)
	}
	return w
}
