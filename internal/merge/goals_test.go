package merge

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/njoerd114/bookrelay/internal/model"
)

func goal(start, end string, modified int64) model.ReadingGoal {
	return model.ReadingGoal{
		TimeGoal:         3600,
		CharacterGoal:    10000,
		GoalFrequency:    model.FrequencyWeekly,
		GoalStartDate:    start,
		GoalEndDate:      end,
		LastGoalModified: modified,
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestReadingGoals_OverlapKeepsNewest(t *testing.T) {
	got, watermark := ReadingGoals(
		[]model.ReadingGoal{goal("2024-01-01", "2024-01-07", 20)},
		[]model.ReadingGoal{goal("2024-01-01", "2024-01-07", 10)},
		true, 0,
	)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(got), got)
	}
	if got[0].LastGoalModified != 20 {
		t.Errorf("survivor modified = %d, want 20", got[0].LastGoalModified)
	}
	if watermark != 20 {
		t.Errorf("watermark = %d, want 20", watermark)
	}
}

func TestReadingGoals_NonOverlappingAreKept(t *testing.T) {
	got, _ := ReadingGoals(
		[]model.ReadingGoal{goal("2024-01-08", "2024-01-14", 2)},
		[]model.ReadingGoal{goal("2024-01-01", "2024-01-07", 1)},
		true, 0,
	)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].GoalStartDate != "2024-01-01" || got[1].GoalStartDate != "2024-01-08" {
		t.Errorf("order = %s, %s", got[0].GoalStartDate, got[1].GoalStartDate)
	}
}

func TestReadingGoals_SourceGoalDisplacesNewerLocal(t *testing.T) {
	// With overwrite semantics the goal mirrored from the source survives
	// even against a more recently modified overlapping goal.
	src := goal("2024-01-01", "2024-01-07", 10)
	got, _ := ReadingGoals(
		[]model.ReadingGoal{src},
		[]model.ReadingGoal{goal("2024-01-03", "2024-01-09", 50)},
		false, 0,
	)
	if len(got) != 1 || got[0] != src {
		t.Errorf("got %+v, want only the source goal", got)
	}
}

func TestReadingGoals_PairwiseReductionOrder(t *testing.T) {
	// Three goals overlapping the first. Reduction runs left to right:
	// a (local, 30) vs b (source, 10) -> b; b vs c (local, 99) -> b stays.
	a := goal("2024-01-01", "2024-01-10", 30)
	b := goal("2024-01-02", "2024-01-04", 10)
	c := goal("2024-01-05", "2024-01-06", 99)
	got, _ := ReadingGoals([]model.ReadingGoal{b}, []model.ReadingGoal{a, c}, false, 0)
	if len(got) != 1 || got[0] != b {
		t.Errorf("got %+v, want [b]", got)
	}
}

func TestReadingGoals_OpenGoalMustStartAfterClosed(t *testing.T) {
	stale := goal("2024-01-03", "", 100)
	fresh := goal("2024-01-08", "", 5)
	got, _ := ReadingGoals(
		[]model.ReadingGoal{stale},
		[]model.ReadingGoal{goal("2024-01-01", "2024-01-07", 1), fresh},
		true, 0,
	)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[1] != fresh {
		t.Errorf("open goal = %+v, want %+v", got[1], fresh)
	}
}

func TestReadingGoals_NewestOpenGoalWins(t *testing.T) {
	got, _ := ReadingGoals(
		[]model.ReadingGoal{goal("2024-02-01", "", 5)},
		[]model.ReadingGoal{goal("2024-03-01", "", 9)},
		true, 0,
	)
	if len(got) != 1 || got[0].LastGoalModified != 9 {
		t.Errorf("got %+v, want the open goal modified at 9", got)
	}
}

func TestReadingGoals_EmptyUsesFallback(t *testing.T) {
	got, watermark := ReadingGoals(nil, nil, true, 77)
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	if watermark != 77 {
		t.Errorf("watermark = %d, want 77", watermark)
	}
}

// ---------------------------------------------------------------------------
// Properties over random timelines
// ---------------------------------------------------------------------------

func randomGoals(r *rand.Rand, n int) []model.ReadingGoal {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	goals := make([]model.ReadingGoal, 0, n)
	for range n {
		start := base.AddDate(0, 0, r.Intn(60))
		end := ""
		if r.Intn(5) != 0 {
			end = start.AddDate(0, 0, r.Intn(14)).Format(time.DateOnly)
		}
		g := goal(start.Format(time.DateOnly), end, int64(r.Intn(1000)))
		g.TimeGoal = int64(r.Intn(3))
		goals = append(goals, g)
	}
	return goals
}

func TestReadingGoals_Properties(t *testing.T) {
	for seed := int64(1); seed <= 200; seed++ {
		r := rand.New(rand.NewSource(seed))
		incoming := randomGoals(r, r.Intn(12))
		existing := randomGoals(r, r.Intn(12))
		newOnly := r.Intn(2) == 0

		got, watermark := ReadingGoals(incoming, existing, newOnly, -1)

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			open := 0
			var closed []model.ReadingGoal
			for _, g := range got {
				if g.IsOpen() {
					open++
					continue
				}
				closed = append(closed, g)
			}
			if open > 1 {
				t.Errorf("%d open goals, want at most 1", open)
			}
			for i := range closed {
				for j := i + 1; j < len(closed); j++ {
					if closed[i].Overlaps(closed[j]) {
						t.Errorf("overlap: %s..%s and %s..%s",
							closed[i].GoalStartDate, closed[i].GoalEndDate,
							closed[j].GoalStartDate, closed[j].GoalEndDate)
					}
				}
			}

			inputs := make(map[model.ReadingGoal]bool)
			for _, g := range append(append([]model.ReadingGoal{}, incoming...), existing...) {
				inputs[g] = true
			}
			want := int64(-1)
			for _, g := range got {
				if !inputs[g] {
					t.Errorf("output goal %+v not present in inputs", g)
				}
				if want < g.LastGoalModified {
					want = g.LastGoalModified
				}
			}
			if len(got) > 0 && want == 0 {
				want = -1
			}
			if watermark != want {
				t.Errorf("watermark = %d, want %d", watermark, want)
			}
		})
	}
}

func TestSortReadingGoals(t *testing.T) {
	goals := []model.ReadingGoal{
		goal("2024-02-01", "2024-02-07", 0),
		goal("2024-01-01", "2024-01-07", 0),
		goal("2024-01-01", "2024-01-03", 0),
	}
	SortReadingGoals(goals)
	want := []string{"2024-01-03", "2024-01-07", "2024-02-07"}
	for i, w := range want {
		if goals[i].GoalEndDate != w {
			t.Errorf("goals[%d].GoalEndDate = %s, want %s", i, goals[i].GoalEndDate, w)
		}
	}
}
