package metrics

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterline/internal/domain"
	"chapterline/internal/period"
)

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func strPtr(s string) *string { return &s }

func week(t *testing.T) period.Period {
	t.Helper()
	p := period.Resolve(period.Request{Cadence: domain.CadenceWeekly, Timezone: "UTC", Now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)})
	require.NotNil(t, p)
	require.Equal(t, "2026-W41", p.Key)
	return *p
}

func scenario() domain.Snapshot {
	g := strPtr("g1")
	return domain.Snapshot{
		Goals: []domain.Goal{{ID: "g1", Title: "Ship v2", ArcID: strPtr("arc1")}},
		Arcs:  []domain.Arc{{ID: "arc1", Title: "Platform"}},
		Activities: []domain.Activity{
			{ID: "a1", Title: "Design API", Status: domain.StatusDone, GoalID: g, CreatedAt: at("2026-10-05T09:00:00Z"), CompletedAt: at("2026-10-06T10:00:00Z")},
			{ID: "a2", Title: "Write docs", Status: domain.StatusDone, GoalID: g, CreatedAt: at("2026-10-06T09:00:00Z"), CompletedAt: at("2026-10-07T10:00:00Z")},
			{ID: "a3", Title: "Migrate data", Status: domain.StatusDone, GoalID: g, CreatedAt: at("2026-09-30T09:00:00Z"), StartedAt: at("2026-10-01T09:00:00Z"), CompletedAt: at("2026-10-08T16:00:00Z")},
			{ID: "a4", Title: "Load test", Status: domain.StatusInProgress, GoalID: g, CreatedAt: at("2026-10-08T09:00:00Z"), StartedAt: at("2026-10-09T09:00:00Z")},
			{ID: "a5", Title: "Release notes", Status: domain.StatusPlanned, GoalID: g, CreatedAt: at("2026-10-09T11:00:00Z")},
		},
	}
}

func TestComputeScenario(t *testing.T) {
	res := Compute(week(t), scenario(), Options{})
	c := res.Bundle.Counts
	assert.Equal(t, 3, c.Completed)
	assert.Equal(t, 1, c.CarriedForward)
	assert.Equal(t, 4, c.Created)
	assert.Equal(t, 1, c.StartedNotCompleted)
	assert.Equal(t, 5, c.Touched)
	assert.Equal(t, 5, c.Candidates)
	assert.Equal(t, 0, c.CompletedViaFallback)

	require.Len(t, res.Bundle.Goals, 1)
	g := res.Bundle.Goals[0]
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, 3, g.Completed)
	assert.Equal(t, 5, g.Activities)
	assert.Equal(t, 5, g.TouchedDays)
	assert.Equal(t, "2026-10-05T09:00:00Z", g.FirstTouch)
	assert.Equal(t, "2026-10-09T11:00:00Z", g.LastTouch)

	require.Len(t, res.Bundle.Arcs, 1)
	assert.Equal(t, "arc1", res.Bundle.Arcs[0].ID, "arc inherited via goal")

	ts := res.Bundle.TimeShape
	assert.Equal(t, 7, ts.PeriodDays)
	assert.Equal(t, 5, ts.ActiveDays)
	assert.Equal(t, 5, ts.LongestStreak)
	assert.Equal(t, "2026-10-05", ts.StreakStart)
	assert.Equal(t, "2026-10-09", ts.StreakEnd)
}

func TestCarriedForwardInclusion(t *testing.T) {
	p := week(t)
	snap := domain.Snapshot{Activities: []domain.Activity{
		{ID: "open", Status: domain.StatusPlanned, CreatedAt: at("2026-09-01T09:00:00Z")},
		{ID: "done-before", Status: domain.StatusDone, CreatedAt: at("2026-09-01T09:00:00Z"), CompletedAt: at("2026-09-20T09:00:00Z")},
		{ID: "done-fallback-before", Status: domain.StatusDone, CreatedAt: at("2026-09-01T09:00:00Z"), UpdatedAt: at("2026-09-20T09:00:00Z")},
		{ID: "cancelled", Status: domain.StatusCancelled, CreatedAt: at("2026-09-01T09:00:00Z")},
		{ID: "skipped", Status: domain.StatusSkipped, CreatedAt: at("2026-09-01T09:00:00Z")},
		{ID: "future", Status: domain.StatusPlanned, CreatedAt: at("2026-10-13T09:00:00Z")},
		{ID: "unorderable", Status: domain.StatusPlanned},
	}}
	res := Compute(p, snap, Options{})
	var got []string
	for _, c := range res.Candidates {
		got = append(got, c.Activity.ID)
	}
	assert.Equal(t, []string{"open"}, got)
	assert.True(t, res.Candidates[0].Flags.CarriedForward)
	assert.False(t, res.Candidates[0].Flags.Touched)
	assert.Empty(t, res.Candidates[0].Days)
	assert.Equal(t, 0, res.Bundle.TimeShape.ActiveDays)
}

func TestCompletedViaFallbackIsSeparate(t *testing.T) {
	p := week(t)
	snap := domain.Snapshot{Activities: []domain.Activity{
		{ID: "x", Status: domain.StatusDone, CreatedAt: at("2026-10-01T09:00:00Z"), UpdatedAt: at("2026-10-07T09:00:00Z")},
		{ID: "y", Status: domain.StatusInProgress, CreatedAt: at("2026-10-01T09:00:00Z"), UpdatedAt: at("2026-10-07T09:00:00Z")},
	}}
	res := Compute(p, snap, Options{})
	assert.Equal(t, 0, res.Bundle.Counts.Completed)
	assert.Equal(t, 1, res.Bundle.Counts.CompletedViaFallback)
	assert.Equal(t, 2, res.Bundle.Counts.Touched)
	assert.Equal(t, 2, res.Bundle.Counts.CarriedForward)
}

func TestDuplicateIDsFirstWins(t *testing.T) {
	p := week(t)
	snap := domain.Snapshot{Activities: []domain.Activity{
		{ID: "dup", Title: "first", Status: domain.StatusDone, CompletedAt: at("2026-10-06T09:00:00Z")},
		{ID: "dup", Title: "second", Status: domain.StatusPlanned, CreatedAt: at("2026-10-06T09:00:00Z")},
	}}
	res := Compute(p, snap, Options{})
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "first", res.Candidates[0].Activity.Title)
}

func TestRollupOrderingAndCap(t *testing.T) {
	p := week(t)
	var snap domain.Snapshot
	for i := 0; i < 70; i++ {
		id := fmt.Sprintf("g%02d", i)
		snap.Goals = append(snap.Goals, domain.Goal{ID: id, Title: "Goal " + id})
		a := domain.Activity{ID: "a" + id, Status: domain.StatusPlanned, GoalID: strPtr(id), CreatedAt: at("2026-10-06T09:00:00Z")}
		if i%10 == 0 {
			a.Status = domain.StatusDone
			a.CompletedAt = at("2026-10-07T09:00:00Z")
		}
		snap.Activities = append(snap.Activities, a)
	}
	res := Compute(p, snap, Options{})
	require.Len(t, res.Bundle.Goals, DefaultRollupCap)
	assert.Equal(t, 70, res.Bundle.GoalsTotal)
	for i := 0; i < 7; i++ {
		assert.Equal(t, 1, res.Bundle.Goals[i].Completed)
	}
	assert.Equal(t, "g00", res.Bundle.Goals[0].ID)
	assert.Equal(t, "g01", res.Bundle.Goals[7].ID)

	again := Compute(p, snap, Options{})
	assert.Equal(t, res.Bundle, again.Bundle)

	small := Compute(p, snap, Options{RollupCap: 5})
	assert.Len(t, small.Bundle.Goals, 5)
}

func TestDayKeysFollowPeriodZone(t *testing.T) {
	p := period.Resolve(period.Request{Cadence: domain.CadenceWeekly, Timezone: "America/Los_Angeles", Now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)})
	require.NotNil(t, p)
	// 03:00Z on the 7th is still the 6th in Los Angeles.
	snap := domain.Snapshot{Activities: []domain.Activity{
		{ID: "a", Status: domain.StatusPlanned, CreatedAt: at("2026-10-06T18:00:00Z")},
		{ID: "b", Status: domain.StatusPlanned, CreatedAt: at("2026-10-07T03:00:00Z")},
	}}
	res := Compute(*p, snap, Options{})
	assert.Equal(t, []string{"2026-10-06"}, res.Bundle.TimeShape.ActiveDayKeys)
}

func TestLongestStreak(t *testing.T) {
	n, start, end := LongestStreak([]string{"2026-10-05", "2026-10-06", "2026-10-07", "2026-10-09"})
	assert.Equal(t, 3, n)
	assert.Equal(t, "2026-10-05", start)
	assert.Equal(t, "2026-10-07", end)

	n, _, _ = LongestStreak(nil)
	assert.Equal(t, 0, n)

	n, start, _ = LongestStreak([]string{"2026-02-27", "2026-02-28", "2026-03-01", "2026-03-09", "2026-03-10"})
	assert.Equal(t, 3, n)
	assert.Equal(t, "2026-02-27", start)
}

func TestLongestStreakProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("streak is bounded by day count and matches a brute-force scan", prop.ForAll(
		func(offsets []int) bool {
			set := map[int]bool{}
			for _, o := range offsets {
				set[o] = true
			}
			var keys []string
			var days []int
			for o := range set {
				days = append(days, o)
			}
			sort.Ints(days)
			for _, o := range days {
				keys = append(keys, base.AddDate(0, 0, o).Format("2006-01-02"))
			}
			got, _, _ := LongestStreak(keys)
			want := 0
			run := 0
			for i, d := range days {
				if i > 0 && d == days[i-1]+1 {
					run++
				} else {
					run = 1
				}
				if run > want {
					want = run
				}
			}
			return got == want && got <= len(keys)
		},
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
