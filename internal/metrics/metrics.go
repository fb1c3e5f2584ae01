// Package metrics computes the deterministic aggregate for one owner and period.
package metrics

import (
	"sort"
	"time"

	"chapterline/internal/domain"
	"chapterline/internal/period"
)

const DefaultRollupCap = 60

type Options struct {
	RollupCap int
}

type Counts struct {
	Created              int `json:"created"`
	Completed            int `json:"completed"`
	CompletedViaFallback int `json:"completed_via_fallback"`
	StartedNotCompleted  int `json:"started_not_completed"`
	CarriedForward       int `json:"carried_forward"`
	Touched              int `json:"touched"`
	Candidates           int `json:"candidates"`
}

type Flags struct {
	Created              bool `json:"created,omitempty"`
	Completed            bool `json:"completed,omitempty"`
	CompletedViaFallback bool `json:"completed_via_fallback,omitempty"`
	Started              bool `json:"started,omitempty"`
	StartedNotCompleted  bool `json:"started_not_completed,omitempty"`
	Touched              bool `json:"touched,omitempty"`
	CarriedForward       bool `json:"carried_forward,omitempty"`
}

// Candidate is an activity in the analysis set plus its in-period flags.
type Candidate struct {
	Activity domain.Activity
	Flags    Flags
	// Days holds the local dates of in-period timestamps, sorted.
	Days []string
}

// CompletedInPeriod counts both primary and fallback completions.
func (c Candidate) CompletedInPeriod() bool {
	return c.Flags.Completed || c.Flags.CompletedViaFallback
}

type Rollup struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Activities           int    `json:"activities"`
	Created              int    `json:"created"`
	Completed            int    `json:"completed"`
	CompletedViaFallback int    `json:"completed_via_fallback"`
	StartedNotCompleted  int    `json:"started_not_completed"`
	CarriedForward       int    `json:"carried_forward"`
	TouchedDays          int    `json:"touched_days"`
	FirstTouch           string `json:"first_touch,omitempty"`
	LastTouch            string `json:"last_touch,omitempty"`
}

type TimeShape struct {
	PeriodDays    int      `json:"period_days"`
	ActiveDays    int      `json:"active_days"`
	LongestStreak int      `json:"longest_streak"`
	StreakStart   string   `json:"streak_start,omitempty"`
	StreakEnd     string   `json:"streak_end,omitempty"`
	ActiveDayKeys []string `json:"active_day_keys"`
}

type Bundle struct {
	PeriodKey  string    `json:"period_key"`
	Counts     Counts    `json:"counts"`
	Goals      []Rollup  `json:"goals"`
	GoalsTotal int       `json:"goals_total"`
	Arcs       []Rollup  `json:"arcs"`
	ArcsTotal  int       `json:"arcs_total"`
	TimeShape  TimeShape `json:"time_shape"`
}

type Result struct {
	Bundle     Bundle
	Candidates []Candidate
}

// Compute builds the candidate set (touched or carried forward) and aggregates it.
func Compute(p period.Period, snap domain.Snapshot, opts Options) Result {
	limit := opts.RollupCap
	if limit <= 0 {
		limit = DefaultRollupCap
	}
	var res Result
	seen := map[string]bool{}
	for _, a := range snap.Activities {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		if _, ok := a.ActivityTime(); !ok {
			continue
		}
		c, ok := classify(p, a)
		if !ok {
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}

	b := Bundle{PeriodKey: p.Key}
	for _, c := range res.Candidates {
		b.Counts.Candidates++
		if c.Flags.Created {
			b.Counts.Created++
		}
		if c.Flags.Completed {
			b.Counts.Completed++
		}
		if c.Flags.CompletedViaFallback {
			b.Counts.CompletedViaFallback++
		}
		if c.Flags.StartedNotCompleted {
			b.Counts.StartedNotCompleted++
		}
		if c.Flags.CarriedForward {
			b.Counts.CarriedForward++
		}
		if c.Flags.Touched {
			b.Counts.Touched++
		}
	}

	goalArc := map[string]string{}
	goalTitle := map[string]string{}
	for _, g := range snap.Goals {
		goalTitle[g.ID] = g.Title
		if g.ArcID != nil {
			goalArc[g.ID] = *g.ArcID
		}
	}
	arcTitle := map[string]string{}
	for _, arc := range snap.Arcs {
		arcTitle[arc.ID] = arc.Title
	}
	b.Goals = rollup(p, res.Candidates, goalTitle, func(a domain.Activity) string { return a.Goal() })
	b.Arcs = rollup(p, res.Candidates, arcTitle, func(a domain.Activity) string { return ArcOf(a, goalArc) })
	b.GoalsTotal, b.ArcsTotal = len(b.Goals), len(b.Arcs)
	if len(b.Goals) > limit {
		b.Goals = b.Goals[:limit]
	}
	if len(b.Arcs) > limit {
		b.Arcs = b.Arcs[:limit]
	}
	b.TimeShape = timeShape(p, res.Candidates)
	res.Bundle = b
	return res
}

// ArcOf returns the activity's arc, inheriting it from the goal when unset.
func ArcOf(a domain.Activity, goalArc map[string]string) string {
	if arc := a.Arc(); arc != "" {
		return arc
	}
	return goalArc[a.Goal()]
}

func inPeriod(p period.Period, ts *time.Time) bool {
	return ts != nil && p.Contains(*ts)
}

func classify(p period.Period, a domain.Activity) (Candidate, bool) {
	var f Flags
	f.Created = inPeriod(p, a.CreatedAt)
	f.Completed = inPeriod(p, a.CompletedAt)
	f.CompletedViaFallback = a.CompletedAt == nil && a.Status == domain.StatusDone && inPeriod(p, a.UpdatedAt)
	f.Started = inPeriod(p, a.StartedAt)
	f.Touched = f.Created || f.Completed || f.Started || inPeriod(p, a.UpdatedAt)
	f.StartedNotCompleted = f.Started && !f.Completed && !f.CompletedViaFallback && a.Status != domain.StatusDone

	earliest, _ := a.Earliest()
	f.CarriedForward = earliest.Before(p.Start) && !completedBefore(a, p.Start) && !a.Status.Abandoned()
	if !f.Touched && !f.CarriedForward {
		return Candidate{}, false
	}

	days := map[string]bool{}
	for _, ts := range a.Timestamps() {
		if p.Contains(ts) {
			days[p.DayKey(ts)] = true
		}
	}
	return Candidate{Activity: a, Flags: f, Days: sortedKeys(days)}, true
}

// completedBefore includes the done-without-stamp fallback path.
func completedBefore(a domain.Activity, start time.Time) bool {
	if a.CompletedAt != nil {
		return a.CompletedAt.Before(start)
	}
	if a.Status != domain.StatusDone {
		return false
	}
	return a.UpdatedAt == nil || a.UpdatedAt.Before(start)
}

type rollupAcc struct {
	Rollup
	days  map[string]bool
	first time.Time
	last  time.Time
}

func rollup(p period.Period, cands []Candidate, titles map[string]string, key func(domain.Activity) string) []Rollup {
	accs := map[string]*rollupAcc{}
	for _, c := range cands {
		id := key(c.Activity)
		if id == "" {
			continue
		}
		acc, ok := accs[id]
		if !ok {
			title := titles[id]
			if title == "" {
				title = id
			}
			acc = &rollupAcc{Rollup: Rollup{ID: id, Title: title}, days: map[string]bool{}}
			accs[id] = acc
		}
		acc.Activities++
		if c.Flags.Created {
			acc.Created++
		}
		if c.Flags.Completed {
			acc.Completed++
		}
		if c.Flags.CompletedViaFallback {
			acc.CompletedViaFallback++
		}
		if c.Flags.StartedNotCompleted {
			acc.StartedNotCompleted++
		}
		if c.Flags.CarriedForward {
			acc.CarriedForward++
		}
		for _, d := range c.Days {
			acc.days[d] = true
		}
		for _, ts := range c.Activity.Timestamps() {
			if !p.Contains(ts) {
				continue
			}
			if acc.first.IsZero() || ts.Before(acc.first) {
				acc.first = ts
			}
			if ts.After(acc.last) {
				acc.last = ts
			}
		}
	}
	out := make([]Rollup, 0, len(accs))
	for _, acc := range accs {
		r := acc.Rollup
		r.TouchedDays = len(acc.days)
		if !acc.first.IsZero() {
			r.FirstTouch = acc.first.In(p.Location()).Format(time.RFC3339)
			r.LastTouch = acc.last.In(p.Location()).Format(time.RFC3339)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Completed != b.Completed {
			return a.Completed > b.Completed
		}
		if a.TouchedDays != b.TouchedDays {
			return a.TouchedDays > b.TouchedDays
		}
		if a.Activities != b.Activities {
			return a.Activities > b.Activities
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return out
}

func timeShape(p period.Period, cands []Candidate) TimeShape {
	days := map[string]bool{}
	for _, c := range cands {
		for _, d := range c.Days {
			days[d] = true
		}
	}
	keys := sortedKeys(days)
	ts := TimeShape{PeriodDays: p.Days(), ActiveDays: len(keys), ActiveDayKeys: keys}
	ts.LongestStreak, ts.StreakStart, ts.StreakEnd = LongestStreak(keys)
	return ts
}

// LongestStreak measures the longest run of consecutive dates in sorted YYYY-MM-DD keys.
func LongestStreak(keys []string) (int, string, string) {
	best, run := 0, 0
	var bestStart, bestEnd, runStart string
	var prev time.Time
	for i, k := range keys {
		d, err := time.Parse("2006-01-02", k)
		if err != nil {
			continue
		}
		if i > 0 && !prev.IsZero() && d.Sub(prev) == 24*time.Hour {
			run++
		} else {
			run = 1
			runStart = k
		}
		if run > best {
			best, bestStart, bestEnd = run, runStart, k
		}
		prev = d
	}
	return best, bestStart, bestEnd
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
