package evidence

import (
	"fmt"
	"sort"

	"chapterline/internal/metrics"
)

const maxHookIDs = 3

func hooks(m metrics.Bundle, b Bundle, opts Options) []Hook {
	var out []Hook
	for _, h := range []Hook{
		backlogPressure(m, b),
		consistencyStreak(m, b),
		turningPoints(b),
		goalFocus(m, b),
	} {
		if h.Score >= opts.HookFloor {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > opts.HookCap {
		out = out[:opts.HookCap]
	}
	if len(out) == 0 {
		out = append(out, spotlight(m, b))
	}
	return out
}

func pick(refs []Ref, keep func(Ref) bool) []string {
	ids := []string{}
	for _, r := range refs {
		if len(ids) == maxHookIDs {
			break
		}
		if keep(r) {
			ids = append(ids, r.ActivityID)
		}
	}
	return ids
}

func backlogPressure(m metrics.Bundle, b Bundle) Hook {
	pressure := m.Counts.CarriedForward + m.Counts.StartedNotCompleted
	throughput := m.Counts.Completed + m.Counts.CompletedViaFallback
	h := Hook{
		Kind:       HookBacklogPressure,
		Title:      "Backlog pressure vs. throughput",
		Summary:    fmt.Sprintf("%d items carried in or left open against %d finished", pressure, throughput),
		MetricKeys: []string{metrics.KeyCarriedForward, metrics.KeyStartedNotCompleted, metrics.KeyCompleted},
	}
	switch {
	case pressure == 0:
		h.Score = 0
	case pressure >= throughput:
		h.Score = 45 + 5*min(pressure, 5)
	default:
		h.Score = 30
	}
	h.ActivityIDs = pick(b.Activities, func(r Ref) bool { return r.carriedForward || r.unfinished })
	return h
}

func consistencyStreak(m metrics.Bundle, b Bundle) Hook {
	ts := m.TimeShape
	h := Hook{
		Kind:       HookConsistencyStreak,
		Title:      "A consistency streak",
		Summary:    fmt.Sprintf("%d consecutive active days (%s to %s), %d active days of %d", ts.LongestStreak, ts.StreakStart, ts.StreakEnd, ts.ActiveDays, ts.PeriodDays),
		MetricKeys: []string{metrics.KeyLongestStreak, metrics.KeyActiveDays},
	}
	if ts.LongestStreak >= 3 {
		h.Score = min(40+5*ts.LongestStreak, 90)
	}
	h.ActivityIDs = pick(b.Activities, func(r Ref) bool {
		for _, d := range r.days {
			if d >= ts.StreakStart && d <= ts.StreakEnd {
				return true
			}
		}
		return false
	})
	return h
}

func turningPoints(b Bundle) Hook {
	h := Hook{
		Kind:       HookTurningPoints,
		Title:      "Turning points",
		MetricKeys: []string{metrics.KeyCompleted, metrics.KeyCarriedForward},
	}
	n := 0
	for _, e := range b.Noteworthy {
		if !hasAny(e.Reasons, ReasonFirstGoalCompletionEver, ReasonFirstGoalCompletionInPeriod, ReasonLongRunningCompleted, ReasonFirstArcTouch) {
			continue
		}
		n++
		if len(h.ActivityIDs) < maxHookIDs {
			h.ActivityIDs = append(h.ActivityIDs, e.ActivityID)
		}
	}
	if n > 0 {
		h.Score = min(50+10*(n-1), 85)
	}
	h.Summary = fmt.Sprintf("%d firsts or long-running finishes", n)
	return h
}

func goalFocus(m metrics.Bundle, b Bundle) Hook {
	h := Hook{
		Kind:       HookGoalFocus,
		Title:      "Where the effort went",
		MetricKeys: []string{metrics.KeyGoalsTouched, metrics.KeyCandidates},
	}
	if len(m.Goals) == 0 || m.Counts.Candidates == 0 {
		return h
	}
	top := m.Goals[0]
	h.Summary = fmt.Sprintf("%q held %d of %d activities with %d completed", top.Title, top.Activities, m.Counts.Candidates, top.Completed)
	if top.Activities >= 2 && top.Activities*2 >= m.Counts.Candidates {
		h.Score = 40 + (top.Activities*40)/m.Counts.Candidates
	} else {
		h.Score = 25
	}
	h.ActivityIDs = pick(b.Activities, func(r Ref) bool { return r.GoalID == top.ID })
	return h
}

func spotlight(m metrics.Bundle, b Bundle) Hook {
	h := Hook{
		Kind:       HookSpotlight,
		Title:      "Spotlight",
		Summary:    fmt.Sprintf("%d activities touched, %d completed", m.Counts.Touched, m.Counts.Completed),
		MetricKeys: []string{metrics.KeyTouched, metrics.KeyCompleted},
	}
	for _, e := range b.Noteworthy {
		if len(h.ActivityIDs) == maxHookIDs {
			break
		}
		h.ActivityIDs = append(h.ActivityIDs, e.ActivityID)
	}
	if len(h.ActivityIDs) == 0 {
		h.ActivityIDs = pick(b.Activities, func(Ref) bool { return true })
	}
	return h
}

func hasAny(reasons []Reason, want ...Reason) bool {
	for _, r := range reasons {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}
