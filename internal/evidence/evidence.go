// Package evidence ranks candidate activities into citable examples and derives story hooks.
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chapterline/internal/domain"
	"chapterline/internal/metrics"
	"chapterline/internal/period"
)

type Reason string

const (
	ReasonFirstGoalCompletionEver     Reason = "first_goal_completion_ever"
	ReasonFirstGoalCompletionInPeriod Reason = "first_goal_completion_in_period"
	ReasonLongRunningCompleted        Reason = "long_running_completed"
	ReasonFirstArcTouch               Reason = "first_arc_touch"
	ReasonHighEffort                  Reason = "high_effort"
	ReasonUserFlaggedImportant        Reason = "user_flagged_important"
	ReasonCompletedInPeriod           Reason = "completed_in_period"
)

// Weights maps each reason to the score it contributes.
type Weights map[Reason]int

func DefaultWeights() Weights {
	return Weights{
		ReasonFirstGoalCompletionEver:     90,
		ReasonLongRunningCompleted:        80,
		ReasonUserFlaggedImportant:        75,
		ReasonFirstArcTouch:               70,
		ReasonFirstGoalCompletionInPeriod: 60,
		ReasonHighEffort:                  50,
		ReasonCompletedInPeriod:           20,
	}
}

// Merge fills reasons missing from w with defaults.
func (w Weights) Merge() Weights {
	out := DefaultWeights()
	for k, v := range w {
		out[k] = v
	}
	return out
}

type Options struct {
	Weights         Weights
	ShortPeriodDays int
	ShortCap        int
	LongCap         int
	ActivityCap     int
	HookCap         int
	HookFloor       int
	NotesLimit      int
	HighEffortTop   int
	ImportantTag    string
}

func DefaultOptions() Options {
	return Options{
		Weights:         DefaultWeights(),
		ShortPeriodDays: 14,
		ShortCap:        5,
		LongCap:         10,
		ActivityCap:     80,
		HookCap:         3,
		HookFloor:       40,
		NotesLimit:      160,
		HighEffortTop:   3,
		ImportantTag:    "important",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.Weights = o.Weights.Merge()
	if o.ShortPeriodDays <= 0 {
		o.ShortPeriodDays = d.ShortPeriodDays
	}
	if o.ShortCap <= 0 {
		o.ShortCap = d.ShortCap
	}
	if o.LongCap <= 0 {
		o.LongCap = d.LongCap
	}
	if o.ActivityCap <= 0 {
		o.ActivityCap = d.ActivityCap
	}
	if o.HookCap <= 0 {
		o.HookCap = d.HookCap
	}
	if o.HookFloor <= 0 {
		o.HookFloor = d.HookFloor
	}
	if o.NotesLimit <= 0 {
		o.NotesLimit = d.NotesLimit
	}
	if o.HighEffortTop <= 0 {
		o.HighEffortTop = d.HighEffortTop
	}
	if o.ImportantTag == "" {
		o.ImportantTag = d.ImportantTag
	}
	return o
}

type Example struct {
	ActivityID string   `json:"activity_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	GoalID     string   `json:"goal_id,omitempty"`
	ArcID      string   `json:"arc_id,omitempty"`
	At         string   `json:"at"`
	Score      int      `json:"score"`
	Reasons    []Reason `json:"reasons"`
}

// Ref is the compact form of a candidate in the full evidence list.
type Ref struct {
	ActivityID     string        `json:"activity_id"`
	Title          string        `json:"title"`
	Status         string        `json:"status"`
	GoalID         string        `json:"goal_id,omitempty"`
	ArcID          string        `json:"arc_id,omitempty"`
	At             string        `json:"at"`
	Flags          metrics.Flags `json:"flags"`
	EffortMinutes  *int          `json:"effort_minutes,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	NotesSnippet   string        `json:"notes_snippet,omitempty"`
	activityTime   time.Time
	carriedForward bool
	unfinished     bool
	days           []string
}

type HookKind string

const (
	HookBacklogPressure   HookKind = "backlog_pressure"
	HookConsistencyStreak HookKind = "consistency_streak"
	HookTurningPoints     HookKind = "turning_points"
	HookGoalFocus         HookKind = "goal_focus"
	HookSpotlight         HookKind = "spotlight"
)

type Hook struct {
	Kind        HookKind `json:"kind"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Score       int      `json:"score"`
	MetricKeys  []string `json:"metric_keys"`
	ActivityIDs []string `json:"activity_ids"`
}

type Bundle struct {
	Noteworthy []Example `json:"noteworthy"`
	Activities []Ref     `json:"activities"`
	Hooks      []Hook    `json:"hooks"`
}

type scored struct {
	cand    metrics.Candidate
	reasons []Reason
	score   int
	at      time.Time
}

// Select ranks res.Candidates against the owner's full history in snap.
func Select(p period.Period, snap domain.Snapshot, res metrics.Result, opts Options) Bundle {
	opts = opts.withDefaults()
	goalArc := map[string]string{}
	for _, g := range snap.Goals {
		if g.ArcID != nil {
			goalArc[g.ID] = *g.ArcID
		}
	}

	firstEver := firstGoalCompletions(snap.Activities, func(time.Time) bool { return true })
	firstInPeriod := firstGoalCompletions(snap.Activities, p.Contains)
	firstArc := firstArcTouches(p, snap.Activities, goalArc)
	highEffort := topEffort(res.Candidates, opts.HighEffortTop)

	var pool []scored
	for _, c := range res.Candidates {
		a := c.Activity
		var reasons []Reason
		if c.CompletedInPeriod() {
			if firstEver[a.Goal()] == a.ID {
				reasons = append(reasons, ReasonFirstGoalCompletionEver)
			} else if firstInPeriod[a.Goal()] == a.ID {
				reasons = append(reasons, ReasonFirstGoalCompletionInPeriod)
			}
			if startedBefore(a, p.Start) {
				reasons = append(reasons, ReasonLongRunningCompleted)
			}
		}
		if arc := metrics.ArcOf(a, goalArc); arc != "" && firstArc[arc] == a.ID {
			reasons = append(reasons, ReasonFirstArcTouch)
		}
		if highEffort[a.ID] {
			reasons = append(reasons, ReasonHighEffort)
		}
		if a.HasTag(opts.ImportantTag) {
			reasons = append(reasons, ReasonUserFlaggedImportant)
		}
		if c.CompletedInPeriod() {
			reasons = append(reasons, ReasonCompletedInPeriod)
		}
		if len(reasons) == 0 {
			continue
		}
		s := scored{cand: c, reasons: reasons}
		for _, r := range reasons {
			s.score += opts.Weights[r]
		}
		s.at, _ = a.ActivityTime()
		pool = append(pool, s)
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if !pool[i].at.Equal(pool[j].at) {
			return pool[i].at.After(pool[j].at)
		}
		return pool[i].cand.Activity.ID < pool[j].cand.Activity.ID
	})
	limit := opts.LongCap
	if p.Days() <= opts.ShortPeriodDays {
		limit = opts.ShortCap
	}
	if len(pool) > limit {
		pool = pool[:limit]
	}

	var b Bundle
	rank := map[string]int{}
	for i, s := range pool {
		a := s.cand.Activity
		rank[a.ID] = i
		b.Noteworthy = append(b.Noteworthy, Example{
			ActivityID: a.ID,
			Title:      a.Title,
			Status:     string(a.Status),
			GoalID:     a.Goal(),
			ArcID:      metrics.ArcOf(a, goalArc),
			At:         s.at.In(p.Location()).Format(time.RFC3339),
			Score:      s.score,
			Reasons:    s.reasons,
		})
	}
	b.Activities = fullList(p, res.Candidates, rank, goalArc, opts)
	b.Hooks = hooks(res.Bundle, b, opts)
	return b
}

// startedBefore uses StartedAt when recorded, otherwise the earliest timestamp.
func startedBefore(a domain.Activity, start time.Time) bool {
	if a.StartedAt != nil {
		return a.StartedAt.Before(start)
	}
	earliest, ok := a.Earliest()
	return ok && earliest.Before(start)
}

func completionTime(a domain.Activity) (time.Time, bool) {
	if a.CompletedAt != nil {
		return *a.CompletedAt, true
	}
	if a.Status == domain.StatusDone && a.UpdatedAt != nil {
		return *a.UpdatedAt, true
	}
	return time.Time{}, false
}

// firstGoalCompletions returns goal id -> activity id of the earliest completion accepted by keep.
func firstGoalCompletions(acts []domain.Activity, keep func(time.Time) bool) map[string]string {
	type best struct {
		id string
		at time.Time
	}
	firsts := map[string]best{}
	for _, a := range acts {
		g := a.Goal()
		if g == "" {
			continue
		}
		at, ok := completionTime(a)
		if !ok || !keep(at) {
			continue
		}
		cur, seen := firsts[g]
		if !seen || at.Before(cur.at) || (at.Equal(cur.at) && a.ID < cur.id) {
			firsts[g] = best{id: a.ID, at: at}
		}
	}
	out := make(map[string]string, len(firsts))
	for g, b := range firsts {
		out[g] = b.id
	}
	return out
}

// firstArcTouches returns arc id -> activity id of the earliest in-period touch for arcs
// with no activity before the period start.
func firstArcTouches(p period.Period, acts []domain.Activity, goalArc map[string]string) map[string]string {
	touchedBefore := map[string]bool{}
	type best struct {
		id string
		at time.Time
	}
	firsts := map[string]best{}
	for _, a := range acts {
		arc := metrics.ArcOf(a, goalArc)
		if arc == "" {
			continue
		}
		for _, ts := range a.Timestamps() {
			if ts.Before(p.Start) {
				touchedBefore[arc] = true
				continue
			}
			if !p.Contains(ts) {
				continue
			}
			cur, seen := firsts[arc]
			if !seen || ts.Before(cur.at) || (ts.Equal(cur.at) && a.ID < cur.id) {
				firsts[arc] = best{id: a.ID, at: ts}
			}
		}
	}
	out := map[string]string{}
	for arc, b := range firsts {
		if !touchedBefore[arc] {
			out[arc] = b.id
		}
	}
	return out
}

func topEffort(cands []metrics.Candidate, n int) map[string]bool {
	var withEffort []domain.Activity
	for _, c := range cands {
		if c.Activity.EffortMinutes != nil && *c.Activity.EffortMinutes > 0 {
			withEffort = append(withEffort, c.Activity)
		}
	}
	sort.Slice(withEffort, func(i, j int) bool {
		ei, ej := *withEffort[i].EffortMinutes, *withEffort[j].EffortMinutes
		if ei != ej {
			return ei > ej
		}
		return withEffort[i].ID < withEffort[j].ID
	})
	out := map[string]bool{}
	for i := 0; i < len(withEffort) && i < n; i++ {
		out[withEffort[i].ID] = true
	}
	return out
}

// fullList puts noteworthy activities first in rank order, then the rest newest first.
func fullList(p period.Period, cands []metrics.Candidate, rank map[string]int, goalArc map[string]string, opts Options) []Ref {
	refs := make([]Ref, 0, len(cands))
	for _, c := range cands {
		a := c.Activity
		at, _ := a.ActivityTime()
		refs = append(refs, Ref{
			ActivityID:     a.ID,
			Title:          a.Title,
			Status:         string(a.Status),
			GoalID:         a.Goal(),
			ArcID:          metrics.ArcOf(a, goalArc),
			At:             at.In(p.Location()).Format(time.RFC3339),
			Flags:          c.Flags,
			EffortMinutes:  a.EffortMinutes,
			Tags:           a.Tags,
			NotesSnippet:   Clamp(a.Notes, opts.NotesLimit),
			activityTime:   at,
			carriedForward: c.Flags.CarriedForward,
			unfinished:     !c.CompletedInPeriod() && a.Status != domain.StatusDone && !a.Status.Abandoned(),
			days:           c.Days,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		ri, iok := rank[refs[i].ActivityID]
		rj, jok := rank[refs[j].ActivityID]
		if iok != jok {
			return iok
		}
		if iok {
			return ri < rj
		}
		if !refs[i].activityTime.Equal(refs[j].activityTime) {
			return refs[i].activityTime.After(refs[j].activityTime)
		}
		return refs[i].ActivityID < refs[j].ActivityID
	})
	if len(refs) > opts.ActivityCap {
		refs = refs[:opts.ActivityCap]
	}
	return refs
}

// Clamp trims s to at most n runes on a word boundary when possible.
func Clamp(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	cut := string(r[:n])
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}

// AllowList is the set of activity ids a generated narrative may cite.
func (b Bundle) AllowList() map[string]bool {
	out := make(map[string]bool, len(b.Activities)+len(b.Noteworthy))
	for _, e := range b.Noteworthy {
		out[e.ActivityID] = true
	}
	for _, r := range b.Activities {
		out[r.ActivityID] = true
	}
	return out
}

// CheckClosure fails when a hook cites an id outside the bundle or any id is unknown to snap.
func (b Bundle) CheckClosure(snap domain.Snapshot) error {
	known := make(map[string]bool, len(snap.Activities))
	for _, a := range snap.Activities {
		known[a.ID] = true
	}
	allow := b.AllowList()
	for id := range allow {
		if !known[id] {
			return fmt.Errorf("evidence references unknown activity %s", id)
		}
	}
	for _, h := range b.Hooks {
		for _, id := range h.ActivityIDs {
			if !allow[id] {
				return fmt.Errorf("hook %s cites activity %s outside the evidence lists", h.Kind, id)
			}
		}
	}
	return nil
}
