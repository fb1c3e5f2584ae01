package metrics

import "sort"

// Metric keys that story hooks and generated citations may reference.
const (
	KeyCreated              = "counts.created"
	KeyCompleted            = "counts.completed"
	KeyCompletedViaFallback = "counts.completed_via_fallback"
	KeyStartedNotCompleted  = "counts.started_not_completed"
	KeyCarriedForward       = "counts.carried_forward"
	KeyTouched              = "counts.touched"
	KeyCandidates           = "counts.candidates"
	KeyActiveDays           = "time_shape.active_days"
	KeyLongestStreak        = "time_shape.longest_streak"
	KeyPeriodDays           = "time_shape.period_days"
	KeyGoalsTouched         = "goals.total"
	KeyArcsTouched          = "arcs.total"
)

func (b Bundle) values() map[string]int {
	return map[string]int{
		KeyCreated:              b.Counts.Created,
		KeyCompleted:            b.Counts.Completed,
		KeyCompletedViaFallback: b.Counts.CompletedViaFallback,
		KeyStartedNotCompleted:  b.Counts.StartedNotCompleted,
		KeyCarriedForward:       b.Counts.CarriedForward,
		KeyTouched:              b.Counts.Touched,
		KeyCandidates:           b.Counts.Candidates,
		KeyActiveDays:           b.TimeShape.ActiveDays,
		KeyLongestStreak:        b.TimeShape.LongestStreak,
		KeyPeriodDays:           b.TimeShape.PeriodDays,
		KeyGoalsTouched:         b.GoalsTotal,
		KeyArcsTouched:          b.ArcsTotal,
	}
}

// Lookup resolves a metric key to its value.
func (b Bundle) Lookup(key string) (int, bool) {
	v, ok := b.values()[key]
	return v, ok
}

// Keys lists every addressable metric key in sorted order.
func (b Bundle) Keys() []string {
	vals := b.values()
	out := make([]string, 0, len(vals))
	for k := range vals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
