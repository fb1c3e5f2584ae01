package domain

import (
	"strings"
	"time"
)

type ActivityStatus string

const (
	StatusPlanned    ActivityStatus = "planned"
	StatusInProgress ActivityStatus = "in_progress"
	StatusDone       ActivityStatus = "done"
	StatusSkipped    ActivityStatus = "skipped"
	StatusCancelled  ActivityStatus = "cancelled"
)

// Abandoned reports whether the status is a terminal state that was not a completion.
func (s ActivityStatus) Abandoned() bool {
	return s == StatusSkipped || s == StatusCancelled
}

func (s ActivityStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusInProgress, StatusDone, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

type Activity struct {
	ID            string         `json:"id" yaml:"id"`
	OwnerID       string         `json:"owner_id" yaml:"-"`
	Title         string         `json:"title" yaml:"title"`
	Status        ActivityStatus `json:"status" yaml:"status" enum:"planned,in_progress,done,skipped,cancelled"`
	GoalID        *string        `json:"goal_id,omitempty" yaml:"goal_id,omitempty"`
	ArcID         *string        `json:"arc_id,omitempty" yaml:"arc_id,omitempty"`
	Tags          []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	EffortMinutes *int           `json:"effort_minutes,omitempty" yaml:"effort_minutes,omitempty"`
	CreatedAt     *time.Time     `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Notes         string         `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ActivityTime resolves completed, started, updated, created in that order.
func (a Activity) ActivityTime() (time.Time, bool) {
	for _, ts := range []*time.Time{a.CompletedAt, a.StartedAt, a.UpdatedAt, a.CreatedAt} {
		if ts != nil {
			return *ts, true
		}
	}
	return time.Time{}, false
}

// Earliest returns the oldest timestamp present on the record.
func (a Activity) Earliest() (time.Time, bool) {
	var min time.Time
	found := false
	for _, ts := range a.Timestamps() {
		if !found || ts.Before(min) {
			min = ts
			found = true
		}
	}
	return min, found
}

// Timestamps returns every timestamp that is set.
func (a Activity) Timestamps() []time.Time {
	out := make([]time.Time, 0, 4)
	for _, ts := range []*time.Time{a.CreatedAt, a.StartedAt, a.CompletedAt, a.UpdatedAt} {
		if ts != nil {
			out = append(out, *ts)
		}
	}
	return out
}

func (a Activity) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

func (a Activity) Goal() string {
	if a.GoalID == nil {
		return ""
	}
	return *a.GoalID
}

func (a Activity) Arc() string {
	if a.ArcID == nil {
		return ""
	}
	return *a.ArcID
}

type Goal struct {
	ID          string  `json:"id" yaml:"id"`
	OwnerID     string  `json:"owner_id" yaml:"-"`
	Title       string  `json:"title" yaml:"title"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	ArcID       *string `json:"arc_id,omitempty" yaml:"arc_id,omitempty"`
}

type Arc struct {
	ID          string `json:"id" yaml:"id"`
	OwnerID     string `json:"owner_id" yaml:"-"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Snapshot is the read-only view of one owner's records at the start of a run.
type Snapshot struct {
	Activities []Activity `json:"activities" yaml:"activities"`
	Goals      []Goal     `json:"goals" yaml:"goals"`
	Arcs       []Arc      `json:"arcs" yaml:"arcs"`
}

type Cadence string

const (
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
	CadenceManual  Cadence = "manual"
)

type Kind string

const (
	KindReflection Kind = "reflection"
	KindReport     Kind = "report"
)

type Detail string

const (
	DetailShort  Detail = "short"
	DetailMedium Detail = "medium"
	DetailDeep   Detail = "deep"
)

// FilterSpec is the stored form of a template filter.
type FilterSpec struct {
	Match      string          `json:"match,omitempty" yaml:"match,omitempty" enum:"all,any"`
	Conditions []ConditionSpec `json:"conditions" yaml:"conditions"`
}

type ConditionSpec struct {
	Field  string   `json:"field" yaml:"field" enum:"status,goal_id,arc_id,tag,title"`
	Op     string   `json:"op" yaml:"op" enum:"eq,neq,in,not_in,contains,exists,not_exists"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

type Template struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Name      string      `json:"name"`
	Cadence   Cadence     `json:"cadence" enum:"weekly,monthly,yearly,manual"`
	Timezone  string      `json:"timezone"`
	Kind      Kind        `json:"kind" enum:"reflection,report"`
	Detail    Detail      `json:"detail" enum:"short,medium,deep"`
	Enabled   bool        `json:"enabled"`
	Filter    *FilterSpec `json:"filter,omitempty"`
	CreatedAt string      `json:"created_at" format:"date-time"`
	UpdatedAt string      `json:"updated_at" format:"date-time"`
}

type ChapterStatus string

const (
	ChapterPending ChapterStatus = "pending"
	ChapterReady   ChapterStatus = "ready"
	ChapterFailed  ChapterStatus = "failed"
)

type Chapter struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	TemplateID       string        `json:"template_id"`
	PeriodKey        string        `json:"period_key"`
	PeriodStart      string        `json:"period_start" format:"date-time"`
	PeriodEnd        string        `json:"period_end" format:"date-time"`
	PeriodLabel      string        `json:"period_label"`
	Status           ChapterStatus `json:"status" enum:"pending,ready,failed"`
	InputSummaryJSON string        `json:"input_summary_json"`
	MetricsJSON      string        `json:"metrics_json"`
	EvidenceJSON     string        `json:"evidence_json"`
	OutputJSON       *string       `json:"output_json,omitempty"`
	Error            *string       `json:"error,omitempty"`
	CreatedAt        string        `json:"created_at" format:"date-time"`
	UpdatedAt        string        `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
