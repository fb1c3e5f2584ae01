// Package period turns a template cadence into a concrete half-open interval and a stable key.
package period

import (
	"fmt"
	"strings"
	"time"

	"chapterline/internal/domain"
)

const (
	// MaxCustomSpanDays bounds explicit start/end ranges.
	MaxCustomSpanDays = 365

	dayLayout = "2006-01-02"
)

// DefaultZone is substituted whenever a zone name cannot be loaded.
var DefaultZone = "UTC"

type Request struct {
	Cadence     domain.Cadence
	Timezone    string
	PeriodsBack int
	// Start and End are optional explicit dates; End is the exclusive boundary day.
	Start string
	End   string
	Now   time.Time
}

type Period struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Timezone string    `json:"timezone"`

	loc *time.Location
}

// Echo is the exact period triple the generator must return unchanged.
type Echo struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Label string `json:"label"`
}

// LoadLocation resolves name, falling back to DefaultZone for empty or unknown zones.
func LoadLocation(name string) (*time.Location, string) {
	name = strings.TrimSpace(name)
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, name
		}
	}
	loc, err := time.LoadLocation(DefaultZone)
	if err != nil {
		return time.UTC, "UTC"
	}
	return loc, DefaultZone
}

// Resolve returns nil when the request cannot produce a period; callers skip that unit of work.
func Resolve(req Request) *Period {
	loc, zone := LoadLocation(req.Timezone)
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)
	back := req.PeriodsBack
	if back < 0 {
		back = 0
	}

	if strings.TrimSpace(req.Start) != "" || strings.TrimSpace(req.End) != "" {
		return resolveCustom(req.Start, req.End, now, loc, zone)
	}

	today := startOfDay(now)
	var p Period
	switch req.Cadence {
	case domain.CadenceWeekly:
		sinceMonday := (int(today.Weekday()) + 6) % 7
		thisWeek := today.AddDate(0, 0, -sinceMonday)
		p.Start = thisWeek.AddDate(0, 0, -7*(back+1))
		p.End = p.Start.AddDate(0, 0, 7)
		year, week := p.Start.ISOWeek()
		p.Key = fmt.Sprintf("%04d-W%02d", year, week)
		last := p.End.AddDate(0, 0, -1)
		p.Label = fmt.Sprintf("Week %d of %d (%s - %s)", week, year, p.Start.Format("Jan 2"), last.Format("Jan 2"))
	case domain.CadenceMonthly:
		thisMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc)
		p.Start = thisMonth.AddDate(0, -(back + 1), 0)
		p.End = p.Start.AddDate(0, 1, 0)
		p.Key = p.Start.Format("2006-01")
		p.Label = p.Start.Format("January 2006")
	case domain.CadenceYearly:
		thisYear := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, loc)
		p.Start = thisYear.AddDate(-(back + 1), 0, 0)
		p.End = p.Start.AddDate(1, 0, 0)
		p.Key = p.Start.Format("2006")
		p.Label = p.Start.Format("2006")
	default:
		return nil
	}
	p.Timezone = zone
	p.loc = loc
	return &p
}

func resolveCustom(rawStart, rawEnd string, now time.Time, loc *time.Location, zone string) *Period {
	start, ok := parseDay(rawStart, loc)
	if !ok {
		return nil
	}
	end, ok := parseDay(rawEnd, loc)
	if !ok {
		return nil
	}
	if !end.After(start) {
		return nil
	}
	if end.After(start.AddDate(0, 0, MaxCustomSpanDays)) {
		return nil
	}
	tomorrow := startOfDay(now).AddDate(0, 0, 1)
	if end.After(tomorrow) {
		return nil
	}
	last := end.AddDate(0, 0, -1)
	return &Period{
		Start:    start,
		End:      end,
		Key:      start.Format(dayLayout) + "_" + end.Format(dayLayout),
		Label:    fmt.Sprintf("%s - %s", start.Format("Jan 2, 2006"), last.Format("Jan 2, 2006")),
		Timezone: zone,
		loc:      loc,
	}
}

func parseDay(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(dayLayout, raw, loc); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return startOfDay(t.In(loc)), true
	}
	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Location returns the zone the period was resolved in.
func (p Period) Location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	loc, _ := LoadLocation(p.Timezone)
	return loc
}

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DayKey maps t to its local calendar date in the period zone.
func (p Period) DayKey(t time.Time) string {
	return t.In(p.Location()).Format(dayLayout)
}

// Days counts local calendar days in the period.
func (p Period) Days() int {
	n := 0
	for d := p.Start; d.Before(p.End); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

func (p Period) Echo() Echo {
	return Echo{
		Start: p.Start.Format(dayLayout),
		End:   p.End.Format(dayLayout),
		Label: p.Label,
	}
}
