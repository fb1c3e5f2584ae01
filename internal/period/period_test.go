package period

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterline/internal/domain"
)

var wednesday = time.Date(2026, 10, 14, 15, 30, 0, 0, time.UTC)

func TestResolveCalendarCadences(t *testing.T) {
	cases := []struct {
		name    string
		cadence domain.Cadence
		back    int
		now     time.Time
		key     string
		start   string
		end     string
		label   string
	}{
		{"weekly", domain.CadenceWeekly, 0, wednesday, "2026-W41", "2026-10-05", "2026-10-12", "Week 41 of 2026 (Oct 5 - Oct 11)"},
		{"weekly two back", domain.CadenceWeekly, 2, wednesday, "2026-W39", "2026-09-21", "2026-09-28", "Week 39 of 2026 (Sep 21 - Sep 27)"},
		{"weekly across year", domain.CadenceWeekly, 0, time.Date(2027, 1, 6, 9, 0, 0, 0, time.UTC), "2026-W53", "2026-12-28", "2027-01-04", "Week 53 of 2026 (Dec 28 - Jan 3)"},
		{"monthly", domain.CadenceMonthly, 0, wednesday, "2026-09", "2026-09-01", "2026-10-01", "September 2026"},
		{"monthly across year", domain.CadenceMonthly, 10, wednesday, "2025-11", "2025-11-01", "2025-12-01", "November 2025"},
		{"yearly", domain.CadenceYearly, 0, wednesday, "2025", "2025-01-01", "2026-01-01", "2025"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Resolve(Request{Cadence: tc.cadence, Timezone: "UTC", PeriodsBack: tc.back, Now: tc.now})
			require.NotNil(t, p)
			assert.Equal(t, tc.key, p.Key)
			assert.Equal(t, tc.start, p.Echo().Start)
			assert.Equal(t, tc.end, p.Echo().End)
			assert.Equal(t, tc.label, p.Label)
			assert.True(t, p.End.After(p.Start))
		})
	}
}

func TestResolveUsesLocalMidnight(t *testing.T) {
	// Sunday evening in New York is already Monday in UTC.
	now := time.Date(2026, 10, 12, 2, 0, 0, 0, time.UTC)
	p := Resolve(Request{Cadence: domain.CadenceWeekly, Timezone: "America/New_York", Now: now})
	require.NotNil(t, p)
	assert.Equal(t, "2026-W40", p.Key)
	assert.Equal(t, "2026-09-28T00:00:00-04:00", p.Start.Format(time.RFC3339))
	assert.Equal(t, "America/New_York", p.Timezone)
	assert.Equal(t, 7, p.Days())
}

func TestResolveInvalidZoneFallsBack(t *testing.T) {
	p := Resolve(Request{Cadence: domain.CadenceMonthly, Timezone: "Mars/Olympus_Mons", Now: wednesday})
	require.NotNil(t, p)
	assert.Equal(t, "UTC", p.Timezone)
	assert.Equal(t, "2026-09", p.Key)
}

func TestResolveManualWithoutRangeIsNil(t *testing.T) {
	assert.Nil(t, Resolve(Request{Cadence: domain.CadenceManual, Timezone: "UTC", Now: wednesday}))
	assert.Nil(t, Resolve(Request{Cadence: "fortnightly", Timezone: "UTC", Now: wednesday}))
}

func TestResolveCustomRange(t *testing.T) {
	p := Resolve(Request{Cadence: domain.CadenceManual, Timezone: "UTC", Start: "2026-09-01", End: "2026-09-15", Now: wednesday})
	require.NotNil(t, p)
	assert.Equal(t, "2026-09-01_2026-09-15", p.Key)
	assert.Equal(t, "Sep 1, 2026 - Sep 14, 2026", p.Label)
	assert.Equal(t, 14, p.Days())

	// RFC3339 input is truncated to the local day.
	p = Resolve(Request{Cadence: domain.CadenceWeekly, Timezone: "UTC", Start: "2026-09-01T17:45:00Z", End: "2026-09-03T08:00:00Z", Now: wednesday})
	require.NotNil(t, p)
	assert.Equal(t, "2026-09-01_2026-09-03", p.Key)

	// Tomorrow is the latest permitted end.
	assert.NotNil(t, Resolve(Request{Timezone: "UTC", Start: "2026-10-01", End: "2026-10-15", Now: wednesday}))
}

func TestResolveCustomRangeRejections(t *testing.T) {
	cases := map[string][2]string{
		"end before start": {"2026-09-15", "2026-09-01"},
		"empty span":       {"2026-09-15", "2026-09-15"},
		"beyond a year":    {"2025-01-01", "2026-03-01"},
		"future end":       {"2026-10-01", "2026-10-16"},
		"unparseable":      {"yesterday", "2026-10-01"},
		"missing end":      {"2026-09-01", ""},
	}
	for name, rng := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, Resolve(Request{Cadence: domain.CadenceManual, Timezone: "UTC", Start: rng[0], End: rng[1], Now: wednesday}))
		})
	}
}

func TestDayKeyUsesPeriodZone(t *testing.T) {
	p := Resolve(Request{Cadence: domain.CadenceWeekly, Timezone: "Asia/Tokyo", Now: wednesday})
	require.NotNil(t, p)
	ts := time.Date(2026, 10, 6, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-07", p.DayKey(ts))
	assert.True(t, p.Contains(p.Start))
	assert.False(t, p.Contains(p.End))
}

func TestResolveDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs resolve to identical periods", prop.ForAll(
		func(cadence string, zone string, back int, unix int64) bool {
			now := time.Unix(unix, 0)
			req := Request{Cadence: domain.Cadence(cadence), Timezone: zone, PeriodsBack: back, Now: now}
			a, b := Resolve(req), Resolve(req)
			if a == nil || b == nil {
				return false
			}
			if a.Start.Format(time.RFC3339) != b.Start.Format(time.RFC3339) ||
				a.End.Format(time.RFC3339) != b.End.Format(time.RFC3339) ||
				a.Key != b.Key || a.Label != b.Label {
				return false
			}
			if !a.End.After(a.Start) || a.End.After(now) {
				return false
			}
			if domain.Cadence(cadence) == domain.CadenceWeekly && a.Start.Weekday() != time.Monday {
				return false
			}
			return true
		},
		gen.OneConstOf("weekly", "monthly", "yearly"),
		gen.OneConstOf("UTC", "America/New_York", "Europe/Berlin", "Asia/Tokyo", "Australia/Lord_Howe", "Not/AZone", ""),
		gen.IntRange(0, 60),
		gen.Int64Range(946684800, 4102444800),
	))

	properties.TestingRun(t)
}
