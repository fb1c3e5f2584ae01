package validate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterline/internal/narrative"
	"chapterline/internal/period"
)

func expectations() Expectations {
	return Expectations{
		Period:       period.Echo{Start: "2026-10-05", End: "2026-10-12", Label: "Week 41 of 2026 (Oct 5 - Oct 11)"},
		AllowList:    map[string]bool{"a1": true, "a2": true, "a3": true},
		MetricKeys:   map[string]bool{"counts.completed": true, "counts.carried_forward": true},
		MinBodyChars: 60,
		MinCitations: 2,
	}
}

func goodOutput() map[string]any {
	return map[string]any{
		"title":   "Three finishes on \"Ship v2\", one carried in",
		"summary": "3 completions, including \"Migrate data\" which started the week before",
		"period":  map[string]any{"start": "2026-10-05", "end": "2026-10-12", "label": "Week 41 of 2026 (Oct 5 - Oct 11)"},
		"sections": map[string]any{
			"narrative":  "You closed 3 items this week. \"Migrate data\" had been open since September and finally landed on Thursday.",
			"highlights": []any{"\"Design API\" finished Tuesday"},
			"next_focus": "\"Load test\" is still open.",
		},
		"noteworthy_mentions": []any{
			map[string]any{"activity_id": "a3", "why": "long-running finish"},
		},
		"citations": map[string]any{
			"activity_ids": []any{"a1", "a3"},
			"metric_keys":  []any{"counts.completed"},
		},
	}
}

func encode(t *testing.T, doc map[string]any) string {
	t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(b)
}

func rejection(t *testing.T, err error) *Error {
	t.Helper()
	require.Error(t, err)
	var ve *Error
	require.True(t, errors.As(err, &ve), "expected *validate.Error, got %T", err)
	return ve
}

func TestAcceptsGroundedOutput(t *testing.T) {
	out, err := Output(encode(t, goodOutput()), expectations())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a3"}, out.Citations.ActivityIDs)
	assert.Equal(t, "2026-10-05", out.Period.Start)
}

func TestAcceptsWrappedJSON(t *testing.T) {
	_, err := Output("Sure!\n"+encode(t, goodOutput())+"\n", expectations())
	require.NoError(t, err)
}

func TestRejectsUngroundedCitationRegardlessOfQuality(t *testing.T) {
	doc := goodOutput()
	doc["citations"].(map[string]any)["activity_ids"] = []any{"a1", "a3", "a9"}
	_, err := Output(encode(t, doc), expectations())
	ve := rejection(t, err)
	assert.True(t, ve.Has(RuleCitations))
	assert.Contains(t, ve.Error(), `"a9"`)
}

func TestRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		rule   Rule
	}{
		{"missing title", func(d map[string]any) { delete(d, "title") }, RuleTitle},
		{"generic title", func(d map[string]any) { d["title"] = "Weekly Summary" }, RuleTitle},
		{"chapter number title", func(d map[string]any) { d["title"] = "Chapter 12" }, RuleTitle},
		{"generic summary", func(d map[string]any) { d["summary"] = "A productive week with great progress" }, RuleSummary},
		{"blank summary", func(d map[string]any) { d["summary"] = "   " }, RuleSummary},
		{"banned phrase mid title", func(d map[string]any) { d["title"] = "Another journey through the backlog" }, RuleTitle},
		{"banned phrase mid summary", func(d map[string]any) { d["summary"] = "3 finishes made it a Productive  Week" }, RuleSummary},
		{"period drift", func(d map[string]any) { d["period"].(map[string]any)["end"] = "2026-10-13" }, RulePeriod},
		{"label drift", func(d map[string]any) { d["period"].(map[string]any)["label"] = "Week 41" }, RulePeriod},
		{"period missing", func(d map[string]any) { delete(d, "period") }, RulePeriod},
		{"section missing", func(d map[string]any) { delete(d["sections"].(map[string]any), "next_focus") }, RuleSections},
		{"sections missing", func(d map[string]any) { delete(d, "sections") }, RuleSections},
		{"short body", func(d map[string]any) { d["sections"].(map[string]any)["narrative"] = "3 done." }, RuleBodyLength},
		{"citations missing", func(d map[string]any) { delete(d, "citations") }, RuleCitations},
		{"too few citations", func(d map[string]any) { d["citations"].(map[string]any)["activity_ids"] = []any{"a1", "a1"} }, RuleCitations},
		{"unknown metric key", func(d map[string]any) { d["citations"].(map[string]any)["metric_keys"] = []any{"counts.vibes"} }, RuleCitations},
		{"mention outside allow-list", func(d map[string]any) {
			d["noteworthy_mentions"] = []any{map[string]any{"activity_id": "zzz", "why": "made up"}}
		}, RuleMentions},
		{"extra property", func(d map[string]any) { d["mood"] = "sunny" }, RuleSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := goodOutput()
			tc.mutate(doc)
			_, err := Output(encode(t, doc), expectations())
			ve := rejection(t, err)
			assert.True(t, ve.Has(tc.rule), "expected rule %s in %v", tc.rule, ve.Violations)
		})
	}
}

func TestEveryBannedPhraseIsChecked(t *testing.T) {
	for _, phrase := range narrative.BannedPhrases {
		_, hit := bannedMatch("Tuesday: " + strings.ToUpper(phrase) + " again")
		assert.True(t, hit, "phrase %q must be rejected", phrase)
	}
}

func TestRejectsUnparseable(t *testing.T) {
	_, err := Output("I could not produce a chapter.", expectations())
	ve := rejection(t, err)
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, RuleUnparseable, ve.Violations[0].Rule)
}

func TestCollectsEveryViolation(t *testing.T) {
	doc := goodOutput()
	doc["title"] = "Monthly Report"
	doc["citations"].(map[string]any)["activity_ids"] = []any{"ghost"}
	_, err := Output(encode(t, doc), expectations())
	ve := rejection(t, err)
	assert.True(t, ve.Has(RuleTitle))
	assert.True(t, ve.Has(RuleCitations))
	assert.True(t, strings.HasPrefix(ve.Error(), "chapter rejected: "))
}
