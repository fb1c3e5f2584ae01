package filter

import (
	"testing"

	"chapterline/internal/domain"
)

func strPtr(s string) *string { return &s }

func sample() []domain.Activity {
	return []domain.Activity{
		{ID: "a1", Title: "Write launch post", Status: domain.StatusDone, GoalID: strPtr("g1"), Tags: []string{"Important"}},
		{ID: "a2", Title: "Refactor billing", Status: domain.StatusInProgress, GoalID: strPtr("g2"), ArcID: strPtr("arc1")},
		{ID: "a3", Title: "Read paper", Status: domain.StatusCancelled},
	}
}

func ids(acts []domain.Activity) []string {
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.ID)
	}
	return out
}

func TestApply(t *testing.T) {
	cases := []struct {
		name string
		spec *domain.FilterSpec
		want []string
	}{
		{"nil filter", nil, []string{"a1", "a2", "a3"}},
		{"status eq", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "status", Op: "eq", Value: "done"}}}, []string{"a1"}},
		{"status not_in", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "status", Op: "not_in", Values: []string{"cancelled", "skipped"}}}}, []string{"a1", "a2"}},
		{"tag case-insensitive", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "tag", Op: "eq", Value: "important"}}}, []string{"a1"}},
		{"goal exists", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "goal_id", Op: "exists"}}}, []string{"a1", "a2"}},
		{"arc not_exists", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "arc_id", Op: "not_exists"}}}, []string{"a1", "a3"}},
		{"title contains", &domain.FilterSpec{Conditions: []domain.ConditionSpec{{Field: "title", Op: "contains", Value: "BILL"}}}, []string{"a2"}},
		{"match all", &domain.FilterSpec{Match: "all", Conditions: []domain.ConditionSpec{
			{Field: "goal_id", Op: "in", Values: []string{"g1", "g2"}},
			{Field: "status", Op: "neq", Value: "done"},
		}}, []string{"a2"}},
		{"match any", &domain.FilterSpec{Match: "any", Conditions: []domain.ConditionSpec{
			{Field: "goal_id", Op: "eq", Value: "g1"},
			{Field: "status", Op: "eq", Value: "cancelled"},
		}}, []string{"a1", "a3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Compile(tc.spec)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got := ids(f.Apply(sample()))
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestCompileRejectsUnknown(t *testing.T) {
	bad := []*domain.FilterSpec{
		{Match: "most", Conditions: nil},
		{Conditions: []domain.ConditionSpec{{Field: "owner", Op: "eq", Value: "x"}}},
		{Conditions: []domain.ConditionSpec{{Field: "status", Op: "like", Value: "x"}}},
		{Conditions: []domain.ConditionSpec{{Field: "status", Op: "eq", Value: "finished"}}},
		{Conditions: []domain.ConditionSpec{{Field: "tag", Op: "in"}}},
		{Conditions: []domain.ConditionSpec{{Field: "tag", Op: "exists", Value: "x"}}},
	}
	for i, spec := range bad {
		if _, err := Compile(spec); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
