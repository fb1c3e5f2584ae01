// Package filter compiles stored template filters into a closed set of typed conditions.
package filter

import (
	"fmt"
	"strings"

	"chapterline/internal/domain"
)

type Field int

const (
	FieldStatus Field = iota + 1
	FieldGoal
	FieldArc
	FieldTag
	FieldTitle
)

type Op int

const (
	OpEq Op = iota + 1
	OpNeq
	OpIn
	OpNotIn
	OpContains
	OpExists
	OpNotExists
)

type Match int

const (
	MatchAll Match = iota
	MatchAny
)

type Condition struct {
	Field  Field
	Op     Op
	Values []string
}

// Filter is a compiled template filter. The zero value matches everything.
type Filter struct {
	Match      Match
	Conditions []Condition
}

func parseField(s string) (Field, error) {
	switch strings.TrimSpace(s) {
	case "status":
		return FieldStatus, nil
	case "goal_id":
		return FieldGoal, nil
	case "arc_id":
		return FieldArc, nil
	case "tag":
		return FieldTag, nil
	case "title":
		return FieldTitle, nil
	}
	return 0, fmt.Errorf("unknown filter field %q", s)
}

func parseOp(s string) (Op, error) {
	switch strings.TrimSpace(s) {
	case "eq":
		return OpEq, nil
	case "neq":
		return OpNeq, nil
	case "in":
		return OpIn, nil
	case "not_in":
		return OpNotIn, nil
	case "contains":
		return OpContains, nil
	case "exists":
		return OpExists, nil
	case "not_exists":
		return OpNotExists, nil
	}
	return 0, fmt.Errorf("unknown filter op %q", s)
}

// Compile validates spec and returns its typed form. A nil spec yields the match-all filter.
func Compile(spec *domain.FilterSpec) (Filter, error) {
	var f Filter
	if spec == nil {
		return f, nil
	}
	switch strings.TrimSpace(spec.Match) {
	case "", "all":
		f.Match = MatchAll
	case "any":
		f.Match = MatchAny
	default:
		return Filter{}, fmt.Errorf("unknown filter match %q", spec.Match)
	}
	for i, c := range spec.Conditions {
		field, err := parseField(c.Field)
		if err != nil {
			return Filter{}, fmt.Errorf("condition %d: %w", i, err)
		}
		op, err := parseOp(c.Op)
		if err != nil {
			return Filter{}, fmt.Errorf("condition %d: %w", i, err)
		}
		values := c.Values
		if c.Value != "" {
			values = append([]string{c.Value}, values...)
		}
		switch op {
		case OpEq, OpNeq, OpContains:
			if len(values) != 1 {
				return Filter{}, fmt.Errorf("condition %d: op %s takes exactly one value", i, c.Op)
			}
		case OpIn, OpNotIn:
			if len(values) == 0 {
				return Filter{}, fmt.Errorf("condition %d: op %s needs values", i, c.Op)
			}
		case OpExists, OpNotExists:
			if len(values) != 0 {
				return Filter{}, fmt.Errorf("condition %d: op %s takes no values", i, c.Op)
			}
		}
		if field == FieldStatus {
			for _, v := range values {
				if !domain.ActivityStatus(v).Valid() {
					return Filter{}, fmt.Errorf("condition %d: unknown status %q", i, v)
				}
			}
		}
		f.Conditions = append(f.Conditions, Condition{Field: field, Op: op, Values: values})
	}
	return f, nil
}

// Matches evaluates the filter against one activity.
func (f Filter) Matches(a domain.Activity) bool {
	if len(f.Conditions) == 0 {
		return true
	}
	for _, c := range f.Conditions {
		ok := c.matches(a)
		if f.Match == MatchAny && ok {
			return true
		}
		if f.Match == MatchAll && !ok {
			return false
		}
	}
	return f.Match == MatchAll
}

// Apply returns the activities that match, preserving order.
func (f Filter) Apply(acts []domain.Activity) []domain.Activity {
	if len(f.Conditions) == 0 {
		return acts
	}
	out := make([]domain.Activity, 0, len(acts))
	for _, a := range acts {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	return out
}

func (c Condition) matches(a domain.Activity) bool {
	subject := c.subject(a)
	switch c.Op {
	case OpExists:
		return len(subject) > 0
	case OpNotExists:
		return len(subject) == 0
	case OpEq:
		return anyEqual(subject, c.Values[:1], c.Field)
	case OpNeq:
		return !anyEqual(subject, c.Values[:1], c.Field)
	case OpIn:
		return anyEqual(subject, c.Values, c.Field)
	case OpNotIn:
		return !anyEqual(subject, c.Values, c.Field)
	case OpContains:
		needle := strings.ToLower(c.Values[0])
		for _, s := range subject {
			if strings.Contains(strings.ToLower(s), needle) {
				return true
			}
		}
		return false
	}
	return false
}

// subject returns the values the field holds on a; empty means absent.
func (c Condition) subject(a domain.Activity) []string {
	switch c.Field {
	case FieldStatus:
		return []string{string(a.Status)}
	case FieldGoal:
		if g := a.Goal(); g != "" {
			return []string{g}
		}
	case FieldArc:
		if arc := a.Arc(); arc != "" {
			return []string{arc}
		}
	case FieldTag:
		return a.Tags
	case FieldTitle:
		if strings.TrimSpace(a.Title) != "" {
			return []string{a.Title}
		}
	}
	return nil
}

func anyEqual(subject, values []string, field Field) bool {
	for _, s := range subject {
		for _, v := range values {
			if field == FieldTag || field == FieldTitle {
				if strings.EqualFold(s, v) {
					return true
				}
			} else if s == v {
				return true
			}
		}
	}
	return false
}
