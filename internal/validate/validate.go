// Package validate is the grounding gate between generated chapters and the ready state.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chapterline/internal/narrative"
	"chapterline/internal/period"
)

type Rule string

const (
	RuleUnparseable Rule = "unparseable"
	RuleTitle       Rule = "title"
	RuleSummary     Rule = "summary"
	RulePeriod      Rule = "period"
	RuleSections    Rule = "sections"
	RuleBodyLength  Rule = "body_length"
	RuleCitations   Rule = "citations"
	RuleMentions    Rule = "mentions"
	RuleSchema      Rule = "schema"
)

type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

// Error lists every violation found in one output.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return "chapter rejected: " + strings.Join(parts, "; ")
}

// Has reports whether a violation of rule was recorded.
func (e *Error) Has(rule Rule) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

type Expectations struct {
	Period       period.Echo
	AllowList    map[string]bool
	MetricKeys   map[string]bool
	MinBodyChars int
	MinCitations int
}

func ExpectationsFor(req narrative.Request) Expectations {
	return Expectations{
		Period:       req.Period,
		AllowList:    req.AllowList,
		MetricKeys:   req.MetricKeys,
		MinBodyChars: req.Constraints.MinBodyChars,
		MinCitations: req.Constraints.MinCitations,
	}
}

// bannedPatterns are the generic title shapes plus every phrase the generator is told to avoid.
var bannedPatterns = append([]*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(my|your|the|a)?\s*(weekly|monthly|yearly|annual)\s+(summary|report|reflection|recap|update)\s*$`),
	regexp.MustCompile(`(?i)^\s*(chapter|untitled|summary|report|reflection|recap|title)(\s+\d+)?\s*$`),
	regexp.MustCompile(`(?i)^\s*(a|another)\s+(productive|busy|great|good)\s+(week|month|year|period)\b`),
	regexp.MustCompile(`(?i)^\s*(lorem ipsum|todo|tbd|n/a)\b`),
}, phrasePatterns(narrative.BannedPhrases)...)

func phrasePatterns(phrases []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(phrases))
	for _, ph := range phrases {
		words := strings.Fields(ph)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		out = append(out, regexp.MustCompile(`(?i)\b`+strings.Join(words, `\s+`)+`\b`))
	}
	return out
}

func bannedMatch(s string) (string, bool) {
	for _, re := range bannedPatterns {
		if re.MatchString(s) {
			return re.String(), true
		}
	}
	return "", false
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

const schemaURL = "https://chapterline.local/schemas/chapter.schema.json"

func outputSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(narrative.OutputSchemaJSON())); err != nil {
			compileErr = fmt.Errorf("load chapter schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Output validates raw model text. Any single violation rejects the whole output.
func Output(raw string, exp Expectations) (narrative.Output, error) {
	var doc map[string]any
	if err := narrative.DecodeModelJSON(raw, &doc); err != nil {
		return narrative.Output{}, &Error{Violations: []Violation{{RuleUnparseable, err.Error()}}}
	}
	var out narrative.Output
	b, _ := json.Marshal(doc)
	typedErr := json.Unmarshal(b, &out)

	var vs []Violation
	add := func(rule Rule, format string, args ...any) {
		vs = append(vs, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	checkLine := func(rule Rule, key string) {
		s, _ := doc[key].(string)
		if strings.TrimSpace(s) == "" {
			add(rule, "%s missing", key)
			return
		}
		if pattern, ok := bannedMatch(s); ok {
			add(rule, "%s %q matches banned pattern %s", key, s, pattern)
		}
	}
	checkLine(RuleTitle, "title")
	checkLine(RuleSummary, "summary")

	if p, ok := doc["period"].(map[string]any); !ok {
		add(RulePeriod, "period echo missing")
	} else {
		for _, f := range [][2]string{{"start", exp.Period.Start}, {"end", exp.Period.End}, {"label", exp.Period.Label}} {
			if got, _ := p[f[0]].(string); got != f[1] {
				add(RulePeriod, "period.%s is %q, expected %q", f[0], got, f[1])
			}
		}
	}

	sections, ok := doc["sections"].(map[string]any)
	if !ok {
		add(RuleSections, "sections missing")
	} else {
		for _, key := range narrative.RequiredSections {
			if _, ok := sections[key]; !ok {
				add(RuleSections, "section %s missing", key)
			}
		}
		body, _ := sections["narrative"].(string)
		if n := utf8.RuneCountInString(strings.TrimSpace(body)); n < exp.MinBodyChars {
			add(RuleBodyLength, "narrative is %d characters, minimum %d", n, exp.MinBodyChars)
		}
	}

	checkCitations(doc, exp, add)

	if mentions, ok := doc["noteworthy_mentions"].([]any); ok {
		for i, m := range mentions {
			mm, _ := m.(map[string]any)
			id, _ := mm["activity_id"].(string)
			if !exp.AllowList[id] {
				add(RuleMentions, "noteworthy_mentions[%d] references activity %q outside the evidence", i, id)
			}
		}
	}

	if schema, err := outputSchema(); err != nil {
		add(RuleSchema, "%v", err)
	} else if err := schema.Validate(doc); err != nil {
		add(RuleSchema, "%s", schemaMessage(err))
	}
	if typedErr != nil && len(vs) == 0 {
		add(RuleSchema, "%v", typedErr)
	}

	if len(vs) > 0 {
		return narrative.Output{}, &Error{Violations: vs}
	}
	return out, nil
}

func checkCitations(doc map[string]any, exp Expectations, add func(Rule, string, ...any)) {
	cit, ok := doc["citations"].(map[string]any)
	if !ok {
		add(RuleCitations, "citations block missing")
		return
	}
	ids, ok := cit["activity_ids"].([]any)
	if !ok {
		add(RuleCitations, "citations.activity_ids missing")
		return
	}
	seen := map[string]bool{}
	for _, raw := range ids {
		id, _ := raw.(string)
		if !exp.AllowList[id] {
			add(RuleCitations, "cites activity %q which is not in the evidence", id)
			continue
		}
		seen[id] = true
	}
	if len(seen) < exp.MinCitations {
		add(RuleCitations, "cites %d distinct activities, minimum %d", len(seen), exp.MinCitations)
	}
	if exp.MetricKeys == nil {
		return
	}
	keys, _ := cit["metric_keys"].([]any)
	for _, raw := range keys {
		k, _ := raw.(string)
		if !exp.MetricKeys[k] {
			add(RuleCitations, "cites unknown metric key %q", k)
		}
	}
}

func schemaMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
	}
	return err.Error()
}
