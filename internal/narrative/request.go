// Package narrative assembles generation requests and talks to the external model.
package narrative

import (
	"encoding/json"
	"fmt"
	"sort"

	"chapterline/internal/domain"
	"chapterline/internal/evidence"
	"chapterline/internal/metrics"
	"chapterline/internal/period"
)

const (
	DescriptionLimit = 240
)

// BannedPhrases are generic openers the generator is told to avoid.
var BannedPhrases = []string{
	"productive week",
	"productive month",
	"great progress",
	"keep up the good work",
	"in summary",
	"overall, it was",
	"a period of growth",
	"journey",
}

// Rules are the writing constraints sent with every request.
var Rules = []string{
	"Every paragraph of sections.narrative must cite a concrete number from metrics or quote an activity title.",
	"Cite only activity ids listed in constraints.citable_activity_ids and metric keys listed in constraints.citable_metric_keys.",
	"Copy the period block exactly into the output period field.",
	"Do not invent activities, goals, dates or numbers that are not in the payload.",
}

type Entity struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ArcID       string `json:"arc_id,omitempty"`
}

type StableContext struct {
	TemplateName string   `json:"template_name"`
	Kind         string   `json:"kind"`
	Detail       string   `json:"detail"`
	Timezone     string   `json:"timezone"`
	Goals        []Entity `json:"goals"`
	Arcs         []Entity `json:"arcs"`
}

type Constraints struct {
	MinBodyChars       int      `json:"min_body_chars"`
	MinCitations       int      `json:"min_citations"`
	BannedPhrases      []string `json:"banned_phrases"`
	Rules              []string `json:"rules"`
	RequiredSections   []string `json:"required_sections"`
	CitableActivityIDs []string `json:"citable_activity_ids"`
	CitableMetricKeys  []string `json:"citable_metric_keys"`
}

type Payload struct {
	Context      StableContext   `json:"context"`
	Period       period.Echo     `json:"period"`
	Metrics      metrics.Bundle  `json:"metrics"`
	Evidence     evidence.Bundle `json:"evidence"`
	OutputSchema map[string]any  `json:"output_schema"`
	Constraints  Constraints     `json:"constraints"`
}

// Request is everything the generator and validator need for one chapter.
type Request struct {
	Model        string
	Instructions string
	Input        string
	Profile      Profile
	Constraints  Constraints
	Period       period.Echo
	AllowList    map[string]bool
	MetricKeys   map[string]bool
}

type BuildInput struct {
	Template   domain.Template
	Period     period.Period
	Snapshot   domain.Snapshot
	Candidates []metrics.Candidate
	Metrics    metrics.Bundle
	Evidence   evidence.Bundle
	Model      string
}

// Build assembles the request. Output is deterministic for identical input.
func Build(in BuildInput) (Request, error) {
	prof, err := ProfileFor(in.Template.Kind, in.Template.Detail)
	if err != nil {
		return Request{}, err
	}
	allow := in.Evidence.AllowList()
	ids := make([]string, 0, len(allow))
	for id := range allow {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	keys := in.Metrics.Keys()
	metricSet := make(map[string]bool, len(keys))
	for _, k := range keys {
		metricSet[k] = true
	}

	minCitations := prof.MinCitations
	if minCitations > len(ids) {
		minCitations = len(ids)
	}
	cons := Constraints{
		MinBodyChars:       prof.MinBodyChars,
		MinCitations:       minCitations,
		BannedPhrases:      BannedPhrases,
		Rules:              Rules,
		RequiredSections:   RequiredSections,
		CitableActivityIDs: ids,
		CitableMetricKeys:  keys,
	}
	payload := Payload{
		Context:      stableContext(in),
		Period:       in.Period.Echo(),
		Metrics:      in.Metrics,
		Evidence:     in.Evidence,
		OutputSchema: OutputSchema(),
		Constraints:  cons,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("marshal narrative payload: %w", err)
	}
	return Request{
		Model:        in.Model,
		Instructions: instructionsFor(in.Template.Kind),
		Input:        string(data),
		Profile:      prof,
		Constraints:  cons,
		Period:       payload.Period,
		AllowList:    allow,
		MetricKeys:   metricSet,
	}, nil
}

// stableContext includes only goals and arcs referenced by the candidate set.
func stableContext(in BuildInput) StableContext {
	goalIDs := map[string]bool{}
	arcIDs := map[string]bool{}
	goalArc := map[string]string{}
	for _, g := range in.Snapshot.Goals {
		if g.ArcID != nil {
			goalArc[g.ID] = *g.ArcID
		}
	}
	for _, c := range in.Candidates {
		if g := c.Activity.Goal(); g != "" {
			goalIDs[g] = true
		}
		if arc := metrics.ArcOf(c.Activity, goalArc); arc != "" {
			arcIDs[arc] = true
		}
	}
	ctx := StableContext{
		TemplateName: in.Template.Name,
		Kind:         string(in.Template.Kind),
		Detail:       string(in.Template.Detail),
		Timezone:     in.Period.Timezone,
		Goals:        []Entity{},
		Arcs:         []Entity{},
	}
	for _, g := range in.Snapshot.Goals {
		if !goalIDs[g.ID] {
			continue
		}
		e := Entity{ID: g.ID, Title: g.Title, Description: evidence.Clamp(g.Description, DescriptionLimit)}
		if g.ArcID != nil {
			e.ArcID = *g.ArcID
		}
		ctx.Goals = append(ctx.Goals, e)
	}
	for _, a := range in.Snapshot.Arcs {
		if !arcIDs[a.ID] {
			continue
		}
		ctx.Arcs = append(ctx.Arcs, Entity{ID: a.ID, Title: a.Title, Description: evidence.Clamp(a.Description, DescriptionLimit)})
	}
	sort.Slice(ctx.Goals, func(i, j int) bool { return ctx.Goals[i].ID < ctx.Goals[j].ID })
	sort.Slice(ctx.Arcs, func(i, j int) bool { return ctx.Arcs[i].ID < ctx.Arcs[j].ID })
	return ctx
}

func instructionsFor(kind domain.Kind) string {
	if kind == domain.KindReport {
		return reportPrompt
	}
	return reflectionPrompt
}
