package narrative

import (
	"fmt"

	"chapterline/internal/domain"
)

// Profile holds the generation parameters for one kind and detail level.
type Profile struct {
	Kind            domain.Kind   `json:"kind"`
	Detail          domain.Detail `json:"detail"`
	MaxOutputTokens int64         `json:"max_output_tokens"`
	Temperature     float64       `json:"temperature"`
	MinBodyChars    int           `json:"min_body_chars"`
	MinCitations    int           `json:"min_citations"`
}

// profiles is the fixed kind x detail table. Reports sample colder than reflections.
var profiles = []Profile{
	{domain.KindReflection, domain.DetailShort, 900, 0.70, 400, 2},
	{domain.KindReflection, domain.DetailMedium, 1600, 0.70, 900, 3},
	{domain.KindReflection, domain.DetailDeep, 2800, 0.80, 1600, 4},
	{domain.KindReport, domain.DetailShort, 900, 0.30, 400, 2},
	{domain.KindReport, domain.DetailMedium, 1600, 0.30, 900, 3},
	{domain.KindReport, domain.DetailDeep, 2800, 0.35, 1600, 4},
}

// ProfileFor looks up the table row for kind and detail.
func ProfileFor(kind domain.Kind, detail domain.Detail) (Profile, error) {
	for _, p := range profiles {
		if p.Kind == kind && p.Detail == detail {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("no generation profile for kind %q detail %q", kind, detail)
}

// Profiles returns a copy of the full table in declaration order.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}
