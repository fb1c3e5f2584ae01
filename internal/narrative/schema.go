package narrative

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"chapterline/internal/period"
)

// Output is the structured chapter the generator must return.
type Output struct {
	Title              string      `json:"title" jsonschema:"description=Specific chapter title anchored to this period"`
	Summary            string      `json:"summary" jsonschema:"description=One-line summary with a concrete number or quoted title"`
	Period             period.Echo `json:"period" jsonschema:"description=Exact copy of the period block from the request"`
	Sections           Sections    `json:"sections"`
	NoteworthyMentions []Mention   `json:"noteworthy_mentions"`
	Citations          Citations   `json:"citations"`
}

type Sections struct {
	Narrative  string   `json:"narrative" jsonschema:"description=Main body; each paragraph cites a number or quoted title"`
	Highlights []string `json:"highlights"`
	NextFocus  string   `json:"next_focus"`
}

type Mention struct {
	ActivityID string `json:"activity_id"`
	Why        string `json:"why"`
}

type Citations struct {
	ActivityIDs []string `json:"activity_ids"`
	MetricKeys  []string `json:"metric_keys"`
}

// RequiredSections lists the keys every sections block must carry.
var RequiredSections = []string{"narrative", "highlights", "next_focus"}

const SchemaName = "Chapter"

var (
	schemaOnce sync.Once
	schemaObj  map[string]any
	schemaText string
)

// OutputSchema returns the strict JSON schema for Output.
func OutputSchema() map[string]any {
	schemaOnce.Do(func() {
		schemaObj = GenerateSchema[Output]()
		b, err := json.Marshal(schemaObj)
		if err != nil {
			panic(err)
		}
		schemaText = string(b)
	})
	return schemaObj
}

// OutputSchemaJSON is OutputSchema serialized once.
func OutputSchemaJSON() string {
	OutputSchema()
	return schemaText
}

func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	makeStrict(m)
	return m
}

// makeStrict forces every object to require all properties and reject unknown ones.
func makeStrict(schema map[string]any) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			sort.Strings(required)
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				makeStrict(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		makeStrict(items)
	}
}
