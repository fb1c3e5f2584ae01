package narrative

const sharedRules = `
You receive one JSON payload with these blocks: context, period, metrics, evidence, output_schema, constraints.
Return a single JSON object that matches output_schema. Do not wrap it in prose or code fences.

Grounding rules:
- Only mention activities that appear in evidence.noteworthy or evidence.activities.
- citations.activity_ids must contain at least constraints.min_citations ids, all drawn from constraints.citable_activity_ids.
- citations.metric_keys may only contain keys from constraints.citable_metric_keys.
- noteworthy_mentions may only reference ids from constraints.citable_activity_ids.
- Copy the period block verbatim into the output period field.
- sections.narrative must be at least constraints.min_body_chars characters long.
- Follow every entry in constraints.rules. Avoid every phrase in constraints.banned_phrases.
- Use evidence.hooks as the angles of the chapter, strongest first.
`

const reflectionPrompt = `You write a personal reflection chapter about one period of someone's work.
Write in second person, warm but specific. Name what moved, what stalled, and what the numbers say.
` + sharedRules

const reportPrompt = `You write a factual progress report about one period of someone's work.
Write in neutral third person. Lead with throughput and carried-over work, then goals, then time shape.
` + sharedRules
