package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chapterline/internal/domain"
	"chapterline/internal/events"
	"chapterline/internal/evidence"
	"chapterline/internal/filter"
	"chapterline/internal/metrics"
	"chapterline/internal/narrative"
	"chapterline/internal/period"
	"chapterline/internal/repo"
	"chapterline/internal/validate"
)

type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Skip reasons reported in TemplateResult.Reason.
const (
	ReasonNoPeriod       = "no period to process"
	ReasonInvalidRange   = "invalid custom range"
	ReasonAlreadyReady   = "already ready"
	ReasonNoActivity     = "no activity in period"
	ReasonBatchCancelled = "batch cancelled"
	ReasonInternalError  = "internal error"
)

type TemplateResult struct {
	TemplateID string  `json:"template_id"`
	OwnerID    string  `json:"owner_id"`
	PeriodKey  string  `json:"period_key,omitempty"`
	ChapterID  string  `json:"chapter_id,omitempty"`
	Outcome    Outcome `json:"outcome" enum:"generated,skipped,failed"`
	Reason     string  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RunOptions are the per-template knobs shared by every template in a batch.
type RunOptions struct {
	Force       bool
	PeriodsBack int
	Start       string
	End         string
	ActorID     string
}

// InputSummary is stored on the chapter to explain what the generator saw.
type InputSummary struct {
	TemplateID string             `json:"template_id"`
	Cadence    domain.Cadence     `json:"cadence"`
	Kind       domain.Kind        `json:"kind"`
	Detail     domain.Detail      `json:"detail"`
	Timezone   string             `json:"timezone"`
	Period     period.Echo        `json:"period"`
	PeriodKey  string             `json:"period_key"`
	Filter     *domain.FilterSpec `json:"filter,omitempty"`
	Loaded     int                `json:"activities_loaded"`
	Filtered   int                `json:"activities_after_filter"`
	Candidates int                `json:"candidates"`
	Noteworthy []string           `json:"noteworthy_ids"`
	Model      string             `json:"model"`
}

// RunTemplate takes one template through resolve, analyse, generate and validate.
// Every failure, panics included, is folded into the returned result.
func (e Engine) RunTemplate(ctx context.Context, t domain.Template, opts RunOptions) (result TemplateResult) {
	res := TemplateResult{TemplateID: t.ID, OwnerID: t.OwnerID}
	pending := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("panic: %v", r)
		if pending {
			result = e.fail(ctx, res, opts.ActorID, ReasonInternalError, err, finishFor(e, t, &res))
			return
		}
		result = finishFor(e, t, &res)(OutcomeFailed, ReasonInternalError, err)
	}()
	finish := finishFor(e, t, &res)

	zone := t.Timezone
	if zone == "" {
		zone = e.config().Timezone()
	}
	p := period.Resolve(period.Request{
		Cadence: t.Cadence, Timezone: zone, PeriodsBack: opts.PeriodsBack,
		Start: opts.Start, End: opts.End, Now: e.now(),
	})
	if p == nil {
		if opts.Start != "" || opts.End != "" {
			return finish(OutcomeSkipped, ReasonInvalidRange, nil)
		}
		return finish(OutcomeSkipped, ReasonNoPeriod, nil)
	}
	res.PeriodKey = p.Key

	existing, err := e.Repo.GetChapterByKey(ctx, t.OwnerID, t.ID, p.Key)
	switch {
	case err == nil:
		res.ChapterID = existing.ID
		if existing.Status == domain.ChapterReady && !opts.Force {
			return finish(OutcomeSkipped, ReasonAlreadyReady, nil)
		}
	case !errors.Is(err, repo.ErrNotFound):
		return finish(OutcomeFailed, "load chapter", err)
	}

	snap, err := e.Repo.LoadOwner(ctx, t.OwnerID)
	if err != nil {
		return finish(OutcomeFailed, "load activities", err)
	}
	loaded := len(snap.Activities)
	f, err := filter.Compile(t.Filter)
	if err != nil {
		return finish(OutcomeFailed, "template filter", err)
	}
	snap.Activities = f.Apply(snap.Activities)

	cfg := e.config()
	m := metrics.Compute(*p, snap, metrics.Options{RollupCap: cfg.Metrics.RollupCap})
	if len(m.Candidates) == 0 {
		return finish(OutcomeSkipped, ReasonNoActivity, nil)
	}
	ev := evidence.Select(*p, snap, m, cfg.EvidenceOptions())
	if err := ev.CheckClosure(snap); err != nil {
		return finish(OutcomeFailed, "evidence closure", err)
	}
	model := cfg.Generation.ModelFor(string(t.Kind))
	req, err := narrative.Build(narrative.BuildInput{
		Template: t, Period: *p, Snapshot: snap, Candidates: m.Candidates,
		Metrics: m.Bundle, Evidence: ev, Model: model,
	})
	if err != nil {
		return finish(OutcomeFailed, "build request", err)
	}

	summary := InputSummary{
		TemplateID: t.ID, Cadence: t.Cadence, Kind: t.Kind, Detail: t.Detail, Timezone: p.Timezone,
		Period: p.Echo(), PeriodKey: p.Key, Filter: t.Filter, Loaded: loaded, Filtered: len(snap.Activities),
		Candidates: len(m.Candidates), Noteworthy: noteworthyIDs(ev), Model: model,
	}
	chapter, err := pendingChapter(t, *p, summary, m.Bundle, ev, e.stamp())
	if err != nil {
		return finish(OutcomeFailed, "encode chapter", err)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.UpsertChapterPending(ctx, tx, chapter)
		if err != nil {
			return err
		}
		res.ChapterID = id
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.ChapterPending, OwnerID: t.OwnerID, EntityKind: "chapter", EntityID: id, ActorID: opts.ActorID,
			Payload: events.Payload{"template_id": t.ID, "period_key": p.Key, "force": opts.Force},
		})
	})
	if err != nil {
		return finish(OutcomeFailed, "persist pending chapter", err)
	}
	pending = true

	raw, err := e.generate(ctx, req)
	if err != nil {
		return e.fail(ctx, res, opts.ActorID, "generation failed", err, finish)
	}
	out, err := validate.Output(raw, validate.ExpectationsFor(req))
	if err != nil {
		return e.fail(ctx, res, opts.ActorID, "validation failed", err, finish)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return e.fail(ctx, res, opts.ActorID, "encode output", err, finish)
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.MarkChapterReady(ctx, tx, res.ChapterID, string(data), e.stamp()); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.ChapterReady, OwnerID: t.OwnerID, EntityKind: "chapter", EntityID: res.ChapterID, ActorID: opts.ActorID,
			Payload: events.Payload{"title": out.Title, "citations": len(out.Citations.ActivityIDs),
				"metric_values": citedMetrics(m.Bundle, out.Citations.MetricKeys)},
		})
	})
	if err != nil {
		return finish(OutcomeFailed, "persist ready chapter", err)
	}
	return finish(OutcomeGenerated, "", nil)
}

// finishFor stamps the outcome on res and logs one line per template.
func finishFor(e Engine, t domain.Template, res *TemplateResult) func(Outcome, string, error) TemplateResult {
	log := e.logger().With(slog.String("owner", t.OwnerID), slog.String("template", t.ID))
	return func(out Outcome, reason string, err error) TemplateResult {
		res.Outcome, res.Reason = out, reason
		if err != nil {
			res.Error = err.Error()
		}
		attrs := []any{slog.String("period", res.PeriodKey), slog.String("outcome", string(out))}
		if reason != "" {
			attrs = append(attrs, slog.String("reason", reason))
		}
		if err != nil {
			log.Warn("chapter run", append(attrs, slog.String("error", res.Error))...)
		} else {
			log.Info("chapter run", attrs...)
		}
		return *res
	}
}

func (e Engine) generate(ctx context.Context, req narrative.Request) (string, error) {
	if e.Generator == nil {
		return "", errors.New("no generator configured")
	}
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	return e.Generator.Generate(ctx, req)
}

// fail records the failed transition; a write error is reported instead of the cause.
func (e Engine) fail(ctx context.Context, res TemplateResult, actorID, reason string, cause error,
	finish func(Outcome, string, error) TemplateResult) TemplateResult {
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.MarkChapterFailed(ctx, tx, res.ChapterID, cause.Error(), e.stamp()); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.ChapterFailed, OwnerID: res.OwnerID, EntityKind: "chapter", EntityID: res.ChapterID, ActorID: actorID,
			Payload: events.Payload{"reason": reason, "error": cause.Error()},
		})
	})
	if err != nil {
		return finish(OutcomeFailed, "persist failed chapter", fmt.Errorf("%s: %v; %w", reason, cause, err))
	}
	return finish(OutcomeFailed, reason, cause)
}

func pendingChapter(t domain.Template, p period.Period, summary InputSummary, m metrics.Bundle, ev evidence.Bundle, now string) (domain.Chapter, error) {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	in, err := enc(summary)
	if err != nil {
		return domain.Chapter{}, err
	}
	mj, err := enc(m)
	if err != nil {
		return domain.Chapter{}, err
	}
	ej, err := enc(ev)
	if err != nil {
		return domain.Chapter{}, err
	}
	return domain.Chapter{
		OwnerID: t.OwnerID, TemplateID: t.ID, PeriodKey: p.Key,
		PeriodStart: p.Start.UTC().Format(time.RFC3339), PeriodEnd: p.End.UTC().Format(time.RFC3339), PeriodLabel: p.Label,
		Status: domain.ChapterPending, InputSummaryJSON: in, MetricsJSON: mj, EvidenceJSON: ej,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// citedMetrics resolves the metric keys a chapter cites to the values it was grounded on.
func citedMetrics(b metrics.Bundle, keys []string) map[string]int {
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		if v, ok := b.Lookup(k); ok {
			out[k] = v
		}
	}
	return out
}

func noteworthyIDs(b evidence.Bundle) []string {
	ids := make([]string, 0, len(b.Noteworthy))
	for _, n := range b.Noteworthy {
		ids = append(ids, n.ActivityID)
	}
	return ids
}
