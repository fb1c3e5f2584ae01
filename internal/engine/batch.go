package engine

import (
	"context"
	"strings"
	"sync"

	"chapterline/internal/domain"
	"chapterline/internal/repo"
)

type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeManual    Mode = "manual"
)

type BatchOptions struct {
	Mode Mode
	// OwnerID scopes a manual batch to one caller.
	OwnerID    string
	TemplateID string
	Limit      int
	Force      bool
	// PeriodsBack, Start and End apply to manual batches only.
	PeriodsBack int
	Start       string
	End         string
	ActorID     string
}

type BatchResult struct {
	Mode      Mode             `json:"mode" enum:"scheduled,manual"`
	Processed int              `json:"processed"`
	Generated int              `json:"generated"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Results   []TemplateResult `json:"results"`
}

// RunBatch processes every eligible template and reports one result per template.
// Templates run on a pool bounded by generation.concurrency. Cancelling ctx stops
// new templates from starting; those already running finish their lifecycle.
func (e Engine) RunBatch(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	inflight := context.WithoutCancel(ctx)
	// Listing ignores cancellation so a cancelled batch still reports every template.
	templates, run, err := e.batchTemplates(inflight, opts)
	if err != nil {
		return BatchResult{Mode: opts.Mode}, err
	}
	workers := e.config().Generation.Concurrency
	if workers < 1 {
		workers = 1
	}
	results := make([]TemplateResult, len(templates))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, t := range templates {
		select {
		case <-ctx.Done():
			results[i] = TemplateResult{TemplateID: t.ID, OwnerID: t.OwnerID, Outcome: OutcomeSkipped, Reason: ReasonBatchCancelled}
			continue
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			results[i] = TemplateResult{TemplateID: t.ID, OwnerID: t.OwnerID, Outcome: OutcomeSkipped, Reason: ReasonBatchCancelled}
			continue
		}
		wg.Add(1)
		go func(i int, t domain.Template) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.RunTemplate(inflight, t, run)
		}(i, t)
	}
	wg.Wait()

	out := BatchResult{Mode: opts.Mode, Processed: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeGenerated:
			out.Generated++
		case OutcomeSkipped:
			out.Skipped++
		case OutcomeFailed:
			out.Failed++
		}
	}
	e.logger().Info("batch finished", "mode", string(opts.Mode), "processed", out.Processed,
		"generated", out.Generated, "skipped", out.Skipped, "failed", out.Failed)
	return out, nil
}

func (e Engine) batchTemplates(ctx context.Context, opts BatchOptions) ([]domain.Template, RunOptions, error) {
	switch opts.Mode {
	case ModeScheduled:
		ts, err := e.Repo.ListTemplates(ctx, repo.TemplateFilters{EnabledOnly: true, ExcludeManual: true, Limit: opts.Limit})
		return ts, RunOptions{ActorID: opts.ActorID}, err
	case ModeManual:
	default:
		return nil, RunOptions{}, InputError{Field: "mode", Reason: "must be scheduled or manual"}
	}

	owner := strings.TrimSpace(opts.OwnerID)
	if owner == "" {
		return nil, RunOptions{}, InputError{Field: "owner_id", Reason: "manual runs require a caller"}
	}
	if opts.PeriodsBack < 0 {
		return nil, RunOptions{}, InputError{Field: "periods_back", Reason: "must not be negative"}
	}
	if (opts.Start == "") != (opts.End == "") {
		return nil, RunOptions{}, InputError{Field: "start/end", Reason: "both dates are required for a custom range"}
	}
	run := RunOptions{Force: opts.Force, PeriodsBack: opts.PeriodsBack, Start: opts.Start, End: opts.End, ActorID: opts.ActorID}
	if run.ActorID == "" {
		run.ActorID = owner
	}
	if opts.TemplateID != "" {
		t, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
		if err != nil {
			return nil, run, err
		}
		if t.OwnerID != owner {
			return nil, run, repo.ErrNotFound
		}
		return []domain.Template{t}, run, nil
	}
	ts, err := e.Repo.ListTemplates(ctx, repo.TemplateFilters{OwnerID: owner, EnabledOnly: true, Limit: opts.Limit})
	return ts, run, err
}
