package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chapterline/internal/db"
	"chapterline/internal/domain"
	"chapterline/internal/migrate"
	"chapterline/internal/repo"
)

const now = "2026-10-12T08:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func seedTemplate(t *testing.T, r repo.Repo, id, owner string) domain.Template {
	t.Helper()
	tpl := domain.Template{
		ID: id, OwnerID: owner, Name: "weekly-" + id, Cadence: domain.CadenceWeekly, Timezone: "UTC",
		Kind: domain.KindReflection, Detail: domain.DetailShort, Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertTemplate(context.Background(), nil, tpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	return tpl
}

func TestImportKeepsOwnersApart(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	goal := "g1"
	for owner, title := range map[string]string{"owner-a": "A's task", "owner-b": "B's task"} {
		snap := domain.Snapshot{
			Goals:      []domain.Goal{{ID: goal, Title: title + " goal"}},
			Arcs:       []domain.Arc{{ID: "arc", Title: title + " arc"}},
			Activities: []domain.Activity{{ID: "a1", Title: title, Status: domain.StatusDone, GoalID: &goal, CompletedAt: ts(now)}},
		}
		if err := r.ImportSnapshot(ctx, nil, owner, snap); err != nil {
			t.Fatalf("import %s: %v", owner, err)
		}
	}
	for owner, title := range map[string]string{"owner-a": "A's task", "owner-b": "B's task"} {
		snap, err := r.LoadOwner(ctx, owner)
		if err != nil {
			t.Fatalf("load %s: %v", owner, err)
		}
		if len(snap.Activities) != 1 || snap.Activities[0].Title != title || snap.Activities[0].OwnerID != owner {
			t.Fatalf("%s activities: %+v", owner, snap.Activities)
		}
		if len(snap.Goals) != 1 || snap.Goals[0].Title != title+" goal" {
			t.Fatalf("%s goals: %+v", owner, snap.Goals)
		}
		if len(snap.Arcs) != 1 || snap.Arcs[0].Title != title+" arc" {
			t.Fatalf("%s arcs: %+v", owner, snap.Arcs)
		}
	}
}

func TestImportAndLoadOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	arc := "arc-1"
	goal := "goal-1"
	effort := 90
	snap := domain.Snapshot{
		Arcs:  []domain.Arc{{ID: arc, Title: "Health"}},
		Goals: []domain.Goal{{ID: goal, Title: "Run a 10k", ArcID: &arc}},
		Activities: []domain.Activity{
			{ID: "a1", Title: "Long run", Status: domain.StatusDone, GoalID: &goal, Tags: []string{"important"}, EffortMinutes: &effort,
				CreatedAt: ts("2026-10-01T07:00:00Z"), CompletedAt: ts("2026-10-06T07:30:00Z")},
			{ID: "a2", Title: "Stretch", Status: domain.StatusPlanned},
		},
	}
	if err := r.ImportSnapshot(ctx, nil, "owner-1", snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := r.ImportSnapshot(ctx, nil, "owner-2", domain.Snapshot{Activities: []domain.Activity{{ID: "b1", Title: "Other", Status: domain.StatusDone}}}); err != nil {
		t.Fatalf("import other owner: %v", err)
	}

	got, err := r.LoadOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Activities) != 2 || len(got.Goals) != 1 || len(got.Arcs) != 1 {
		t.Fatalf("unexpected snapshot sizes: %+v", got)
	}
	a1 := got.Activities[0]
	if a1.ID != "a1" || a1.Goal() != goal || !a1.HasTag("IMPORTANT") || a1.EffortMinutes == nil || *a1.EffortMinutes != 90 {
		t.Fatalf("activity round trip mismatch: %+v", a1)
	}
	if a1.CompletedAt == nil || !a1.CompletedAt.Equal(*ts("2026-10-06T07:30:00Z")) || a1.StartedAt != nil {
		t.Fatalf("timestamps mismatch: %+v", a1)
	}
	if got.Goals[0].ArcID == nil || *got.Goals[0].ArcID != arc {
		t.Fatalf("goal arc lost: %+v", got.Goals[0])
	}

	snap.Activities[1].Status = domain.StatusInProgress
	if err := r.ImportSnapshot(ctx, nil, "owner-1", snap); err != nil {
		t.Fatalf("reimport: %v", err)
	}
	got, _ = r.LoadOwner(ctx, "owner-1")
	if got.Activities[1].Status != domain.StatusInProgress {
		t.Fatalf("expected upsert to update status, got %s", got.Activities[1].Status)
	}
}

func TestImportRejectsUnknownStatus(t *testing.T) {
	r := newRepo(t)
	err := r.ImportSnapshot(context.Background(), nil, "owner-1", domain.Snapshot{Activities: []domain.Activity{{ID: "x", Title: "x", Status: "blocked"}}})
	if err == nil {
		t.Fatalf("expected status error")
	}
}

func TestTemplateFilterRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tpl := seedTemplate(t, r, "tpl-1", "owner-1")
	tpl.Filter = &domain.FilterSpec{Match: "any", Conditions: []domain.ConditionSpec{{Field: "tag", Op: "eq", Value: "work"}}}
	tpl.Enabled = false
	if err := r.UpdateTemplate(ctx, nil, tpl); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled || got.Filter == nil || got.Filter.Conditions[0].Value != "work" {
		t.Fatalf("unexpected template: %+v", got)
	}
	if _, err := r.GetTemplate(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.UpdateTemplate(ctx, nil, domain.Template{ID: "missing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestListTemplatesFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTemplate(t, r, "tpl-1", "owner-1")
	manual := seedTemplate(t, r, "tpl-2", "owner-1")
	manual.Cadence = domain.CadenceManual
	if err := r.UpdateTemplate(ctx, nil, manual); err != nil {
		t.Fatalf("update: %v", err)
	}
	seedTemplate(t, r, "tpl-3", "owner-2")

	all, err := r.ListTemplates(ctx, repo.TemplateFilters{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %v %d", err, len(all))
	}
	scheduled, _ := r.ListTemplates(ctx, repo.TemplateFilters{EnabledOnly: true, ExcludeManual: true})
	if len(scheduled) != 2 {
		t.Fatalf("expected 2 scheduled templates, got %d", len(scheduled))
	}
	own, _ := r.ListTemplates(ctx, repo.TemplateFilters{OwnerID: "owner-2"})
	if len(own) != 1 || own[0].ID != "tpl-3" {
		t.Fatalf("owner scope broken: %+v", own)
	}
}

func pendingChapter(owner, tpl, key string) domain.Chapter {
	return domain.Chapter{
		OwnerID: owner, TemplateID: tpl, PeriodKey: key,
		PeriodStart: "2026-10-05T00:00:00Z", PeriodEnd: "2026-10-12T00:00:00Z", PeriodLabel: "Week 41 of 2026",
		InputSummaryJSON: `{}`, MetricsJSON: `{}`, EvidenceJSON: `{}`, UpdatedAt: now,
	}
}

func TestChapterLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTemplate(t, r, "tpl-1", "owner-1")

	id, err := r.UpsertChapterPending(ctx, nil, pendingChapter("owner-1", "tpl-1", "2026-W41"))
	if err != nil {
		t.Fatalf("upsert pending: %v", err)
	}
	if id != repo.ChapterID("owner-1", "tpl-1", "2026-W41") {
		t.Fatalf("chapter id not deterministic: %s", id)
	}
	if err := r.MarkChapterReady(ctx, nil, id, `{"title":"x"}`, now); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	c, err := r.GetChapterByKey(ctx, "owner-1", "tpl-1", "2026-W41")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if c.Status != domain.ChapterReady || c.OutputJSON == nil || c.Error != nil {
		t.Fatalf("unexpected ready chapter: %+v", c)
	}

	// regenerate: pending again clears output
	again, err := r.UpsertChapterPending(ctx, nil, pendingChapter("owner-1", "tpl-1", "2026-W41"))
	if err != nil || again != id {
		t.Fatalf("re-upsert: %v %s", err, again)
	}
	c, _ = r.GetChapter(ctx, id)
	if c.Status != domain.ChapterPending || c.OutputJSON != nil {
		t.Fatalf("pending must clear output: %+v", c)
	}
	if err := r.MarkChapterFailed(ctx, nil, id, "chapter rejected: title", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	c, _ = r.GetChapter(ctx, id)
	if c.Status != domain.ChapterFailed || c.Error == nil || *c.Error != "chapter rejected: title" {
		t.Fatalf("unexpected failed chapter: %+v", c)
	}

	list, err := r.ListChapters(ctx, repo.ChapterFilters{OwnerID: "owner-1"})
	if err != nil || len(list) != 1 {
		t.Fatalf("one record per key expected: %v %d", err, len(list))
	}
	if err := r.MarkChapterReady(ctx, nil, "missing", "{}", now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListChaptersScopes(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedTemplate(t, r, "tpl-1", "owner-1")
	seedTemplate(t, r, "tpl-2", "owner-2")
	for _, c := range []domain.Chapter{
		pendingChapter("owner-1", "tpl-1", "2026-W40"),
		pendingChapter("owner-1", "tpl-1", "2026-W41"),
		pendingChapter("owner-2", "tpl-2", "2026-W41"),
	} {
		if _, err := r.UpsertChapterPending(ctx, nil, c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	own, _ := r.ListChapters(ctx, repo.ChapterFilters{OwnerID: "owner-1", Limit: 10})
	if len(own) != 2 {
		t.Fatalf("expected 2 chapters for owner-1, got %d", len(own))
	}
	ready, _ := r.ListChapters(ctx, repo.ChapterFilters{Status: "ready"})
	if len(ready) != 0 {
		t.Fatalf("no chapter is ready yet, got %d", len(ready))
	}
}

func TestAPIKeysAndRoles(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "cron", Name: "cron", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "cron" {
		t.Fatalf("lookup key: %v %+v", err, got)
	}
	if err := r.AssignRole(ctx, nil, "cron", repo.RoleScheduler, now); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := r.AssignRole(ctx, nil, "cron", repo.RoleScheduler, now); err != nil {
		t.Fatalf("assign role twice: %v", err)
	}
	roles, err := r.ActorRoles(ctx, "cron")
	if err != nil || len(roles) != 1 || roles[0] != repo.RoleScheduler {
		t.Fatalf("roles: %v %v", err, roles)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
