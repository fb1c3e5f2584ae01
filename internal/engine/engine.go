package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chapterline/internal/config"
	"chapterline/internal/domain"
	"chapterline/internal/events"
	"chapterline/internal/narrative"
	"chapterline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Generator narrative.Generator
	// Limiter paces calls to the generator across workers.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Limiter: NewLimiter(cfg.Generation.RequestsPerMinute),
		Logger:  slog.New(slog.DiscardHandler),
		Now:     time.Now,
	}
}

// NewLimiter allows perMinute generator calls per minute; zero disables pacing.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// NewGenerator builds the OpenAI-backed generator from the generation config.
func NewGenerator(g config.Generation) *narrative.OpenAIGenerator {
	return narrative.NewOpenAIGenerator(narrative.OpenAIOptions{
		APIKey:     g.APIKey(),
		BaseURL:    g.BaseURL,
		Timeout:    g.Timeout,
		MaxRetries: g.MaxRetries,
	})
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// InputError reports a caller-supplied value the engine refuses.
type InputError struct {
	Field  string
	Reason string
}

func (e InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ImportSummary counts the records upserted by ImportSnapshot.
type ImportSummary struct {
	OwnerID    string `json:"owner_id"`
	Activities int    `json:"activities"`
	Goals      int    `json:"goals"`
	Arcs       int    `json:"arcs"`
}

// ImportSnapshot upserts an owner's activities, goals and arcs.
func (e Engine) ImportSnapshot(ctx context.Context, ownerID string, snap domain.Snapshot, actorID string) (ImportSummary, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ImportSummary{}, InputError{Field: "owner_id", Reason: "required"}
	}
	sum := ImportSummary{OwnerID: ownerID, Activities: len(snap.Activities), Goals: len(snap.Goals), Arcs: len(snap.Arcs)}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ImportSnapshot(ctx, tx, ownerID, snap); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.Entry{
			Type: events.SnapshotImport, OwnerID: ownerID, EntityKind: "owner", EntityID: ownerID, ActorID: actorID,
			Payload: events.Payload{"activities": sum.Activities, "goals": sum.Goals, "arcs": sum.Arcs},
		})
	})
	if err != nil {
		return ImportSummary{}, err
	}
	return sum, nil
}

// GetChapter returns a chapter visible to ownerID; an empty owner skips the scope check.
func (e Engine) GetChapter(ctx context.Context, ownerID, id string) (domain.Chapter, error) {
	c, err := e.Repo.GetChapter(ctx, id)
	if err != nil {
		return domain.Chapter{}, err
	}
	if ownerID != "" && c.OwnerID != ownerID {
		return domain.Chapter{}, repo.ErrNotFound
	}
	return c, nil
}

func (e Engine) ListChapters(ctx context.Context, f repo.ChapterFilters) ([]domain.Chapter, error) {
	if f.Status != "" {
		switch domain.ChapterStatus(f.Status) {
		case domain.ChapterPending, domain.ChapterReady, domain.ChapterFailed:
		default:
			return nil, InputError{Field: "status", Reason: "must be pending, ready or failed"}
		}
	}
	return e.Repo.ListChapters(ctx, f)
}

// ChapterEvents lists the audit trail of one chapter, newest first.
func (e Engine) ChapterEvents(ctx context.Context, ownerID, id string, limit int) ([]domain.Event, error) {
	if _, err := e.GetChapter(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, ownerID, id, limit)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
