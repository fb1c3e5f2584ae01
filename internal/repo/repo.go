package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chapterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const tsLayout = time.RFC3339Nano

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(tsLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execOn runs through tx when given, otherwise through the pool.
func (r Repo) execOn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// LoadOwner returns the read-only snapshot of one owner's activities, goals and arcs.
func (r Repo) LoadOwner(ctx context.Context, ownerID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	arcs, err := r.listArcs(ctx, ownerID)
	if err != nil {
		return snap, fmt.Errorf("load arcs: %w", err)
	}
	goals, err := r.listGoals(ctx, ownerID)
	if err != nil {
		return snap, fmt.Errorf("load goals: %w", err)
	}
	acts, err := r.listActivities(ctx, ownerID)
	if err != nil {
		return snap, fmt.Errorf("load activities: %w", err)
	}
	snap.Arcs, snap.Goals, snap.Activities = arcs, goals, acts
	return snap, nil
}

func (r Repo) listArcs(ctx context.Context, ownerID string) ([]domain.Arc, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,title,COALESCE(description,'') FROM arcs WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Arc
	for rows.Next() {
		var a domain.Arc
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Title, &a.Description); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) listGoals(ctx context.Context, ownerID string) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,title,COALESCE(description,''),arc_id FROM goals WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		var arc sql.NullString
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Title, &g.Description, &arc); err != nil {
			return nil, err
		}
		g.ArcID = stringPtr(arc)
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) listActivities(ctx context.Context, ownerID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,title,status,goal_id,arc_id,tags_json,effort_minutes,COALESCE(notes,''),created_at,started_at,completed_at,updated_at
FROM activities WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var goal, arc, tags, created, started, completed, updated sql.NullString
		var effort sql.NullInt64
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Title, &a.Status, &goal, &arc, &tags, &effort, &a.Notes, &created, &started, &completed, &updated); err != nil {
			return nil, err
		}
		a.GoalID, a.ArcID = stringPtr(goal), stringPtr(arc)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &a.Tags); err != nil {
				return nil, fmt.Errorf("activity %s tags: %w", a.ID, err)
			}
		}
		if effort.Valid {
			n := int(effort.Int64)
			a.EffortMinutes = &n
		}
		for _, f := range []struct {
			dst **time.Time
			src sql.NullString
		}{{&a.CreatedAt, created}, {&a.StartedAt, started}, {&a.CompletedAt, completed}, {&a.UpdatedAt, updated}} {
			ts, err := parseTime(f.src)
			if err != nil {
				return nil, fmt.Errorf("activity %s: %w", a.ID, err)
			}
			*f.dst = ts
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ImportSnapshot upserts every record of snap under ownerID. Ids are scoped per owner,
// so two owners may reuse the same id without touching each other's rows.
func (r Repo) ImportSnapshot(ctx context.Context, tx *sql.Tx, ownerID string, snap domain.Snapshot) error {
	ex := r.execOn(tx)
	for _, a := range snap.Arcs {
		if strings.TrimSpace(a.ID) == "" {
			return errors.New("arc id required")
		}
		if _, err := ex.ExecContext(ctx, `INSERT INTO arcs(id,owner_id,title,description) VALUES (?,?,?,?)
ON CONFLICT(owner_id,id) DO UPDATE SET title=excluded.title, description=excluded.description`,
			a.ID, ownerID, a.Title, nullable(a.Description)); err != nil {
			return fmt.Errorf("upsert arc %s: %w", a.ID, err)
		}
	}
	for _, g := range snap.Goals {
		if strings.TrimSpace(g.ID) == "" {
			return errors.New("goal id required")
		}
		if _, err := ex.ExecContext(ctx, `INSERT INTO goals(id,owner_id,title,description,arc_id) VALUES (?,?,?,?,?)
ON CONFLICT(owner_id,id) DO UPDATE SET title=excluded.title, description=excluded.description, arc_id=excluded.arc_id`,
			g.ID, ownerID, g.Title, nullable(g.Description), nullableStringPtr(g.ArcID)); err != nil {
			return fmt.Errorf("upsert goal %s: %w", g.ID, err)
		}
	}
	for _, a := range snap.Activities {
		if strings.TrimSpace(a.ID) == "" {
			return errors.New("activity id required")
		}
		if !a.Status.Valid() {
			return fmt.Errorf("activity %s: unknown status %q", a.ID, a.Status)
		}
		var tags any
		if len(a.Tags) > 0 {
			b, err := json.Marshal(a.Tags)
			if err != nil {
				return err
			}
			tags = string(b)
		}
		if _, err := ex.ExecContext(ctx, `INSERT INTO activities(id,owner_id,title,status,goal_id,arc_id,tags_json,effort_minutes,notes,created_at,started_at,completed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(owner_id,id) DO UPDATE SET title=excluded.title, status=excluded.status, goal_id=excluded.goal_id, arc_id=excluded.arc_id,
  tags_json=excluded.tags_json, effort_minutes=excluded.effort_minutes, notes=excluded.notes, created_at=excluded.created_at,
  started_at=excluded.started_at, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
			a.ID, ownerID, a.Title, string(a.Status), nullableStringPtr(a.GoalID), nullableStringPtr(a.ArcID), tags,
			nullableIntPtr(a.EffortMinutes), nullable(a.Notes), nullableTime(a.CreatedAt), nullableTime(a.StartedAt),
			nullableTime(a.CompletedAt), nullableTime(a.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert activity %s: %w", a.ID, err)
		}
	}
	return nil
}

// ListEvents returns the newest events first, optionally scoped to an owner and entity.
func (r Repo) ListEvents(ctx context.Context, ownerID, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(owner_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OwnerID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
