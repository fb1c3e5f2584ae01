package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"chapterline/internal/domain"
)

type TemplateFilters struct {
	OwnerID       string
	EnabledOnly   bool
	ExcludeManual bool
	Limit         int
}

const templateColumns = `id,owner_id,name,cadence,timezone,kind,detail,enabled,filter_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.Template, error) {
	var t domain.Template
	var enabled int
	var filter sql.NullString
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Cadence, &t.Timezone, &t.Kind, &t.Detail, &enabled, &filter, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Enabled = enabled == 1
	if filter.Valid && filter.String != "" {
		var spec domain.FilterSpec
		if err := json.Unmarshal([]byte(filter.String), &spec); err != nil {
			return t, err
		}
		t.Filter = &spec
	}
	return t, nil
}

func filterJSON(f *domain.FilterSpec) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.OwnerID) == "" {
		return errors.New("template id and owner_id required")
	}
	filter, err := filterJSON(t.Filter)
	if err != nil {
		return err
	}
	_, err = r.execOn(tx).ExecContext(ctx, `INSERT INTO templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Name, string(t.Cadence), t.Timezone, string(t.Kind), string(t.Detail), boolInt(t.Enabled), filter, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTemplate rewrites the mutable fields of a template.
func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	filter, err := filterJSON(t.Filter)
	if err != nil {
		return err
	}
	res, err := r.execOn(tx).ExecContext(ctx, `UPDATE templates SET name=?, cadence=?, timezone=?, kind=?, detail=?, enabled=?, filter_json=?, updated_at=? WHERE id=?`,
		t.Name, string(t.Cadence), t.Timezone, string(t.Kind), string(t.Detail), boolInt(t.Enabled), filter, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// ListTemplates returns templates ordered by owner then name.
func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters) ([]domain.Template, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.EnabledOnly {
		clauses = append(clauses, "enabled=1")
	}
	if f.ExcludeManual {
		clauses = append(clauses, "cadence<>'manual'")
	}
	query := `SELECT ` + templateColumns + ` FROM templates WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY owner_id, name, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
