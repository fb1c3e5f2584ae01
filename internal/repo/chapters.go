package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"chapterline/internal/domain"
)

// ChapterID is stable for a (owner, template, period key) triple.
func ChapterID(ownerID, templateID, periodKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(ownerID+"|"+templateID+"|"+periodKey)).String()
}

const chapterColumns = `id,owner_id,template_id,period_key,period_start,period_end,period_label,status,input_summary_json,metrics_json,evidence_json,output_json,error,created_at,updated_at`

func scanChapter(row rowScanner) (domain.Chapter, error) {
	var c domain.Chapter
	var output, errText sql.NullString
	err := row.Scan(&c.ID, &c.OwnerID, &c.TemplateID, &c.PeriodKey, &c.PeriodStart, &c.PeriodEnd, &c.PeriodLabel, &c.Status,
		&c.InputSummaryJSON, &c.MetricsJSON, &c.EvidenceJSON, &output, &errText, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.OutputJSON, c.Error = stringPtr(output), stringPtr(errText)
	return c, nil
}

// UpsertChapterPending writes the chapter in pending state, clearing any previous output or error.
// The key triple wins over c.ID; the stored id is always ChapterID of the triple.
func (r Repo) UpsertChapterPending(ctx context.Context, tx *sql.Tx, c domain.Chapter) (string, error) {
	if c.OwnerID == "" || c.TemplateID == "" || c.PeriodKey == "" {
		return "", errors.New("owner_id, template_id and period_key required")
	}
	id := ChapterID(c.OwnerID, c.TemplateID, c.PeriodKey)
	_, err := r.execOn(tx).ExecContext(ctx, `INSERT INTO chapters(`+chapterColumns+`)
VALUES (?,?,?,?,?,?,?,'pending',?,?,?,NULL,NULL,?,?)
ON CONFLICT(owner_id,template_id,period_key) DO UPDATE SET
  period_start=excluded.period_start, period_end=excluded.period_end, period_label=excluded.period_label,
  status='pending', input_summary_json=excluded.input_summary_json, metrics_json=excluded.metrics_json,
  evidence_json=excluded.evidence_json, output_json=NULL, error=NULL, updated_at=excluded.updated_at`,
		id, c.OwnerID, c.TemplateID, c.PeriodKey, c.PeriodStart, c.PeriodEnd, c.PeriodLabel,
		c.InputSummaryJSON, c.MetricsJSON, c.EvidenceJSON, c.UpdatedAt, c.UpdatedAt)
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkChapterReady stores the validated output.
func (r Repo) MarkChapterReady(ctx context.Context, tx *sql.Tx, id, outputJSON, now string) error {
	return r.transition(ctx, tx, `UPDATE chapters SET status='ready', output_json=?, error=NULL, updated_at=? WHERE id=?`, outputJSON, now, id)
}

// MarkChapterFailed stores the failure reason and clears any output.
func (r Repo) MarkChapterFailed(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	return r.transition(ctx, tx, `UPDATE chapters SET status='failed', output_json=NULL, error=?, updated_at=? WHERE id=?`, reason, now, id)
}

func (r Repo) transition(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := r.execOn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetChapter(ctx context.Context, id string) (domain.Chapter, error) {
	c, err := scanChapter(r.DB.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetChapterByKey(ctx context.Context, ownerID, templateID, periodKey string) (domain.Chapter, error) {
	c, err := scanChapter(r.DB.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE owner_id=? AND template_id=? AND period_key=?`,
		ownerID, templateID, periodKey))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

type ChapterFilters struct {
	OwnerID    string
	TemplateID string
	Status     string
	Limit      int
}

// ListChapters returns chapters newest period first.
func (r Repo) ListChapters(ctx context.Context, f ChapterFilters) ([]domain.Chapter, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY period_start DESC, template_id, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
