package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// RoleScheduler may trigger scheduled batches across every owner.
const RoleScheduler = "scheduler"

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, role, now string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(role) == "" {
		return errors.New("actor_id and role required")
	}
	_, err := r.execOn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role, created_at) VALUES (?,?,?)`, actorID, role, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.execOn(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

// ActorRoles lists the roles granted to actorID in name order.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
