// Package postgres provides the pgx-backed persistence layer for the
// engine.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/reconcile"
)

// Repository provides Postgres-backed persistence for membership state,
// activity rows, and period history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Workspace loads a workspace's engine settings.
func (r *Repository) Workspace(ctx context.Context, workspaceID string) (domain.WorkspaceSettings, error) {
	const query = `SELECT workspace_id, name, COALESCE(group_id, 0), COALESCE(minimum_rank, 0), track_idle
        FROM workspaces WHERE workspace_id=$1`

	var settings domain.WorkspaceSettings
	row := r.pool.QueryRow(ctx, query, workspaceID)
	if err := row.Scan(&settings.WorkspaceID, &settings.Name, &settings.GroupID, &settings.MinimumRank, &settings.TrackIdle); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settings, domain.ErrWorkspaceNotFound
		}
		return settings, err
	}
	return settings, nil
}

// SyncedWorkspaceIDs lists workspaces linked to an external group, for the
// scheduled reconciliation worker.
func (r *Repository) SyncedWorkspaceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT workspace_id FROM workspaces WHERE COALESCE(group_id, 0) > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SyncSettings implements the reconciler's settings lookup.
func (r *Repository) SyncSettings(ctx context.Context, workspaceID string) (reconcile.SyncSettings, error) {
	settings, err := r.Workspace(ctx, workspaceID)
	if err != nil {
		return reconcile.SyncSettings{}, err
	}
	return reconcile.SyncSettings{GroupID: settings.GroupID, MinimumRank: settings.MinimumRank}, nil
}

// Roles returns all roles in a workspace with their external mappings.
func (r *Repository) Roles(ctx context.Context, workspaceID string) ([]domain.Role, error) {
	const query = `SELECT role_id, workspace_id, name, COALESCE(color, ''), permissions, is_owner_role, COALESCE(group_roles, '{}')
        FROM roles WHERE workspace_id=$1 ORDER BY name`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.WorkspaceID, &role.Name, &role.Color, &role.Permissions, &role.IsOwnerRole, &role.GroupRoles); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Assignments returns every role assignment in a workspace along with the
// holder's external user id.
func (r *Repository) Assignments(ctx context.Context, workspaceID string) ([]domain.RoleAssignment, error) {
	const query = `SELECT ra.user_id, u.external_user_id, ra.role_id, ra.manually_added
        FROM role_assignments ra
        JOIN users u ON u.user_id = ra.user_id
        WHERE ra.workspace_id=$1`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domain.RoleAssignment
	for rows.Next() {
		var a domain.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.ExternalUserID, &a.RoleID, &a.ManuallyAdded); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// Ranks returns the cached external role id per user.
func (r *Repository) Ranks(ctx context.Context, workspaceID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, external_role_id FROM ranks WHERE workspace_id=$1`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranks := make(map[string]int64)
	for rows.Next() {
		var userID string
		var externalRoleID int64
		if err := rows.Scan(&userID, &externalRoleID); err != nil {
			return nil, err
		}
		ranks[userID] = externalRoleID
	}
	return ranks, rows.Err()
}

// EnsureUser creates the user on first sighting and refreshes a changed
// display name. Unchanged users produce no write.
func (r *Repository) EnsureUser(ctx context.Context, externalUserID int64, displayName string) (string, error) {
	const upsert = `INSERT INTO users (user_id, external_user_id, display_name, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (external_user_id) DO UPDATE SET display_name = EXCLUDED.display_name
        WHERE users.display_name IS DISTINCT FROM EXCLUDED.display_name
        RETURNING user_id`

	var userID string
	err := r.pool.QueryRow(ctx, upsert, uuid.NewString(), externalUserID, displayName).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	// Conflict with an unchanged name returns no row.
	err = r.pool.QueryRow(ctx, `SELECT user_id FROM users WHERE external_user_id=$1`, externalUserID).Scan(&userID)
	return userID, err
}

// AssignRole connects a user to a role, lazily creating the workspace
// membership record on first assignment.
func (r *Repository) AssignRole(ctx context.Context, workspaceID, userID, roleID string, manuallyAdded bool) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const member = `INSERT INTO workspace_members (user_id, workspace_id, external_user_id, admin)
        SELECT $1, $2, u.external_user_id, FALSE FROM users u WHERE u.user_id = $1
        ON CONFLICT (user_id, workspace_id) DO NOTHING`
	if _, err = tx.Exec(ctx, member, userID, workspaceID); err != nil {
		return err
	}

	const assign = `INSERT INTO role_assignments (user_id, role_id, workspace_id, manually_added)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, role_id) DO NOTHING`
	if _, err = tx.Exec(ctx, assign, userID, roleID, workspaceID, manuallyAdded); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	return err
}

// UnassignRole disconnects a user from a role.
func (r *Repository) UnassignRole(ctx context.Context, workspaceID, userID, roleID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM role_assignments WHERE workspace_id=$1 AND user_id=$2 AND role_id=$3`,
		workspaceID, userID, roleID)
	return err
}

// RemoveDepartmentMemberships drops every department membership the user
// holds in the workspace.
func (r *Repository) RemoveDepartmentMemberships(ctx context.Context, workspaceID, userID string) error {
	const stmt = `DELETE FROM department_members dm
        USING departments d
        WHERE dm.department_id = d.department_id AND d.workspace_id = $1 AND dm.user_id = $2`
	_, err := r.pool.Exec(ctx, stmt, workspaceID, userID)
	return err
}

// UpsertRank refreshes the cached external role id; an unchanged rank
// produces no write.
func (r *Repository) UpsertRank(ctx context.Context, workspaceID, userID string, externalRoleID int64) error {
	const stmt = `INSERT INTO ranks (user_id, workspace_id, external_role_id, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (user_id, workspace_id) DO UPDATE SET external_role_id = EXCLUDED.external_role_id, updated_at = NOW()
        WHERE ranks.external_role_id IS DISTINCT FROM EXCLUDED.external_role_id`
	_, err := r.pool.Exec(ctx, stmt, userID, workspaceID, externalRoleID)
	return err
}

// SetAdmin flips the admin flag on the workspace membership, creating the
// membership when absent.
func (r *Repository) SetAdmin(ctx context.Context, workspaceID, userID string, admin bool) error {
	const stmt = `INSERT INTO workspace_members (user_id, workspace_id, external_user_id, admin)
        SELECT $1, $2, u.external_user_id, $3 FROM users u WHERE u.user_id = $1
        ON CONFLICT (user_id, workspace_id) DO UPDATE SET admin = EXCLUDED.admin
        WHERE workspace_members.admin IS DISTINCT FROM EXCLUDED.admin`
	_, err := r.pool.Exec(ctx, stmt, userID, workspaceID, admin)
	return err
}

// CreateRole inserts a new role and returns it with its id.
func (r *Repository) CreateRole(ctx context.Context, workspaceID string, role domain.Role) (domain.Role, error) {
	role.ID = uuid.NewString()
	role.WorkspaceID = workspaceID
	if role.Permissions == nil {
		role.Permissions = []string{}
	}

	const stmt = `INSERT INTO roles (role_id, workspace_id, name, color, permissions, is_owner_role, group_roles)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, stmt, role.ID, role.WorkspaceID, role.Name, role.Color, role.Permissions, role.IsOwnerRole, role.GroupRoles)
	return role, err
}

// DeleteRole removes a role; assignments cascade at the schema level.
func (r *Repository) DeleteRole(ctx context.Context, workspaceID, roleID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE workspace_id=$1 AND role_id=$2`, workspaceID, roleID)
	return err
}

// Members lists the workspace membership records.
func (r *Repository) Members(ctx context.Context, workspaceID string) ([]domain.WorkspaceMember, error) {
	const query = `SELECT user_id, workspace_id, external_user_id, admin, COALESCE(timezone, ''), COALESCE(chat_platform_id, '')
        FROM workspace_members WHERE workspace_id=$1`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.WorkspaceMember
	for rows.Next() {
		var m domain.WorkspaceMember
		if err := rows.Scan(&m.UserID, &m.WorkspaceID, &m.ExternalUserID, &m.Admin, &m.Timezone, &m.ChatPlatformID); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CurrentPeriodStart resolves the open period's start: the latest reset
// boundary, falling back to the earliest observed activity, then to the
// Unix epoch.
func (r *Repository) CurrentPeriodStart(ctx context.Context, workspaceID string) (time.Time, error) {
	var resetAt *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(reset_at) FROM period_boundaries WHERE workspace_id=$1`,
		workspaceID).Scan(&resetAt)
	if err != nil {
		return time.Time{}, err
	}
	if resetAt != nil {
		return *resetAt, nil
	}

	var oldest *time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT LEAST(
             (SELECT MIN(start_at) FROM activity_sessions WHERE workspace_id=$1 AND NOT archived),
             (SELECT MIN(created_at) FROM activity_adjustments WHERE workspace_id=$1 AND NOT archived))`,
		workspaceID).Scan(&oldest)
	if err != nil {
		return time.Time{}, err
	}
	if oldest != nil {
		return *oldest, nil
	}
	return time.Unix(0, 0).UTC(), nil
}
