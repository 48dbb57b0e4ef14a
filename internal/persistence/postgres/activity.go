package postgres

import (
	"context"
	"time"

	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/permcache"
)

// ActivitySessions returns the workspace's closed and open presence
// sessions that started inside the window.
func (r *Repository) ActivitySessions(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.ActivitySession, error) {
	const query = `SELECT session_id, workspace_id, user_id, start_at, end_at, idle_seconds, message_count, archived
        FROM activity_sessions
        WHERE workspace_id=$1 AND NOT archived AND start_at >= $2 AND start_at < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ActivitySession
	for rows.Next() {
		var s domain.ActivitySession
		if err := rows.Scan(&s.ID, &s.WorkspaceID, &s.UserID, &s.Start, &s.End, &s.IdleSeconds, &s.MessageCount, &s.Archived); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Adjustments returns the manual minute deltas recorded inside the window.
func (r *Repository) Adjustments(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.ActivityAdjustment, error) {
	const query = `SELECT adjustment_id, workspace_id, user_id, minutes, COALESCE(reason, ''), created_at, archived
        FROM activity_adjustments
        WHERE workspace_id=$1 AND NOT archived AND created_at >= $2 AND created_at < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []domain.ActivityAdjustment
	for rows.Next() {
		var a domain.ActivityAdjustment
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.UserID, &a.Minutes, &a.Reason, &a.CreatedAt, &a.Archived); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// OwnedSessions returns the scheduled sessions dated inside the window.
func (r *Repository) OwnedSessions(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.Session, error) {
	const query = `SELECT session_id, workspace_id, owner_id, session_type, session_date, archived
        FROM sessions
        WHERE workspace_id=$1 AND NOT archived AND session_date >= $2 AND session_date < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.WorkspaceID, &s.OwnerID, &s.Type, &s.Date, &s.Archived); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Participations returns participant slots joined with their session's
// type, owner, and date for sessions inside the window.
func (r *Repository) Participations(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.SessionParticipant, error) {
	const query = `SELECT sp.session_id, s.session_type, s.owner_id, sp.user_id, COALESCE(sp.slot_role, ''), COALESCE(sp.slot_name, ''), s.session_date, sp.archived
        FROM session_participants sp
        JOIN sessions s ON s.session_id = sp.session_id
        WHERE s.workspace_id=$1 AND NOT sp.archived AND NOT s.archived
          AND s.session_date >= $2 AND s.session_date < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.SessionParticipant
	for rows.Next() {
		var p domain.SessionParticipant
		if err := rows.Scan(&p.SessionID, &p.SessionType, &p.SessionOwner, &p.UserID, &p.SlotRole, &p.SlotName, &p.Date, &p.Archived); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// AllianceVisits returns the alliance visits recorded inside the window.
func (r *Repository) AllianceVisits(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.AllianceVisit, error) {
	const query = `SELECT visit_id, workspace_id, user_id, visited_at, archived
        FROM alliance_visits
        WHERE workspace_id=$1 AND NOT archived AND visited_at >= $2 AND visited_at < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []domain.AllianceVisit
	for rows.Next() {
		var v domain.AllianceVisit
		if err := rows.Scan(&v.ID, &v.WorkspaceID, &v.UserID, &v.VisitedAt, &v.Archived); err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// WallPostCounts returns per-user wall post counts inside the window.
// Wall posts carry no archived flag; the window alone scopes them.
func (r *Repository) WallPostCounts(ctx context.Context, workspaceID string, from, to time.Time) (map[string]int, error) {
	const query = `SELECT user_id, COUNT(*)
        FROM wall_posts
        WHERE workspace_id=$1 AND posted_at >= $2 AND posted_at < $3
        GROUP BY user_id`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		counts[userID] = count
	}
	return counts, rows.Err()
}

// MemberQuotas resolves, per member, the quotas scoped to any of the
// member's roles or departments.
func (r *Repository) MemberQuotas(ctx context.Context, workspaceID string) (map[string][]domain.Quota, error) {
	const query = `SELECT DISTINCT m.user_id, q.quota_id
        FROM quotas q
        JOIN (
            SELECT ra.user_id, 'role' AS scope, qr.quota_id
            FROM role_assignments ra
            JOIN quota_roles qr ON qr.role_id = ra.role_id
            WHERE ra.workspace_id = $1
            UNION
            SELECT dm.user_id, 'department', qd.quota_id
            FROM department_members dm
            JOIN departments d ON d.department_id = dm.department_id
            JOIN quota_departments qd ON qd.department_id = dm.department_id
            WHERE d.workspace_id = $1
        ) m ON m.quota_id = q.quota_id
        WHERE q.workspace_id = $1`

	quotas, err := r.quotasByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberQuotas := make(map[string][]domain.Quota)
	for rows.Next() {
		var userID, quotaID string
		if err := rows.Scan(&userID, &quotaID); err != nil {
			return nil, err
		}
		if q, ok := quotas[quotaID]; ok {
			memberQuotas[userID] = append(memberQuotas[userID], q)
		}
	}
	return memberQuotas, rows.Err()
}

func (r *Repository) quotasByID(ctx context.Context, workspaceID string) (map[string]domain.Quota, error) {
	const query = `SELECT quota_id, workspace_id, name, quota_type, COALESCE(target_value, 0), COALESCE(session_type, '')
        FROM quotas WHERE workspace_id=$1`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotas := make(map[string]domain.Quota)
	for rows.Next() {
		var q domain.Quota
		if err := rows.Scan(&q.ID, &q.WorkspaceID, &q.Name, &q.Type, &q.Value, &q.SessionType); err != nil {
			return nil, err
		}
		quotas[q.ID] = q
	}
	return quotas, rows.Err()
}

// Completions returns per-user custom-quota completions inside the window.
func (r *Repository) Completions(ctx context.Context, workspaceID string, from, to time.Time) (map[string][]domain.QuotaCompletion, error) {
	const query = `SELECT c.completion_id, c.quota_id, c.user_id, c.completed_by, c.completed_at, c.archived
        FROM quota_completions c
        JOIN quotas q ON q.quota_id = c.quota_id
        WHERE q.workspace_id=$1 AND NOT c.archived AND c.completed_at >= $2 AND c.completed_at < $3`

	rows, err := r.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	completions := make(map[string][]domain.QuotaCompletion)
	for rows.Next() {
		var c domain.QuotaCompletion
		if err := rows.Scan(&c.ID, &c.QuotaID, &c.UserID, &c.CompletedBy, &c.CompletedAt, &c.Archived); err != nil {
			return nil, err
		}
		completions[c.UserID] = append(completions[c.UserID], c)
	}
	return completions, rows.Err()
}

// Permissions resolves the union of role permissions a user holds in a
// workspace plus the membership admin flag, for the permission cache.
func (r *Repository) Permissions(ctx context.Context, userID, workspaceID string) (permcache.Entry, error) {
	const query = `SELECT COALESCE(
            (SELECT array_agg(DISTINCT p) FROM role_assignments ra
             JOIN roles ro ON ro.role_id = ra.role_id, unnest(ro.permissions) p
             WHERE ra.workspace_id=$2 AND ra.user_id=$1), '{}'),
        COALESCE((SELECT admin FROM workspace_members WHERE user_id=$1 AND workspace_id=$2), FALSE)`

	var entry permcache.Entry
	err := r.pool.QueryRow(ctx, query, userID, workspaceID).Scan(&entry.Permissions, &entry.IsAdmin)
	return entry, err
}
