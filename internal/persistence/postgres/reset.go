package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/period"
)

// Begin opens the reset transaction for one workspace.
func (r *Repository) Begin(ctx context.Context, workspaceID string) (period.Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &resetTx{tx: tx, workspaceID: workspaceID}, nil
}

// resetTx scopes a single pgx transaction to one workspace's reset.
type resetTx struct {
	tx          pgx.Tx
	workspaceID string
}

func (t *resetTx) OldestUnarchivedSessionStart(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT MIN(start_at) FROM activity_sessions WHERE workspace_id=$1 AND NOT archived`,
		t.workspaceID).Scan(&oldest)
	return oldest, err
}

func (t *resetTx) OldestUnarchivedAdjustment(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT MIN(created_at) FROM activity_adjustments WHERE workspace_id=$1 AND NOT archived`,
		t.workspaceID).Scan(&oldest)
	return oldest, err
}

func (t *resetTx) InsertHistory(ctx context.Context, history domain.ActivityHistory) error {
	progress, err := json.Marshal(history.QuotaProgress)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO activity_history
        (history_id, workspace_id, user_id, period_start, period_end,
         minutes, idle_minutes, messages, sessions_hosted, sessions_attended, wall_posts, quota_progress)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = t.tx.Exec(ctx, stmt,
		history.ID, history.WorkspaceID, history.UserID, history.PeriodStart, history.PeriodEnd,
		history.Minutes, history.IdleMinutes, history.Messages,
		history.SessionsHosted, history.SessionsAttended, history.WallPosts, progress)
	return err
}

func (t *resetTx) InsertBoundary(ctx context.Context, boundary domain.PeriodBoundary) error {
	const stmt = `INSERT INTO period_boundaries
        (boundary_id, workspace_id, reset_at, previous_period_start, previous_period_end, triggered_by)
        VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.Exec(ctx, stmt,
		boundary.ID, boundary.WorkspaceID, boundary.ResetAt,
		boundary.PreviousPeriodStart, boundary.PreviousPeriodEnd, boundary.TriggeredBy)
	return err
}

// ArchiveRows flags every currently non-archived source row, stamping the
// closed period onto it. Open presence sessions are swept up too: a session
// spanning the reset must not leak into the next period's boundary. Rows
// are never deleted; archived rows stay queryable by period.
func (t *resetTx) ArchiveRows(ctx context.Context, start, end time.Time) (int64, error) {
	statements := []struct {
		stmt string
		args []any
	}{
		{`UPDATE activity_sessions SET archived=TRUE, archive_start_date=$2, archive_end_date=$3
            WHERE workspace_id=$1 AND NOT archived`,
			[]any{t.workspaceID, start, end}},
		{`UPDATE activity_adjustments SET archived=TRUE, archive_start_date=$2, archive_end_date=$3
            WHERE workspace_id=$1 AND NOT archived`,
			[]any{t.workspaceID, start, end}},
		{`UPDATE sessions SET archived=TRUE, archive_start_date=$2, archive_end_date=$3
            WHERE workspace_id=$1 AND NOT archived`,
			[]any{t.workspaceID, start, end}},
		{`UPDATE session_participants sp SET archived=TRUE, archive_start_date=$2, archive_end_date=$3
            FROM sessions s
            WHERE s.session_id = sp.session_id AND s.workspace_id=$1 AND NOT sp.archived`,
			[]any{t.workspaceID, start, end}},
		{`UPDATE quota_completions c SET archived=TRUE, archive_start_date=$2, archive_end_date=$3
            FROM quotas q
            WHERE q.quota_id = c.quota_id AND q.workspace_id=$1 AND NOT c.archived`,
			[]any{t.workspaceID, start, end}},
	}

	var archived int64
	for _, s := range statements {
		tag, err := t.tx.Exec(ctx, s.stmt, s.args...)
		if err != nil {
			return archived, err
		}
		archived += tag.RowsAffected()
	}
	return archived, nil
}

func (t *resetTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *resetTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
