// Package period closes an accounting period: it snapshots totals into
// immutable history and archives the period's source rows in one
// transaction.
package period

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/quotaengine/internal/aggregate"
	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/events"
	"example.com/quotaengine/internal/quota"
	"example.com/quotaengine/internal/worklock"
)

// Store opens the reset transaction for a workspace.
type Store interface {
	Begin(ctx context.Context, workspaceID string) (Tx, error)
}

// Tx is the transactional boundary of a reset. Either every write in it
// commits or none do.
type Tx interface {
	OldestUnarchivedSessionStart(ctx context.Context) (*time.Time, error)
	OldestUnarchivedAdjustment(ctx context.Context) (*time.Time, error)
	InsertHistory(ctx context.Context, history domain.ActivityHistory) error
	InsertBoundary(ctx context.Context, boundary domain.PeriodBoundary) error
	ArchiveRows(ctx context.Context, start, end time.Time) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Reader supplies the workspace, membership, and quota context for
// history snapshots.
type Reader interface {
	Workspace(ctx context.Context, workspaceID string) (domain.WorkspaceSettings, error)
	Members(ctx context.Context, workspaceID string) ([]domain.WorkspaceMember, error)
	MemberQuotas(ctx context.Context, workspaceID string) (map[string][]domain.Quota, error)
	Completions(ctx context.Context, workspaceID string, from, to time.Time) (map[string][]domain.QuotaCompletion, error)
}

// TotalsProvider computes per-user activity totals for a window.
type TotalsProvider interface {
	Totals(ctx context.Context, workspaceID string, q aggregate.Query) (map[string]*aggregate.UserTotals, error)
}

// Notifier receives the fire-and-forget reset event after commit.
type Notifier interface {
	PeriodReset(ctx context.Context, event events.PeriodReset) error
}

// Option configures optional behaviour for the Resetter.
type Option func(*Resetter)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resetter) {
		r.logger = logger
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resetter) {
		r.now = now
	}
}

// Resetter performs period rollovers. Two resets for the same workspace
// never interleave.
type Resetter struct {
	store    Store
	reader   Reader
	totals   TotalsProvider
	notifier Notifier
	locks    *worklock.KeyedLock
	now      func() time.Time
	logger   *log.Logger
}

// NewResetter constructs a Resetter.
func NewResetter(store Store, reader Reader, totals TotalsProvider, notifier Notifier, opts ...Option) *Resetter {
	r := &Resetter{
		store:    store,
		reader:   reader,
		totals:   totals,
		notifier: notifier,
		locks:    worklock.New(),
		now:      time.Now,
		logger:   log.New(log.Writer(), "[period] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reset closes the current period. On any error the transaction rolls
// back entirely and the caller sees a single failure with no partial
// state; the administrator may re-trigger once the fault is resolved.
func (r *Resetter) Reset(ctx context.Context, workspaceID, triggeredBy string) (domain.PeriodBoundary, error) {
	if !r.locks.TryAcquire(workspaceID) {
		return domain.PeriodBoundary{}, domain.ErrResetInProgress
	}
	defer r.locks.Release(workspaceID)

	tx, err := r.store.Begin(ctx, workspaceID)
	if err != nil {
		return domain.PeriodBoundary{}, err
	}

	boundary, archived, err := r.reset(ctx, tx, workspaceID, triggeredBy)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Printf("workspace %s: rollback after failed reset: %v", workspaceID, rbErr)
		}
		return domain.PeriodBoundary{}, fmt.Errorf("period reset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PeriodBoundary{}, fmt.Errorf("period reset commit: %w", err)
	}

	recordResetCompleted(boundary.ResetAt)
	r.notifyReset(ctx, boundary, archived, triggeredBy)
	return boundary, nil
}

func (r *Resetter) reset(ctx context.Context, tx Tx, workspaceID, triggeredBy string) (domain.PeriodBoundary, int, error) {
	now := r.now().UTC()

	start, err := r.periodStart(ctx, tx, now)
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}

	settings, err := r.reader.Workspace(ctx, workspaceID)
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}

	// The snapshot must match what the live period view reported, so idle
	// deduction follows the workspace setting.
	totals, err := r.totals.Totals(ctx, workspaceID, aggregate.Query{Start: start, End: now, TrackIdle: settings.TrackIdle})
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}
	members, err := r.reader.Members(ctx, workspaceID)
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}
	memberQuotas, err := r.reader.MemberQuotas(ctx, workspaceID)
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}
	completions, err := r.reader.Completions(ctx, workspaceID, start, now)
	if err != nil {
		return domain.PeriodBoundary{}, 0, err
	}

	snapshots := 0
	for _, member := range members {
		userTotals := totals[member.UserID]
		quotas := memberQuotas[member.UserID]
		if userTotals == nil && len(quotas) == 0 {
			continue
		}
		if userTotals == nil {
			userTotals = &aggregate.UserTotals{UserID: member.UserID}
		}

		progress := quota.Evaluate(quotas, *userTotals, completions[member.UserID])
		progressByID := make(map[string]domain.QuotaProgress, len(progress))
		for _, p := range progress {
			progressByID[p.QuotaID] = p
		}

		history := domain.ActivityHistory{
			ID:               uuid.NewString(),
			WorkspaceID:      workspaceID,
			UserID:           member.UserID,
			PeriodStart:      start,
			PeriodEnd:        now,
			Minutes:          userTotals.ActiveMinutes,
			IdleMinutes:      userTotals.IdleMinutes,
			Messages:         userTotals.Messages,
			SessionsHosted:   userTotals.SessionsHosted,
			SessionsAttended: userTotals.SessionsAttended,
			WallPosts:        userTotals.WallPosts,
			QuotaProgress:    progressByID,
		}
		if err := tx.InsertHistory(ctx, history); err != nil {
			return domain.PeriodBoundary{}, 0, err
		}
		snapshots++
	}

	boundary := domain.PeriodBoundary{
		ID:                  uuid.NewString(),
		WorkspaceID:         workspaceID,
		ResetAt:             now,
		PreviousPeriodStart: start,
		PreviousPeriodEnd:   now,
		TriggeredBy:         triggeredBy,
	}
	if err := tx.InsertBoundary(ctx, boundary); err != nil {
		return domain.PeriodBoundary{}, 0, err
	}

	if _, err := tx.ArchiveRows(ctx, start, now); err != nil {
		return domain.PeriodBoundary{}, 0, err
	}

	return boundary, snapshots, nil
}

// periodStart is the earlier of the oldest non-archived session start and
// the oldest non-archived adjustment timestamp, or now when the period has
// no activity at all.
func (r *Resetter) periodStart(ctx context.Context, tx Tx, now time.Time) (time.Time, error) {
	oldestSession, err := tx.OldestUnarchivedSessionStart(ctx)
	if err != nil {
		return time.Time{}, err
	}
	oldestAdjustment, err := tx.OldestUnarchivedAdjustment(ctx)
	if err != nil {
		return time.Time{}, err
	}

	start := now
	if oldestSession != nil && oldestSession.Before(start) {
		start = *oldestSession
	}
	if oldestAdjustment != nil && oldestAdjustment.Before(start) {
		start = *oldestAdjustment
	}
	return start, nil
}

func (r *Resetter) notifyReset(ctx context.Context, boundary domain.PeriodBoundary, archived int, triggeredBy string) {
	if r.notifier == nil {
		return
	}
	event := events.PeriodReset{
		WorkspaceID:     boundary.WorkspaceID,
		PeriodStart:     boundary.PreviousPeriodStart,
		PeriodEnd:       boundary.PreviousPeriodEnd,
		MembersArchived: archived,
		TriggeredBy:     triggeredBy,
		OccurredAt:      boundary.ResetAt,
	}
	if err := r.notifier.PeriodReset(ctx, event); err != nil {
		r.logger.Printf("workspace %s: reset notification: %v", boundary.WorkspaceID, err)
	}
}
