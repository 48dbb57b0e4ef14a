// Package reconcile synchronises internal workspace roles with the
// external group directory.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/events"
	"example.com/quotaengine/internal/membership"
	"example.com/quotaengine/internal/worklock"
)

// Source lists the external group's members and roles.
type Source interface {
	ListGroupMembers(ctx context.Context, groupID int64) ([]membership.GroupMember, error)
	ListGroupRoles(ctx context.Context, groupID int64) ([]membership.GroupRole, error)
}

// SyncSettings carries a workspace's external sync configuration. A zero
// GroupID means the workspace is not linked to an external group.
type SyncSettings struct {
	GroupID     int64
	MinimumRank int
}

// Store captures the persistence operations a reconciliation pass needs.
// Write methods are expected to be no-ops when the stored state already
// matches, so a repeated pass performs zero writes.
type Store interface {
	SyncSettings(ctx context.Context, workspaceID string) (SyncSettings, error)
	Roles(ctx context.Context, workspaceID string) ([]domain.Role, error)
	Assignments(ctx context.Context, workspaceID string) ([]domain.RoleAssignment, error)
	Ranks(ctx context.Context, workspaceID string) (map[string]int64, error)
	EnsureUser(ctx context.Context, externalUserID int64, displayName string) (string, error)
	AssignRole(ctx context.Context, workspaceID, userID, roleID string, manuallyAdded bool) error
	UnassignRole(ctx context.Context, workspaceID, userID, roleID string) error
	RemoveDepartmentMemberships(ctx context.Context, workspaceID, userID string) error
	UpsertRank(ctx context.Context, workspaceID, userID string, externalRoleID int64) error
	SetAdmin(ctx context.Context, workspaceID, userID string, admin bool) error
	CreateRole(ctx context.Context, workspaceID string, role domain.Role) (domain.Role, error)
	DeleteRole(ctx context.Context, workspaceID, roleID string) error
}

// Notifier receives fire-and-forget role change events. Delivery failures
// are logged by the reconciler and never retried.
type Notifier interface {
	RoleChanged(ctx context.Context, event events.RoleChanged) error
}

// Summary reports what a pass did.
type Summary struct {
	Added          int
	Removed        int
	Switched       int
	SkippedUsers   int
	ConflictRoles  int
	MigratedOwners int
}

// Option configures optional behaviour for the Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger used for per-record failures.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// Reconciler drives reconciliation passes. Passes for distinct workspaces
// run in parallel; a workspace admits one pass at a time.
type Reconciler struct {
	source   Source
	store    Store
	notifier Notifier
	locks    *worklock.KeyedLock
	logger   *log.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(source Source, store Store, notifier Notifier, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:   source,
		store:    store,
		notifier: notifier,
		locks:    worklock.New(),
		logger:   log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one reconciliation pass for the workspace. The pass is
// idempotent rather than transactional: re-running it against unchanged
// external state converges with no additional writes. An authorization
// failure from the source aborts the pass with nothing applied.
func (r *Reconciler) Run(ctx context.Context, workspaceID string) (Summary, error) {
	if !r.locks.TryAcquire(workspaceID) {
		return Summary{}, domain.ErrReconcileInProgress
	}
	defer r.locks.Release(workspaceID)

	start := time.Now()
	summary, err := r.run(ctx, workspaceID)
	passDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		recordPassCompleted(time.Now())
		assignmentsAdded.Add(float64(summary.Added))
		assignmentsRemoved.Add(float64(summary.Removed + summary.Switched))
	}
	return summary, err
}

func (r *Reconciler) run(ctx context.Context, workspaceID string) (Summary, error) {
	var summary Summary

	settings, err := r.store.SyncSettings(ctx, workspaceID)
	if err != nil {
		return summary, err
	}
	if settings.GroupID == 0 {
		return summary, nil
	}

	roles, err := r.store.Roles(ctx, workspaceID)
	if err != nil {
		return summary, err
	}

	if ownerRolesRemain(roles) {
		migrated, err := r.migrateOwnerRoles(ctx, workspaceID, roles)
		if err != nil {
			return summary, fmt.Errorf("owner role migration: %w", err)
		}
		summary.MigratedOwners = migrated
		if roles, err = r.store.Roles(ctx, workspaceID); err != nil {
			return summary, err
		}
	}

	// One bulk fetch for the whole group, never per-role.
	groupRoles, err := r.source.ListGroupRoles(ctx, settings.GroupID)
	if err != nil {
		return summary, fmt.Errorf("fetch group roles: %w", err)
	}
	members, err := r.source.ListGroupMembers(ctx, settings.GroupID)
	if err != nil {
		return summary, fmt.Errorf("fetch group members: %w", err)
	}

	rankByExternalRole := make(map[int64]int, len(groupRoles))
	for _, gr := range groupRoles {
		rankByExternalRole[gr.ExternalRoleID] = gr.Rank
	}

	roleByID := make(map[string]domain.Role, len(roles))
	for _, role := range roles {
		roleByID[role.ID] = role
	}
	mapping, conflicts := buildRoleMapping(roles)
	for id := range conflicts {
		r.logger.Printf("workspace %s: external role %d claimed by multiple internal roles, skipping for this pass", workspaceID, id)
	}
	summary.ConflictRoles = len(conflicts)

	assignments, err := r.store.Assignments(ctx, workspaceID)
	if err != nil {
		return summary, err
	}
	assignmentsByExternal := make(map[int64][]domain.RoleAssignment)
	for _, a := range assignments {
		assignmentsByExternal[a.ExternalUserID] = append(assignmentsByExternal[a.ExternalUserID], a)
	}

	tracked := make(map[int64]struct{}, len(members))
	for _, member := range members {
		if rankByExternalRole[member.ExternalRoleID] < settings.MinimumRank {
			continue
		}
		tracked[member.ExternalUserID] = struct{}{}
		if err := r.reconcileMember(ctx, workspaceID, member, mapping, conflicts, roleByID, assignmentsByExternal[member.ExternalUserID], &summary); err != nil {
			r.logger.Printf("workspace %s: skipping user %d: %v", workspaceID, member.ExternalUserID, err)
			summary.SkippedUsers++
		}
	}

	r.removeStaleAssignments(ctx, workspaceID, assignments, tracked, roleByID, &summary)

	return summary, nil
}

// reconcileMember applies steps for one tracked (user, externalRole) pair.
func (r *Reconciler) reconcileMember(
	ctx context.Context,
	workspaceID string,
	member membership.GroupMember,
	mapping map[int64]domain.Role,
	conflicts map[int64]struct{},
	roleByID map[string]domain.Role,
	existing []domain.RoleAssignment,
	summary *Summary,
) error {
	userID, err := r.store.EnsureUser(ctx, member.ExternalUserID, member.DisplayName)
	if err != nil {
		return err
	}

	// Rank refreshes for every reconciled member regardless of role outcome.
	defer func() {
		if err := r.store.UpsertRank(ctx, workspaceID, userID, member.ExternalRoleID); err != nil {
			r.logger.Printf("workspace %s: rank refresh for user %s: %v", workspaceID, userID, err)
		}
	}()

	if _, conflicted := conflicts[member.ExternalRoleID]; conflicted {
		return nil
	}
	desired, ok := mapping[member.ExternalRoleID]
	if !ok {
		// Untracked external role; the removal sweep handles any stale
		// auto-synced assignment.
		return nil
	}

	if len(existing) == 0 {
		if err := r.store.AssignRole(ctx, workspaceID, userID, desired.ID, false); err != nil {
			return err
		}
		summary.Added++
		r.notifyRoleChanged(ctx, workspaceID, userID, "", desired.ID)
		return nil
	}

	for _, current := range existing {
		if current.RoleID == desired.ID {
			return nil
		}
	}

	// Holds a different role. Manually curated and owner-role assignments
	// are left untouched.
	for _, current := range existing {
		if current.ManuallyAdded || roleByID[current.RoleID].IsOwnerRole {
			continue
		}
		if err := r.store.UnassignRole(ctx, workspaceID, userID, current.RoleID); err != nil {
			return err
		}
		if err := r.store.AssignRole(ctx, workspaceID, userID, desired.ID, false); err != nil {
			return err
		}
		summary.Switched++
		r.notifyRoleChanged(ctx, workspaceID, userID, current.RoleID, desired.ID)
		return nil
	}
	return nil
}

// removeStaleAssignments drops auto-synced assignments for users absent
// from the tracked external set. Departments lose meaning without a role,
// so a user's department memberships go with their last assignment.
func (r *Reconciler) removeStaleAssignments(
	ctx context.Context,
	workspaceID string,
	assignments []domain.RoleAssignment,
	tracked map[int64]struct{},
	roleByID map[string]domain.Role,
	summary *Summary,
) {
	remaining := make(map[string]int)
	for _, a := range assignments {
		remaining[a.UserID]++
	}

	for _, a := range assignments {
		if _, present := tracked[a.ExternalUserID]; present {
			continue
		}
		role := roleByID[a.RoleID]
		if a.ManuallyAdded || role.IsOwnerRole || !role.Synced() {
			continue
		}

		if err := r.store.UnassignRole(ctx, workspaceID, a.UserID, a.RoleID); err != nil {
			r.logger.Printf("workspace %s: removing stale assignment for user %s: %v", workspaceID, a.UserID, err)
			summary.SkippedUsers++
			continue
		}
		summary.Removed++
		r.notifyRoleChanged(ctx, workspaceID, a.UserID, a.RoleID, "")

		remaining[a.UserID]--
		if remaining[a.UserID] == 0 {
			if err := r.store.RemoveDepartmentMemberships(ctx, workspaceID, a.UserID); err != nil {
				r.logger.Printf("workspace %s: department cleanup for user %s: %v", workspaceID, a.UserID, err)
			}
		}
	}
}

func (r *Reconciler) notifyRoleChanged(ctx context.Context, workspaceID, userID, previousRoleID, newRoleID string) {
	if r.notifier == nil {
		return
	}
	event := events.RoleChanged{
		WorkspaceID:    workspaceID,
		UserID:         userID,
		PreviousRoleID: previousRoleID,
		NewRoleID:      newRoleID,
		OccurredAt:     time.Now().UTC(),
	}
	if err := r.notifier.RoleChanged(ctx, event); err != nil {
		r.logger.Printf("workspace %s: role change notification: %v", workspaceID, err)
	}
}

// buildRoleMapping inverts Role.GroupRoles. External role ids claimed by
// more than one internal role are unsafe to resolve and land in conflicts.
func buildRoleMapping(roles []domain.Role) (map[int64]domain.Role, map[int64]struct{}) {
	mapping := make(map[int64]domain.Role)
	conflicts := make(map[int64]struct{})
	for _, role := range roles {
		for _, external := range role.GroupRoles {
			if _, taken := mapping[external]; taken {
				conflicts[external] = struct{}{}
				continue
			}
			mapping[external] = role
		}
	}
	for id := range conflicts {
		delete(mapping, id)
	}
	return mapping, conflicts
}

func ownerRolesRemain(roles []domain.Role) bool {
	for _, role := range roles {
		if role.IsOwnerRole {
			return true
		}
	}
	return false
}
