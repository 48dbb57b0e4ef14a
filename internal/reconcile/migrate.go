package reconcile

import (
	"context"
	"fmt"

	"example.com/quotaengine/internal/domain"
)

// migrateOwnerRoles retires legacy owner roles in favour of the admin flag
// on the workspace membership. Members of an owner role are marked admin,
// moved to a replacement role, and the emptied owner role is deleted. The
// pass calls this only while owner roles remain, so steady state skips it.
func (r *Reconciler) migrateOwnerRoles(ctx context.Context, workspaceID string, roles []domain.Role) (int, error) {
	assignments, err := r.store.Assignments(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	ranks, err := r.store.Ranks(ctx, workspaceID)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, role := range roles {
		if !role.IsOwnerRole {
			continue
		}

		for _, a := range assignments {
			if a.RoleID != role.ID {
				continue
			}

			if err := r.store.SetAdmin(ctx, workspaceID, a.UserID, true); err != nil {
				return migrated, fmt.Errorf("set admin for user %s: %w", a.UserID, err)
			}

			replacement, err := r.replacementRole(ctx, workspaceID, &roles, ranks[a.UserID])
			if err != nil {
				return migrated, err
			}
			if err := r.store.UnassignRole(ctx, workspaceID, a.UserID, role.ID); err != nil {
				return migrated, err
			}
			if err := r.store.AssignRole(ctx, workspaceID, a.UserID, replacement.ID, a.ManuallyAdded); err != nil {
				return migrated, err
			}
			migrated++
		}

		if err := r.store.DeleteRole(ctx, workspaceID, role.ID); err != nil {
			return migrated, fmt.Errorf("delete owner role %s: %w", role.ID, err)
		}
	}
	return migrated, nil
}

// replacementRole prefers a role whose external mapping matches the
// member's cached rank, falls back to any non-owner role, and creates a
// default empty-permission role when the workspace has none left. A
// created role is appended to roles so later members reuse it.
func (r *Reconciler) replacementRole(ctx context.Context, workspaceID string, roles *[]domain.Role, externalRoleID int64) (domain.Role, error) {
	var fallback *domain.Role
	for i, role := range *roles {
		if role.IsOwnerRole {
			continue
		}
		if externalRoleID != 0 && role.MapsExternalRole(externalRoleID) {
			return role, nil
		}
		if fallback == nil {
			fallback = &(*roles)[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}

	created, err := r.store.CreateRole(ctx, workspaceID, domain.Role{
		WorkspaceID: workspaceID,
		Name:        "Member",
		Permissions: []string{},
	})
	if err != nil {
		return domain.Role{}, err
	}
	*roles = append(*roles, created)
	return created, nil
}
