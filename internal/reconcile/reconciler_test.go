package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/events"
	"example.com/quotaengine/internal/membership"
)

const wsID = "ws-1"

func TestReconcileCreatesAssignmentsForTrackedMembers(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 10}
	store.roles = []domain.Role{
		{ID: "role-a", WorkspaceID: wsID, Name: "Staff", GroupRoles: []int64{100}},
	}
	source := &fakeSource{
		roles: []membership.GroupRole{
			{ExternalRoleID: 100, Rank: 50, Name: "Staff"},
			{ExternalRoleID: 5, Rank: 1, Name: "Guest"},
		},
		members: []membership.GroupMember{
			{ExternalUserID: 1, ExternalRoleID: 100, DisplayName: "alice"},
			{ExternalUserID: 2, ExternalRoleID: 5, DisplayName: "bob"},
		},
	}
	notifier := &fakeNotifier{}

	summary, err := newTestReconciler(t, source, store, notifier).Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Added)
	require.Zero(t, summary.Removed)

	assignments := store.assignmentsFor(1)
	require.Len(t, assignments, 1)
	require.Equal(t, "role-a", assignments[0].RoleID)
	require.False(t, assignments[0].ManuallyAdded)

	// Below the tracked rank: no user record, no assignment.
	require.Empty(t, store.assignmentsFor(2))
	require.Equal(t, int64(100), store.ranks[store.users[1]])

	require.Len(t, notifier.roleChanges, 1)
	require.Equal(t, "role-a", notifier.roleChanges[0].NewRoleID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}},
		{ID: "role-b", WorkspaceID: wsID, GroupRoles: []int64{200}},
	}
	source := &fakeSource{
		roles: []membership.GroupRole{
			{ExternalRoleID: 100, Rank: 50},
			{ExternalRoleID: 200, Rank: 100},
		},
		members: []membership.GroupMember{
			{ExternalUserID: 1, ExternalRoleID: 100, DisplayName: "alice"},
			{ExternalUserID: 2, ExternalRoleID: 200, DisplayName: "bob"},
		},
	}

	r := newTestReconciler(t, source, store, nil)
	_, err := r.Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Positive(t, store.writes)

	store.writes = 0
	summary, err := r.Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Zero(t, store.writes, "second pass with unchanged external state must not write")
	require.Zero(t, summary.Added)
	require.Zero(t, summary.Switched)
}

func TestManualAssignmentsSurviveAbsence(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}},
	}
	store.seedUser(1, "alice")
	store.seedUser(2, "bob")
	store.seedAssignment(1, "role-a", true)  // curated by an administrator
	store.seedAssignment(2, "role-a", false) // auto-synced
	store.departments[store.users[2]] = []string{"dept-1"}

	// Neither user appears in the external list any more.
	source := &fakeSource{
		roles: []membership.GroupRole{{ExternalRoleID: 100, Rank: 50}},
	}

	summary, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Removed)

	require.Len(t, store.assignmentsFor(1), 1, "manually added assignment must survive")
	require.Empty(t, store.assignmentsFor(2))
	require.Empty(t, store.departments[store.users[2]], "departments are meaningless without a role")
}

func TestSwitchLeavesManualAndOwnerHoldersUntouched(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}},
		{ID: "role-b", WorkspaceID: wsID, GroupRoles: []int64{200}},
	}
	store.seedUser(1, "alice")
	store.seedUser(2, "bob")
	store.seedAssignment(1, "role-a", false)
	store.seedAssignment(2, "role-a", true)

	// Both moved to the external role mapped to role-b.
	source := &fakeSource{
		roles: []membership.GroupRole{
			{ExternalRoleID: 100, Rank: 50},
			{ExternalRoleID: 200, Rank: 100},
		},
		members: []membership.GroupMember{
			{ExternalUserID: 1, ExternalRoleID: 200, DisplayName: "alice"},
			{ExternalUserID: 2, ExternalRoleID: 200, DisplayName: "bob"},
		},
	}

	summary, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Switched)

	require.Equal(t, "role-b", store.assignmentsFor(1)[0].RoleID)
	require.Equal(t, "role-a", store.assignmentsFor(2)[0].RoleID, "manual assignment is never switched")
}

func TestConflictingGroupRolesAreSkipped(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}},
		{ID: "role-b", WorkspaceID: wsID, GroupRoles: []int64{100}},
	}
	source := &fakeSource{
		roles:   []membership.GroupRole{{ExternalRoleID: 100, Rank: 50}},
		members: []membership.GroupMember{{ExternalUserID: 1, ExternalRoleID: 100, DisplayName: "alice"}},
	}

	summary, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ConflictRoles)
	require.Empty(t, store.assignmentsFor(1), "conflicted external role must not produce an assignment")
	// The member is still sighted, so their rank cache refreshes.
	require.Equal(t, int64(100), store.ranks[store.users[1]])
}

func TestUnauthorizedSourceAbortsPass(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}}}
	source := &fakeSource{err: fmt.Errorf("%w: status 401", membership.ErrUnauthorized)}

	_, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.ErrorIs(t, err, membership.ErrUnauthorized)
	require.Zero(t, store.writes, "partial membership data must not be applied")
}

func TestPerUserFailureSkipsOnlyThatUser(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}}}
	store.failAssignFor = 1
	source := &fakeSource{
		roles: []membership.GroupRole{{ExternalRoleID: 100, Rank: 50}},
		members: []membership.GroupMember{
			{ExternalUserID: 1, ExternalRoleID: 100, DisplayName: "alice"},
			{ExternalUserID: 2, ExternalRoleID: 100, DisplayName: "bob"},
		},
	}

	summary, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err, "a single bad record must not abort the pass")
	require.Equal(t, 1, summary.SkippedUsers)
	require.Equal(t, 1, summary.Added)
	require.Len(t, store.assignmentsFor(2), 1)
}

func TestOwnerRoleMigration(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-owner", WorkspaceID: wsID, Name: "Owner", IsOwnerRole: true},
		{ID: "role-a", WorkspaceID: wsID, GroupRoles: []int64{100}},
		{ID: "role-b", WorkspaceID: wsID, GroupRoles: []int64{200}},
	}
	store.seedUser(1, "alice")
	store.seedAssignment(1, "role-owner", false)
	store.ranks[store.users[1]] = 200 // cached rank maps to role-b

	source := &fakeSource{
		roles: []membership.GroupRole{
			{ExternalRoleID: 100, Rank: 50},
			{ExternalRoleID: 200, Rank: 255},
		},
		members: []membership.GroupMember{{ExternalUserID: 1, ExternalRoleID: 200, DisplayName: "alice"}},
	}

	r := newTestReconciler(t, source, store, nil)
	summary, err := r.Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.MigratedOwners)

	require.True(t, store.admins[store.users[1]], "owner role member must keep admin status")
	require.Equal(t, "role-b", store.assignmentsFor(1)[0].RoleID, "replacement should match cached rank")
	for _, role := range store.roles {
		require.False(t, role.IsOwnerRole, "owner role must be deleted after migration")
	}

	// Steady state: migration is guarded and does not run again.
	summary, err = r.Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Zero(t, summary.MigratedOwners)
}

func TestOwnerRoleMigrationCreatesDefaultRoleWhenNoneLeft(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-owner", WorkspaceID: wsID, Name: "Owner", IsOwnerRole: true},
	}
	store.seedUser(1, "alice")
	store.seedAssignment(1, "role-owner", false)
	source := &fakeSource{}

	_, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err)

	assignments := store.assignmentsFor(1)
	require.Len(t, assignments, 1)
	require.NotEqual(t, "role-owner", assignments[0].RoleID)
	require.True(t, store.admins[store.users[1]])
}

func TestOwnerRoleMigrationSharesCreatedFallbackRole(t *testing.T) {
	store := newFakeStore()
	store.settings = SyncSettings{GroupID: 42, MinimumRank: 1}
	store.roles = []domain.Role{
		{ID: "role-owner", WorkspaceID: wsID, Name: "Owner", IsOwnerRole: true},
	}
	store.seedUser(1, "alice")
	store.seedUser(2, "bob")
	store.seedAssignment(1, "role-owner", false)
	store.seedAssignment(2, "role-owner", false)
	source := &fakeSource{}

	summary, err := newTestReconciler(t, source, store, nil).Run(context.Background(), wsID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.MigratedOwners)

	// Both migrated members land on one created role, not one each.
	require.Len(t, store.roles, 1)
	require.Equal(t, store.assignmentsFor(1)[0].RoleID, store.assignmentsFor(2)[0].RoleID)
}

func newTestReconciler(t *testing.T, source Source, store Store, notifier Notifier) *Reconciler {
	t.Helper()
	return NewReconciler(source, store, notifier, WithLogger(log.New(testWriter{t}, "", 0)))
}

type fakeSource struct {
	roles   []membership.GroupRole
	members []membership.GroupMember
	err     error
}

func (s *fakeSource) ListGroupMembers(context.Context, int64) ([]membership.GroupMember, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.members, nil
}

func (s *fakeSource) ListGroupRoles(context.Context, int64) ([]membership.GroupRole, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.roles, nil
}

type fakeNotifier struct {
	roleChanges []events.RoleChanged
}

func (n *fakeNotifier) RoleChanged(_ context.Context, event events.RoleChanged) error {
	n.roleChanges = append(n.roleChanges, event)
	return nil
}

// fakeStore mirrors the repository's upsert semantics: writes are counted
// only when stored state actually changes.
type fakeStore struct {
	settings      SyncSettings
	roles         []domain.Role
	users         map[int64]string // external id -> user id
	names         map[string]string
	assignments   []domain.RoleAssignment
	ranks         map[string]int64
	departments   map[string][]string
	admins        map[string]bool
	writes        int
	nextRole      int
	failAssignFor int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[int64]string),
		names:       make(map[string]string),
		ranks:       make(map[string]int64),
		departments: make(map[string][]string),
		admins:      make(map[string]bool),
	}
}

func (s *fakeStore) seedUser(external int64, name string) {
	id := fmt.Sprintf("u%d", external)
	s.users[external] = id
	s.names[id] = name
}

func (s *fakeStore) seedAssignment(external int64, roleID string, manual bool) {
	s.assignments = append(s.assignments, domain.RoleAssignment{
		UserID:         s.users[external],
		ExternalUserID: external,
		RoleID:         roleID,
		ManuallyAdded:  manual,
	})
}

func (s *fakeStore) assignmentsFor(external int64) []domain.RoleAssignment {
	var out []domain.RoleAssignment
	for _, a := range s.assignments {
		if a.ExternalUserID == external {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeStore) SyncSettings(context.Context, string) (SyncSettings, error) {
	return s.settings, nil
}

func (s *fakeStore) Roles(context.Context, string) ([]domain.Role, error) {
	out := make([]domain.Role, len(s.roles))
	copy(out, s.roles)
	return out, nil
}

func (s *fakeStore) Assignments(context.Context, string) ([]domain.RoleAssignment, error) {
	out := make([]domain.RoleAssignment, len(s.assignments))
	copy(out, s.assignments)
	return out, nil
}

func (s *fakeStore) Ranks(context.Context, string) (map[string]int64, error) {
	out := make(map[string]int64, len(s.ranks))
	for k, v := range s.ranks {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) EnsureUser(_ context.Context, external int64, name string) (string, error) {
	if id, ok := s.users[external]; ok {
		if s.names[id] != name {
			s.names[id] = name
			s.writes++
		}
		return id, nil
	}
	s.seedUser(external, name)
	s.writes++
	return s.users[external], nil
}

func (s *fakeStore) AssignRole(_ context.Context, _ string, userID, roleID string, manual bool) error {
	var external int64
	for ext, id := range s.users {
		if id == userID {
			external = ext
		}
	}
	if s.failAssignFor != 0 && external == s.failAssignFor {
		return errors.New("simulated write failure")
	}
	s.assignments = append(s.assignments, domain.RoleAssignment{
		UserID:         userID,
		ExternalUserID: external,
		RoleID:         roleID,
		ManuallyAdded:  manual,
	})
	s.writes++
	return nil
}

func (s *fakeStore) UnassignRole(_ context.Context, _ string, userID, roleID string) error {
	for i, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			s.assignments = append(s.assignments[:i], s.assignments[i+1:]...)
			s.writes++
			return nil
		}
	}
	return nil
}

func (s *fakeStore) RemoveDepartmentMemberships(_ context.Context, _ string, userID string) error {
	if len(s.departments[userID]) > 0 {
		delete(s.departments, userID)
		s.writes++
	}
	return nil
}

func (s *fakeStore) UpsertRank(_ context.Context, _ string, userID string, externalRoleID int64) error {
	if s.ranks[userID] != externalRoleID {
		s.ranks[userID] = externalRoleID
		s.writes++
	}
	return nil
}

func (s *fakeStore) SetAdmin(_ context.Context, _ string, userID string, admin bool) error {
	if s.admins[userID] != admin {
		s.admins[userID] = admin
		s.writes++
	}
	return nil
}

func (s *fakeStore) CreateRole(_ context.Context, workspaceID string, role domain.Role) (domain.Role, error) {
	s.nextRole++
	role.ID = fmt.Sprintf("role-new-%d", s.nextRole)
	role.WorkspaceID = workspaceID
	s.roles = append(s.roles, role)
	s.writes++
	return role, nil
}

func (s *fakeStore) DeleteRole(_ context.Context, _ string, roleID string) error {
	for i, role := range s.roles {
		if role.ID == roleID {
			s.roles = append(s.roles[:i], s.roles[i+1:]...)
			s.writes++
			return nil
		}
	}
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
