// Package domain defines the entities shared by the reconciliation and
// quota engine components.
package domain

import (
	"errors"
	"time"
)

var (
	// ErrWorkspaceNotFound is returned when a workspace cannot be located.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrReconcileInProgress indicates another reconciliation pass already
	// holds the workspace.
	ErrReconcileInProgress = errors.New("reconciliation already running for workspace")
	// ErrResetInProgress indicates another period reset already holds the
	// workspace.
	ErrResetInProgress = errors.New("period reset already running for workspace")
)

// WorkspaceSettings holds the per-workspace configuration the engine
// reads: the linked external group, the minimum tracked rank, and whether
// idle time is deducted from activity minutes.
type WorkspaceSettings struct {
	WorkspaceID string
	Name        string
	GroupID     int64
	MinimumRank int
	TrackIdle   bool
}

// User is a stable external identity. Users are created on first sighting
// and never hard-deleted.
type User struct {
	ID             string
	ExternalUserID int64
	DisplayName    string
	AvatarURL      string
	CreatedAt      time.Time
}

// WorkspaceMember is the per-(user, workspace) membership record.
type WorkspaceMember struct {
	UserID         string
	WorkspaceID    string
	ExternalUserID int64
	Admin          bool
	Timezone       string
	ChatPlatformID string
}

// Role is a per-workspace role. GroupRoles lists the external role ids the
// role is synced from; an empty set means the role is not externally synced.
type Role struct {
	ID          string
	WorkspaceID string
	Name        string
	Color       string
	Permissions []string
	IsOwnerRole bool
	GroupRoles  []int64
}

// Synced reports whether the role is bound to at least one external role id.
func (r Role) Synced() bool {
	return len(r.GroupRoles) > 0
}

// MapsExternalRole reports whether the role claims the given external role id.
func (r Role) MapsExternalRole(externalRoleID int64) bool {
	for _, id := range r.GroupRoles {
		if id == externalRoleID {
			return true
		}
	}
	return false
}

// RoleAssignment links a user to a role. Assignments with ManuallyAdded set
// are protected from automatic removal.
type RoleAssignment struct {
	UserID         string
	ExternalUserID int64
	RoleID         string
	ManuallyAdded  bool
}

// Rank caches a user's last-known external role id within a workspace.
type Rank struct {
	UserID         string
	WorkspaceID    string
	ExternalRoleID int64
	UpdatedAt      time.Time
}

// Department is an optional secondary grouping orthogonal to roles, used
// only as an additional quota-scope axis.
type Department struct {
	ID          string
	WorkspaceID string
	Name        string
}

// DepartmentMember links a user to a department.
type DepartmentMember struct {
	DepartmentID string
	UserID       string
}

// QuotaType enumerates the supported quota target kinds.
type QuotaType string

const (
	QuotaTypeMinutes          QuotaType = "minutes"
	QuotaTypeSessionsHosted   QuotaType = "sessions_hosted"
	QuotaTypeSessionsAttended QuotaType = "sessions_attended"
	QuotaTypeSessionsLogged   QuotaType = "sessions_logged"
	QuotaTypeAllianceVisits   QuotaType = "alliance_visits"
	QuotaTypeCustom           QuotaType = "custom"
)

// Quota is an administrator-defined activity target. Custom quotas carry no
// numeric target; their completion is recorded manually.
type Quota struct {
	ID            string
	WorkspaceID   string
	Name          string
	Type          QuotaType
	Value         int
	SessionType   string
	RoleIDs       []string
	DepartmentIDs []string
}

// QuotaCompletion records a manual completion of a custom quota for a user.
type QuotaCompletion struct {
	ID          string
	QuotaID     string
	UserID      string
	CompletedBy string
	CompletedAt time.Time
	Archived    bool
}

// ActivitySession is a timed presence record. A session is open while End
// is nil; open sessions contribute nothing to totals.
type ActivitySession struct {
	ID           string
	WorkspaceID  string
	UserID       string
	Start        time.Time
	End          *time.Time
	IdleSeconds  int
	MessageCount int
	Archived     bool
}

// Minutes returns the session's active duration in whole minutes, nil-safe
// for open sessions.
func (s ActivitySession) Minutes() int {
	if s.End == nil {
		return 0
	}
	return int(s.End.Sub(s.Start).Minutes())
}

// ActivityAdjustment is a manual minute delta, positive or negative,
// independent of session data.
type ActivityAdjustment struct {
	ID          string
	WorkspaceID string
	UserID      string
	Minutes     int
	Reason      string
	CreatedAt   time.Time
	Archived    bool
}

// Session is a schedulable event with an owner acting as implicit host.
type Session struct {
	ID          string
	WorkspaceID string
	OwnerID     string
	Type        string
	Date        time.Time
	Archived    bool
}

// SessionParticipant is one participant slot on a session. SlotRole and
// SlotName are free text; a co-host slot is identified by naming convention.
type SessionParticipant struct {
	SessionID    string
	SessionType  string
	SessionOwner string
	UserID       string
	SlotRole     string
	SlotName     string
	Date         time.Time
	Archived     bool
}

// AllianceVisit records one alliance visit attributed to a user.
type AllianceVisit struct {
	ID          string
	WorkspaceID string
	UserID      string
	VisitedAt   time.Time
	Archived    bool
}

// QuotaProgress is the evaluated state of one quota for one user.
type QuotaProgress struct {
	QuotaID     string     `json:"quota_id"`
	Name        string     `json:"name"`
	Type        QuotaType  `json:"type"`
	Requirement int        `json:"requirement"`
	Value       int        `json:"value"`
	Percentage  int        `json:"percentage"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
}

// ActivityHistory is the immutable per-(user, period) snapshot written at
// reset time. QuotaProgress is serialized only at the storage boundary.
type ActivityHistory struct {
	ID               string
	WorkspaceID      string
	UserID           string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Minutes          int
	IdleMinutes      int
	Messages         int
	SessionsHosted   int
	SessionsAttended int
	WallPosts        int
	QuotaProgress    map[string]QuotaProgress
}

// PeriodBoundary marks the end of one accounting period and the start of
// the next. The most recent boundary defines the current open period.
type PeriodBoundary struct {
	ID                  string
	WorkspaceID         string
	ResetAt             time.Time
	PreviousPeriodStart time.Time
	PreviousPeriodEnd   time.Time
	TriggeredBy         string
}
