// Package events defines the payloads published to the notification sink.
package events

import "time"

// RoleChanged is emitted when reconciliation or an administrator changes a
// user's role assignment. An empty PreviousRoleID means the role was newly
// assigned; an empty NewRoleID means it was removed.
type RoleChanged struct {
	WorkspaceID    string    `json:"workspace_id"`
	UserID         string    `json:"user_id"`
	PreviousRoleID string    `json:"previous_role_id,omitempty"`
	NewRoleID      string    `json:"new_role_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// QuotaEvaluated is emitted when a user's quota progress is computed on read.
type QuotaEvaluated struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	QuotaCount  int       `json:"quota_count"`
	MeetsQuota  bool      `json:"meets_quota"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// PeriodReset is emitted after a period rollover commits.
type PeriodReset struct {
	WorkspaceID     string    `json:"workspace_id"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	MembersArchived int       `json:"members_archived"`
	TriggeredBy     string    `json:"triggered_by"`
	OccurredAt      time.Time `json:"occurred_at"`
}
