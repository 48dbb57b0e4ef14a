package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/quotaengine/internal/aggregate"
	"example.com/quotaengine/internal/domain"
)

func TestEvaluatePercentageBounds(t *testing.T) {
	quotas := []domain.Quota{
		{ID: "q-minutes", Name: "Weekly minutes", Type: domain.QuotaTypeMinutes, Value: 120},
		{ID: "q-hosted", Name: "Hosted", Type: domain.QuotaTypeSessionsHosted, Value: 4},
		{ID: "q-visits", Name: "Visits", Type: domain.QuotaTypeAllianceVisits, Value: 2},
	}
	totals := aggregate.UserTotals{
		ActiveMinutes:  60,
		SessionsHosted: 9,
		AllianceVisits: 2,
	}

	progress := Evaluate(quotas, totals, nil)
	require.Len(t, progress, 3)

	byID := indexByID(progress)
	require.Equal(t, 50, byID["q-minutes"].Percentage)
	require.False(t, byID["q-minutes"].Completed)
	require.Equal(t, 100, byID["q-hosted"].Percentage, "percentage is capped at 100")
	require.Equal(t, 9, byID["q-hosted"].Value)
	require.Equal(t, 100, byID["q-visits"].Percentage, "exactly on target completes")

	for _, p := range progress {
		require.GreaterOrEqual(t, p.Percentage, 0)
		require.LessOrEqual(t, p.Percentage, 100)
	}
}

func TestEvaluateSessionTypeFilter(t *testing.T) {
	quotas := []domain.Quota{
		{ID: "q-1", Name: "Trainings hosted", Type: domain.QuotaTypeSessionsHosted, Value: 5, SessionType: "training"},
	}
	totals := aggregate.UserTotals{
		SessionsHosted: 9,
		HostedByType:   map[string]int{"training": 5, "shift": 4},
	}

	progress := Evaluate(quotas, totals, nil)
	require.Equal(t, 5, progress[0].Value)
	require.Equal(t, 100, progress[0].Percentage)
	require.True(t, progress[0].Completed)
}

func TestEvaluateDeduplicatesByQuotaID(t *testing.T) {
	// The same quota reachable via a role scope and a department scope.
	q := domain.Quota{ID: "q-1", Name: "Minutes", Type: domain.QuotaTypeMinutes, Value: 10}
	progress := Evaluate([]domain.Quota{q, q}, aggregate.UserTotals{ActiveMinutes: 10}, nil)
	require.Len(t, progress, 1)
}

func TestEvaluateCustomQuotaUsesLatestCompletion(t *testing.T) {
	older := time.Date(2025, time.November, 2, 10, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)
	quotas := []domain.Quota{
		{ID: "q-custom", Name: "Inspection", Type: domain.QuotaTypeCustom},
	}
	completions := []domain.QuotaCompletion{
		{QuotaID: "q-custom", UserID: "u1", CompletedBy: "admin-1", CompletedAt: older},
		{QuotaID: "q-custom", UserID: "u1", CompletedBy: "admin-2", CompletedAt: newer},
		{QuotaID: "q-custom", UserID: "u1", CompletedBy: "admin-3", CompletedAt: newer.Add(time.Hour), Archived: true},
	}

	progress := Evaluate(quotas, aggregate.UserTotals{}, completions)
	require.Len(t, progress, 1)
	require.True(t, progress[0].Completed)
	require.Equal(t, "admin-2", progress[0].CompletedBy)
	require.Equal(t, newer, *progress[0].CompletedAt)
}

func TestEvaluateCustomQuotaWithoutCompletion(t *testing.T) {
	quotas := []domain.Quota{{ID: "q-custom", Name: "Inspection", Type: domain.QuotaTypeCustom}}
	progress := Evaluate(quotas, aggregate.UserTotals{}, nil)
	require.False(t, progress[0].Completed)
	require.Nil(t, progress[0].CompletedAt)
}

func TestMeetsQuota(t *testing.T) {
	require.False(t, MeetsQuota(nil), "zero scoped quotas is never vacuously complete")
	require.False(t, MeetsQuota([]domain.QuotaProgress{{Completed: true}, {Completed: false}}))
	require.True(t, MeetsQuota([]domain.QuotaProgress{{Completed: true}, {Completed: true}}))
}

func indexByID(progress []domain.QuotaProgress) map[string]domain.QuotaProgress {
	out := make(map[string]domain.QuotaProgress, len(progress))
	for _, p := range progress {
		out[p.QuotaID] = p
	}
	return out
}
