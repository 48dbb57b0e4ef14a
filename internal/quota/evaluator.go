// Package quota evaluates administrator-defined targets against aggregated
// activity totals. It is pure computation over already-fetched data.
package quota

import (
	"sort"

	"example.com/quotaengine/internal/aggregate"
	"example.com/quotaengine/internal/domain"
)

// Evaluate returns progress per quota for one user. The quotas slice is the
// union of role- and department-scoped quotas; a quota reachable through
// both axes is evaluated once. Custom quotas surface the most recent
// manual completion record instead of computed math.
func Evaluate(quotas []domain.Quota, totals aggregate.UserTotals, completions []domain.QuotaCompletion) []domain.QuotaProgress {
	seen := make(map[string]struct{}, len(quotas))
	out := make([]domain.QuotaProgress, 0, len(quotas))

	for _, q := range quotas {
		if _, dup := seen[q.ID]; dup {
			continue
		}
		seen[q.ID] = struct{}{}

		progress := domain.QuotaProgress{
			QuotaID:     q.ID,
			Name:        q.Name,
			Type:        q.Type,
			Requirement: q.Value,
		}

		if q.Type == domain.QuotaTypeCustom {
			if completion := latestCompletion(completions, q.ID); completion != nil {
				completedAt := completion.CompletedAt
				progress.Completed = true
				progress.CompletedAt = &completedAt
				progress.CompletedBy = completion.CompletedBy
				progress.Percentage = 100
			}
			out = append(out, progress)
			continue
		}

		progress.Value = currentValue(q, totals)
		progress.Percentage = percentage(progress.Value, q.Value)
		progress.Completed = progress.Percentage == 100
		out = append(out, progress)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MeetsQuota reports whether the user satisfies every scoped quota. A user
// with zero scoped quotas never meets quota.
func MeetsQuota(progress []domain.QuotaProgress) bool {
	if len(progress) == 0 {
		return false
	}
	for _, p := range progress {
		if !p.Completed {
			return false
		}
	}
	return true
}

func currentValue(q domain.Quota, totals aggregate.UserTotals) int {
	switch q.Type {
	case domain.QuotaTypeMinutes:
		return totals.ActiveMinutes
	case domain.QuotaTypeAllianceVisits:
		return totals.AllianceVisits
	case domain.QuotaTypeSessionsHosted, domain.QuotaTypeSessionsAttended, domain.QuotaTypeSessionsLogged:
		return totals.ByType(q.Type, q.SessionType)
	}
	return 0
}

// percentage is capped at 100 and hits 100 exactly when value >= target.
func percentage(value, target int) int {
	if target <= 0 {
		return 100
	}
	if value <= 0 {
		return 0
	}
	if value >= target {
		return 100
	}
	return value * 100 / target
}

func latestCompletion(completions []domain.QuotaCompletion, quotaID string) *domain.QuotaCompletion {
	var latest *domain.QuotaCompletion
	for i := range completions {
		c := &completions[i]
		if c.QuotaID != quotaID || c.Archived {
			continue
		}
		if latest == nil || c.CompletedAt.After(latest.CompletedAt) {
			latest = c
		}
	}
	return latest
}
