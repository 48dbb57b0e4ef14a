package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/quotaengine/internal/domain"
)

var (
	periodStart = time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)
	now         = periodStart.Add(14 * 24 * time.Hour)
)

func TestTotalsActiveMinutes(t *testing.T) {
	end1 := periodStart.Add(90 * time.Minute)
	end2 := periodStart.Add(3 * time.Hour)
	store := &fakeStore{
		sessions: []domain.ActivitySession{
			{ID: "as-1", UserID: "u1", Start: periodStart, End: &end1, IdleSeconds: 600, MessageCount: 12},
			{ID: "as-2", UserID: "u1", Start: periodStart.Add(2 * time.Hour), End: &end2, MessageCount: 3},
			{ID: "as-3", UserID: "u1", Start: periodStart.Add(4 * time.Hour)}, // still open
		},
		adjustments: []domain.ActivityAdjustment{
			{ID: "adj-1", UserID: "u1", Minutes: -20},
			{ID: "adj-2", UserID: "u1", Minutes: 5},
		},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now, TrackIdle: true})
	require.NoError(t, err)

	u1 := totals["u1"]
	require.NotNil(t, u1)
	// 90 + 60 session minutes, minus 10 idle, minus 20 plus 5 adjusted.
	require.Equal(t, 125, u1.ActiveMinutes)
	require.Equal(t, 10, u1.IdleMinutes)
	require.Equal(t, 15, u1.Messages)
}

func TestTotalsIdleSumsSecondsAcrossSessions(t *testing.T) {
	end1 := periodStart.Add(time.Hour)
	end2 := periodStart.Add(3 * time.Hour)
	store := &fakeStore{
		sessions: []domain.ActivitySession{
			{ID: "as-1", UserID: "u1", Start: periodStart, End: &end1, IdleSeconds: 90},
			{ID: "as-2", UserID: "u1", Start: periodStart.Add(2 * time.Hour), End: &end2, IdleSeconds: 90},
		},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now, TrackIdle: true})
	require.NoError(t, err)

	// 90s + 90s of idle is 3 whole minutes, not 1+1 truncated per session.
	require.Equal(t, 3, totals["u1"].IdleMinutes)
	require.Equal(t, 117, totals["u1"].ActiveMinutes)
}

func TestTotalsIdleKeptWhenTrackingDisabled(t *testing.T) {
	end := periodStart.Add(time.Hour)
	store := &fakeStore{
		sessions: []domain.ActivitySession{
			{ID: "as-1", UserID: "u1", Start: periodStart, End: &end, IdleSeconds: 1200},
		},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now})
	require.NoError(t, err)
	require.Equal(t, 60, totals["u1"].ActiveMinutes)
	require.Equal(t, 20, totals["u1"].IdleMinutes)
}

func TestTotalsHostedIncludesCoHostSlots(t *testing.T) {
	store := &fakeStore{
		owned: []domain.Session{
			{ID: "s-1", OwnerID: "u1", Type: "training"},
			{ID: "s-2", OwnerID: "u1", Type: "training"},
			{ID: "s-3", OwnerID: "u1", Type: "training"},
		},
		participations: []domain.SessionParticipant{
			{SessionID: "s-4", SessionType: "training", SessionOwner: "u2", UserID: "u1", SlotName: "Co-Host"},
			{SessionID: "s-5", SessionType: "training", SessionOwner: "u2", UserID: "u1", SlotRole: "co-host"},
		},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now})
	require.NoError(t, err)

	u1 := totals["u1"]
	require.Equal(t, 5, u1.SessionsHosted)
	require.Equal(t, 5, u1.HostedByType["training"])
	require.Zero(t, u1.SessionsAttended)
	require.Equal(t, 5, u1.SessionsLogged)
}

func TestTotalsHostedAndAttendedAreDisjoint(t *testing.T) {
	store := &fakeStore{
		owned: []domain.Session{
			{ID: "s-1", OwnerID: "u1", Type: "shift"},
		},
		participations: []domain.SessionParticipant{
			// Owner double-listed as a participant on their own session.
			{SessionID: "s-1", SessionType: "shift", SessionOwner: "u1", UserID: "u1", SlotName: "Attendee"},
			// Both a co-host slot and a plain slot on the same session.
			{SessionID: "s-2", SessionType: "shift", SessionOwner: "u2", UserID: "u1", SlotName: "Co-Host"},
			{SessionID: "s-2", SessionType: "shift", SessionOwner: "u2", UserID: "u1", SlotName: "Attendee"},
			// A genuinely attended session.
			{SessionID: "s-3", SessionType: "event", SessionOwner: "u2", UserID: "u1", SlotName: "Attendee"},
		},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now})
	require.NoError(t, err)

	u1 := totals["u1"]
	require.Equal(t, 2, u1.SessionsHosted, "s-1 owned, s-2 co-hosted")
	require.Equal(t, 1, u1.SessionsAttended, "only s-3; hosted sessions never count as attended")
	require.Equal(t, 3, u1.SessionsLogged, "distinct session ids regardless of slot")
	require.Equal(t, 1, u1.AttendedByType["event"])
}

func TestTotalsJoinsVisitsAndWallPosts(t *testing.T) {
	store := &fakeStore{
		visits: []domain.AllianceVisit{
			{ID: "v-1", UserID: "u1"},
			{ID: "v-2", UserID: "u1"},
			{ID: "v-3", UserID: "u2"},
		},
		wallPosts: map[string]int{"u2": 7},
	}

	totals, err := NewAggregator(store).Totals(context.Background(), "ws-1", Query{Start: periodStart, End: now})
	require.NoError(t, err)
	require.Equal(t, 2, totals["u1"].AllianceVisits)
	require.Equal(t, 7, totals["u2"].WallPosts)
	require.Equal(t, 1, totals["u2"].AllianceVisits)
}

type fakeStore struct {
	sessions       []domain.ActivitySession
	adjustments    []domain.ActivityAdjustment
	owned          []domain.Session
	participations []domain.SessionParticipant
	visits         []domain.AllianceVisit
	wallPosts      map[string]int
}

func (s *fakeStore) ActivitySessions(context.Context, string, time.Time, time.Time) ([]domain.ActivitySession, error) {
	return s.sessions, nil
}

func (s *fakeStore) Adjustments(context.Context, string, time.Time, time.Time) ([]domain.ActivityAdjustment, error) {
	return s.adjustments, nil
}

func (s *fakeStore) OwnedSessions(context.Context, string, time.Time, time.Time) ([]domain.Session, error) {
	return s.owned, nil
}

func (s *fakeStore) Participations(context.Context, string, time.Time, time.Time) ([]domain.SessionParticipant, error) {
	return s.participations, nil
}

func (s *fakeStore) AllianceVisits(context.Context, string, time.Time, time.Time) ([]domain.AllianceVisit, error) {
	return s.visits, nil
}

func (s *fakeStore) WallPostCounts(context.Context, string, time.Time, time.Time) (map[string]int, error) {
	return s.wallPosts, nil
}
