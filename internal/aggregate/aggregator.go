// Package aggregate reduces raw activity rows to per-user totals for the
// current period.
package aggregate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/quotaengine/internal/domain"
)

// Store captures the read-only fetches the aggregator fans out. Every
// query is restricted to non-archived rows inside the window.
type Store interface {
	ActivitySessions(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.ActivitySession, error)
	Adjustments(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.ActivityAdjustment, error)
	OwnedSessions(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.Session, error)
	Participations(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.SessionParticipant, error)
	AllianceVisits(ctx context.Context, workspaceID string, from, to time.Time) ([]domain.AllianceVisit, error)
	WallPostCounts(ctx context.Context, workspaceID string, from, to time.Time) (map[string]int, error)
}

// Query bounds an aggregation run.
type Query struct {
	Start     time.Time
	End       time.Time
	TrackIdle bool
}

// UserTotals is the aggregator output for one user.
type UserTotals struct {
	UserID           string         `json:"user_id"`
	ActiveMinutes    int            `json:"active_minutes"`
	IdleMinutes      int            `json:"idle_minutes"`
	Messages         int            `json:"messages"`
	SessionsHosted   int            `json:"sessions_hosted"`
	SessionsAttended int            `json:"sessions_attended"`
	SessionsLogged   int            `json:"sessions_logged"`
	HostedByType     map[string]int `json:"hosted_by_type"`
	AttendedByType   map[string]int `json:"attended_by_type"`
	LoggedByType     map[string]int `json:"logged_by_type"`
	AllianceVisits   int            `json:"alliance_visits"`
	WallPosts        int            `json:"wall_posts"`
}

// ByType returns the hosted/attended/logged count for a quota type, using
// the per-session-type breakdown when sessionType is non-empty.
func (t UserTotals) ByType(quotaType domain.QuotaType, sessionType string) int {
	switch quotaType {
	case domain.QuotaTypeSessionsHosted:
		if sessionType != "" {
			return t.HostedByType[sessionType]
		}
		return t.SessionsHosted
	case domain.QuotaTypeSessionsAttended:
		if sessionType != "" {
			return t.AttendedByType[sessionType]
		}
		return t.SessionsAttended
	case domain.QuotaTypeSessionsLogged:
		if sessionType != "" {
			return t.LoggedByType[sessionType]
		}
		return t.SessionsLogged
	}
	return 0
}

// Aggregator joins the independent activity sources in memory by user id.
type Aggregator struct {
	store Store
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Totals computes per-user totals for the workspace. The source fetches
// have no ordering dependency and are issued concurrently.
func (a *Aggregator) Totals(ctx context.Context, workspaceID string, q Query) (map[string]*UserTotals, error) {
	var (
		sessions       []domain.ActivitySession
		adjustments    []domain.ActivityAdjustment
		owned          []domain.Session
		participations []domain.SessionParticipant
		visits         []domain.AllianceVisit
		wallPosts      map[string]int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sessions, err = a.store.ActivitySessions(gctx, workspaceID, q.Start, q.End)
		return err
	})
	g.Go(func() (err error) {
		adjustments, err = a.store.Adjustments(gctx, workspaceID, q.Start, q.End)
		return err
	})
	g.Go(func() (err error) {
		owned, err = a.store.OwnedSessions(gctx, workspaceID, q.Start, q.End)
		return err
	})
	g.Go(func() (err error) {
		participations, err = a.store.Participations(gctx, workspaceID, q.Start, q.End)
		return err
	})
	g.Go(func() (err error) {
		visits, err = a.store.AllianceVisits(gctx, workspaceID, q.Start, q.End)
		return err
	})
	g.Go(func() (err error) {
		wallPosts, err = a.store.WallPostCounts(gctx, workspaceID, q.Start, q.End)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accs := make(map[string]*accumulator)
	acc := func(userID string) *accumulator {
		entry, ok := accs[userID]
		if !ok {
			entry = newAccumulator(userID)
			accs[userID] = entry
		}
		return entry
	}

	for _, s := range sessions {
		if s.End == nil {
			continue
		}
		entry := acc(s.UserID)
		entry.activeMinutes += s.Minutes()
		entry.messages += s.MessageCount
		entry.idleSeconds += s.IdleSeconds
	}
	if q.TrackIdle {
		// Idle is summed in seconds and converted once, so sub-minute
		// remainders across sessions still add up.
		for _, entry := range accs {
			entry.activeMinutes -= entry.idleSeconds / 60
		}
	}

	for _, adj := range adjustments {
		acc(adj.UserID).activeMinutes += adj.Minutes
	}

	for _, session := range owned {
		entry := acc(session.OwnerID)
		entry.hosted[session.ID] = session.Type
		entry.logged[session.ID] = session.Type
	}

	for _, p := range participations {
		entry := acc(p.UserID)
		entry.logged[p.SessionID] = p.SessionType
		switch domain.ClassifyParticipation(p) {
		case domain.ParticipationHost:
			// Owner double-listed as participant: already counted via the
			// owned sessions fetch.
		case domain.ParticipationCoHost:
			entry.hosted[p.SessionID] = p.SessionType
		case domain.ParticipationAttendee:
			entry.attended[p.SessionID] = p.SessionType
		}
	}

	for _, visit := range visits {
		acc(visit.UserID).allianceVisits++
	}
	for userID, count := range wallPosts {
		acc(userID).wallPosts = count
	}

	totals := make(map[string]*UserTotals, len(accs))
	for userID, entry := range accs {
		totals[userID] = entry.finalize()
	}
	return totals, nil
}

// accumulator keeps session id sets during the reduce so hosted, attended,
// and logged counts stay disjoint and deduplicated.
type accumulator struct {
	userID         string
	activeMinutes  int
	idleSeconds    int
	messages       int
	allianceVisits int
	wallPosts      int
	hosted         map[string]string // session id -> type
	attended       map[string]string
	logged         map[string]string
}

func newAccumulator(userID string) *accumulator {
	return &accumulator{
		userID:   userID,
		hosted:   make(map[string]string),
		attended: make(map[string]string),
		logged:   make(map[string]string),
	}
}

func (a *accumulator) finalize() *UserTotals {
	totals := &UserTotals{
		UserID:         a.userID,
		ActiveMinutes:  a.activeMinutes,
		IdleMinutes:    a.idleSeconds / 60,
		Messages:       a.messages,
		AllianceVisits: a.allianceVisits,
		WallPosts:      a.wallPosts,
		HostedByType:   make(map[string]int),
		AttendedByType: make(map[string]int),
		LoggedByType:   make(map[string]int),
	}

	for _, sessionType := range a.hosted {
		totals.SessionsHosted++
		totals.HostedByType[sessionType]++
	}
	// A session counted as hosted is never also counted as attended.
	for sessionID, sessionType := range a.attended {
		if _, isHosted := a.hosted[sessionID]; isHosted {
			continue
		}
		totals.SessionsAttended++
		totals.AttendedByType[sessionType]++
	}
	for _, sessionType := range a.logged {
		totals.SessionsLogged++
		totals.LoggedByType[sessionType]++
	}
	return totals
}
