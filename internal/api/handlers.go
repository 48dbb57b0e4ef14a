// Package api exposes HTTP handlers for the quota engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"example.com/quotaengine/internal/aggregate"
	"example.com/quotaengine/internal/auth"
	"example.com/quotaengine/internal/domain"
	"example.com/quotaengine/internal/events"
	"example.com/quotaengine/internal/observability"
	"example.com/quotaengine/internal/permcache"
	"example.com/quotaengine/internal/quota"
	"example.com/quotaengine/internal/reconcile"
)

// Store captures the read-side persistence the handlers need.
type Store interface {
	Workspace(ctx context.Context, workspaceID string) (domain.WorkspaceSettings, error)
	CurrentPeriodStart(ctx context.Context, workspaceID string) (time.Time, error)
	Members(ctx context.Context, workspaceID string) ([]domain.WorkspaceMember, error)
	MemberQuotas(ctx context.Context, workspaceID string) (map[string][]domain.Quota, error)
	Completions(ctx context.Context, workspaceID string, from, to time.Time) (map[string][]domain.QuotaCompletion, error)
	Permissions(ctx context.Context, userID, workspaceID string) (permcache.Entry, error)
}

// TotalsProvider computes per-user activity totals for a window.
type TotalsProvider interface {
	Totals(ctx context.Context, workspaceID string, q aggregate.Query) (map[string]*aggregate.UserTotals, error)
}

// ResetRunner closes the current accounting period.
type ResetRunner interface {
	Reset(ctx context.Context, workspaceID, triggeredBy string) (domain.PeriodBoundary, error)
}

// ReconcileRunner executes one reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context, workspaceID string) (reconcile.Summary, error)
}

// Notifier receives fire-and-forget quota evaluation events.
type Notifier interface {
	QuotaEvaluated(ctx context.Context, event events.QuotaEvaluated) error
}

// Handler coordinates HTTP requests with the engine components.
type Handler struct {
	store      Store
	totals     TotalsProvider
	resetter   ResetRunner
	reconciler ReconcileRunner
	notifier   Notifier
	cache      *permcache.Cache
	logger     *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(store Store, totals TotalsProvider, resetter ResetRunner, reconciler ReconcileRunner, notifier Notifier, cache *permcache.Cache) *Handler {
	return &Handler{
		store:      store,
		totals:     totals,
		resetter:   resetter,
		reconciler: reconciler,
		notifier:   notifier,
		cache:      cache,
		logger:     log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/workspaces/", h.workspaces)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) workspaces(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workspaces/")
	workspaceID, action, _ := strings.Cut(rest, "/")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workspace id")
		return
	}

	switch {
	case action == "activity" && r.Method == http.MethodGet:
		h.activity(w, r, workspaceID)
	case action == "quotas/progress" && r.Method == http.MethodGet:
		h.quotaProgress(w, r, workspaceID)
	case action == "reset" && r.Method == http.MethodPost:
		h.reset(w, r, workspaceID)
	case action == "reconcile" && r.Method == http.MethodPost:
		h.reconcile(w, r, workspaceID)
	case action == "activity" || action == "quotas/progress" || action == "reset" || action == "reconcile":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, ok := h.requireScope(w, r, auth.ScopeActivityRead); !ok {
		return
	}

	settings, err := h.store.Workspace(r.Context(), workspaceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	start, err := h.store.CurrentPeriodStart(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	now := time.Now().UTC()
	totals, err := h.totals.Totals(r.Context(), workspaceID, aggregate.Query{
		Start:     start,
		End:       now,
		TrackIdle: settings.TrackIdle,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	members := make([]aggregate.UserTotals, 0, len(totals))
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if t, ok := totals[userID]; ok {
			members = append(members, *t)
		}
	} else {
		for _, t := range totals {
			members = append(members, *t)
		}
	}

	writeJSON(w, http.StatusOK, ActivityResponse{
		WorkspaceID: workspaceID,
		PeriodStart: start,
		PeriodEnd:   now,
		Members:     members,
	})
}

func (h *Handler) quotaProgress(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, ok := h.requireScope(w, r, auth.ScopeActivityRead); !ok {
		return
	}

	settings, err := h.store.Workspace(r.Context(), workspaceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	start, err := h.store.CurrentPeriodStart(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	now := time.Now().UTC()

	totals, err := h.totals.Totals(r.Context(), workspaceID, aggregate.Query{
		Start:     start,
		End:       now,
		TrackIdle: settings.TrackIdle,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	memberQuotas, err := h.store.MemberQuotas(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	completions, err := h.store.Completions(r.Context(), workspaceID, start, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	members := make([]MemberProgress, 0, len(memberQuotas))
	for userID, quotas := range memberQuotas {
		userTotals := totals[userID]
		if userTotals == nil {
			userTotals = &aggregate.UserTotals{UserID: userID}
		}
		progress := quota.Evaluate(quotas, *userTotals, completions[userID])
		meets := quota.MeetsQuota(progress)
		members = append(members, MemberProgress{
			UserID:     userID,
			Progress:   progress,
			MeetsQuota: meets,
		})

		if err := h.notifier.QuotaEvaluated(r.Context(), events.QuotaEvaluated{
			WorkspaceID: workspaceID,
			UserID:      userID,
			QuotaCount:  len(progress),
			MeetsQuota:  meets,
			OccurredAt:  now,
		}); err != nil {
			// Evaluation events are best-effort; a sink failure never
			// fails the read.
			h.logger.Printf("workspace %s: quota event for %s: %v", workspaceID, userID, err)
		}
	}

	writeJSON(w, http.StatusOK, QuotaProgressResponse{
		WorkspaceID: workspaceID,
		PeriodStart: start,
		Members:     members,
	})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request, workspaceID string) {
	claims, ok := h.requireAdmin(w, r, workspaceID)
	if !ok {
		return
	}

	boundary, err := h.resetter.Reset(r.Context(), workspaceID, claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Role or quota scope may have shifted underneath cached permissions.
	h.cache.InvalidateWorkspace(workspaceID)

	writeJSON(w, http.StatusAccepted, ResetResponse{
		BoundaryID:  boundary.ID,
		WorkspaceID: boundary.WorkspaceID,
		ResetAt:     boundary.ResetAt,
		PeriodStart: boundary.PreviousPeriodStart,
		PeriodEnd:   boundary.PreviousPeriodEnd,
		TriggeredBy: boundary.TriggeredBy,
	})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, ok := h.requireAdmin(w, r, workspaceID); !ok {
		return
	}

	summary, err := h.reconciler.Run(r.Context(), workspaceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.cache.InvalidateWorkspace(workspaceID)

	writeJSON(w, http.StatusOK, ReconcileResponse{
		Added:          summary.Added,
		Removed:        summary.Removed,
		Switched:       summary.Switched,
		SkippedUsers:   summary.SkippedUsers,
		ConflictRoles:  summary.ConflictRoles,
		MigratedOwners: summary.MigratedOwners,
	})
}

func (h *Handler) requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

// requireAdmin accepts either the workspace:admin scope or a workspace
// membership with the admin flag, resolved through the permission cache.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request, workspaceID string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if claims.HasScope(auth.ScopeWorkspaceAdmin) {
		return claims, true
	}

	entry, cached := h.cache.Get(claims.Subject, workspaceID)
	if cached {
		observability.RecordPermCacheHit()
	} else {
		observability.RecordPermCacheMiss()
		loaded, err := h.store.Permissions(r.Context(), claims.Subject, workspaceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return nil, false
		}
		h.cache.Set(claims.Subject, workspaceID, loaded)
		entry = loaded
	}
	if !entry.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "workspace admin required")
		return nil, false
	}
	return claims, true
}

// ActivityResponse reports current-period totals for every active member.
type ActivityResponse struct {
	WorkspaceID string                 `json:"workspace_id"`
	PeriodStart time.Time              `json:"period_start"`
	PeriodEnd   time.Time              `json:"period_end"`
	Members     []aggregate.UserTotals `json:"members"`
}

// MemberProgress pairs one member with their evaluated quota state.
type MemberProgress struct {
	UserID     string                 `json:"user_id"`
	Progress   []domain.QuotaProgress `json:"progress"`
	MeetsQuota bool                   `json:"meets_quota"`
}

// QuotaProgressResponse reports quota progress for every scoped member.
type QuotaProgressResponse struct {
	WorkspaceID string           `json:"workspace_id"`
	PeriodStart time.Time        `json:"period_start"`
	Members     []MemberProgress `json:"members"`
}

// ResetResponse describes the period boundary written by a reset.
type ResetResponse struct {
	BoundaryID  string    `json:"boundary_id"`
	WorkspaceID string    `json:"workspace_id"`
	ResetAt     time.Time `json:"reset_at"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TriggeredBy string    `json:"triggered_by"`
}

// ReconcileResponse summarises one reconciliation pass.
type ReconcileResponse struct {
	Added          int `json:"added"`
	Removed        int `json:"removed"`
	Switched       int `json:"switched"`
	SkippedUsers   int `json:"skipped_users"`
	ConflictRoles  int `json:"conflict_roles"`
	MigratedOwners int `json:"migrated_owners"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkspaceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workspace not found")
	case errors.Is(err, domain.ErrResetInProgress), errors.Is(err, domain.ErrReconcileInProgress):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
