// Package httphandler is the local admin API: tracking management, manual
// checks, health and on-demand GitHub queries.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ericfisherdev/repotracker/internal/application"
	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Query limits for on-demand listings.
const (
	defaultLimit = 10
	maxLimit     = 100
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	tracking  *application.TrackingService
	reconcile *application.ReconcileService
	health    *application.HealthService
	store     driven.StateStore
	gh        driven.GitHubClient
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	tracking *application.TrackingService,
	reconcile *application.ReconcileService,
	health *application.HealthService,
	store driven.StateStore,
	gh driven.GitHubClient,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		tracking:  tracking,
		reconcile: reconcile,
		health:    health,
		store:     store,
		gh:        gh,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/ratelimit", h.RateLimit)
	mux.HandleFunc("POST /api/v1/check", h.Check)
	mux.HandleFunc("GET /api/v1/default-repo", h.DefaultRepo)

	mux.HandleFunc("GET /api/v1/repos", h.ListRepos)
	mux.HandleFunc("POST /api/v1/repos", h.AddRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{owner}/{repo}", h.RemoveRepo)
	mux.HandleFunc("PUT /api/v1/repos/{owner}/{repo}/branch", h.SetBranch)

	mux.HandleFunc("GET /api/v1/owners", h.ListOwners)
	mux.HandleFunc("POST /api/v1/owners", h.TrackOwner)
	mux.HandleFunc("GET /api/v1/owners/{owner}", h.GetOwner)
	mux.HandleFunc("DELETE /api/v1/owners/{owner}", h.UntrackOwner)

	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/branches", h.ListBranches)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/commits", h.ListCommits)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/releases", h.ListReleases)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/pulls", h.ListPulls)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/pulls/{number}", h.GetPull)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/checks/{ref}", h.GetChecks)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports process health. A degraded store still answers 200.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	report := h.health.Health()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     report.Status,
		Time:       formatTime(report.Time),
		Durability: report.Durability,
		LastPass:   report.LastPass,
	})
}

// RateLimit returns the most recently observed GitHub quota.
func (h *Handler) RateLimit(w http.ResponseWriter, _ *http.Request) {
	state := h.gh.RateLimit()
	writeJSON(w, http.StatusOK, RateLimitResponse{
		Known:     state.Known(),
		Limit:     state.Limit,
		Remaining: state.Remaining,
		Reset:     formatTime(state.Reset),
	})
}

// Check runs a reconciliation pass, queued behind any pass in flight, and
// returns the events it produced.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	events, err := h.reconcile.Check(r.Context())
	if err != nil {
		h.writeServiceError(w, "manual check", err)
		return
	}

	resp := CheckResponse{
		Events:  make([]EventResponse, 0, len(events)),
		Summary: h.reconcile.LastSummary(),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, toEventResponse(ev))
	}

	writeJSON(w, http.StatusOK, resp)
}

// DefaultRepo returns the lexicographically first tracked repository.
func (h *Handler) DefaultRepo(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.FirstRepositoryKey(r.Context())
	if err != nil {
		h.writeServiceError(w, "default repo", err)
		return
	}
	if key == "" {
		writeError(w, http.StatusNotFound, "no repositories tracked")
		return
	}
	writeJSON(w, http.StatusOK, DefaultRepoResponse{FullName: key})
}

// ListRepos returns every tracked repository, including auto-enrolled ones.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepositories(r.Context())
	if err != nil {
		h.writeServiceError(w, "list repos", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepoResponses(repos))
}

// AddRepo starts tracking a repository.
func (h *Handler) AddRepo(w http.ResponseWriter, r *http.Request) {
	var req AddRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, name, err := model.ParseRepoKey(req.FullName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid repository name: expected owner/repo format")
		return
	}

	repo, err := h.tracking.AddRepository(r.Context(), owner, name, req.Branch)
	if err != nil {
		h.writeServiceError(w, "add repo", err)
		return
	}

	writeJSON(w, http.StatusCreated, toRepoResponse(*repo))
}

// RemoveRepo stops tracking a repository.
func (h *Handler) RemoveRepo(w http.ResponseWriter, r *http.Request) {
	if err := h.tracking.RemoveRepository(r.Context(), repoPath(r)); err != nil {
		h.writeServiceError(w, "remove repo", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetBranch changes the tracked branch of a repository.
func (h *Handler) SetBranch(w http.ResponseWriter, r *http.Request) {
	var req SetBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	repo, err := h.tracking.SetBranch(r.Context(), repoPath(r), req.Branch)
	if err != nil {
		h.writeServiceError(w, "set branch", err)
		return
	}

	writeJSON(w, http.StatusOK, toRepoResponse(*repo))
}

// ListOwners returns every tracked owner.
func (h *Handler) ListOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := h.store.ListOwners(r.Context())
	if err != nil {
		h.writeServiceError(w, "list owners", err)
		return
	}

	resp := make([]OwnerResponse, 0, len(owners))
	for _, o := range owners {
		resp = append(resp, toOwnerResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TrackOwner starts tracking a user or organization.
func (h *Handler) TrackOwner(w http.ResponseWriter, r *http.Request) {
	var req TrackOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stats, err := h.tracking.TrackOwner(r.Context(), req.Login)
	if err != nil {
		h.writeServiceError(w, "track owner", err)
		return
	}

	writeJSON(w, http.StatusCreated, toOwnerStatsResponse(stats))
}

// GetOwner returns an owner with the repositories enrolled through it.
func (h *Handler) GetOwner(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracking.OwnerStats(r.Context(), r.PathValue("owner"))
	if err != nil {
		h.writeServiceError(w, "get owner", err)
		return
	}
	writeJSON(w, http.StatusOK, toOwnerStatsResponse(stats))
}

// UntrackOwner stops tracking an owner and removes its enrolled repositories.
func (h *Handler) UntrackOwner(w http.ResponseWriter, r *http.Request) {
	login := model.OwnerKey(r.PathValue("owner"))

	removed, err := h.tracking.UntrackOwner(r.Context(), login)
	if err != nil {
		h.writeServiceError(w, "untrack owner", err)
		return
	}

	writeJSON(w, http.StatusOK, UntrackOwnerResponse{Login: login, RemovedRepos: removed})
}

// writeServiceError maps port sentinel errors onto HTTP status codes.
// Unexpected errors are logged; their text is not exposed.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var status int
	switch {
	case errors.Is(err, driven.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, driven.ErrNotFound),
		errors.Is(err, driven.ErrRepoNotTracked),
		errors.Is(err, driven.ErrOwnerNotTracked):
		status = http.StatusNotFound
	case errors.Is(err, driven.ErrRepoAlreadyTracked),
		errors.Is(err, driven.ErrOwnerAlreadyTracked),
		errors.Is(err, driven.ErrEmptyRepository):
		status = http.StatusConflict
	case errors.Is(err, driven.ErrTrackingLimit):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, driven.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, driven.ErrForbidden),
		errors.Is(err, driven.ErrTransient),
		errors.Is(err, driven.ErrUnknownAPI):
		h.logger.Warn(op+" failed upstream", "error", err)
		writeError(w, http.StatusBadGateway, "github request failed")
		return
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func toOwnerStatsResponse(stats *application.OwnerStats) OwnerStatsResponse {
	return OwnerStatsResponse{
		OwnerResponse: toOwnerResponse(stats.Owner),
		Repositories:  toRepoResponses(stats.Repositories),
	}
}

// repoPath returns "owner/repo" from the route's path values.
func repoPath(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("repo")
}

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxLimit), true
}
