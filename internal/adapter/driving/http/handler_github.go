package httphandler

import (
	"net/http"
	"strconv"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// On-demand queries go straight to GitHub through the rate-limited client.
// They read nothing from and write nothing to the state store.

// ListBranches returns branches of a repository.
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	branches, err := h.gh.ListBranches(r.Context(), repoPath(r), limit)
	if err != nil {
		h.writeServiceError(w, "list branches", err)
		return
	}

	resp := make([]BranchResponse, 0, len(branches))
	for _, b := range branches {
		resp = append(resp, BranchResponse{Name: b.Name, HeadSHA: b.HeadSHA, Protected: b.Protected})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCommits returns recent commits. The branch query parameter defaults
// to the repository's default branch.
func (h *Handler) ListCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	commits, err := h.gh.ListCommits(r.Context(), repoPath(r), r.URL.Query().Get("branch"), limit)
	if err != nil {
		h.writeServiceError(w, "list commits", err)
		return
	}

	resp := make([]CommitResponse, 0, len(commits))
	for _, c := range commits {
		resp = append(resp, CommitResponse{
			SHA:       c.SHA,
			Message:   c.Headline(),
			Author:    c.Author,
			URL:       c.URL,
			Timestamp: formatTime(c.Timestamp),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListReleases returns recent releases.
func (h *Handler) ListReleases(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	releases, err := h.gh.ListReleases(r.Context(), repoPath(r), limit)
	if err != nil {
		h.writeServiceError(w, "list releases", err)
		return
	}

	resp := make([]ReleaseResponse, 0, len(releases))
	for _, rel := range releases {
		resp = append(resp, toReleaseResponse(rel))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPulls returns pull requests. The state query parameter is one of
// open (default), closed or all.
func (h *Handler) ListPulls(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	state := r.URL.Query().Get("state")
	switch state {
	case "":
		state = "open"
	case "open", "closed", "all":
	default:
		writeError(w, http.StatusBadRequest, "invalid state: expected open, closed or all")
		return
	}

	prs, err := h.gh.ListPullRequests(r.Context(), repoPath(r), state, limit)
	if err != nil {
		h.writeServiceError(w, "list pulls", err)
		return
	}

	resp := make([]PRResponse, 0, len(prs))
	for _, pr := range prs {
		resp = append(resp, toPRResponse(pr))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPull returns a single pull request with its mergeability.
func (h *Handler) GetPull(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return
	}

	pr, err := h.gh.GetPullRequest(r.Context(), repoPath(r), number)
	if err != nil {
		h.writeServiceError(w, "get pull", err)
		return
	}

	writeJSON(w, http.StatusOK, toPRResponse(*pr))
}

// GetChecks returns the check runs of a ref and their combined status.
func (h *Handler) GetChecks(w http.ResponseWriter, r *http.Request) {
	summary, err := h.health.CheckSummary(r.Context(), repoPath(r), r.PathValue("ref"))
	if err != nil {
		h.writeServiceError(w, "get checks", err)
		return
	}

	runs := make([]CheckRunResponse, 0, len(summary.CheckRuns))
	for _, cr := range summary.CheckRuns {
		runs = append(runs, toCheckRunResponse(cr))
	}

	writeJSON(w, http.StatusOK, CheckSummaryResponse{
		Ref:       summary.Ref,
		CIStatus:  string(summary.CIStatus),
		CheckRuns: runs,
	})
}

func toReleaseResponse(rel model.Release) ReleaseResponse {
	return ReleaseResponse{
		Tag:         rel.Tag,
		Name:        rel.Name,
		URL:         rel.URL,
		Prerelease:  rel.Prerelease,
		FromTag:     rel.FromTag,
		PublishedAt: formatTime(rel.PublishedAt),
	}
}
