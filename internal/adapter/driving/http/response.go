package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/repotracker/internal/application"
	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Requests ---

// AddRepoRequest is the body of POST /api/v1/repos.
type AddRepoRequest struct {
	FullName string `json:"full_name"`
	Branch   string `json:"branch,omitempty"`
}

// SetBranchRequest is the body of PUT /api/v1/repos/{owner}/{repo}/branch.
type SetBranchRequest struct {
	Branch string `json:"branch"`
}

// TrackOwnerRequest is the body of POST /api/v1/owners.
type TrackOwnerRequest struct {
	Login string `json:"login"`
}

// --- Tracking state ---

// RepoResponse is the JSON representation of a tracked repository.
type RepoResponse struct {
	FullName            string `json:"full_name"`
	Branch              string `json:"branch"`
	DefaultBranch       string `json:"default_branch"`
	LastCommitSHA       string `json:"last_commit_sha,omitempty"`
	LastCommitMessage   string `json:"last_commit_message,omitempty"`
	LastCommitAt        string `json:"last_commit_at,omitempty"`
	LastReleaseTag      string `json:"last_release_tag,omitempty"`
	LastReleaseAt       string `json:"last_release_at,omitempty"`
	TrackedIndividually bool   `json:"tracked_individually"`
	OwnerOfOrigin       string `json:"owner_of_origin,omitempty"`
	IsEmpty             bool   `json:"is_empty"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// OwnerResponse is the JSON representation of a tracked owner.
type OwnerResponse struct {
	Login          string `json:"login"`
	KnownRepoCount int    `json:"known_repo_count"`
	CreatedAt      string `json:"created_at,omitempty"`
	LastCheckedAt  string `json:"last_checked_at,omitempty"`
}

// OwnerStatsResponse is an owner with the repositories enrolled through it.
type OwnerStatsResponse struct {
	OwnerResponse
	Repositories []RepoResponse `json:"repositories"`
}

// UntrackOwnerResponse reports the cascade of DELETE /api/v1/owners/{owner}.
type UntrackOwnerResponse struct {
	Login        string `json:"login"`
	RemovedRepos int    `json:"removed_repos"`
}

// EventResponse is one change event returned by a manual check.
type EventResponse struct {
	Kind           string `json:"kind"`
	Repository     string `json:"repository"`
	Branch         string `json:"branch,omitempty"`
	OldSHA         string `json:"old_sha,omitempty"`
	NewSHA         string `json:"new_sha,omitempty"`
	Message        string `json:"message,omitempty"`
	Tag            string `json:"tag,omitempty"`
	PreviousTag    string `json:"previous_tag,omitempty"`
	IsFirstRelease bool   `json:"is_first_release,omitempty"`
	Owner          string `json:"owner,omitempty"`
	URL            string `json:"url,omitempty"`
}

// CheckResponse is the body returned by POST /api/v1/check.
type CheckResponse struct {
	Events  []EventResponse          `json:"events"`
	Summary *application.PassSummary `json:"summary"`
}

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Time       string                   `json:"time"`
	Durability string                   `json:"durability"`
	LastPass   *application.PassSummary `json:"last_pass"`
}

// RateLimitResponse is the most recently observed GitHub quota.
type RateLimitResponse struct {
	Known     bool   `json:"known"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     string `json:"reset,omitempty"`
}

// DefaultRepoResponse names the repository used when none is specified.
type DefaultRepoResponse struct {
	FullName string `json:"full_name"`
}

// --- On-demand GitHub data ---

// BranchResponse is one branch of a repository.
type BranchResponse struct {
	Name      string `json:"name"`
	HeadSHA   string `json:"head_sha"`
	Protected bool   `json:"protected"`
}

// CommitResponse is one commit on a branch.
type CommitResponse struct {
	SHA       string `json:"sha"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReleaseResponse is one release or tag.
type ReleaseResponse struct {
	Tag         string `json:"tag"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Prerelease  bool   `json:"prerelease"`
	FromTag     bool   `json:"from_tag"`
	PublishedAt string `json:"published_at,omitempty"`
}

// PRResponse is the JSON representation of a pull request.
type PRResponse struct {
	Number          int      `json:"number"`
	Repository      string   `json:"repository"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Status          string   `json:"status"`
	IsDraft         bool     `json:"is_draft"`
	URL             string   `json:"url"`
	Branch          string   `json:"branch"`
	BaseBranch      string   `json:"base_branch"`
	HeadSHA         string   `json:"head_sha"`
	Labels          []string `json:"labels"`
	Additions       int      `json:"additions"`
	Deletions       int      `json:"deletions"`
	ChangedFiles    int      `json:"changed_files"`
	MergeableStatus string   `json:"mergeable_status"`
	DaysSinceOpened int      `json:"days_since_opened"`
	OpenedAt        string   `json:"opened_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// CheckRunResponse is the JSON representation of a CI check run.
type CheckRunResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion"`
	DetailsURL  string `json:"details_url"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// CheckSummaryResponse is the combined CI state of a ref.
type CheckSummaryResponse struct {
	Ref       string             `json:"ref"`
	CIStatus  string             `json:"ci_status"`
	CheckRuns []CheckRunResponse `json:"check_runs"`
}

// --- Mapping ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toRepoResponse(r model.TrackedRepository) RepoResponse {
	return RepoResponse{
		FullName:            r.Key,
		Branch:              r.EffectiveBranch(),
		DefaultBranch:       r.DefaultBranch,
		LastCommitSHA:       r.LastCommitSHA,
		LastCommitMessage:   r.LastCommitMessage,
		LastCommitAt:        formatTime(r.LastCommitAt),
		LastReleaseTag:      r.LastReleaseTag,
		LastReleaseAt:       formatTime(r.LastReleaseAt),
		TrackedIndividually: r.TrackedIndividually,
		OwnerOfOrigin:       r.OwnerOfOrigin,
		IsEmpty:             r.IsEmpty,
		CreatedAt:           formatTime(r.CreatedAt),
	}
}

func toRepoResponses(repos []model.TrackedRepository) []RepoResponse {
	resp := make([]RepoResponse, 0, len(repos))
	for _, r := range repos {
		resp = append(resp, toRepoResponse(r))
	}
	return resp
}

func toOwnerResponse(o model.TrackedOwner) OwnerResponse {
	return OwnerResponse{
		Login:          o.Login,
		KnownRepoCount: o.KnownRepoCount,
		CreatedAt:      formatTime(o.CreatedAt),
		LastCheckedAt:  formatTime(o.LastCheckedAt),
	}
}

func toEventResponse(ev model.ChangeEvent) EventResponse {
	resp := EventResponse{Kind: string(ev.Kind()), Repository: ev.RepoKey()}
	switch e := ev.(type) {
	case model.CommitUpdate:
		resp.Branch = e.Branch
		resp.OldSHA = e.OldSHA
		resp.NewSHA = e.NewSHA
		resp.Message = e.Message
		resp.URL = e.URL
	case model.ReleaseUpdate:
		resp.Tag = e.Tag
		resp.PreviousTag = e.PreviousTag
		resp.IsFirstRelease = e.IsFirstRelease
		resp.URL = e.URL
	case model.RepoEnrolled:
		resp.Owner = e.Owner
		resp.Branch = e.DefaultBranch
		resp.URL = e.URL
	}
	return resp
}

func toPRResponse(pr model.PullRequest) PRResponse {
	labels := pr.Labels
	if labels == nil {
		labels = []string{}
	}
	return PRResponse{
		Number:          pr.Number,
		Repository:      pr.RepoFullName,
		Title:           pr.Title,
		Author:          pr.Author,
		Status:          string(pr.Status),
		IsDraft:         pr.IsDraft,
		URL:             pr.URL,
		Branch:          pr.Branch,
		BaseBranch:      pr.BaseBranch,
		HeadSHA:         pr.HeadSHA,
		Labels:          labels,
		Additions:       pr.Additions,
		Deletions:       pr.Deletions,
		ChangedFiles:    pr.ChangedFiles,
		MergeableStatus: string(pr.MergeableStatus),
		DaysSinceOpened: pr.DaysSinceOpened(),
		OpenedAt:        formatTime(pr.OpenedAt),
		UpdatedAt:       formatTime(pr.UpdatedAt),
	}
}

func toCheckRunResponse(cr model.CheckRun) CheckRunResponse {
	return CheckRunResponse{
		ID:          cr.ID,
		Name:        cr.Name,
		Status:      cr.Status,
		Conclusion:  cr.Conclusion,
		DetailsURL:  cr.DetailsURL,
		StartedAt:   formatTime(cr.StartedAt),
		CompletedAt: formatTime(cr.CompletedAt),
	}
}
