package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// Sentinel errors returned by GitHubClient implementations. Adapters wrap
// them so callers can branch with errors.Is.
var (
	// ErrNotFound indicates an absent repository, branch, release or owner.
	ErrNotFound = errors.New("resource not found")

	// ErrEmptyRepository indicates a repository without commits (HTTP 409 on
	// the commits endpoints).
	ErrEmptyRepository = errors.New("repository is empty")

	// ErrRateLimited indicates an exhausted primary or secondary quota.
	ErrRateLimited = errors.New("github rate limit exceeded")

	// ErrForbidden indicates access was denied for reasons other than quota.
	ErrForbidden = errors.New("github access denied")

	// ErrTransient indicates a timeout, connection failure or 5xx response.
	ErrTransient = errors.New("transient github error")

	// ErrUnknownAPI indicates any other unexpected API response.
	ErrUnknownAPI = errors.New("unexpected github api error")
)

// GitHubClient defines the driven port for read-only GitHub REST access.
// Repository arguments are "owner/name" strings.
type GitHubClient interface {
	// GetRepository returns repository metadata including the default branch.
	GetRepository(ctx context.Context, repoFullName string) (*model.RepoMetadata, error)
	// GetLatestCommit returns the head commit of branch. Returns ErrEmptyRepository
	// for a repository without commits.
	GetLatestCommit(ctx context.Context, repoFullName, branch string) (*model.Commit, error)
	// GetLatestRelease returns the latest release, falling back to the most
	// recent tag. Returns nil, nil when neither exists.
	GetLatestRelease(ctx context.Context, repoFullName string) (*model.Release, error)
	// BranchExists reports whether branch exists in the repository.
	BranchExists(ctx context.Context, repoFullName, branch string) (bool, error)
	// GetAccountType reports whether login is a user or an organization.
	GetAccountType(ctx context.Context, login string) (model.AccountType, error)
	// ListOwnerRepositories lists up to limit public repositories of login.
	ListOwnerRepositories(ctx context.Context, login string, accountType model.AccountType, limit int) ([]model.OwnerRepository, error)

	// On-demand queries used by the admin API.

	ListBranches(ctx context.Context, repoFullName string, limit int) ([]model.Branch, error)
	ListCommits(ctx context.Context, repoFullName, branch string, limit int) ([]model.Commit, error)
	ListReleases(ctx context.Context, repoFullName string, limit int) ([]model.Release, error)
	ListPullRequests(ctx context.Context, repoFullName, state string, limit int) ([]model.PullRequest, error)
	GetPullRequest(ctx context.Context, repoFullName string, number int) (*model.PullRequest, error)
	ListCheckRuns(ctx context.Context, repoFullName, ref string) ([]model.CheckRun, error)

	// RateLimit returns the most recently observed quota.
	RateLimit() model.RateLimitState
}
