// Package github implements the GitHubClient port using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.GitHubClient = (*Client)(nil)

const maxPerPage = 100

// Options configures a Client.
type Options struct {
	// Token is the bearer token. Empty means unauthenticated access.
	Token string
	// BaseURL overrides https://api.github.com/ (tests point it at httptest).
	BaseURL string
	// Gate is the shared rate-limit gate. A default gate is created when nil.
	Gate *RateGate
	// CacheTTL is the lifetime of cached GET responses. Zero disables the
	// TTL cache.
	CacheTTL  time.Duration
	CacheSize int
	// Transport is the innermost round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Timeout bounds every request. Zero means 30s.
	Timeout time.Duration
}

// Client implements the driven.GitHubClient port using the go-github library.
type Client struct {
	gh   *gh.Client
	gate *RateGate
}

// NewClient creates a new GitHub API client with the following transport
// stack, outermost first:
//  1. TTL response cache (identical GETs within the TTL never leave the process)
//  2. httpcache (ETag-based conditional requests; 304s do not consume quota)
//  3. RateGate (primary quota: delay while remaining is below the threshold)
//  4. go-github-ratelimit (primary and secondary limiters; refuses requests
//     locally while the primary quota is exhausted, sleeps on abuse limits)
//  5. go-github (REST client with bearer auth)
func NewClient(opts Options) (*Client, error) {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	gate := opts.Gate
	if gate == nil {
		gate = NewRateGate(RateGateConfig{})
	}

	secondary := github_ratelimit.NewClient(base).Transport
	gated := &gateTransport{gate: gate, next: secondary}

	etagCache := httpcache.NewMemoryCacheTransport()
	etagCache.Transport = gated

	var rt http.RoundTripper = etagCache
	if opts.CacheTTL > 0 {
		rt = newCacheTransport(etagCache, opts.CacheSize, opts.CacheTTL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := gh.NewClient(&http.Client{Transport: rt, Timeout: timeout})
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}

	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}

	return &Client{gh: client, gate: gate}, nil
}

// RateLimit returns the most recently observed primary quota.
func (c *Client) RateLimit() model.RateLimitState {
	return c.gate.State()
}

// GetRepository returns repository metadata.
func (c *Client) GetRepository(ctx context.Context, repoFullName string) (*model.RepoMetadata, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	r, resp, err := call(ctx, c, func() (*gh.Repository, *gh.Response, error) {
		return c.gh.Repositories.Get(ctx, owner, repo)
	})
	if err != nil {
		return nil, classify("fetching repository "+repoFullName, resp, err)
	}

	logRateLimit(resp, repoFullName, 0, 1)

	return &model.RepoMetadata{
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
		Description:   r.GetDescription(),
		HTMLURL:       r.GetHTMLURL(),
		Size:          r.GetSize(),
		Archived:      r.GetArchived(),
		Fork:          r.GetFork(),
		PushedAt:      r.GetPushedAt().Time,
	}, nil
}

// GetLatestCommit returns the head commit of branch.
func (c *Client) GetLatestCommit(ctx context.Context, repoFullName, branch string) (*model.Commit, error) {
	commits, err := c.ListCommits(ctx, repoFullName, branch, 1)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("fetching latest commit for %s@%s: %w", repoFullName, branch, driven.ErrEmptyRepository)
	}
	return &commits[0], nil
}

// ListCommits returns up to limit commits on branch, newest first. An empty
// branch argument lists the default branch.
func (c *Client) ListCommits(ctx context.Context, repoFullName, branch string, limit int) ([]model.Commit, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.CommitsListOptions{
		SHA:         branch,
		ListOptions: gh.ListOptions{PerPage: perPage(limit)},
	}

	var commits []model.Commit
	for {
		page, resp, err := call(ctx, c, func() ([]*gh.RepositoryCommit, *gh.Response, error) {
			return c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, classify(fmt.Sprintf("listing commits for %s@%s (page %d)", repoFullName, branch, opts.Page), resp, err)
		}

		logRateLimit(resp, repoFullName+"/commits", opts.Page, len(page))

		for _, rc := range page {
			commits = append(commits, mapCommit(rc))
		}

		if len(commits) >= limit || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return truncate(commits, limit), nil
}

// GetLatestRelease returns the latest published release. When the repository
// has no formal release, the most recent tag stands in for one. Returns nil,
// nil when neither exists.
func (c *Client) GetLatestRelease(ctx context.Context, repoFullName string) (*model.Release, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	rel, resp, err := call(ctx, c, func() (*gh.RepositoryRelease, *gh.Response, error) {
		return c.gh.Repositories.GetLatestRelease(ctx, owner, repo)
	})
	if err == nil {
		logRateLimit(resp, repoFullName+"/releases/latest", 0, 1)
		r := mapRelease(rel)
		return &r, nil
	}

	err = classify("fetching latest release for "+repoFullName, resp, err)
	if !errors.Is(err, driven.ErrNotFound) {
		return nil, err
	}

	tags, resp, err := call(ctx, c, func() ([]*gh.RepositoryTag, *gh.Response, error) {
		return c.gh.Repositories.ListTags(ctx, owner, repo, &gh.ListOptions{PerPage: 1})
	})
	if err != nil {
		err = classify("listing tags for "+repoFullName, resp, err)
		if errors.Is(err, driven.ErrNotFound) || errors.Is(err, driven.ErrEmptyRepository) {
			return nil, nil
		}
		return nil, err
	}

	logRateLimit(resp, repoFullName+"/tags", 0, len(tags))

	if len(tags) == 0 {
		return nil, nil
	}

	name := tags[0].GetName()
	return &model.Release{
		Tag:     name,
		Name:    name,
		URL:     fmt.Sprintf("https://github.com/%s/%s/releases/tag/%s", owner, repo, url.PathEscape(name)),
		FromTag: true,
	}, nil
}

// ListReleases returns up to limit releases, newest first.
func (c *Client) ListReleases(ctx context.Context, repoFullName string, limit int) ([]model.Release, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: perPage(limit)}

	var releases []model.Release
	for {
		page, resp, err := call(ctx, c, func() ([]*gh.RepositoryRelease, *gh.Response, error) {
			return c.gh.Repositories.ListReleases(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, classify(fmt.Sprintf("listing releases for %s (page %d)", repoFullName, opts.Page), resp, err)
		}

		logRateLimit(resp, repoFullName+"/releases", opts.Page, len(page))

		for _, r := range page {
			releases = append(releases, mapRelease(r))
		}

		if len(releases) >= limit || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return truncate(releases, limit), nil
}

// BranchExists reports whether branch exists in the repository.
func (c *Client) BranchExists(ctx context.Context, repoFullName, branch string) (bool, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return false, err
	}

	_, resp, err := call(ctx, c, func() (*gh.Branch, *gh.Response, error) {
		return c.gh.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	})
	if err != nil {
		err = classify(fmt.Sprintf("fetching branch %s of %s", branch, repoFullName), resp, err)
		if errors.Is(err, driven.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// ListBranches returns up to limit branches.
func (c *Client) ListBranches(ctx context.Context, repoFullName string, limit int) ([]model.Branch, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.BranchListOptions{ListOptions: gh.ListOptions{PerPage: perPage(limit)}}

	var branches []model.Branch
	for {
		page, resp, err := call(ctx, c, func() ([]*gh.Branch, *gh.Response, error) {
			return c.gh.Repositories.ListBranches(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, classify(fmt.Sprintf("listing branches for %s (page %d)", repoFullName, opts.Page), resp, err)
		}

		logRateLimit(resp, repoFullName+"/branches", opts.Page, len(page))

		for _, b := range page {
			branches = append(branches, model.Branch{
				Name:      b.GetName(),
				HeadSHA:   b.GetCommit().GetSHA(),
				Protected: b.GetProtected(),
			})
		}

		if len(branches) >= limit || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return truncate(branches, limit), nil
}

// GetAccountType reports whether login is a user or an organization.
func (c *Client) GetAccountType(ctx context.Context, login string) (model.AccountType, error) {
	u, resp, err := call(ctx, c, func() (*gh.User, *gh.Response, error) {
		return c.gh.Users.Get(ctx, login)
	})
	if err != nil {
		return "", classify("fetching account "+login, resp, err)
	}

	logRateLimit(resp, "users/"+login, 0, 1)

	if u.GetType() == string(model.AccountOrganization) {
		return model.AccountOrganization, nil
	}
	return model.AccountUser, nil
}

// ListOwnerRepositories lists up to limit public repositories of login,
// most recently updated first.
func (c *Client) ListOwnerRepositories(ctx context.Context, login string, accountType model.AccountType, limit int) ([]model.OwnerRepository, error) {
	listOpts := gh.ListOptions{PerPage: perPage(limit)}

	var repos []model.OwnerRepository
	for {
		var (
			page []*gh.Repository
			resp *gh.Response
			err  error
		)

		if accountType == model.AccountOrganization {
			opts := &gh.RepositoryListByOrgOptions{Type: "public", Sort: "updated", ListOptions: listOpts}
			page, resp, err = call(ctx, c, func() ([]*gh.Repository, *gh.Response, error) {
				return c.gh.Repositories.ListByOrg(ctx, login, opts)
			})
		} else {
			opts := &gh.RepositoryListByUserOptions{Type: "owner", Sort: "updated", Direction: "desc", ListOptions: listOpts}
			page, resp, err = call(ctx, c, func() ([]*gh.Repository, *gh.Response, error) {
				return c.gh.Repositories.ListByUser(ctx, login, opts)
			})
		}
		if err != nil {
			return nil, classify(fmt.Sprintf("listing repositories of %s (page %d)", login, listOpts.Page), resp, err)
		}

		logRateLimit(resp, login+"/repos", listOpts.Page, len(page))

		for _, r := range page {
			repos = append(repos, model.OwnerRepository{
				Name:          r.GetName(),
				FullName:      r.GetFullName(),
				DefaultBranch: r.GetDefaultBranch(),
				Size:          r.GetSize(),
				Fork:          r.GetFork(),
				Archived:      r.GetArchived(),
				PushedAt:      r.GetPushedAt().Time,
			})
		}

		if len(repos) >= limit || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}

	return truncate(repos, limit), nil
}

// ListPullRequests retrieves up to limit pull requests filtered by state
// ("open", "closed" or "all"), most recently updated first.
func (c *Client) ListPullRequests(ctx context.Context, repoFullName, state string, limit int) ([]model.PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.PullRequestListOptions{
		State:     state,
		Sort:      "updated",
		Direction: "desc",
		ListOptions: gh.ListOptions{
			PerPage: perPage(limit),
		},
	}

	var allPRs []model.PullRequest

	for {
		prs, resp, err := call(ctx, c, func() ([]*gh.PullRequest, *gh.Response, error) {
			return c.gh.PullRequests.List(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, classify(fmt.Sprintf("listing pull requests for %s (page %d)", repoFullName, opts.Page), resp, err)
		}

		logRateLimit(resp, repoFullName, opts.Page, len(prs))

		for _, pr := range prs {
			allPRs = append(allPRs, mapPullRequest(pr, repoFullName))
		}

		if len(allPRs) >= limit || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if allPRs == nil {
		allPRs = []model.PullRequest{}
	}

	return truncate(allPRs, limit), nil
}

// GetPullRequest returns a single pull request including diff stats and
// mergeable status.
func (c *Client) GetPullRequest(ctx context.Context, repoFullName string, number int) (*model.PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	pr, resp, err := call(ctx, c, func() (*gh.PullRequest, *gh.Response, error) {
		return c.gh.PullRequests.Get(ctx, owner, repo, number)
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("fetching pull request %s#%d", repoFullName, number), resp, err)
	}

	logRateLimit(resp, repoFullName+"/pr-detail", 0, 1)

	mapped := mapPullRequest(pr, repoFullName)
	mapped.Additions = pr.GetAdditions()
	mapped.Deletions = pr.GetDeletions()
	mapped.ChangedFiles = pr.GetChangedFiles()
	mapped.MergeableStatus = mapMergeable(pr.Mergeable)
	return &mapped, nil
}

// ListCheckRuns retrieves all check runs for the given ref (commit SHA or branch).
func (c *Client) ListCheckRuns(ctx context.Context, repoFullName, ref string) ([]model.CheckRun, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: maxPerPage},
	}

	var allRuns []model.CheckRun

	for {
		result, resp, err := call(ctx, c, func() (*gh.ListCheckRunsResults, *gh.Response, error) {
			return c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		})
		if err != nil {
			return nil, classify(fmt.Sprintf("listing check runs for %s@%s (page %d)", repoFullName, ref, opts.Page), resp, err)
		}

		logRateLimit(resp, repoFullName+"/check-runs", opts.Page, len(result.CheckRuns))

		for _, cr := range result.CheckRuns {
			allRuns = append(allRuns, mapCheckRun(cr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allRuns, nil
}

// call runs fn and, if go-github reports an exhausted primary quota, waits
// for the reset through the gate and retries once.
func call[T any](ctx context.Context, c *Client, fn func() (T, *gh.Response, error)) (T, *gh.Response, error) {
	v, resp, err := fn()

	var rateErr *gh.RateLimitError
	if !errors.As(err, &rateErr) {
		return v, resp, err
	}

	if waitErr := c.gate.WaitUntil(ctx, rateErr.Rate.Reset.Time); waitErr != nil {
		return v, resp, err
	}
	return fn()
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
		"from_cache", resp.Header.Get(httpcache.XFromCache) != "",
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < resp.Rate.Limit/10 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

// mapCommit converts a go-github RepositoryCommit to a domain model Commit.
func mapCommit(rc *gh.RepositoryCommit) model.Commit {
	commit := rc.GetCommit()

	ts := commit.GetCommitter().GetDate().Time
	if ts.IsZero() {
		ts = commit.GetAuthor().GetDate().Time
	}

	author := commit.GetAuthor().GetName()
	if login := rc.GetAuthor().GetLogin(); login != "" {
		author = login
	}

	return model.Commit{
		SHA:       rc.GetSHA(),
		Message:   commit.GetMessage(),
		Author:    author,
		URL:       rc.GetHTMLURL(),
		Timestamp: ts,
	}
}

// mapRelease converts a go-github RepositoryRelease to a domain model Release.
func mapRelease(r *gh.RepositoryRelease) model.Release {
	published := r.GetPublishedAt().Time
	if published.IsZero() {
		published = r.GetCreatedAt().Time
	}

	return model.Release{
		Tag:         r.GetTagName(),
		Name:        r.GetName(),
		URL:         r.GetHTMLURL(),
		Body:        r.GetBody(),
		Prerelease:  r.GetPrerelease(),
		PublishedAt: published,
	}
}

// mapPullRequest converts a go-github PullRequest to a domain model PullRequest.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapPullRequest(pr *gh.PullRequest, repoFullName string) model.PullRequest {
	status := model.PRStatusOpen
	if !pr.GetMergedAt().IsZero() {
		status = model.PRStatusMerged
	} else if pr.GetState() == "closed" {
		status = model.PRStatusClosed
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return model.PullRequest{
		Number:          pr.GetNumber(),
		RepoFullName:    repoFullName,
		Title:           pr.GetTitle(),
		Author:          pr.GetUser().GetLogin(),
		Status:          status,
		IsDraft:         pr.GetDraft(),
		URL:             pr.GetHTMLURL(),
		Branch:          pr.GetHead().GetRef(),
		BaseBranch:      pr.GetBase().GetRef(),
		HeadSHA:         pr.GetHead().GetSHA(),
		MergeableStatus: model.MergeableUnknown,
		Labels:          labels,
		OpenedAt:        pr.GetCreatedAt().Time,
		UpdatedAt:       pr.GetUpdatedAt().Time,
	}
}

// mapCheckRun converts a go-github CheckRun to a domain model CheckRun.
func mapCheckRun(cr *gh.CheckRun) model.CheckRun {
	var startedAt, completedAt time.Time
	if cr.StartedAt != nil {
		startedAt = cr.GetStartedAt().Time
	}
	if cr.CompletedAt != nil {
		completedAt = cr.GetCompletedAt().Time
	}

	return model.CheckRun{
		ID:          cr.GetID(),
		Name:        cr.GetName(),
		Status:      cr.GetStatus(),
		Conclusion:  cr.GetConclusion(),
		DetailsURL:  cr.GetDetailsURL(),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}
}

// mapMergeable converts a *bool (GitHub's tri-state mergeable field) to a MergeableStatus.
// nil means GitHub hasn't computed it yet; true means mergeable; false means conflicted.
func mapMergeable(mergeable *bool) model.MergeableStatus {
	if mergeable == nil {
		return model.MergeableUnknown
	}
	if *mergeable {
		return model.MergeableMergeable
	}
	return model.MergeableConflicted
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: invalid repo name %q: expected owner/repo", driven.ErrInvalidInput, fullName)
	}
	return parts[0], parts[1], nil
}

func perPage(limit int) int {
	if limit <= 0 || limit > maxPerPage {
		return maxPerPage
	}
	return limit
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
