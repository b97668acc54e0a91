package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/ericfisherdev/repotracker/internal/adapter/driven/github"
	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*ghAdapter.Options)) (*ghAdapter.Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := ghAdapter.Options{
		Token:     "test-token",
		BaseURL:   server.URL + "/",
		Transport: server.Client().Transport,
	}
	for _, m := range mutate {
		m(&opts)
	}

	client, err := ghAdapter.NewClient(opts)
	require.NoError(t, err)

	return client, server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// commitJSON is a helper struct for building GitHub API commit responses.
type commitJSON struct {
	SHA     string          `json:"sha"`
	HTMLURL string          `json:"html_url"`
	Commit  innerCommitJSON `json:"commit"`
	Author  *userJSON       `json:"author,omitempty"`
}

type innerCommitJSON struct {
	Message   string        `json:"message"`
	Author    signatureJSON `json:"author"`
	Committer signatureJSON `json:"committer"`
}

type signatureJSON struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

type userJSON struct {
	Login string `json:"login"`
	Type  string `json:"type,omitempty"`
}

// prJSON is a helper struct for building GitHub API pull request responses.
type prJSON struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	HTMLURL   string    `json:"html_url"`
	User      userJSON  `json:"user"`
	Head      refJSON   `json:"head"`
	Base      refJSON   `json:"base"`
	Labels    []lblJSON `json:"labels"`
	Created   string    `json:"created_at"`
	Updated   string    `json:"updated_at"`
	MergedAt  *string   `json:"merged_at,omitempty"`
	Mergeable *bool     `json:"mergeable,omitempty"`
	Additions int       `json:"additions,omitempty"`
	Deletions int       `json:"deletions,omitempty"`
}

type refJSON struct {
	Ref string `json:"ref"`
	SHA string `json:"sha,omitempty"`
}

type lblJSON struct {
	Name string `json:"name"`
}

func TestGetLatestCommit(t *testing.T) {
	var gotSHA, gotPerPage string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/foo/bar/commits", r.URL.Path)
		gotSHA = r.URL.Query().Get("sha")
		gotPerPage = r.URL.Query().Get("per_page")
		writeJSON(w, http.StatusOK, []commitJSON{{
			SHA:     "bbb2222",
			HTMLURL: "https://github.com/foo/bar/commit/bbb2222",
			Commit: innerCommitJSON{
				Message:   "Fix bug\n\nLonger description",
				Author:    signatureJSON{Name: "Alice Example", Date: "2026-03-01T10:00:00Z"},
				Committer: signatureJSON{Name: "GitHub", Date: "2026-03-01T10:05:00Z"},
			},
			Author: &userJSON{Login: "alice"},
		}})
	})

	client, _ := newTestClient(t, handler)
	commit, err := client.GetLatestCommit(context.Background(), "foo/bar", "main")

	require.NoError(t, err)
	assert.Equal(t, "main", gotSHA)
	assert.Equal(t, "1", gotPerPage)
	assert.Equal(t, "bbb2222", commit.SHA)
	assert.Equal(t, "Fix bug", commit.Headline())
	assert.Equal(t, "alice", commit.Author)
	assert.Equal(t, "https://github.com/foo/bar/commit/bbb2222", commit.URL)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), commit.Timestamp.UTC())
}

func TestGetLatestCommit_EmptyRepository(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Git Repository is empty."})
	})

	client, _ := newTestClient(t, handler)
	_, err := client.GetLatestCommit(context.Background(), "foo/empty", "main")

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrEmptyRepository)
}

func TestGetLatestCommit_NoCommitsListed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []commitJSON{})
	})

	client, _ := newTestClient(t, handler)
	_, err := client.GetLatestCommit(context.Background(), "foo/empty", "main")

	assert.ErrorIs(t, err, driven.ErrEmptyRepository)
}

func TestGetRepository_NotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	client, _ := newTestClient(t, handler)
	_, err := client.GetRepository(context.Background(), "foo/missing")

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrNotFound)
	assert.Contains(t, err.Error(), "foo/missing")
}

func TestGetRepository_ServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Bad Gateway"})
	})

	client, _ := newTestClient(t, handler)
	_, err := client.GetRepository(context.Background(), "foo/bar")

	assert.ErrorIs(t, err, driven.ErrTransient)
}

func TestGetRepository_Metadata(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/foo/bar", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"full_name":      "foo/bar",
			"default_branch": "develop",
			"description":    "A test repo",
			"html_url":       "https://github.com/foo/bar",
			"size":           123,
		})
	})

	client, _ := newTestClient(t, handler)
	meta, err := client.GetRepository(context.Background(), "foo/bar")

	require.NoError(t, err)
	assert.Equal(t, "foo/bar", meta.FullName)
	assert.Equal(t, "develop", meta.DefaultBranch)
	assert.Equal(t, "A test repo", meta.Description)
	assert.Equal(t, 123, meta.Size)
}

func TestGetRepository_InvalidRepoName(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	tests := []struct {
		name     string
		repoName string
	}{
		{"no slash", "noslash"},
		{"empty owner", "/repo"},
		{"empty repo", "owner/"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.GetRepository(context.Background(), tt.repoName)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid repo name")
		})
	}
}

func TestGetLatestRelease(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/foo/bar/releases/latest", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"tag_name":     "v1.2.0",
			"name":         "Version 1.2.0",
			"html_url":     "https://github.com/foo/bar/releases/tag/v1.2.0",
			"body":         "## Changes\n- faster",
			"published_at": "2026-02-01T00:00:00Z",
		})
	})

	client, _ := newTestClient(t, handler)
	rel, err := client.GetLatestRelease(context.Background(), "foo/bar")

	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "v1.2.0", rel.Tag)
	assert.Equal(t, "Version 1.2.0", rel.Name)
	assert.False(t, rel.FromTag)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), rel.PublishedAt.UTC())
}

func TestGetLatestRelease_FallsBackToTags(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/foo/bar/releases/latest":
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		case "/repos/foo/bar/tags":
			assert.Equal(t, "1", r.URL.Query().Get("per_page"))
			writeJSON(w, http.StatusOK, []map[string]any{{"name": "v0.9.0"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	client, _ := newTestClient(t, handler)
	rel, err := client.GetLatestRelease(context.Background(), "foo/bar")

	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "v0.9.0", rel.Tag)
	assert.True(t, rel.FromTag)
	assert.Equal(t, "https://github.com/foo/bar/releases/tag/v0.9.0", rel.URL)
}

func TestGetLatestRelease_NoReleasesOrTags(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/foo/bar/tags" {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	client, _ := newTestClient(t, handler)
	rel, err := client.GetLatestRelease(context.Background(), "foo/bar")

	require.NoError(t, err)
	assert.Nil(t, rel)
}

func TestBranchExists(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/foo/bar/branches/main" {
			writeJSON(w, http.StatusOK, map[string]any{"name": "main", "commit": map[string]string{"sha": "abc"}})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Branch not found"})
	})

	client, _ := newTestClient(t, handler)

	ok, err := client.BranchExists(context.Background(), "foo/bar", "main")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.BranchExists(context.Background(), "foo/bar", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAccountType(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/acme":
			writeJSON(w, http.StatusOK, userJSON{Login: "acme", Type: "Organization"})
		case "/users/alice":
			writeJSON(w, http.StatusOK, userJSON{Login: "alice", Type: "User"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		}
	})

	client, _ := newTestClient(t, handler)

	kind, err := client.GetAccountType(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, model.AccountOrganization, kind)

	kind, err = client.GetAccountType(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.AccountUser, kind)

	_, err = client.GetAccountType(context.Background(), "ghost")
	assert.ErrorIs(t, err, driven.ErrNotFound)
}

func TestListOwnerRepositories_Organization(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orgs/acme/repos", r.URL.Path)
		assert.Equal(t, "public", r.URL.Query().Get("type"))
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		writeJSON(w, http.StatusOK, []map[string]any{
			{"name": "api", "full_name": "acme/api", "default_branch": "main", "size": 10},
			{"name": "empty", "full_name": "acme/empty", "default_branch": "main", "size": 0},
		})
	})

	client, _ := newTestClient(t, handler)
	repos, err := client.ListOwnerRepositories(context.Background(), "acme", model.AccountOrganization, 50)

	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "acme/api", repos[0].FullName)
	assert.Equal(t, 0, repos[1].Size)
}

func TestListOwnerRepositories_UserPaginatesToLimit(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/alice/repos", r.URL.Path)
		assert.Equal(t, "owner", r.URL.Query().Get("type"))
		calls.Add(1)

		page := r.URL.Query().Get("page")
		if page == "" || page == "1" {
			w.Header().Set("Link", `<`+"http://"+r.Host+`/users/alice/repos?page=2>; rel="next"`)
			writeJSON(w, http.StatusOK, []map[string]any{
				{"name": "a", "full_name": "alice/a"},
				{"name": "b", "full_name": "alice/b"},
			})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"name": "c", "full_name": "alice/c"},
			{"name": "d", "full_name": "alice/d"},
		})
	})

	client, _ := newTestClient(t, handler)
	repos, err := client.ListOwnerRepositories(context.Background(), "alice", model.AccountUser, 3)

	require.NoError(t, err)
	require.Len(t, repos, 3)
	assert.Equal(t, "alice/c", repos[2].FullName)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListPullRequests(t *testing.T) {
	merged := "2026-01-05T00:00:00Z"
	prs := []prJSON{
		{
			Number:  42,
			Title:   "Add feature X",
			State:   "open",
			HTMLURL: "https://github.com/owner/repo/pull/42",
			User:    userJSON{Login: "alice"},
			Head:    refJSON{Ref: "feature-x", SHA: "abc123"},
			Base:    refJSON{Ref: "main"},
			Labels:  []lblJSON{{Name: "enhancement"}},
			Created: "2026-01-01T00:00:00Z",
			Updated: "2026-01-02T12:00:00Z",
		},
		{
			Number:   43,
			Title:    "Fix bug Y",
			State:    "closed",
			HTMLURL:  "https://github.com/owner/repo/pull/43",
			User:     userJSON{Login: "bob"},
			Head:     refJSON{Ref: "fix-bug-y"},
			Base:     refJSON{Ref: "develop"},
			Created:  "2026-01-03T00:00:00Z",
			Updated:  "2026-01-04T00:00:00Z",
			MergedAt: &merged,
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, prs)
	})

	client, _ := newTestClient(t, handler)
	result, err := client.ListPullRequests(context.Background(), "owner/repo", "all", 10)

	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, 42, result[0].Number)
	assert.Equal(t, "owner/repo", result[0].RepoFullName)
	assert.Equal(t, "alice", result[0].Author)
	assert.Equal(t, model.PRStatusOpen, result[0].Status)
	assert.Equal(t, "abc123", result[0].HeadSHA)
	assert.Equal(t, []string{"enhancement"}, result[0].Labels)

	assert.Equal(t, model.PRStatusMerged, result[1].Status)
	assert.Equal(t, "develop", result[1].BaseBranch)
}

func TestGetPullRequest_Mergeable(t *testing.T) {
	tru := true
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, prJSON{
			Number:    7,
			Title:     "Detail",
			State:     "open",
			Mergeable: &tru,
			Additions: 12,
			Deletions: 3,
		})
	})

	client, _ := newTestClient(t, handler)
	pr, err := client.GetPullRequest(context.Background(), "owner/repo", 7)

	require.NoError(t, err)
	assert.Equal(t, model.MergeableMergeable, pr.MergeableStatus)
	assert.Equal(t, 12, pr.Additions)
	assert.Equal(t, 3, pr.Deletions)
}

func TestListCheckRuns(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/owner/repo/commits/abc123/check-runs", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"total_count": 1,
			"check_runs": []map[string]any{{
				"id":           1,
				"name":         "build",
				"status":       "completed",
				"conclusion":   "success",
				"details_url":  "https://ci.example.com/1",
				"started_at":   "2026-01-01T00:00:00Z",
				"completed_at": "2026-01-01T00:05:00Z",
			}},
		})
	})

	client, _ := newTestClient(t, handler)
	runs, err := client.ListCheckRuns(context.Background(), "owner/repo", "abc123")

	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "build", runs[0].Name)
	assert.Equal(t, "success", runs[0].Conclusion)
	assert.Equal(t, 5*time.Minute, runs[0].CompletedAt.Sub(runs[0].StartedAt))
}

func TestRateGate_DelaysUntilReset(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(60 * time.Second)

	var slept []time.Duration
	gate := ghAdapter.NewRateGate(ghAdapter.RateGateConfig{
		Threshold: 5,
		Now:       func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	})
	gate.Set(model.RateLimitState{Limit: 5000, Remaining: 2, Reset: reset})

	var dispatchedAt time.Time
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatchedAt = now
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Add(time.Hour).Unix(), 10))
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "foo/bar", "default_branch": "main"})
	})

	client, _ := newTestClient(t, handler, func(o *ghAdapter.Options) { o.Gate = gate })
	_, err := client.GetRepository(context.Background(), "foo/bar")

	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 61*time.Second, slept[0])
	assert.False(t, dispatchedAt.Before(reset), "request dispatched before reset")

	state := client.RateLimit()
	assert.Equal(t, 4999, state.Remaining)
	assert.Equal(t, 5000, state.Limit)
}

func TestRateGate_NoDelayAboveThreshold(t *testing.T) {
	gate := ghAdapter.NewRateGate(ghAdapter.RateGateConfig{
		Sleep: func(context.Context, time.Duration) error {
			t.Fatal("gate must not sleep above threshold")
			return nil
		},
	})
	gate.Set(model.RateLimitState{Limit: 5000, Remaining: 5, Reset: time.Now().Add(time.Hour)})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "foo/bar"})
	})

	client, _ := newTestClient(t, handler, func(o *ghAdapter.Options) { o.Gate = gate })
	_, err := client.GetRepository(context.Background(), "foo/bar")

	require.NoError(t, err)
}

func TestRateGate_WaitReservesQuota(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(30 * time.Second)

	var slept []time.Duration
	gate := ghAdapter.NewRateGate(ghAdapter.RateGateConfig{
		Threshold: 5,
		Now:       func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	})
	gate.Set(model.RateLimitState{Limit: 5000, Remaining: 5, Reset: reset})

	require.NoError(t, gate.Wait(context.Background()))
	assert.Empty(t, slept, "the last unit above the threshold is admitted")
	assert.Equal(t, 4, gate.State().Remaining)

	require.NoError(t, gate.Wait(context.Background()))
	require.Len(t, slept, 1, "a second caller on the same reading must wait")
	assert.Equal(t, 31*time.Second, slept[0])
}

func TestRateGate_ConcurrentWaitersShareQuota(t *testing.T) {
	var sleeps atomic.Int32
	gate := ghAdapter.NewRateGate(ghAdapter.RateGateConfig{
		Threshold: 5,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			sleeps.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	gate.Set(model.RateLimitState{Limit: 5000, Remaining: 7, Reset: time.Now().Add(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Wait(ctx) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, int32(7), sleeps.Load())
	assert.Equal(t, 4, gate.State().Remaining)
}

func TestResponseCache_ServesRepeatedGets(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "foo/bar", "default_branch": "main"})
	})

	client, _ := newTestClient(t, handler, func(o *ghAdapter.Options) { o.CacheTTL = time.Minute })

	for range 3 {
		meta, err := client.GetRepository(context.Background(), "foo/bar")
		require.NoError(t, err)
		assert.Equal(t, "main", meta.DefaultBranch)
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestResponseCache_DoesNotStoreErrors(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	client, _ := newTestClient(t, handler, func(o *ghAdapter.Options) { o.CacheTTL = time.Minute })

	for range 2 {
		_, err := client.GetRepository(context.Background(), "foo/missing")
		require.ErrorIs(t, err, driven.ErrNotFound)
	}

	assert.Equal(t, int32(2), calls.Load())
}
