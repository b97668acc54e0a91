package application_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// --- GitHub client mock ---

// mockGitHubClient serves canned state per repository.
type mockGitHubClient struct {
	mu sync.Mutex

	meta     map[string]*model.RepoMetadata
	heads    map[string]*model.Commit // Keyed by "owner/name@branch" or "owner/name".
	releases map[string]*model.Release
	branches map[string][]string
	accounts map[string]model.AccountType
	listings map[string][]model.OwnerRepository
	checks   map[string][]model.CheckRun

	commitErr  map[string]error
	releaseErr map[string]error
	ownerErr   map[string]error

	commitCalls  map[string]int
	releaseCalls map[string]int

	// hook runs before a commit or owner listing call is served, outside
	// the lock. op is "commit" (key "owner/name@branch") or "list-owner".
	hook func(ctx context.Context, op, key string) error
}

func newMockGitHub() *mockGitHubClient {
	return &mockGitHubClient{
		meta:         map[string]*model.RepoMetadata{},
		heads:        map[string]*model.Commit{},
		releases:     map[string]*model.Release{},
		branches:     map[string][]string{},
		accounts:     map[string]model.AccountType{},
		listings:     map[string][]model.OwnerRepository{},
		checks:       map[string][]model.CheckRun{},
		commitErr:    map[string]error{},
		releaseErr:   map[string]error{},
		ownerErr:     map[string]error{},
		commitCalls:  map[string]int{},
		releaseCalls: map[string]int{},
	}
}

// addRepo registers a non-empty repository on branch main with head sha.
func (m *mockGitHubClient) addRepo(key, sha, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = &model.RepoMetadata{FullName: key, DefaultBranch: "main", Size: 10}
	m.heads[key] = &model.Commit{SHA: sha, Message: message}
	m.branches[key] = []string{"main"}
}

func (m *mockGitHubClient) setHead(key, sha, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[key] = &model.Commit{SHA: sha, Message: message}
}

func (m *mockGitHubClient) setRelease(key, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[key] = &model.Release{Tag: tag, Name: tag, URL: "https://github.com/" + key + "/releases/tag/" + tag}
}

func (m *mockGitHubClient) setHook(fn func(ctx context.Context, op, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *mockGitHubClient) runHook(ctx context.Context, op, key string) error {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, op, key)
}

func (m *mockGitHubClient) calls(key string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitCalls[key], m.releaseCalls[key]
}

func (m *mockGitHubClient) GetRepository(_ context.Context, repo string) (*model.RepoMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[strings.ToLower(repo)]
	if !ok {
		return nil, driven.ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (m *mockGitHubClient) GetLatestCommit(ctx context.Context, repo, branch string) (*model.Commit, error) {
	if err := m.runHook(ctx, "commit", repo+"@"+branch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls[repo]++
	if err := m.commitErr[repo]; err != nil {
		return nil, err
	}
	if c, ok := m.heads[repo+"@"+branch]; ok {
		copied := *c
		return &copied, nil
	}
	c, ok := m.heads[repo]
	if !ok {
		return nil, driven.ErrEmptyRepository
	}
	copied := *c
	return &copied, nil
}

func (m *mockGitHubClient) GetLatestRelease(_ context.Context, repo string) (*model.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls[repo]++
	if err := m.releaseErr[repo]; err != nil {
		return nil, err
	}
	rel, ok := m.releases[repo]
	if !ok {
		return nil, nil
	}
	copied := *rel
	return &copied, nil
}

func (m *mockGitHubClient) BranchExists(_ context.Context, repo, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.branches[repo] {
		if b == branch {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockGitHubClient) GetAccountType(_ context.Context, login string) (model.AccountType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownerErr[login]; err != nil {
		return "", err
	}
	kind, ok := m.accounts[login]
	if !ok {
		return "", driven.ErrNotFound
	}
	return kind, nil
}

func (m *mockGitHubClient) ListOwnerRepositories(ctx context.Context, login string, _ model.AccountType, limit int) ([]model.OwnerRepository, error) {
	if err := m.runHook(ctx, "list-owner", login); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	listing := m.listings[login]
	if limit > 0 && len(listing) > limit {
		listing = listing[:limit]
	}
	return append([]model.OwnerRepository(nil), listing...), nil
}

func (m *mockGitHubClient) ListBranches(context.Context, string, int) ([]model.Branch, error) {
	return nil, nil
}

func (m *mockGitHubClient) ListCommits(context.Context, string, string, int) ([]model.Commit, error) {
	return nil, nil
}

func (m *mockGitHubClient) ListReleases(context.Context, string, int) ([]model.Release, error) {
	return nil, nil
}

func (m *mockGitHubClient) ListPullRequests(context.Context, string, string, int) ([]model.PullRequest, error) {
	return nil, nil
}

func (m *mockGitHubClient) GetPullRequest(context.Context, string, int) (*model.PullRequest, error) {
	return nil, driven.ErrNotFound
}

func (m *mockGitHubClient) ListCheckRuns(_ context.Context, repo, ref string) ([]model.CheckRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs, ok := m.checks[repo+"@"+ref]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return runs, nil
}

func (m *mockGitHubClient) RateLimit() model.RateLimitState {
	return model.RateLimitState{Limit: 5000, Remaining: 4999}
}

// --- State store fake ---

// memStore is an in-memory driven.StateStore with the same observation
// semantics as the durable stores.
type memStore struct {
	mu       sync.Mutex
	repos    map[string]model.TrackedRepository
	owners   map[string]model.TrackedOwner
	degraded bool
	writes   int
}

func newMemStore() *memStore {
	return &memStore{
		repos:  map[string]model.TrackedRepository{},
		owners: map[string]model.TrackedOwner{},
	}
}

func (s *memStore) put(repo model.TrackedRepository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.Key] = repo
}

func (s *memStore) get(key string) model.TrackedRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[key]
}

func (s *memStore) GetRepository(_ context.Context, key string) (*model.TrackedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[strings.ToLower(key)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) UpsertRepository(_ context.Context, repo model.TrackedRepository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo.Key = strings.ToLower(repo.Key)
	s.repos[repo.Key] = repo
	s.writes++
	return nil
}

func (s *memStore) RemoveRepository(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[key]; !ok {
		return false, nil
	}
	delete(s.repos, key)
	s.writes++
	return true, nil
}

func (s *memStore) ListRepositories(context.Context) ([]model.TrackedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TrackedRepository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) ReposByOwner(ctx context.Context, owner string) ([]model.TrackedRepository, error) {
	all, _ := s.ListRepositories(ctx)
	var out []model.TrackedRepository
	for _, r := range all {
		if r.Owner() == owner || r.OwnerOfOrigin == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) FirstRepositoryKey(ctx context.Context) (string, error) {
	all, _ := s.ListRepositories(ctx)
	if len(all) == 0 {
		return "", nil
	}
	return all[0].Key, nil
}

func (s *memStore) GetOwner(_ context.Context, login string) (*model.TrackedOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[login]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *memStore) UpsertOwner(_ context.Context, owner model.TrackedOwner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner.Login] = owner
	s.writes++
	return nil
}

func (s *memStore) RemoveOwner(_ context.Context, login string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[login]; !ok {
		return false, nil
	}
	delete(s.owners, login)
	s.writes++
	return true, nil
}

func (s *memStore) ListOwners(context.Context) ([]model.TrackedOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TrackedOwner, 0, len(s.owners))
	for _, o := range s.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out, nil
}

func (s *memStore) RecordCommitObservation(_ context.Context, key string, obs model.CommitObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[key]
	if !ok {
		return false, driven.ErrRepoNotTracked
	}
	if r.LastCommitSHA == obs.SHA {
		return false, nil
	}
	r.LastCommitSHA = obs.SHA
	r.LastCommitMessage = obs.Message
	r.LastCommitAt = obs.Timestamp
	r.IsEmpty = false
	s.repos[key] = r
	s.writes++
	return true, nil
}

func (s *memStore) RecordReleaseObservation(_ context.Context, key string, obs model.ReleaseObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[key]
	if !ok {
		return false, driven.ErrRepoNotTracked
	}
	changed := r.LastReleaseTag != obs.Tag
	if !changed && r.ReleaseChecked {
		return false, nil
	}
	r.ReleaseChecked = true
	if changed {
		r.LastReleaseTag = obs.Tag
		r.LastReleaseName = obs.Name
		r.LastReleaseURL = obs.URL
		r.LastReleaseAt = obs.Timestamp
	}
	s.repos[key] = r
	s.writes++
	return changed, nil
}

func (s *memStore) MarkEmpty(_ context.Context, key string, empty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[key]
	if !ok {
		return driven.ErrRepoNotTracked
	}
	if r.IsEmpty == empty {
		return nil
	}
	r.IsEmpty = empty
	s.repos[key] = r
	s.writes++
	return nil
}

func (s *memStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// --- Notifier and chat transport fakes ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev model.ChangeEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *recordingNotifier) received() []model.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.ChangeEvent(nil), n.events...)
}

type mockChatTransport struct {
	mu    sync.Mutex
	sent  []model.OutgoingMessage
	errs  []error // Returned in order, one per SendMessage call.
	calls int
}

func (m *mockChatTransport) SendMessage(_ context.Context, msg model.OutgoingMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.sent = append(m.sent, msg)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return int64(m.calls), nil
}

func (m *mockChatTransport) EditMessageText(context.Context, string, int64, model.OutgoingMessage) error {
	return nil
}

func (m *mockChatTransport) AnswerCallbackQuery(context.Context, string, string, bool) error {
	return nil
}

var fixedNow = func() time.Time {
	return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
}
