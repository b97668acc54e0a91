package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// DefaultMaxRepos caps individually tracked repositories.
const DefaultMaxRepos = 50

var ownerLoginPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// PassSerializer runs fn while no reconciliation pass is in flight.
// *ReconcileService implements it.
type PassSerializer interface {
	Exclusive(ctx context.Context, fn func() error) error
}

// TrackingConfig tunes a TrackingService. Zero values take the defaults.
type TrackingConfig struct {
	MaxRepos      int
	OwnerPageSize int
	OwnerRepoCap  int
	Now           func() time.Time
	// Passes serializes tracking changes with reconciliation passes. Nil
	// runs changes unserialized.
	Passes PassSerializer
}

// OwnerStats is a tracked owner with the repositories enrolled through it.
type OwnerStats struct {
	Owner        model.TrackedOwner
	Repositories []model.TrackedRepository
}

// TrackingService adds and removes tracked repositories and owners. Every
// new entry is baselined against its current remote state, so the first
// reconciliation pass after an add is silent.
type TrackingService struct {
	gh       driven.GitHubClient
	store    driven.StateStore
	enroller enroller
	cfg      TrackingConfig
}

// NewTrackingService creates a TrackingService.
func NewTrackingService(gh driven.GitHubClient, store driven.StateStore, cfg TrackingConfig) *TrackingService {
	if cfg.MaxRepos <= 0 {
		cfg.MaxRepos = DefaultMaxRepos
	}
	if cfg.OwnerPageSize <= 0 {
		cfg.OwnerPageSize = DefaultOwnerPageSize
	}
	if cfg.OwnerRepoCap <= 0 {
		cfg.OwnerRepoCap = DefaultOwnerRepoCap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TrackingService{
		gh:       gh,
		store:    store,
		enroller: enroller{gh: gh, store: store, now: cfg.Now},
		cfg:      cfg,
	}
}

// AddRepository starts tracking owner/name on branch, or on the default
// branch when branch is empty. Re-adding an auto-enrolled repository marks
// it as individually tracked.
func (s *TrackingService) AddRepository(ctx context.Context, owner, name, branch string) (*model.TrackedRepository, error) {
	owner, name, err := model.ParseRepoKey(owner + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driven.ErrInvalidInput, err)
	}
	key := model.RepoKey(owner, name)
	branch = strings.TrimSpace(branch)

	var repo *model.TrackedRepository
	err = s.exclusive(ctx, func() error {
		repo, err = s.addRepository(ctx, key, branch)
		return err
	})
	return repo, err
}

func (s *TrackingService) addRepository(ctx context.Context, key, branch string) (*model.TrackedRepository, error) {
	existing, err := s.store.GetRepository(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.TrackedIndividually {
			return nil, fmt.Errorf("add repository %s: %w", key, driven.ErrRepoAlreadyTracked)
		}
		return s.adopt(ctx, *existing, branch)
	}

	if err := s.checkLimit(ctx); err != nil {
		return nil, err
	}

	meta, err := s.gh.GetRepository(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("add repository %s: %w", key, err)
	}

	if branch != "" {
		if err := s.verifyBranch(ctx, key, branch); err != nil {
			return nil, err
		}
	}

	defaultBranch := firstNonEmpty(meta.DefaultBranch, model.DefaultBranchFallback)
	repo := model.TrackedRepository{
		Key:                 key,
		DefaultBranch:       defaultBranch,
		TrackedBranch:       firstNonEmpty(branch, defaultBranch),
		TrackedIndividually: true,
		CreatedAt:           s.cfg.Now().UTC(),
	}

	if err := s.baselineHead(ctx, &repo, meta.Size == 0); err != nil {
		return nil, err
	}

	if err := s.store.UpsertRepository(ctx, repo); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return nil, fmt.Errorf("add repository %s: %w", key, err)
	}

	slog.Info("repository tracked", "repo", key, "branch", repo.TrackedBranch, "empty", repo.IsEmpty)
	return &repo, nil
}

// adopt flips an auto-enrolled repository to individually tracked.
func (s *TrackingService) adopt(ctx context.Context, repo model.TrackedRepository, branch string) (*model.TrackedRepository, error) {
	if err := s.checkLimit(ctx); err != nil {
		return nil, err
	}

	if branch != "" && branch != repo.EffectiveBranch() {
		if err := s.verifyBranch(ctx, repo.Key, branch); err != nil {
			return nil, err
		}
		repo.TrackedBranch = branch
		repo.LastCommitSHA = ""
		if err := s.baselineHead(ctx, &repo, false); err != nil {
			return nil, err
		}
	}

	repo.TrackedIndividually = true
	if err := s.store.UpsertRepository(ctx, repo); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return nil, fmt.Errorf("add repository %s: %w", repo.Key, err)
	}

	slog.Info("enrolled repository now tracked individually", "repo", repo.Key, "owner", repo.OwnerOfOrigin)
	return &repo, nil
}

// RemoveRepository stops tracking a repository.
func (s *TrackingService) RemoveRepository(ctx context.Context, fullName string) error {
	key, err := normalizeKey(fullName)
	if err != nil {
		return err
	}

	return s.exclusive(ctx, func() error {
		removed, err := s.store.RemoveRepository(ctx, key)
		if err != nil && !errors.Is(err, driven.ErrPersistence) {
			return fmt.Errorf("remove repository %s: %w", key, err)
		}
		if !removed {
			return fmt.Errorf("remove repository %s: %w", key, driven.ErrRepoNotTracked)
		}

		slog.Info("repository untracked", "repo", key)
		return nil
	})
}

// SetBranch switches the tracked branch and resets the commit baseline to
// the new branch head without announcing it.
func (s *TrackingService) SetBranch(ctx context.Context, fullName, branch string) (*model.TrackedRepository, error) {
	key, err := normalizeKey(fullName)
	if err != nil {
		return nil, err
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, fmt.Errorf("%w: branch is required", driven.ErrInvalidInput)
	}

	var repo *model.TrackedRepository
	err = s.exclusive(ctx, func() error {
		repo, err = s.setBranch(ctx, key, branch)
		return err
	})
	return repo, err
}

func (s *TrackingService) setBranch(ctx context.Context, key, branch string) (*model.TrackedRepository, error) {
	repo, err := s.store.GetRepository(ctx, key)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("set branch for %s: %w", key, driven.ErrRepoNotTracked)
	}

	if err := s.verifyBranch(ctx, key, branch); err != nil {
		return nil, err
	}

	repo.TrackedBranch = branch
	repo.LastCommitSHA = ""
	repo.LastCommitMessage = ""
	repo.LastCommitAt = time.Time{}
	if err := s.baselineHead(ctx, repo, false); err != nil {
		return nil, err
	}

	if err := s.store.UpsertRepository(ctx, *repo); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return nil, fmt.Errorf("set branch for %s: %w", key, err)
	}

	slog.Info("tracked branch changed", "repo", key, "branch", branch)
	return repo, nil
}

// TrackOwner starts tracking every public repository of login and enrolls
// the current ones silently.
func (s *TrackingService) TrackOwner(ctx context.Context, login string) (*OwnerStats, error) {
	login = strings.TrimSpace(login)
	if !ownerLoginPattern.MatchString(login) {
		return nil, fmt.Errorf("%w: invalid owner login %q", driven.ErrInvalidInput, login)
	}
	login = model.OwnerKey(login)

	var stats *OwnerStats
	err := s.exclusive(ctx, func() error {
		var err error
		stats, err = s.trackOwner(ctx, login)
		return err
	})
	return stats, err
}

func (s *TrackingService) trackOwner(ctx context.Context, login string) (*OwnerStats, error) {
	existing, err := s.store.GetOwner(ctx, login)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("track owner %s: %w", login, driven.ErrOwnerAlreadyTracked)
	}

	kind, err := s.gh.GetAccountType(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("track owner %s: %w", login, err)
	}

	listing, err := s.gh.ListOwnerRepositories(ctx, login, kind, s.cfg.OwnerPageSize)
	if err != nil {
		return nil, fmt.Errorf("track owner %s: %w", login, err)
	}
	if len(listing) == 0 {
		return nil, fmt.Errorf("track owner %s: %w: no public repositories", login, driven.ErrNotFound)
	}

	now := s.cfg.Now().UTC()
	owner := model.TrackedOwner{Login: login, CreatedAt: now}
	if err := s.store.UpsertOwner(ctx, owner); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return nil, fmt.Errorf("track owner %s: %w", login, err)
	}

	res := s.enroller.enroll(ctx, login, listing, s.cfg.OwnerRepoCap)

	count, err := knownRepoCount(ctx, s.store, login)
	if err != nil {
		return nil, err
	}
	owner.LastCheckedAt = now
	owner.KnownRepoCount = count
	if err := s.store.UpsertOwner(ctx, owner); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return nil, fmt.Errorf("track owner %s: %w", login, err)
	}

	slog.Info("owner tracked",
		"owner", login,
		"type", kind,
		"listed", len(listing),
		"enrolled", res.added,
		"failed", res.failed,
	)

	return s.OwnerStats(ctx, login)
}

// UntrackOwner removes the owner and every repository enrolled only through
// it. Repositories that were also added individually stay tracked.
func (s *TrackingService) UntrackOwner(ctx context.Context, login string) (int, error) {
	login = model.OwnerKey(login)

	var removed int
	err := s.exclusive(ctx, func() error {
		var err error
		removed, err = s.untrackOwner(ctx, login)
		return err
	})
	return removed, err
}

func (s *TrackingService) untrackOwner(ctx context.Context, login string) (int, error) {
	existing, err := s.store.GetOwner(ctx, login)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, fmt.Errorf("untrack owner %s: %w", login, driven.ErrOwnerNotTracked)
	}

	repos, err := s.store.ReposByOwner(ctx, login)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range repos {
		if r.OwnerOfOrigin != login || r.TrackedIndividually {
			continue
		}
		ok, err := s.store.RemoveRepository(ctx, r.Key)
		if err != nil && !errors.Is(err, driven.ErrPersistence) {
			return removed, fmt.Errorf("untrack owner %s: removing %s: %w", login, r.Key, err)
		}
		if ok {
			removed++
		}
	}

	if _, err := s.store.RemoveOwner(ctx, login); err != nil && !errors.Is(err, driven.ErrPersistence) {
		return removed, fmt.Errorf("untrack owner %s: %w", login, err)
	}

	slog.Info("owner untracked", "owner", login, "removed_repos", removed)
	return removed, nil
}

// OwnerStats returns the owner and the repositories enrolled through it.
func (s *TrackingService) OwnerStats(ctx context.Context, login string) (*OwnerStats, error) {
	login = model.OwnerKey(login)

	owner, err := s.store.GetOwner(ctx, login)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("owner %s: %w", login, driven.ErrOwnerNotTracked)
	}

	repos, err := s.store.ReposByOwner(ctx, login)
	if err != nil {
		return nil, err
	}

	return &OwnerStats{Owner: *owner, Repositories: repos}, nil
}

func (s *TrackingService) exclusive(ctx context.Context, fn func() error) error {
	if s.cfg.Passes == nil {
		return fn()
	}
	return s.cfg.Passes.Exclusive(ctx, fn)
}

func (s *TrackingService) checkLimit(ctx context.Context) error {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	individual := 0
	for _, r := range repos {
		if r.TrackedIndividually {
			individual++
		}
	}
	if individual >= s.cfg.MaxRepos {
		return fmt.Errorf("%w: %d repositories", driven.ErrTrackingLimit, s.cfg.MaxRepos)
	}
	return nil
}

func (s *TrackingService) verifyBranch(ctx context.Context, key, branch string) error {
	ok, err := s.gh.BranchExists(ctx, key, branch)
	if err != nil {
		return fmt.Errorf("verify branch %s of %s: %w", branch, key, err)
	}
	if !ok {
		return fmt.Errorf("branch %s of %s: %w", branch, key, driven.ErrNotFound)
	}
	return nil
}

// baselineHead records the current head of repo's branch into repo.
func (s *TrackingService) baselineHead(ctx context.Context, repo *model.TrackedRepository, knownEmpty bool) error {
	if knownEmpty {
		repo.IsEmpty = true
		return nil
	}

	commit, err := s.gh.GetLatestCommit(ctx, repo.Key, repo.EffectiveBranch())
	switch {
	case errors.Is(err, driven.ErrEmptyRepository):
		repo.IsEmpty = true
	case err != nil:
		return fmt.Errorf("reading head of %s: %w", repo.Key, err)
	default:
		repo.IsEmpty = false
		repo.LastCommitSHA = commit.SHA
		repo.LastCommitMessage = commit.Headline()
		repo.LastCommitAt = commit.Timestamp
	}
	return nil
}

func normalizeKey(fullName string) (string, error) {
	owner, name, err := model.ParseRepoKey(fullName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", driven.ErrInvalidInput, err)
	}
	return model.RepoKey(owner, name), nil
}
