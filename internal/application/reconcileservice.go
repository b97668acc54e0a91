// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Defaults for the reconciliation scheduler.
const (
	DefaultCheckInterval = time.Minute
	DefaultWorkers       = 4
	maxWorkers           = 8
)

// ReconcileConfig tunes a ReconcileService. Zero values take the defaults.
type ReconcileConfig struct {
	Interval      time.Duration
	Workers       int
	OwnerPageSize int
	OwnerRepoCap  int
	// CheckEnrolled extends commit and release checks to auto-enrolled
	// repositories. By default they are only enumerated through their owner.
	CheckEnrolled bool
	Now           func() time.Time
	// NewTicker drives scheduled passes. Defaults to time.NewTicker.
	NewTicker func(d time.Duration) (ticks <-chan time.Time, stop func())
}

func (c ReconcileConfig) withDefaults() ReconcileConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultCheckInterval
	}
	c.Workers = min(max(c.Workers, 1), maxWorkers)
	if c.OwnerPageSize <= 0 {
		c.OwnerPageSize = DefaultOwnerPageSize
	}
	if c.OwnerRepoCap <= 0 {
		c.OwnerRepoCap = DefaultOwnerRepoCap
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTicker == nil {
		c.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return c
}

// PassSummary describes one completed reconciliation pass.
type PassSummary struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Repos       int           `json:"repos"`
	Owners      int           `json:"owners"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	Events      int           `json:"events"`
	NewEnrolled int           `json:"new_enrolled"`
	Canceled    bool          `json:"canceled"`
}

// checkRequest is a manual pass trigger delivered to the scheduler loop.
type checkRequest struct {
	done chan checkResult
}

type checkResult struct {
	events []model.ChangeEvent
	err    error
}

// entityResult is the outcome of checking one repository or owner.
type entityResult struct {
	events   []model.ChangeEvent
	enrolled int
	failed   bool
	checked  bool
}

// ReconcileService runs reconciliation passes: it compares the remote head
// and latest release of every tracked repository against the store, records
// drift, announces it, and enrolls new repositories of tracked owners.
// Passes never overlap.
type ReconcileService struct {
	gh       driven.GitHubClient
	store    driven.StateStore
	notifier driven.Notifier
	enroller enroller
	cfg      ReconcileConfig

	checkCh chan checkRequest
	// passLock is held by a running pass and by Exclusive callers.
	passLock chan struct{}

	summaryMu   sync.RWMutex
	lastSummary *PassSummary
}

// NewReconcileService creates a ReconcileService. notifier may be nil, in
// which case events are only returned and logged.
func NewReconcileService(
	gh driven.GitHubClient,
	store driven.StateStore,
	notifier driven.Notifier,
	cfg ReconcileConfig,
) *ReconcileService {
	cfg = cfg.withDefaults()
	return &ReconcileService{
		gh:       gh,
		store:    store,
		notifier: notifier,
		enroller: enroller{gh: gh, store: store, now: cfg.Now},
		cfg:      cfg,
		checkCh:  make(chan checkRequest),
		passLock: make(chan struct{}, 1),
	}
}

// Exclusive runs fn while no reconciliation pass is in flight and blocks
// new passes until fn returns. Tracking changes go through it so a pass
// never writes back state read before the change.
func (s *ReconcileService) Exclusive(ctx context.Context, fn func() error) error {
	if err := s.lockPass(ctx); err != nil {
		return err
	}
	defer s.unlockPass()
	return fn()
}

// lockPass takes the lock, waiting only while another holder has it.
func (s *ReconcileService) lockPass(ctx context.Context) error {
	select {
	case s.passLock <- struct{}{}:
		return nil
	default:
	}

	select {
	case s.passLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ReconcileService) unlockPass() { <-s.passLock }

// Start runs a pass immediately and then on every tick of the configured
// interval. Manual checks submitted through Check run on the same goroutine,
// so they queue behind an in-flight pass. A tick that fires while a pass is
// running is dropped. Start blocks until ctx is canceled.
func (s *ReconcileService) Start(ctx context.Context) {
	s.runScheduled(ctx, "initial")

	ticks, stop := s.cfg.NewTicker(s.cfg.Interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile service stopped")
			return
		case <-ticks:
			s.runScheduled(ctx, "scheduled")
		case req := <-s.checkCh:
			events, err := s.RunPass(ctx)
			req.done <- checkResult{events: events, err: err}
		}
		skipOverrunTick(ticks)
	}
}

// skipOverrunTick discards a tick that fired while the previous pass ran.
func skipOverrunTick(ticks <-chan time.Time) {
	select {
	case <-ticks:
		slog.Warn("reconciliation pass overran the check interval, skipping tick")
	default:
	}
}

func (s *ReconcileService) runScheduled(ctx context.Context, trigger string) {
	if _, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
		slog.Error("reconciliation pass failed", "trigger", trigger, "error", err)
	}
}

// Check requests a pass from the running scheduler and waits for its events.
// It blocks until the pass completes or ctx is canceled.
func (s *ReconcileService) Check(ctx context.Context) ([]model.ChangeEvent, error) {
	done := make(chan checkResult, 1)

	select {
	case s.checkCh <- checkRequest{done: done}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-done:
		return res.events, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastSummary returns the summary of the most recent pass, or nil before
// the first pass completes.
func (s *ReconcileService) LastSummary() *PassSummary {
	s.summaryMu.RLock()
	defer s.summaryMu.RUnlock()
	if s.lastSummary == nil {
		return nil
	}
	summary := *s.lastSummary
	return &summary
}

// RunPass performs one reconciliation pass and returns the events it
// emitted. Per-entity failures are logged and counted, never returned;
// an error means the working set could not be loaded or ctx ended while
// waiting for another pass. Concurrent callers are serialized.
func (s *ReconcileService) RunPass(ctx context.Context) ([]model.ChangeEvent, error) {
	if err := s.lockPass(ctx); err != nil {
		return nil, err
	}
	defer s.unlockPass()

	start := s.cfg.Now()

	repos, owners, err := s.workingSet(ctx)
	if err != nil {
		return nil, err
	}

	repoResults := make([]entityResult, len(repos))
	ownerResults := make([]entityResult, len(owners))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			repoResults[i] = s.checkRepository(ctx, repo)
			return nil
		})
	}
	for i, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ownerResults[i] = s.checkOwner(ctx, owner)
			return nil
		})
	}
	_ = g.Wait()

	summary := PassSummary{
		StartedAt: start,
		Repos:     len(repos),
		Owners:    len(owners),
		Canceled:  ctx.Err() != nil,
	}

	var events []model.ChangeEvent
	for _, res := range append(repoResults, ownerResults...) {
		switch {
		case !res.checked:
		case res.failed:
			summary.Failed++
		default:
			summary.Successful++
		}
		summary.NewEnrolled += res.enrolled
		events = append(events, res.events...)
	}
	summary.Events = len(events)
	summary.Duration = s.cfg.Now().Sub(start)

	s.summaryMu.Lock()
	s.lastSummary = &summary
	s.summaryMu.Unlock()

	slog.Info("reconciliation pass complete",
		"repos", summary.Repos,
		"owners", summary.Owners,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"events", summary.Events,
		"new_enrolled", summary.NewEnrolled,
		"canceled", summary.Canceled,
		"duration", summary.Duration.Round(time.Millisecond),
	)

	if events == nil {
		events = []model.ChangeEvent{}
	}
	return events, nil
}

// workingSet loads the repositories checked for drift and every owner.
func (s *ReconcileService) workingSet(ctx context.Context) ([]model.TrackedRepository, []model.TrackedOwner, error) {
	all, err := s.store.ListRepositories(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tracked repositories: %w", err)
	}

	repos := make([]model.TrackedRepository, 0, len(all))
	for _, r := range all {
		if s.cfg.CheckEnrolled || r.InWorkingSet() {
			repos = append(repos, r)
		}
	}

	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tracked owners: %w", err)
	}

	return repos, owners, nil
}

// checkRepository runs the commit check and then, independently, the
// release check. A repository seen empty on this pass skips the release
// check: it cannot have tags.
func (s *ReconcileService) checkRepository(ctx context.Context, repo model.TrackedRepository) entityResult {
	res := entityResult{checked: true}

	empty := s.checkCommit(ctx, repo, &res)
	if !empty {
		s.checkRelease(ctx, repo, &res)
	}

	return res
}

// checkCommit reports whether the repository turned out to be empty.
func (s *ReconcileService) checkCommit(ctx context.Context, repo model.TrackedRepository, res *entityResult) bool {
	key, branch := repo.Key, repo.EffectiveBranch()

	commit, err := s.gh.GetLatestCommit(ctx, key, branch)
	switch {
	case errors.Is(err, driven.ErrEmptyRepository):
		if !repo.IsEmpty {
			if err := s.store.MarkEmpty(ctx, key, true); err != nil && !errors.Is(err, driven.ErrPersistence) {
				slog.Error("marking repository empty failed", "repo", key, "error", err)
				res.failed = true
			}
		}
		return true
	case err != nil:
		if ctx.Err() == nil {
			slog.Error("commit check failed", "repo", key, "branch", branch, "error", err)
		}
		res.failed = true
		return false
	}

	if commit.SHA == repo.LastCommitSHA {
		return false
	}

	changed, err := s.store.RecordCommitObservation(ctx, key, model.CommitObservation{
		SHA:       commit.SHA,
		Message:   commit.Headline(),
		Timestamp: commit.Timestamp,
	})
	if err != nil && !errors.Is(err, driven.ErrPersistence) {
		slog.Error("recording commit failed", "repo", key, "error", err)
		res.failed = true
		return false
	}
	if !changed {
		return false
	}

	if repo.LastCommitSHA == "" && !repo.IsEmpty {
		slog.Info("commit baseline recorded", "repo", key, "branch", branch, "sha", shortSHA(commit.SHA))
		return false
	}

	url := commit.URL
	if url == "" {
		url = commitURL(key, commit.SHA)
	}

	s.emit(ctx, res, model.CommitUpdate{
		Repo:    key,
		Branch:  branch,
		OldSHA:  repo.LastCommitSHA,
		NewSHA:  commit.SHA,
		Message: commit.Headline(),
		URL:     url,
	})
	return false
}

func (s *ReconcileService) checkRelease(ctx context.Context, repo model.TrackedRepository, res *entityResult) {
	key := repo.Key

	rel, err := s.gh.GetLatestRelease(ctx, key)
	if errors.Is(err, driven.ErrNotFound) {
		rel, err = nil, nil
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("release check failed", "repo", key, "error", err)
		}
		res.failed = true
		return
	}

	var obs model.ReleaseObservation
	if rel != nil {
		obs = model.ReleaseObservation{Tag: rel.Tag, Name: rel.Name, URL: rel.URL, Timestamp: rel.PublishedAt}
	}

	if repo.ReleaseChecked && obs.Tag == repo.LastReleaseTag {
		return
	}

	changed, err := s.store.RecordReleaseObservation(ctx, key, obs)
	if err != nil && !errors.Is(err, driven.ErrPersistence) {
		slog.Error("recording release failed", "repo", key, "error", err)
		res.failed = true
		return
	}
	if !changed || obs.Tag == "" {
		return
	}

	if !repo.ReleaseChecked {
		slog.Info("release baseline recorded", "repo", key, "tag", obs.Tag)
		return
	}

	s.emit(ctx, res, model.ReleaseUpdate{
		Repo:           key,
		Tag:            obs.Tag,
		PreviousTag:    repo.LastReleaseTag,
		Name:           obs.Name,
		IsFirstRelease: repo.LastReleaseTag == "",
		URL:            obs.URL,
		Body:           rel.Body,
		PublishedAt:    obs.Timestamp,
	})
}

// checkOwner enumerates the owner's repositories, enrolls new ones and
// refreshes the owner's bookkeeping.
func (s *ReconcileService) checkOwner(ctx context.Context, owner model.TrackedOwner) entityResult {
	res := entityResult{checked: true}
	login := owner.Login

	kind, err := s.gh.GetAccountType(ctx, login)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("owner lookup failed", "owner", login, "error", err)
		}
		res.failed = true
		return res
	}

	listing, err := s.gh.ListOwnerRepositories(ctx, login, kind, s.cfg.OwnerPageSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("owner enumeration failed", "owner", login, "error", err)
		}
		res.failed = true
		return res
	}

	enrolled := s.enroller.enroll(ctx, login, listing, s.cfg.OwnerRepoCap)
	res.enrolled = enrolled.added
	res.failed = enrolled.failed > 0
	for _, ev := range enrolled.enrolled {
		s.emit(ctx, &res, ev)
	}

	count, err := knownRepoCount(ctx, s.store, login)
	if err != nil {
		slog.Error("counting owner repositories failed", "owner", login, "error", err)
		res.failed = true
		return res
	}

	owner.LastCheckedAt = s.cfg.Now().UTC()
	owner.KnownRepoCount = count
	if err := s.store.UpsertOwner(ctx, owner); err != nil && !errors.Is(err, driven.ErrPersistence) {
		slog.Error("updating owner failed", "owner", login, "error", err)
		res.failed = true
	}

	return res
}

// emit records ev on res and hands it to the notifier.
func (s *ReconcileService) emit(ctx context.Context, res *entityResult, ev model.ChangeEvent) {
	res.events = append(res.events, ev)
	slog.Info("change detected", "kind", ev.Kind(), "repo", ev.RepoKey())

	if s.notifier != nil {
		s.notifier.Notify(ctx, ev)
	}
}

// knownRepoCount counts repositories enrolled through login.
func knownRepoCount(ctx context.Context, store driven.StateStore, login string) (int, error) {
	repos, err := store.ReposByOwner(ctx, login)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range repos {
		if r.OwnerOfOrigin == login {
			n++
		}
	}
	return n, nil
}
