package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Defaults for owner enumeration.
const (
	DefaultOwnerPageSize = 50
	DefaultOwnerRepoCap  = 30
)

// enroller adds an owner's repositories to the store. It is shared by the
// reconciliation pass and by TrackOwner.
type enroller struct {
	gh    driven.GitHubClient
	store driven.StateStore
	now   func() time.Time
}

// enrollResult describes the outcome of one enrollment run.
type enrollResult struct {
	enrolled []model.RepoEnrolled // Non-empty repositories only.
	added    int
	failed   int
}

// enroll records every repository among the first limit entries of listing
// that the store does not already hold. New entries get a silent commit
// baseline so the next pass only reports later changes.
func (e enroller) enroll(ctx context.Context, login string, listing []model.OwnerRepository, limit int) enrollResult {
	var res enrollResult

	if limit > 0 && len(listing) > limit {
		listing = listing[:limit]
	}

	for _, or := range listing {
		if ctx.Err() != nil {
			return res
		}

		key := model.RepoKey(login, or.Name)
		existing, err := e.store.GetRepository(ctx, key)
		if err != nil {
			slog.Error("enrollment lookup failed", "owner", login, "repo", key, "error", err)
			res.failed++
			continue
		}
		if existing != nil {
			continue
		}

		repo, err := e.baseline(ctx, key, or)
		if err != nil {
			slog.Error("enrollment fetch failed", "owner", login, "repo", key, "error", err)
			res.failed++
			continue
		}
		repo.OwnerOfOrigin = login

		if err := e.store.UpsertRepository(ctx, repo); err != nil && !errors.Is(err, driven.ErrPersistence) {
			slog.Error("enrollment write failed", "owner", login, "repo", key, "error", err)
			res.failed++
			continue
		}

		res.added++
		slog.Info("repository enrolled",
			"owner", login,
			"repo", key,
			"branch", repo.EffectiveBranch(),
			"empty", repo.IsEmpty,
		)

		if !repo.IsEmpty {
			res.enrolled = append(res.enrolled, model.RepoEnrolled{
				Repo:          key,
				Owner:         login,
				DefaultBranch: repo.DefaultBranch,
				URL:           repoURL(key),
			})
		}
	}

	return res
}

// baseline builds a TrackedRepository with the current head of the default
// branch. Zero-size repositories are marked empty without reading commits.
func (e enroller) baseline(ctx context.Context, key string, or model.OwnerRepository) (model.TrackedRepository, error) {
	meta, err := e.gh.GetRepository(ctx, key)
	if err != nil {
		return model.TrackedRepository{}, err
	}

	branch := firstNonEmpty(meta.DefaultBranch, or.DefaultBranch, model.DefaultBranchFallback)
	repo := model.TrackedRepository{
		Key:           key,
		DefaultBranch: branch,
		TrackedBranch: branch,
		CreatedAt:     e.now().UTC(),
	}

	if meta.Size == 0 {
		repo.IsEmpty = true
		return repo, nil
	}

	commit, err := e.gh.GetLatestCommit(ctx, key, branch)
	switch {
	case errors.Is(err, driven.ErrEmptyRepository):
		repo.IsEmpty = true
	case err != nil:
		return model.TrackedRepository{}, fmt.Errorf("reading head of %s@%s: %w", key, branch, err)
	default:
		repo.LastCommitSHA = commit.SHA
		repo.LastCommitMessage = commit.Headline()
		repo.LastCommitAt = commit.Timestamp
	}

	return repo, nil
}

func repoURL(key string) string {
	return "https://github.com/" + key
}

func commitURL(key, sha string) string {
	return repoURL(key) + "/commit/" + sha
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
