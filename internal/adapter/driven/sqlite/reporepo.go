package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StateStore = (*StateRepo)(nil)

// StateRepo is the SQLite implementation of the StateStore port. Every
// mutation is a single statement on the serialized writer connection, so
// per-key updates are atomic without an in-process lock.
type StateRepo struct {
	db       *DB
	now      func() time.Time
	degraded atomic.Bool
}

// NewStateRepo creates a new StateRepo backed by the given DB.
func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db, now: time.Now}
}

// Degraded reports whether the most recent write failed.
func (r *StateRepo) Degraded() bool {
	return r.degraded.Load()
}

// exec runs a write on the writer connection and tracks durability.
func (r *StateRepo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		if ctx.Err() == nil && !r.degraded.Swap(true) {
			slog.Error("state write failed", "db", r.db.path, "durability", "degraded", "error", err)
		}
		return nil, err
	}
	if r.degraded.Swap(false) {
		slog.Info("state write recovered", "db", r.db.path, "durability", "ok")
	}
	return res, nil
}

const repoColumns = `repo_key, default_branch, tracked_branch, last_commit_sha, last_commit_message,
	last_commit_at, last_release_tag, last_release_name, last_release_url, last_release_at,
	release_checked, tracked_individually, owner_of_origin, is_empty, created_at`

// GetRepository returns nil, nil if the repository is not tracked.
func (r *StateRepo) GetRepository(ctx context.Context, key string) (*model.TrackedRepository, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repositories WHERE repo_key = ?`

	repo, err := scanRepository(r.db.Reader.QueryRowContext(ctx, query, strings.ToLower(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", key, err)
	}

	return repo, nil
}

// UpsertRepository inserts a repository or replaces every field except
// created_at.
func (r *StateRepo) UpsertRepository(ctx context.Context, repo model.TrackedRepository) error {
	const query = `
		INSERT INTO tracked_repositories (` + repoColumns + `, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_key) DO UPDATE SET
			default_branch = excluded.default_branch,
			tracked_branch = excluded.tracked_branch,
			last_commit_sha = excluded.last_commit_sha,
			last_commit_message = excluded.last_commit_message,
			last_commit_at = excluded.last_commit_at,
			last_release_tag = excluded.last_release_tag,
			last_release_name = excluded.last_release_name,
			last_release_url = excluded.last_release_url,
			last_release_at = excluded.last_release_at,
			release_checked = excluded.release_checked,
			tracked_individually = excluded.tracked_individually,
			owner_of_origin = excluded.owner_of_origin,
			is_empty = excluded.is_empty`

	owner, name, err := model.ParseRepoKey(repo.Key)
	if err != nil {
		return err
	}
	key := model.RepoKey(owner, name)

	createdAt := repo.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	_, err = r.exec(ctx, query,
		key,
		repo.DefaultBranch,
		repo.TrackedBranch,
		repo.LastCommitSHA,
		repo.LastCommitMessage,
		millis(repo.LastCommitAt),
		nullString(repo.LastReleaseTag),
		repo.LastReleaseName,
		repo.LastReleaseURL,
		millis(repo.LastReleaseAt),
		repo.ReleaseChecked,
		repo.TrackedIndividually,
		nullString(model.OwnerKey(repo.OwnerOfOrigin)),
		repo.IsEmpty,
		createdAt.UTC().Format(time.RFC3339Nano),
		owner,
	)
	if err != nil {
		return fmt.Errorf("upsert repository %s: %w", key, err)
	}

	return nil
}

// RemoveRepository deletes a repository by key and reports whether it existed.
func (r *StateRepo) RemoveRepository(ctx context.Context, key string) (bool, error) {
	const query = `DELETE FROM tracked_repositories WHERE repo_key = ?`

	result, err := r.exec(ctx, query, strings.ToLower(key))
	if err != nil {
		return false, fmt.Errorf("remove repository %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListRepositories returns all repositories ordered by key.
func (r *StateRepo) ListRepositories(ctx context.Context) ([]model.TrackedRepository, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repositories ORDER BY repo_key`
	return r.queryRepositories(ctx, query)
}

// ReposByOwner returns repositories owned by, or enrolled through, owner.
func (r *StateRepo) ReposByOwner(ctx context.Context, owner string) ([]model.TrackedRepository, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repositories
		WHERE owner = ? OR owner_of_origin = ? ORDER BY repo_key`
	login := model.OwnerKey(owner)
	return r.queryRepositories(ctx, query, login, login)
}

// FirstRepositoryKey returns the lexicographically smallest key, or "".
func (r *StateRepo) FirstRepositoryKey(ctx context.Context) (string, error) {
	const query = `SELECT repo_key FROM tracked_repositories ORDER BY repo_key LIMIT 1`

	var key string
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("first repository: %w", err)
	}
	return key, nil
}

// RecordCommitObservation advances last_commit_sha iff it differs. The
// comparison and the write happen in one statement.
func (r *StateRepo) RecordCommitObservation(ctx context.Context, key string, obs model.CommitObservation) (bool, error) {
	const query = `
		UPDATE tracked_repositories
		SET last_commit_sha = ?, last_commit_message = ?, last_commit_at = ?, is_empty = 0
		WHERE repo_key = ? AND last_commit_sha <> ?`

	key = strings.ToLower(key)
	result, err := r.exec(ctx, query, obs.SHA, obs.Message, millis(obs.Timestamp), key, obs.SHA)
	if err != nil {
		return false, fmt.Errorf("record commit for %s: %w", key, err)
	}

	return r.changedOrMissing(ctx, result, key, "record commit")
}

// RecordReleaseObservation advances last_release_tag iff it differs and
// marks the repository release-checked.
func (r *StateRepo) RecordReleaseObservation(ctx context.Context, key string, obs model.ReleaseObservation) (bool, error) {
	const advance = `
		UPDATE tracked_repositories
		SET last_release_tag = ?, last_release_name = ?, last_release_url = ?, last_release_at = ?,
			release_checked = 1
		WHERE repo_key = ? AND COALESCE(last_release_tag, '') <> ?`
	const markChecked = `
		UPDATE tracked_repositories SET release_checked = 1
		WHERE repo_key = ? AND release_checked = 0`

	key = strings.ToLower(key)
	result, err := r.exec(ctx, advance,
		nullString(obs.Tag), obs.Name, obs.URL, millis(obs.Timestamp), key, obs.Tag)
	if err != nil {
		return false, fmt.Errorf("record release for %s: %w", key, err)
	}

	changed, err := r.changedOrMissing(ctx, result, key, "record release")
	if changed || err != nil {
		return changed, err
	}

	if _, err := r.exec(ctx, markChecked, key); err != nil {
		return false, fmt.Errorf("mark release checked for %s: %w", key, err)
	}
	return false, nil
}

// MarkEmpty sets the empty-repository flag.
func (r *StateRepo) MarkEmpty(ctx context.Context, key string, empty bool) error {
	const query = `UPDATE tracked_repositories SET is_empty = ? WHERE repo_key = ?`

	key = strings.ToLower(key)
	result, err := r.exec(ctx, query, empty, key)
	if err != nil {
		return fmt.Errorf("mark %s empty: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("mark %s empty: %w", key, driven.ErrNotFound)
	}
	return nil
}

// changedOrMissing turns a conditional UPDATE result into the observation
// contract: one row means changed, zero rows means unchanged or absent.
func (r *StateRepo) changedOrMissing(ctx context.Context, result sql.Result, key, op string) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	existing, err := r.GetRepository(ctx, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("%s for %s: %w", op, key, driven.ErrNotFound)
	}
	return false, nil
}

func (r *StateRepo) queryRepositories(ctx context.Context, query string, args ...any) ([]model.TrackedRepository, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	repos := []model.TrackedRepository{}
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, *repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}

	return repos, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(s scanner) (*model.TrackedRepository, error) {
	var (
		repo          model.TrackedRepository
		commitAt      int64
		releaseTag    sql.NullString
		releaseAt     int64
		ownerOfOrigin sql.NullString
		createdAt     string
	)

	err := s.Scan(
		&repo.Key,
		&repo.DefaultBranch,
		&repo.TrackedBranch,
		&repo.LastCommitSHA,
		&repo.LastCommitMessage,
		&commitAt,
		&releaseTag,
		&repo.LastReleaseName,
		&repo.LastReleaseURL,
		&releaseAt,
		&repo.ReleaseChecked,
		&repo.TrackedIndividually,
		&ownerOfOrigin,
		&repo.IsEmpty,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	repo.LastCommitAt = fromMillis(commitAt)
	repo.LastReleaseTag = releaseTag.String
	repo.LastReleaseAt = fromMillis(releaseAt)
	repo.OwnerOfOrigin = ownerOfOrigin.String

	repo.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &repo, nil
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
