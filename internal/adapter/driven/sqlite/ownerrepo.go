package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// GetOwner returns nil, nil if the owner is not tracked.
func (r *StateRepo) GetOwner(ctx context.Context, login string) (*model.TrackedOwner, error) {
	const query = `SELECT login, created_at, last_checked_at, known_repo_count FROM tracked_owners WHERE login = ?`

	owner, err := scanOwner(r.db.Reader.QueryRowContext(ctx, query, model.OwnerKey(login)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner %s: %w", login, err)
	}
	return owner, nil
}

// UpsertOwner inserts an owner or updates its enumeration bookkeeping.
func (r *StateRepo) UpsertOwner(ctx context.Context, owner model.TrackedOwner) error {
	const query = `
		INSERT INTO tracked_owners (login, created_at, last_checked_at, known_repo_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(login) DO UPDATE SET
			last_checked_at = excluded.last_checked_at,
			known_repo_count = excluded.known_repo_count`

	login := model.OwnerKey(owner.Login)
	if login == "" {
		return errors.New("owner login is empty")
	}

	createdAt := owner.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	_, err := r.exec(ctx, query,
		login,
		createdAt.UTC().Format(time.RFC3339Nano),
		millis(owner.LastCheckedAt),
		owner.KnownRepoCount,
	)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", login, err)
	}
	return nil
}

// RemoveOwner deletes an owner record and reports whether it existed.
// Repository cascade is the caller's responsibility.
func (r *StateRepo) RemoveOwner(ctx context.Context, login string) (bool, error) {
	const query = `DELETE FROM tracked_owners WHERE login = ?`

	result, err := r.exec(ctx, query, model.OwnerKey(login))
	if err != nil {
		return false, fmt.Errorf("remove owner %s: %w", login, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListOwners returns all owners ordered by login.
func (r *StateRepo) ListOwners(ctx context.Context) ([]model.TrackedOwner, error) {
	const query = `SELECT login, created_at, last_checked_at, known_repo_count FROM tracked_owners ORDER BY login`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	owners := []model.TrackedOwner{}
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, *owner)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

func scanOwner(s scanner) (*model.TrackedOwner, error) {
	var (
		owner     model.TrackedOwner
		createdAt string
		checkedAt int64
	)

	if err := s.Scan(&owner.Login, &createdAt, &checkedAt, &owner.KnownRepoCount); err != nil {
		return nil, err
	}

	var err error
	owner.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	owner.LastCheckedAt = fromMillis(checkedAt)

	return &owner, nil
}
