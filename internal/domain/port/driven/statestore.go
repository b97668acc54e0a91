package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// ErrPersistence indicates the in-memory state was updated but the durable
// write failed. Callers treat the mutation as applied.
var ErrPersistence = errors.New("state persistence failed")

// Sentinel errors for tracking operations.
var (
	ErrRepoAlreadyTracked  = errors.New("repository already tracked")
	ErrRepoNotTracked      = errors.New("repository not tracked")
	ErrOwnerAlreadyTracked = errors.New("owner already tracked")
	ErrOwnerNotTracked     = errors.New("owner not tracked")
	ErrTrackingLimit       = errors.New("tracking limit reached")
	ErrInvalidInput        = errors.New("invalid input")
)

// StateStore defines the driven port for tracked repositories and owners.
// It is the only component permitted to mutate persisted entities. Keys are
// normalized with model.RepoKey and model.OwnerKey by the implementation.
type StateStore interface {
	// GetRepository returns nil, nil if the repository is not tracked.
	GetRepository(ctx context.Context, key string) (*model.TrackedRepository, error)
	UpsertRepository(ctx context.Context, repo model.TrackedRepository) error
	RemoveRepository(ctx context.Context, key string) (bool, error)
	// ListRepositories returns all repositories ordered by key.
	ListRepositories(ctx context.Context) ([]model.TrackedRepository, error)
	// ReposByOwner returns repositories whose key owner or OwnerOfOrigin is owner.
	ReposByOwner(ctx context.Context, owner string) ([]model.TrackedRepository, error)
	// FirstRepositoryKey returns the lexicographically smallest key, or "".
	FirstRepositoryKey(ctx context.Context) (string, error)

	// GetOwner returns nil, nil if the owner is not tracked.
	GetOwner(ctx context.Context, login string) (*model.TrackedOwner, error)
	UpsertOwner(ctx context.Context, owner model.TrackedOwner) error
	RemoveOwner(ctx context.Context, login string) (bool, error)
	// ListOwners returns all owners ordered by login.
	ListOwners(ctx context.Context) ([]model.TrackedOwner, error)

	// RecordCommitObservation is the only path through which LastCommitSHA
	// advances. It returns true iff the SHA changed; an unchanged SHA is a
	// no-op and does not touch storage.
	RecordCommitObservation(ctx context.Context, key string, obs model.CommitObservation) (bool, error)
	// RecordReleaseObservation returns true iff the tag changed. It also marks
	// the repository as release-checked.
	RecordReleaseObservation(ctx context.Context, key string, obs model.ReleaseObservation) (bool, error)
	// MarkEmpty sets the empty-repository flag.
	MarkEmpty(ctx context.Context, key string, empty bool) error

	// Degraded reports whether the most recent durable write failed.
	Degraded() bool
}
