// Package jsonfile implements the StateStore port as a single JSON document
// that is rewritten in full after every mutation.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StateStore = (*Store)(nil)

// CorruptSuffix is appended to a state file that failed to decode.
const CorruptSuffix = ".corrupt"

// Store keeps tracked repositories and owners in memory and persists a full
// snapshot synchronously on every mutation. One mutex guards both the maps
// and the file write, so concurrent callers never interleave snapshots.
type Store struct {
	path string

	mu       sync.Mutex
	repos    map[string]model.TrackedRepository
	owners   map[string]model.TrackedOwner
	degraded bool

	writeFile func(path string, r io.Reader) error
	now       func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithWriter replaces the atomic temp-file-and-rename writer.
func WithWriter(fn func(path string, r io.Reader) error) Option {
	return func(s *Store) { s.writeFile = fn }
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates the parent directory of path and loads any existing state.
// A missing or malformed file is not an error: the store starts empty and
// the problem is logged. A malformed file is renamed with CorruptSuffix.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		repos:     make(map[string]model.TrackedRepository),
		owners:    make(map[string]model.TrackedOwner),
		writeFile: atomic.WriteFile,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s.load()
	return s, nil
}

// quarantine moves an undecodable state file aside so the first write does
// not overwrite the only copy.
func (s *Store) quarantine(decodeErr error) {
	corrupt := s.path + CorruptSuffix
	if err := os.Rename(s.path, corrupt); err != nil {
		slog.Error("malformed state file, starting empty; could not move it aside",
			"path", s.path, "error", decodeErr, "rename_error", err)
		return
	}
	slog.Error("malformed state file, starting empty",
		"path", s.path, "moved_to", corrupt, "error", decodeErr)
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no state file, starting empty", "path", s.path)
		return
	}
	if err != nil {
		slog.Error("reading state file, starting empty", "path", s.path, "error", err)
		return
	}

	repos, owners, legacy, err := decodeDocument(data)
	if err != nil {
		s.quarantine(err)
		return
	}

	s.repos = repos
	s.owners = owners

	if legacy {
		s.reconstructOwners()
	}

	slog.Info("state loaded",
		"path", s.path,
		"repos", len(s.repos),
		"owners", len(s.owners),
		"legacy_format", legacy,
	)
}

// decodeDocument accepts the current {"repos": [...], "owners": [...]}
// layout and the legacy bare array of repository pairs.
func decodeDocument(data []byte) (map[string]model.TrackedRepository, map[string]model.TrackedOwner, bool, error) {
	repos := make(map[string]model.TrackedRepository)
	owners := make(map[string]model.TrackedOwner)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return repos, owners, false, nil
	}

	var doc document
	legacy := trimmed[0] == '['
	if legacy {
		if err := json.Unmarshal(trimmed, &doc.Repos); err != nil {
			return nil, nil, false, fmt.Errorf("decoding legacy state: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, nil, false, fmt.Errorf("decoding state: %w", err)
	}

	for _, raw := range doc.Repos {
		key, value, err := splitPair(raw)
		if err != nil {
			return nil, nil, false, err
		}
		owner, name, err := model.ParseRepoKey(key)
		if err != nil {
			return nil, nil, false, err
		}
		key = model.RepoKey(owner, name)
		repo, err := decodeRepo(key, value)
		if err != nil {
			return nil, nil, false, err
		}
		repos[key] = repo
	}

	for _, raw := range doc.Owners {
		login, value, err := splitPair(raw)
		if err != nil {
			return nil, nil, false, err
		}
		login = model.OwnerKey(login)
		owner, err := decodeOwner(login, value)
		if err != nil {
			return nil, nil, false, err
		}
		owners[login] = owner
	}

	return repos, owners, legacy, nil
}

// reconstructOwners recreates owner records referenced by ownerOfOrigin.
// Must be called with mu held or before the store is shared.
func (s *Store) reconstructOwners() {
	for _, r := range s.repos {
		if r.OwnerOfOrigin == "" {
			continue
		}
		o, ok := s.owners[r.OwnerOfOrigin]
		if !ok {
			o = model.TrackedOwner{Login: r.OwnerOfOrigin, CreatedAt: r.CreatedAt}
		}
		o.KnownRepoCount++
		s.owners[r.OwnerOfOrigin] = o
	}
}

// persist writes the full snapshot. Must be called with mu held.
func (s *Store) persist() error {
	data, err := s.encode()
	if err == nil {
		err = s.writeFile(s.path, bytes.NewReader(data))
	}

	if err != nil {
		if !s.degraded {
			slog.Error("state write failed, serving from memory",
				"path", s.path,
				"durability", "degraded",
				"error", err,
			)
		}
		s.degraded = true
		return fmt.Errorf("writing state file %s: %w: %w", s.path, driven.ErrPersistence, err)
	}

	if s.degraded {
		slog.Info("state write recovered", "path", s.path, "durability", "ok")
	}
	s.degraded = false
	return nil
}

func (s *Store) encode() ([]byte, error) {
	repos := make([][2]any, 0, len(s.repos))
	for _, key := range sortedKeys(s.repos) {
		repos = append(repos, [2]any{key, toRepoRecord(s.repos[key])})
	}
	owners := make([][2]any, 0, len(s.owners))
	for _, login := range sortedKeys(s.owners) {
		owners = append(owners, [2]any{login, toOwnerRecord(s.owners[login])})
	}

	data, err := json.MarshalIndent(map[string]any{"repos": repos, "owners": owners}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// Degraded reports whether the most recent write failed.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// GetRepository returns nil, nil if the repository is not tracked.
func (s *Store) GetRepository(_ context.Context, key string) (*model.TrackedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repos[strings.ToLower(key)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// UpsertRepository inserts or replaces a repository and persists.
func (s *Store) UpsertRepository(_ context.Context, repo model.TrackedRepository) error {
	owner, name, err := model.ParseRepoKey(repo.Key)
	if err != nil {
		return err
	}
	repo.Key = model.RepoKey(owner, name)
	repo.OwnerOfOrigin = model.OwnerKey(repo.OwnerOfOrigin)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.repos[repo.Key]; ok && repo.CreatedAt.IsZero() {
		repo.CreatedAt = existing.CreatedAt
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = s.now().UTC()
	}

	s.repos[repo.Key] = repo
	return s.persist()
}

// RemoveRepository deletes a repository. It returns false without writing
// if the key is absent.
func (s *Store) RemoveRepository(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	if _, ok := s.repos[key]; !ok {
		return false, nil
	}
	delete(s.repos, key)
	return true, s.persist()
}

// ListRepositories returns all repositories ordered by key.
func (s *Store) ListRepositories(_ context.Context) ([]model.TrackedRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TrackedRepository, 0, len(s.repos))
	for _, key := range sortedKeys(s.repos) {
		out = append(out, s.repos[key])
	}
	return out, nil
}

// ReposByOwner returns repositories owned by, or enrolled through, owner.
func (s *Store) ReposByOwner(_ context.Context, owner string) ([]model.TrackedRepository, error) {
	owner = model.OwnerKey(owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TrackedRepository
	for _, key := range sortedKeys(s.repos) {
		r := s.repos[key]
		if r.Owner() == owner || r.OwnerOfOrigin == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

// FirstRepositoryKey returns the lexicographically smallest key, or "".
func (s *Store) FirstRepositoryKey(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := ""
	for key := range s.repos {
		if first == "" || key < first {
			first = key
		}
	}
	return first, nil
}

// GetOwner returns nil, nil if the owner is not tracked.
func (s *Store) GetOwner(_ context.Context, login string) (*model.TrackedOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[model.OwnerKey(login)]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// UpsertOwner inserts or replaces an owner and persists.
func (s *Store) UpsertOwner(_ context.Context, owner model.TrackedOwner) error {
	owner.Login = model.OwnerKey(owner.Login)
	if owner.Login == "" {
		return errors.New("owner login is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.owners[owner.Login]; ok && owner.CreatedAt.IsZero() {
		owner.CreatedAt = existing.CreatedAt
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = s.now().UTC()
	}

	s.owners[owner.Login] = owner
	return s.persist()
}

// RemoveOwner deletes an owner record. Repository cascade is the caller's
// responsibility.
func (s *Store) RemoveOwner(_ context.Context, login string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	login = model.OwnerKey(login)
	if _, ok := s.owners[login]; !ok {
		return false, nil
	}
	delete(s.owners, login)
	return true, s.persist()
}

// ListOwners returns all owners ordered by login.
func (s *Store) ListOwners(_ context.Context) ([]model.TrackedOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TrackedOwner, 0, len(s.owners))
	for _, login := range sortedKeys(s.owners) {
		out = append(out, s.owners[login])
	}
	return out, nil
}

// RecordCommitObservation advances LastCommitSHA iff obs.SHA differs from the
// stored value. An unchanged SHA returns false without writing.
func (s *Store) RecordCommitObservation(_ context.Context, key string, obs model.CommitObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	r, ok := s.repos[key]
	if !ok {
		return false, fmt.Errorf("recording commit for %s: %w", key, driven.ErrNotFound)
	}
	if r.LastCommitSHA == obs.SHA {
		return false, nil
	}

	r.LastCommitSHA = obs.SHA
	r.LastCommitMessage = obs.Message
	r.LastCommitAt = obs.Timestamp
	r.IsEmpty = false
	s.repos[key] = r

	return true, s.persist()
}

// RecordReleaseObservation advances LastReleaseTag iff obs.Tag differs from
// the stored value and marks the repository as release-checked. The first
// lookup is written even when no release exists, so later passes can tell
// "never checked" from "checked, no release".
func (s *Store) RecordReleaseObservation(_ context.Context, key string, obs model.ReleaseObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	r, ok := s.repos[key]
	if !ok {
		return false, fmt.Errorf("recording release for %s: %w", key, driven.ErrNotFound)
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

	return changed, s.persist()
}

// MarkEmpty sets the empty-repository flag, writing only on change.
func (s *Store) MarkEmpty(_ context.Context, key string, empty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.ToLower(key)
	r, ok := s.repos[key]
	if !ok {
		return fmt.Errorf("marking %s empty: %w", key, driven.ErrNotFound)
	}
	if r.IsEmpty == empty {
		return nil
	}
	r.IsEmpty = empty
	s.repos[key] = r
	return s.persist()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
