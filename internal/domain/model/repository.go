package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBranchFallback is used when neither a tracked nor a default branch is known.
const DefaultBranchFallback = "main"

// TrackedRepository is a GitHub repository under commit and release monitoring.
// Key is "owner/name", lower-cased, and unique across the store.
type TrackedRepository struct {
	Key           string
	DefaultBranch string
	TrackedBranch string

	LastCommitSHA     string
	LastCommitMessage string
	LastCommitAt      time.Time

	LastReleaseTag  string
	LastReleaseName string
	LastReleaseURL  string
	LastReleaseAt   time.Time
	ReleaseChecked  bool // A release lookup has completed at least once.

	TrackedIndividually bool
	OwnerOfOrigin       string // Set when auto-enrolled through a TrackedOwner.
	IsEmpty             bool
	CreatedAt           time.Time
}

// EffectiveBranch returns the tracked branch, falling back to the default
// branch and then to DefaultBranchFallback.
func (r TrackedRepository) EffectiveBranch() string {
	if r.TrackedBranch != "" {
		return r.TrackedBranch
	}
	if r.DefaultBranch != "" {
		return r.DefaultBranch
	}
	return DefaultBranchFallback
}

// Owner returns the owner half of the key.
func (r TrackedRepository) Owner() string {
	owner, _, _ := strings.Cut(r.Key, "/")
	return owner
}

// Name returns the repository half of the key.
func (r TrackedRepository) Name() string {
	_, name, _ := strings.Cut(r.Key, "/")
	return name
}

// IsAutoEnrolled reports whether the repository exists only because its
// owner is tracked.
func (r TrackedRepository) IsAutoEnrolled() bool {
	return !r.TrackedIndividually && r.OwnerOfOrigin != ""
}

// InWorkingSet reports whether a reconciliation pass checks this repository
// for commits and releases.
func (r TrackedRepository) InWorkingSet() bool {
	return r.TrackedIndividually || r.OwnerOfOrigin == ""
}

// RepoKey builds the canonical lower-cased "owner/name" key.
func RepoKey(owner, name string) string {
	return strings.ToLower(owner + "/" + name)
}

// ParseRepoKey splits and normalizes an "owner/name" string.
func ParseRepoKey(fullName string) (string, string, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return strings.ToLower(owner), strings.ToLower(name), nil
}

// CommitObservation is the head of a branch as seen on one remote read.
type CommitObservation struct {
	SHA       string
	Message   string
	Timestamp time.Time
}

// ReleaseObservation is the latest release as seen on one remote read.
// An empty Tag records that the repository has no release.
type ReleaseObservation struct {
	Tag       string
	Name      string
	URL       string
	Timestamp time.Time
}
