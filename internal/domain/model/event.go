package model

import "time"

// EventKind names a ChangeEvent variant.
type EventKind string

const (
	EventCommit   EventKind = "commit"
	EventRelease  EventKind = "release"
	EventEnrolled EventKind = "enrolled"
)

// ChangeEvent is a drift detected by a reconciliation pass. It is handed to
// the notifier and then discarded; it is never persisted.
type ChangeEvent interface {
	Kind() EventKind
	RepoKey() string
}

// CommitUpdate reports that a branch head moved.
type CommitUpdate struct {
	Repo    string
	Branch  string
	OldSHA  string
	NewSHA  string
	Message string
	URL     string
}

func (e CommitUpdate) Kind() EventKind  { return EventCommit }
func (e CommitUpdate) RepoKey() string { return e.Repo }

// ReleaseUpdate reports a new latest release (or tag).
type ReleaseUpdate struct {
	Repo           string
	Tag            string
	PreviousTag    string
	Name           string
	IsFirstRelease bool
	URL            string
	Body           string
	PublishedAt    time.Time
}

func (e ReleaseUpdate) Kind() EventKind  { return EventRelease }
func (e ReleaseUpdate) RepoKey() string { return e.Repo }

// RepoEnrolled reports that a tracked owner gained a repository that was
// auto-enrolled during the pass.
type RepoEnrolled struct {
	Repo          string
	Owner         string
	DefaultBranch string
	URL           string
}

func (e RepoEnrolled) Kind() EventKind  { return EventEnrolled }
func (e RepoEnrolled) RepoKey() string { return e.Repo }
