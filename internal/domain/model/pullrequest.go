package model

import "time"

// PullRequest is a pull request returned by on-demand queries.
type PullRequest struct {
	Number          int
	RepoFullName    string
	Title           string
	Author          string
	Status          PRStatus
	IsDraft         bool
	URL             string
	Branch          string
	BaseBranch      string
	HeadSHA         string
	Additions       int
	Deletions       int
	ChangedFiles    int
	MergeableStatus MergeableStatus
	Labels          []string
	OpenedAt        time.Time
	UpdatedAt       time.Time
}

// DaysSinceOpened returns the number of days since the PR was opened.
func (pr PullRequest) DaysSinceOpened() int {
	return int(time.Since(pr.OpenedAt).Hours() / 24)
}
