package model

// PRStatus represents the state of a pull request.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusClosed PRStatus = "closed"
	PRStatusMerged PRStatus = "merged"
)

// MergeableStatus is GitHub's tri-state mergeability of a pull request.
type MergeableStatus string

const (
	MergeableMergeable  MergeableStatus = "mergeable"
	MergeableConflicted MergeableStatus = "conflicted"
	MergeableUnknown    MergeableStatus = "unknown"
)
