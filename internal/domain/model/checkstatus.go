package model

import "time"

// CheckRun represents an individual CI/CD check run from the GitHub Checks API.
type CheckRun struct {
	ID          int64
	Name        string
	Status      string // queued, in_progress, completed, waiting, requested, pending.
	Conclusion  string // success, failure, neutral, cancelled, skipped, timed_out, action_required.
	DetailsURL  string
	StartedAt   time.Time
	CompletedAt time.Time // Zero if not yet completed.
}

// CIStatus is the combined result of every check run on a ref.
type CIStatus string

const (
	CIStatusPassing CIStatus = "passing"
	CIStatusFailing CIStatus = "failing"
	CIStatusPending CIStatus = "pending"
	CIStatusUnknown CIStatus = "unknown"
)
