package model

import "time"

// RateLimitState is the process-wide view of the GitHub REST quota, taken
// from the X-RateLimit-* headers of the most recent response.
type RateLimitState struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Known reports whether any response has populated the state yet.
func (s RateLimitState) Known() bool {
	return s.Limit > 0 || !s.Reset.IsZero()
}
