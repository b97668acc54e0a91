package model

import (
	"strings"
	"time"
)

// TrackedOwner is a GitHub user or organization whose public repositories
// are auto-enrolled. Login is lower-cased and unique.
type TrackedOwner struct {
	Login          string
	CreatedAt      time.Time
	LastCheckedAt  time.Time
	KnownRepoCount int
}

// OwnerKey normalizes a login into its store key.
func OwnerKey(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// AccountType distinguishes users from organizations; they are enumerated
// through different endpoints.
type AccountType string

const (
	AccountUser         AccountType = "User"
	AccountOrganization AccountType = "Organization"
)
