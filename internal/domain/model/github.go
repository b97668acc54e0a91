package model

import "time"

// RepoMetadata is the subset of repository metadata the tracker needs.
type RepoMetadata struct {
	FullName      string
	DefaultBranch string
	Description   string
	HTMLURL       string
	Size          int // Kilobytes; zero means the repository has no content.
	Archived      bool
	Fork          bool
	PushedAt      time.Time
}

// Commit is a single commit on a branch.
type Commit struct {
	SHA       string
	Message   string
	Author    string
	URL       string
	Timestamp time.Time
}

// Headline returns the first line of the commit message.
func (c Commit) Headline() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' || c.Message[i] == '\r' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// Release is a published release, or a tag standing in for one.
type Release struct {
	Tag         string
	Name        string
	URL         string
	Body        string
	Prerelease  bool
	FromTag     bool // Synthesized from the tags endpoint; no formal release exists.
	PublishedAt time.Time
}

// Branch is a named ref with its head commit.
type Branch struct {
	Name      string
	HeadSHA   string
	Protected bool
}

// OwnerRepository is one entry of a user's or organization's repository listing.
type OwnerRepository struct {
	Name          string
	FullName      string
	DefaultBranch string
	Size          int
	Fork          bool
	Archived      bool
	PushedAt      time.Time
}
